package schema

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
)

// Validate checks envelope against tree and collects every violation in
// schema-declaration order. It never panics and never mutates its inputs; the
// returned result carries a sanitized copy of the envelope in which unknown
// fields of closed objects are dropped.
func Validate(tree *Tree, envelope domain.Value) domain.ValidationResult {
	if tree == nil || tree.root == nil {
		return domain.ValidationResult{Errors: []domain.FieldError{{Message: "no rule tree"}}}
	}
	w := &walker{}
	out := w.check(tree.root, envelope, "")
	return domain.ValidationResult{Errors: w.errs, Value: out}
}

type walker struct {
	errs []domain.FieldError
}

func (w *walker) fail(path domain.FieldPath, v domain.Value, format string, args ...any) {
	w.errs = append(w.errs, domain.Offending(path, v, format, args...))
}

func (w *walker) check(n *node, v domain.Value, path domain.FieldPath) domain.Value {
	switch n.kind {
	case KindString:
		return w.checkString(n, v, path)
	case KindEnum:
		return w.checkEnum(n, v, path)
	case KindNumber, KindInteger:
		return w.checkNumber(n, v, path)
	case KindBoolean:
		if v.Kind() != domain.KindBool {
			w.fail(path, v, "must be a boolean, got %s", v.Kind())
		}
		return v
	case KindArray:
		return w.checkArray(n, v, path)
	case KindObject:
		return w.checkObject(n, v, path)
	default:
		w.fail(path, v, "unsupported rule kind %q", n.kind)
		return v
	}
}

func (w *walker) checkString(n *node, v domain.Value, path domain.FieldPath) domain.Value {
	s, ok := v.Str()
	if !ok {
		w.fail(path, v, "must be a string, got %s", v.Kind())
		return v
	}
	length := float64(utf8.RuneCountInString(s))
	if n.length.hasMin && length < n.length.min {
		w.fail(path, v, "must be at least %s characters long (got %s)", fmtNum(n.length.min), fmtNum(length))
	}
	if n.length.hasMax && length > n.length.max {
		w.fail(path, v, "must be at most %s characters long (got %s)", fmtNum(n.length.max), fmtNum(length))
	}
	if n.pattern != nil && !n.pattern.MatchString(s) {
		w.fail(path, v, "must match pattern %s", n.pattern.String())
	}
	if len(n.enum) > 0 && !contains(n.enum, s) {
		w.fail(path, v, "must be one of [%s]", strings.Join(n.enum, ", "))
	}
	return v
}

func (w *walker) checkEnum(n *node, v domain.Value, path domain.FieldPath) domain.Value {
	s, ok := v.Str()
	if !ok {
		w.fail(path, v, "must be a string, got %s", v.Kind())
		return v
	}
	if !contains(n.enum, s) {
		w.fail(path, v, "must be one of [%s]", strings.Join(n.enum, ", "))
	}
	return v
}

func (w *walker) checkNumber(n *node, v domain.Value, path domain.FieldPath) domain.Value {
	if v.Kind() != domain.KindNumber {
		w.fail(path, v, "must be of type %s, got %s", n.kind, v.Kind())
		return v
	}
	f, ok := v.Num()
	if !ok {
		w.fail(path, v, "must be a finite number")
		return v
	}
	if n.kind == KindInteger && !v.IsInteger() {
		w.fail(path, v, "must be an integer")
		return v
	}
	if n.value.hasMin && f < n.value.min {
		w.fail(path, v, "must be >= %s (got %s)", fmtNum(n.value.min), v.NumberText())
	}
	if n.value.hasMax && f > n.value.max {
		w.fail(path, v, "must be <= %s (got %s)", fmtNum(n.value.max), v.NumberText())
	}
	return v
}

func (w *walker) checkArray(n *node, v domain.Value, path domain.FieldPath) domain.Value {
	if v.Kind() != domain.KindArray {
		w.fail(path, v, "must be an array, got %s", v.Kind())
		return v
	}
	count := float64(v.Len())
	if n.items.hasMin && count < n.items.min {
		w.fail(path, v, "must contain at least %s items (got %s)", fmtNum(n.items.min), fmtNum(count))
	}
	if n.items.hasMax && count > n.items.max {
		w.fail(path, v, "must contain at most %s items (got %s)", fmtNum(n.items.max), fmtNum(count))
	}
	items := v.Items()
	out := make([]domain.Value, len(items))
	for i, item := range items {
		out[i] = w.check(n.elem, item, path.Index(i))
	}
	return domain.Array(out...)
}

func (w *walker) checkObject(n *node, v domain.Value, path domain.FieldPath) domain.Value {
	if v.Kind() != domain.KindObject {
		w.fail(path, v, "must be an object, got %s", v.Kind())
		return v
	}

	out := make(map[string]domain.Value, v.Len())
	declared := make(map[string]bool, len(n.fields))
	for _, f := range n.fields {
		declared[f.name] = true
		child, present := v.Get(f.name)
		if !present || child.IsNull() {
			if f.required {
				w.errs = append(w.errs, domain.Missing(path.Field(f.name), "is required"))
			}
			continue
		}
		out[f.name] = w.check(f.node, child, path.Field(f.name))
	}

	if n.additional {
		for _, key := range v.Keys() {
			if declared[key] {
				continue
			}
			extra, _ := v.Get(key)
			out[key] = extra
		}
	}
	return domain.Object(out)
}

func contains(set []string, s string) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

func fmtNum(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
