// Package schema compiles declarative rule trees and validates submission
// envelopes against them.
package schema

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
	KindEnum    Kind = "enum"
	KindRef     Kind = "ref"
)

var (
	ErrUnknownRef   = errors.New("unknown rule reference")
	ErrCyclicRef    = errors.New("cyclic rule reference")
	ErrInvalidRule  = errors.New("invalid rule")
	ErrUnknownTree  = errors.New("unknown rule tree")
	ErrDuplicateDef = errors.New("duplicate rule definition")
)

// Rule is the declarative, uncompiled form of a field constraint. Properties
// are ordered; the order is the order errors are reported in.
type Rule struct {
	Name                 string   `yaml:"name,omitempty" json:"name,omitempty"`
	Kind                 Kind     `yaml:"kind" json:"kind"`
	Required             bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Label                string   `yaml:"label,omitempty" json:"label,omitempty"`
	MinLength            *int     `yaml:"minLength,omitempty" json:"minLength,omitempty"`
	MaxLength            *int     `yaml:"maxLength,omitempty" json:"maxLength,omitempty"`
	Minimum              *float64 `yaml:"minimum,omitempty" json:"minimum,omitempty"`
	Maximum              *float64 `yaml:"maximum,omitempty" json:"maximum,omitempty"`
	MinItems             *int     `yaml:"minItems,omitempty" json:"minItems,omitempty"`
	MaxItems             *int     `yaml:"maxItems,omitempty" json:"maxItems,omitempty"`
	Pattern              string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Enum                 []string `yaml:"enum,omitempty" json:"enum,omitempty"`
	Ref                  string   `yaml:"ref,omitempty" json:"ref,omitempty"`
	AdditionalProperties *bool    `yaml:"additionalProperties,omitempty" json:"additionalProperties,omitempty"`
	Items                *Rule    `yaml:"items,omitempty" json:"items,omitempty"`
	Properties           []Rule   `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// Tree is a compiled, immutable rule tree. It is safe for concurrent use.
type Tree struct {
	name string
	root *node
}

func (t *Tree) Name() string { return t.name }

type bounds struct {
	min, max       float64
	hasMin, hasMax bool
}

type node struct {
	kind       Kind
	label      string
	length     bounds
	value      bounds
	items      bounds
	pattern    *regexp.Regexp
	enum       []string
	fields     []field
	elem       *node
	additional bool
}

type field struct {
	name     string
	required bool
	node     *node
}

// Compile resolves every fragment reference in root and returns an immutable
// tree. Unknown references and reference cycles are reported here, never at
// validation time.
func Compile(name string, root Rule, fragments map[string]Rule) (*Tree, error) {
	c := &compiler{
		fragments: fragments,
		done:      make(map[string]*node),
		visiting:  make(map[string]bool),
	}
	n, err := c.compile(root, name)
	if err != nil {
		return nil, err
	}
	return &Tree{name: name, root: n}, nil
}

type compiler struct {
	fragments map[string]Rule
	done      map[string]*node
	visiting  map[string]bool
	stack     []string
}

func (c *compiler) compile(r Rule, path string) (*node, error) {
	if r.Kind == KindRef {
		return c.resolve(r.Ref, path)
	}

	n := &node{kind: r.Kind, label: r.Label, additional: true}
	if r.AdditionalProperties != nil {
		n.additional = *r.AdditionalProperties
	}

	var err error
	if n.length, err = intBounds(r.MinLength, r.MaxLength); err != nil {
		return nil, fmt.Errorf("%w: %s: length: %v", ErrInvalidRule, path, err)
	}
	if n.items, err = intBounds(r.MinItems, r.MaxItems); err != nil {
		return nil, fmt.Errorf("%w: %s: items: %v", ErrInvalidRule, path, err)
	}
	if n.value, err = floatBounds(r.Minimum, r.Maximum); err != nil {
		return nil, fmt.Errorf("%w: %s: range: %v", ErrInvalidRule, path, err)
	}

	switch r.Kind {
	case KindString:
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: pattern: %v", ErrInvalidRule, path, err)
			}
			n.pattern = re
		}
		n.enum = append([]string(nil), r.Enum...)
	case KindEnum:
		if len(r.Enum) == 0 {
			return nil, fmt.Errorf("%w: %s: enum without values", ErrInvalidRule, path)
		}
		n.enum = append([]string(nil), r.Enum...)
	case KindNumber, KindInteger, KindBoolean:
	case KindArray:
		if r.Items == nil {
			return nil, fmt.Errorf("%w: %s: array without items", ErrInvalidRule, path)
		}
		elem, err := c.compile(*r.Items, path+"[]")
		if err != nil {
			return nil, err
		}
		n.elem = elem
	case KindObject:
		seen := make(map[string]bool, len(r.Properties))
		for _, p := range r.Properties {
			if p.Name == "" {
				return nil, fmt.Errorf("%w: %s: property without name", ErrInvalidRule, path)
			}
			if seen[p.Name] {
				return nil, fmt.Errorf("%w: %s.%s", ErrDuplicateDef, path, p.Name)
			}
			seen[p.Name] = true
			child, err := c.compile(p, path+"."+p.Name)
			if err != nil {
				return nil, err
			}
			n.fields = append(n.fields, field{name: p.Name, required: p.Required, node: child})
		}
	default:
		return nil, fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidRule, path, r.Kind)
	}
	return n, nil
}

func (c *compiler) resolve(ref, path string) (*node, error) {
	if n, ok := c.done[ref]; ok {
		return n, nil
	}
	if c.visiting[ref] {
		cycle := append(append([]string(nil), c.stack...), ref)
		return nil, fmt.Errorf("%w: %s", ErrCyclicRef, strings.Join(cycle, " -> "))
	}
	frag, ok := c.fragments[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q at %s", ErrUnknownRef, ref, path)
	}

	c.visiting[ref] = true
	c.stack = append(c.stack, ref)
	n, err := c.compile(frag, "#"+ref)
	c.stack = c.stack[:len(c.stack)-1]
	delete(c.visiting, ref)
	if err != nil {
		return nil, err
	}
	c.done[ref] = n
	return n, nil
}

func intBounds(lo, hi *int) (bounds, error) {
	var b bounds
	if lo != nil {
		if *lo < 0 {
			return b, fmt.Errorf("negative minimum %d", *lo)
		}
		b.min, b.hasMin = float64(*lo), true
	}
	if hi != nil {
		if *hi < 0 {
			return b, fmt.Errorf("negative maximum %d", *hi)
		}
		b.max, b.hasMax = float64(*hi), true
	}
	if b.hasMin && b.hasMax && b.min > b.max {
		return b, fmt.Errorf("minimum %v above maximum %v", b.min, b.max)
	}
	return b, nil
}

func floatBounds(lo, hi *float64) (bounds, error) {
	var b bounds
	if lo != nil {
		if math.IsNaN(*lo) || math.IsInf(*lo, 0) {
			return b, errors.New("minimum must be finite")
		}
		b.min, b.hasMin = *lo, true
	}
	if hi != nil {
		if math.IsNaN(*hi) || math.IsInf(*hi, 0) {
			return b, errors.New("maximum must be finite")
		}
		b.max, b.hasMax = *hi, true
	}
	if b.hasMin && b.hasMax && b.min > b.max {
		return b, fmt.Errorf("minimum %v above maximum %v", b.min, b.max)
	}
	return b, nil
}
