// Package crossfield enforces business invariants that span several fields of
// an already structurally valid envelope.
package crossfield

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/atvirokodosprendimai/tripintake/internal/core/dates"
	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
)

// Field names the evaluator inspects.
const (
	FieldStartDate     = "startDate"
	FieldEndDate       = "endDate"
	FieldDestinations  = "destinations"
	FieldArrivalDate   = "arrivalDate"
	FieldDepartureDate = "departureDate"
	FieldName          = "name"
)

// Evaluate applies the date-range and nested date-range rules and reports
// every violation found. It only reads the envelope.
func Evaluate(envelope domain.Value) domain.ValidationResult {
	e := run(envelope)
	return domain.ValidationResult{Errors: e.all, Value: envelope}
}

// Check is Evaluate classified into the error taxonomy: unresolvable dates
// come back as *domain.DateParseError, ordering violations as
// *domain.CrossFieldValidationError. nil means every rule holds.
func Check(envelope domain.Value) error {
	e := run(envelope)
	switch {
	case len(e.parseErrs) > 0:
		return &domain.DateParseError{Errors: e.parseErrs}
	case len(e.orderErrs) > 0:
		return &domain.CrossFieldValidationError{Errors: e.orderErrs}
	default:
		return nil
	}
}

func run(envelope domain.Value) *evaluation {
	e := &evaluation{}
	e.dateRange("", envelope, FieldStartDate, FieldEndDate, "")
	e.nestedDateRanges(envelope)
	return e
}

type evaluation struct {
	all       []domain.FieldError
	orderErrs []domain.FieldError
	parseErrs []domain.FieldError
}

func (e *evaluation) nestedDateRanges(envelope domain.Value) {
	list, ok := envelope.Get(FieldDestinations)
	if !ok || list.Kind() != domain.KindArray {
		return
	}
	base := domain.FieldPath(FieldDestinations)
	for i := 0; i < list.Len(); i++ {
		item := list.Index(i)
		if item.Kind() != domain.KindObject {
			continue
		}
		subject := "destination " + strconv.Itoa(i)
		if name, ok := item.Get(FieldName); ok {
			if s, ok := name.Str(); ok && s != "" {
				subject += " (" + strconv.Quote(s) + ")"
			}
		}
		e.dateRange(base.Index(i), item, FieldArrivalDate, FieldDepartureDate, subject)
	}
}

// dateRange requires to to be strictly after from when both are present.
func (e *evaluation) dateRange(base domain.FieldPath, obj domain.Value, from, to, subject string) {
	fromVal, okFrom := obj.Get(from)
	toVal, okTo := obj.Get(to)
	if !okFrom || !okTo {
		return
	}
	start, okStart := e.resolve(base.Field(from), fromVal)
	end, okEnd := e.resolve(base.Field(to), toVal)
	if !okStart || !okEnd {
		return
	}
	if end.After(start) {
		return
	}
	msg := fmt.Sprintf("%s must be after %s", to, from)
	if subject != "" {
		msg = subject + ": " + msg
	}
	fe := domain.Offending(base.Field(to), toVal, "%s", msg)
	e.orderErrs = append(e.orderErrs, fe)
	e.all = append(e.all, fe)
}

func (e *evaluation) resolve(path domain.FieldPath, v domain.Value) (time.Time, bool) {
	s, ok := v.Str()
	if !ok {
		return time.Time{}, false
	}
	t, err := dates.Normalize(s)
	if err != nil {
		reason := err.Error()
		var parseErr *dates.ParseError
		if errors.As(err, &parseErr) {
			reason = "invalid date: " + parseErr.Reason
		}
		fe := domain.Offending(path, v, "%s", reason)
		e.parseErrs = append(e.parseErrs, fe)
		e.all = append(e.all, fe)
		return time.Time{}, false
	}
	return t, true
}
