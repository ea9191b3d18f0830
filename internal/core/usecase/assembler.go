package usecase

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
)

const (
	MinGroupSize = 1
	MaxGroupSize = 20
)

// tripFields are lifted into typed TripRecord fields; everything else the
// validator passed through lands in Extra.
var tripFields = map[string]bool{
	"destinations":    true,
	"startDate":       true,
	"endDate":         true,
	"travelStyle":     true,
	"budget":          true,
	"groupSize":       true,
	"interests":       true,
	"specialRequests": true,
	"contactEmail":    true,
}

var costComponents = []string{"accommodation", "activities", "transport", "other"}

// AssembleTrip builds the persisted record from a sanitized, validated
// envelope and its canonical start and end dates.
func AssembleTrip(id, identity string, sanitized domain.Value, start, end, now time.Time) domain.TripRecord {
	rec := domain.TripRecord{
		ID:              id,
		Identity:        identity,
		Destinations:    stringList(sanitized, "destinations"),
		StartDate:       start,
		EndDate:         end,
		TravelStyle:     stringField(sanitized, "travelStyle"),
		Budget:          stringField(sanitized, "budget"),
		GroupSize:       clampGroupSize(sanitized),
		Interests:       stringList(sanitized, "interests"),
		SpecialRequests: stringField(sanitized, "specialRequests"),
		ContactEmail:    stringField(sanitized, "contactEmail"),
		Status:          domain.TripStatusPending,
		CreatedAt:       now.UTC(),
	}
	for _, key := range sanitized.Keys() {
		if tripFields[key] {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]domain.Value)
		}
		rec.Extra[key], _ = sanitized.Get(key)
	}
	return rec
}

// AssembleRecommendation wraps a sanitized recommendation payload and totals
// its cost components exactly.
func AssembleRecommendation(author string, sanitized domain.Value) (domain.Recommendation, error) {
	costs, _ := sanitized.Get("costs")
	total := decimal.Zero
	for _, name := range costComponents {
		v, ok := costs.Get(name)
		if !ok || v.Kind() != domain.KindNumber {
			continue
		}
		amount, err := decimal.NewFromString(v.NumberText())
		if err != nil {
			return domain.Recommendation{}, fmt.Errorf("costs.%s: %w", name, err)
		}
		total = total.Add(amount)
	}

	destinations, _ := sanitized.Get("destinations")
	return domain.Recommendation{
		Payload:     sanitized,
		Currency:    stringField(costs, "currency"),
		TotalCost:   total.StringFixed(2),
		AuthoredBy:  author,
		Destination: destinations.Len(),
	}, nil
}

func clampGroupSize(v domain.Value) int {
	raw, ok := v.Get("groupSize")
	if !ok {
		return MinGroupSize
	}
	f, ok := raw.Num()
	switch {
	case !ok || f < MinGroupSize:
		return MinGroupSize
	case f > MaxGroupSize:
		return MaxGroupSize
	default:
		return int(f)
	}
}

func stringField(v domain.Value, key string) string {
	raw, ok := v.Get(key)
	if !ok {
		return ""
	}
	s, _ := raw.Str()
	return s
}

func stringList(v domain.Value, key string) []string {
	raw, ok := v.Get(key)
	if !ok || raw.Kind() != domain.KindArray {
		return nil
	}
	out := make([]string, 0, raw.Len())
	for _, item := range raw.Items() {
		if s, ok := item.Str(); ok {
			out = append(out, s)
		}
	}
	return out
}
