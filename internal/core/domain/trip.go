package domain

import "time"

const (
	TripStatusPending   = "pending"
	TripStatusCompleted = "completed"
)

// TripRecord is the canonical persisted shape of an admitted trip request.
type TripRecord struct {
	ID              string           `json:"id"`
	Identity        string           `json:"identity"`
	Destinations    []string         `json:"destinations"`
	StartDate       time.Time        `json:"startDate"`
	EndDate         time.Time        `json:"endDate"`
	TravelStyle     string           `json:"travelStyle"`
	Budget          string           `json:"budget,omitempty"`
	GroupSize       int              `json:"groupSize"`
	Interests       []string         `json:"interests,omitempty"`
	SpecialRequests string           `json:"specialRequests,omitempty"`
	ContactEmail    string           `json:"contactEmail,omitempty"`
	Extra           map[string]Value `json:"extra,omitempty"`
	Status          string           `json:"status"`
	CreatedAt       time.Time        `json:"createdAt"`
	Recommendation  *Recommendation  `json:"recommendation,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
}

// Recommendation is a staff-authored itinerary attached to a trip.
type Recommendation struct {
	Payload     Value  `json:"payload"`
	Currency    string `json:"currency"`
	TotalCost   string `json:"totalCost"`
	AuthoredBy  string `json:"authoredBy"`
	Destination int    `json:"destinationCount"`
}
