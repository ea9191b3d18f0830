package domain

// RateLimitRecord is the per-identity submission counter. LastSubmissionDate
// is a calendar day (YYYY-MM-DD), not an instant.
type RateLimitRecord struct {
	LastSubmissionDate string `json:"lastSubmissionDate"`
	SubmissionCount    int    `json:"submissionCount"`
}

// Admission is the outcome of a successful admission check.
type Admission struct {
	Identity string
	Day      string
	Count    int
	Record   RateLimitRecord
}
