package domain

import (
	"encoding/json"
	"errors"
	"regexp"
	"time"
)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9._:/-]+$`)

// Document is one JSON document in the document store, addressed by key.
type Document struct {
	Key       string
	Body      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d Document) Validate() error {
	if err := ValidateKey(d.Key); err != nil {
		return err
	}
	if !json.Valid(d.Body) {
		return errors.New("document body must be valid json")
	}
	return nil
}

func ValidateKey(key string) error {
	if key == "" || len(key) > 512 || !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}
