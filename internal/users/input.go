package users

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrMalformedBody is returned when the request body is not a JSON object
	ErrMalformedBody = errors.New("error parsing request body")

	// ErrMissingFields is returned when username, age or hobbies is absent
	ErrMissingFields = errors.New("body does not contain required fields")

	// ErrInvalidFields is returned when a field has the wrong JSON type
	ErrInvalidFields = errors.New("username must be a string / age must be a number / hobbies must be an array of strings")
)

// Input holds the client-supplied fields of a user record.
type Input struct {
	Username string
	Age      float64
	Hobbies  []string
}

// ParseInput decodes and validates a create request body.
// A field that is absent or null counts as missing; a present field of the
// wrong type is invalid.
func ParseInput(body []byte) (Input, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Input{}, ErrMalformedBody
	}
	if raw["username"] == nil || raw["age"] == nil || raw["hobbies"] == nil {
		return Input{}, ErrMissingFields
	}
	return typed(raw)
}

// ParseReplacement decodes and validates an update request body.
// Updates replace the whole record, so every field must be present and typed;
// absent fields are reported as invalid rather than missing.
func ParseReplacement(body []byte) (Input, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Input{}, ErrMalformedBody
	}
	return typed(raw)
}

func typed(raw map[string]any) (Input, error) {
	username, ok := raw["username"].(string)
	if !ok {
		return Input{}, ErrInvalidFields
	}
	age, ok := raw["age"].(float64)
	if !ok {
		return Input{}, ErrInvalidFields
	}
	list, ok := raw["hobbies"].([]any)
	if !ok {
		return Input{}, ErrInvalidFields
	}
	hobbies := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return Input{}, ErrInvalidFields
		}
		hobbies = append(hobbies, s)
	}
	return Input{Username: username, Age: age, Hobbies: hobbies}, nil
}

// ValidID reports whether id is a canonical hyphenated UUID: RFC 4122
// variant with version 1 through 8, or the nil and max UUIDs.
func ValidID(id string) bool {
	if len(id) != 36 {
		return false
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	if u == uuid.Nil || u == uuid.Max {
		return true
	}
	v := u.Version()
	return v >= 1 && v <= 8 && u.Variant() == uuid.RFC4122
}
