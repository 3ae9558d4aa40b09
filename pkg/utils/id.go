package utils

import "github.com/google/uuid"

// NewUUID7 returns a time-ordered UUIDv7 string. VM identifiers use UUIDv7
// so run directories and log files sort chronologically.
func NewUUID7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	return id.String(), nil
}
