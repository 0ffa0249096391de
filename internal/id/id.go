package id

import "github.com/google/uuid"

// New returns a random request id in canonical UUID form.
func New() string {
	return uuid.NewString()
}
