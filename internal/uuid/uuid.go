// Package uuid generates the operation identifiers recorded in checkpoint
// commits and key labels.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID in canonical string form.
func New() string {
	return uuid.NewString()
}
