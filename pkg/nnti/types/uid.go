package types

import "github.com/google/uuid"

// UID is a process-local unique identifier for a message, buffer, op,
// or connection. It is carried as a string so it can travel through
// logs and wire messages without a dedicated codec.
type UID string

// GenerateUID returns a new random UID, backed by a proper UUID rather
// than the teacher's ad-hoc string concatenation.
func GenerateUID() UID {
	return UID(uuid.New().String())
}
