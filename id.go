package cradle

import "github.com/google/uuid"

// NewTaskID generates a short opaque task identifier: the first 8 hex
// characters of a random UUID. Collision odds are negligible for a
// process-lifetime task map.
func NewTaskID() string {
	return uuid.NewString()[:8]
}
