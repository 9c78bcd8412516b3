package syncer

import (
	"strings"

	"github.com/google/uuid"
)

const provisionalPrefix = "local-"

// NewOpID returns a time-ordered id for one mutation attempt.
func NewOpID() string {
	return "op-" + uuid.Must(uuid.NewV7()).String()
}

// NewProvisionalID returns a client-generated id for an optimistic create.
func NewProvisionalID() string {
	return provisionalPrefix + uuid.Must(uuid.NewV7()).String()
}

// NewClientID identifies one running client instance in push envelopes.
func NewClientID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func IsProvisional(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}
