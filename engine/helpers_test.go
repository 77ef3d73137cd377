package engine

import (
	"testing"

	"github.com/google/uuid"
)

func uuidFor(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	if err != nil {
		t.Fatalf("invalid test uuid %q: %v", s, err)
	}
	return id
}
