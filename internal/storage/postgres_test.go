package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestViolatedIndex(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"fingerprint", &pq.Error{Code: uniqueViolation, Constraint: fingerprintIndex}, fingerprintIndex},
		{"one active", &pq.Error{Code: uniqueViolation, Constraint: oneActiveIndex}, oneActiveIndex},
		{"wrapped", fmt.Errorf("exec: %w", &pq.Error{Code: uniqueViolation, Constraint: oneActiveIndex}), oneActiveIndex},
		{"other code", &pq.Error{Code: "23503", Constraint: fingerprintIndex}, ""},
		{"not pq", errors.New("connection refused"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, violatedIndex(tt.err))
		})
	}
}

func TestMigrationsDeclareUniqueIndexes(t *testing.T) {
	body, err := migrations.ReadFile("migrations.sql")
	assert.NoError(t, err)
	assert.Contains(t, string(body), "UNIQUE INDEX IF NOT EXISTS "+fingerprintIndex)
	assert.Contains(t, string(body), "UNIQUE INDEX IF NOT EXISTS "+oneActiveIndex)
}
