package pgerror

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestGetConstraintName(t *testing.T) {
	_, ok := GetConstraintName(nil)
	assert.False(t, ok)

	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "uplink_events_pkey"})
	name, ok := GetConstraintName(err)
	assert.True(t, ok)
	assert.Equal(t, "uplink_events_pkey", name)

	_, ok = GetConstraintName(&pgconn.PgError{Code: "42P01"})
	assert.False(t, ok)
	assert.True(t, IsUndefinedTable(&pgconn.PgError{Code: "42P01"}))
}
