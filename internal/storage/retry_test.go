package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsDeadlock(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: true},
		{name: "wrapped deadlock", err: fmt.Errorf("storage: lock run: %w", &pgconn.PgError{Code: "40P01"}), want: true},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}},
		{name: "plain error", err: errors.New("boom")},
		{name: "nil", err: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isDeadlock(tt.err))
		})
	}
}
