package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/crosslink-io/identity-server/internal/model"
)

func TestNewContactRepository(t *testing.T) {
	db := &Connection{}
	repo := NewContactRepository(db)

	assert.NotNil(t, repo)
	assert.Equal(t, db, repo.pool)
}

func TestMapConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "serialization failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: model.ErrConflict,
		},
		{
			name: "deadlock detected",
			err:  &pgconn.PgError{Code: "40P01"},
			want: model.ErrConflict,
		},
		{
			name: "unrelated pg error",
			err:  &pgconn.PgError{Code: "23505"},
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapConflict(tt.err)
			if tt.want != nil {
				assert.ErrorIs(t, got, tt.want)
			} else {
				assert.Equal(t, tt.err, got)
			}
		})
	}
}
