package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchSessionsBlankQuery(t *testing.T) {
	// A blank query must short-circuit before any database access.
	s := New(nil, nil)

	for _, q := range []string{"", "   ", "\t\n"} {
		got, err := s.SearchSessions(context.Background(), "u1", q)
		require.NoError(t, err, "query %q", q)
		assert.Empty(t, got, "query %q", q)
		assert.NotNil(t, got, "query %q", q)
	}
}

func TestLikePattern(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"broker", "%broker%"},
		{"100%", `%100\%%`},
		{"a_b", `%a\_b%`},
		{`back\slash`, `%back\\slash%`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, likePattern(tt.in), tt.in)
	}
}

func TestMigrateURL(t *testing.T) {
	got, err := migrateURL("postgres://u:p@localhost:5432/kbchat?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "pgx5://u:p@localhost:5432/kbchat?sslmode=disable", got)

	got, err = migrateURL("postgresql://localhost/db")
	require.NoError(t, err)
	assert.Equal(t, "pgx5://localhost/db", got)

	_, err = migrateURL("mysql://localhost/db")
	assert.Error(t, err)
}
