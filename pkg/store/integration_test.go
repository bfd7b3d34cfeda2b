//go:build integration
// +build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresStoreIntegration(t *testing.T) {
	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("cda"),
		postgres.WithUsername("cda"),
		postgres.WithPassword("cda"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	seed(t, s, "user-456", 10, 5000)
	require.NoError(t, apply(ctx, s, "user-456", "intent-1", epoch))
	require.ErrorIs(t, apply(ctx, s, "user-456", "intent-1", epoch), ErrDuplicateRecord)

	e, err := s.Entity(ctx, "user-456")
	require.NoError(t, err)
	assert.Equal(t, int64(11), e.Version)

	recs, err := s.Records(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "intent-1", recs[0].IntentID)
}
