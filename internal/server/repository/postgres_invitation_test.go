package repository

import (
	"context"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/charadev96/invitecore/internal/server/domain"
)

// Set INVITECORE_TEST_POSTGRES_DSN to run against a disposable database.
// The invitation tables are dropped before every subtest.
func TestPostgresInvitationRepository(t *testing.T) {
	dsn := os.Getenv("INVITECORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INVITECORE_TEST_POSTGRES_DSN not set")
	}

	testRepository(t, func(t *testing.T) domain.InvitationRepository {
		ctx := context.Background()
		db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		_, err = db.ExecContext(ctx, `DROP TABLE IF EXISTS invitation_usages, invitations`)
		require.NoError(t, err)
		repo := NewPostgresInvitationRepository(db)
		require.NoError(t, repo.CreateSchema(ctx))
		return repo
	})
}
