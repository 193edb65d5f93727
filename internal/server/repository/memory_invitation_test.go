package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charadev96/invitecore/internal/server/domain"
)

func TestMemoryInvitationRepository(t *testing.T) {
	testRepository(t, func(t *testing.T) domain.InvitationRepository {
		return NewMemoryInvitationRepository()
	})
}

func TestMemoryInvitationRepositoryIsolatesCallers(t *testing.T) {
	repo := NewMemoryInvitationRepository()
	ctx := context.Background()
	inv := newTestInvitation(t, "COPY", "admin", testNow, intPtr(2), nil)
	require.NoError(t, repo.Save(ctx, &inv))

	*inv.UsageLimit = 99
	inv.Metadata["channel"] = "sms"

	loaded, err := repo.GetByCode(ctx, "COPY")
	require.NoError(t, err)
	require.Equal(t, 2, *loaded.UsageLimit)
	require.Equal(t, "email", loaded.Metadata["channel"])

	require.NoError(t, loaded.RecordUse("alice", testNow))
	again, err := repo.GetByCode(ctx, "COPY")
	require.NoError(t, err)
	require.Zero(t, again.UsageCount)
	require.Empty(t, again.Usages)
	require.Equal(t, 1, repo.Len())
}
