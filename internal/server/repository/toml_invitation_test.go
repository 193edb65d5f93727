package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charadev96/invitecore/internal/server/domain"
)

func TestTOMLInvitationRepository(t *testing.T) {
	testRepository(t, func(t *testing.T) domain.InvitationRepository {
		return NewTOMLInvitationRepository(filepath.Join(t.TempDir(), "invitations.toml"))
	})
}

func TestTOMLInvitationRepositoryMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invitations.toml")
	repo := NewTOMLInvitationRepository(path)

	n, err := repo.CountByStatus(context.Background(), domain.StatusActive)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestTOMLInvitationRepositorySharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invitations.toml")
	ctx := context.Background()
	writer := NewTOMLInvitationRepository(path)
	reader := NewTOMLInvitationRepository(path)

	inv := newTestInvitation(t, "SHARED", "admin", testNow, intPtr(1), nil)
	require.NoError(t, writer.Save(ctx, &inv))

	loaded, err := reader.GetByCode(ctx, "SHARED")
	require.NoError(t, err)
	requireSameInvitation(t, inv, loaded)

	require.NoError(t, loaded.RecordUse("alice", testNow))
	require.NoError(t, reader.Save(ctx, &loaded))

	inv.Status = domain.StatusRevoked
	require.ErrorIs(t, writer.Save(ctx, &inv), domain.ErrConflict)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "alice")
}

func TestTOMLInvitationRepositoryCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invitations.toml")
	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0644))

	_, err := NewTOMLInvitationRepository(path).GetByCode(context.Background(), "ANY")
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrInvitationNotFound)
}

func TestTOMLInvitationRepositoryFailedSaveKeepsDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invitations.toml")
	ctx := context.Background()
	repo := NewTOMLInvitationRepository(path)

	inv := newTestInvitation(t, "KEEP", "admin", testNow, intPtr(2), nil)
	require.NoError(t, repo.Save(ctx, &inv))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	broken := newTestInvitation(t, "BROKEN", "admin", testNow, nil, nil)
	broken.Metadata["callback"] = make(chan int)
	require.Error(t, repo.Save(ctx, &broken))
	require.Zero(t, broken.Version)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after)

	for _, r := range []*TOMLInvitationRepository{repo, NewTOMLInvitationRepository(path)} {
		stored, err := r.GetByCode(ctx, "KEEP")
		require.NoError(t, err)
		requireSameInvitation(t, inv, stored)
		exists, err := r.Exists(ctx, "BROKEN")
		require.NoError(t, err)
		require.False(t, exists)
	}
}

func TestTOMLInvitationRepositoryReplacesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invitations.toml")
	ctx := context.Background()
	repo := NewTOMLInvitationRepository(path)

	inv := newTestInvitation(t, "SWAP", "admin", testNow, nil, nil)
	require.NoError(t, repo.Save(ctx, &inv))
	first, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, inv.RecordUse("alice", testNow))
	require.NoError(t, repo.Save(ctx, &inv))
	second, err := os.Stat(path)
	require.NoError(t, err)

	require.False(t, os.SameFile(first, second), "document was rewritten in place")
	require.Equal(t, os.FileMode(permRepository), second.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
