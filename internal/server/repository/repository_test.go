package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/charadev96/invitecore/internal/server/domain"
)

var testNow = time.Date(2024, 5, 10, 9, 30, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func newTestInvitation(t *testing.T, code, createdBy string, createdAt time.Time, limit *int, expiresAt *time.Time) domain.Invitation {
	t.Helper()
	inv, err := domain.NewInvitation(domain.NewInvitationInput{
		Code:       code,
		CreatedBy:  createdBy,
		UsageLimit: limit,
		ExpiresAt:  expiresAt,
		Metadata:   map[string]any{"channel": "email"},
	}, createdAt)
	require.NoError(t, err)
	return inv
}

func requireSameInvitation(t *testing.T, want, got domain.Invitation) {
	t.Helper()
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Code, got.Code)
	require.Equal(t, want.CreatedBy, got.CreatedBy)
	require.Equal(t, want.UsageLimit, got.UsageLimit)
	require.Equal(t, want.UsageCount, got.UsageCount)
	require.Equal(t, want.Status, got.Status)
	require.Equal(t, want.Version, got.Version)
	require.Equal(t, want.RevokedBy, got.RevokedBy)
	require.Equal(t, want.RevocationReason, got.RevocationReason)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %s != %s", want.CreatedAt, got.CreatedAt)
	requireSameTime(t, want.ExpiresAt, got.ExpiresAt)
	requireSameTime(t, want.RevokedAt, got.RevokedAt)
	require.Equal(t, len(want.Metadata), len(got.Metadata))
	for k, v := range want.Metadata {
		require.Equal(t, v, got.Metadata[k])
	}
	require.Len(t, got.Usages, len(want.Usages))
	for i := range want.Usages {
		require.Equal(t, want.Usages[i].UsedBy, got.Usages[i].UsedBy)
		require.True(t, want.Usages[i].UsedAt.Equal(got.Usages[i].UsedAt))
	}
}

func requireSameTime(t *testing.T, want, got *time.Time) {
	t.Helper()
	if want == nil {
		require.Nil(t, got)
		return
	}
	require.NotNil(t, got)
	require.True(t, want.Equal(*got), "%s != %s", *want, *got)
}

func codes(invs []domain.Invitation) []string {
	out := make([]string, 0, len(invs))
	for _, inv := range invs {
		out = append(out, inv.Code)
	}
	return out
}

// testRepository runs the behaviour every InvitationRepository shares
// against a fresh repository per subtest.
func testRepository(t *testing.T, newRepo func(t *testing.T) domain.InvitationRepository) {
	t.Run("save and get", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		inv := newTestInvitation(t, "WELCOME", "admin", testNow, intPtr(3), timePtr(testNow.Add(time.Hour)))

		require.NoError(t, repo.Save(ctx, &inv))
		require.Equal(t, int64(1), inv.Version)

		byCode, err := repo.GetByCode(ctx, "WELCOME")
		require.NoError(t, err)
		requireSameInvitation(t, inv, byCode)

		byID, err := repo.GetByID(ctx, inv.ID)
		require.NoError(t, err)
		requireSameInvitation(t, inv, byID)

		exists, err := repo.Exists(ctx, "WELCOME")
		require.NoError(t, err)
		require.True(t, exists)
		exists, err = repo.Exists(ctx, "welcome")
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("not found", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		_, err := repo.GetByCode(ctx, "MISSING")
		require.ErrorIs(t, err, domain.ErrInvitationNotFound)
		_, err = repo.GetByID(ctx, uuid.New())
		require.ErrorIs(t, err, domain.ErrInvitationNotFound)
	})

	t.Run("duplicate code", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		first := newTestInvitation(t, "DUP", "admin", testNow, nil, nil)
		second := newTestInvitation(t, "DUP", "other", testNow, nil, nil)

		require.NoError(t, repo.Save(ctx, &first))
		require.ErrorIs(t, repo.Save(ctx, &second), domain.ErrDuplicateCode)
		require.Zero(t, second.Version)

		stored, err := repo.GetByCode(ctx, "DUP")
		require.NoError(t, err)
		require.Equal(t, "admin", stored.CreatedBy)
	})

	t.Run("codes are case sensitive", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		lower := newTestInvitation(t, "abc", "admin", testNow, nil, nil)
		upper := newTestInvitation(t, "ABC", "admin", testNow, nil, nil)

		require.NoError(t, repo.Save(ctx, &lower))
		require.NoError(t, repo.Save(ctx, &upper))
	})

	t.Run("update appends usages", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		inv := newTestInvitation(t, "USE", "admin", testNow, intPtr(2), nil)
		require.NoError(t, repo.Save(ctx, &inv))

		loaded, err := repo.GetByCode(ctx, "USE")
		require.NoError(t, err)
		require.NoError(t, loaded.RecordUse("alice", testNow.Add(time.Minute)))
		require.NoError(t, repo.Save(ctx, &loaded))
		require.Equal(t, int64(2), loaded.Version)

		loaded, err = repo.GetByCode(ctx, "USE")
		require.NoError(t, err)
		require.NoError(t, loaded.RecordUse("bob", testNow.Add(2*time.Minute)))
		require.NoError(t, repo.Save(ctx, &loaded))

		stored, err := repo.GetByCode(ctx, "USE")
		require.NoError(t, err)
		requireSameInvitation(t, loaded, stored)
		require.Equal(t, domain.StatusUsedUp, stored.Status)
		require.Equal(t, "alice", stored.Usages[0].UsedBy)
		require.Equal(t, "bob", stored.Usages[1].UsedBy)
	})

	t.Run("stale save conflicts", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		inv := newTestInvitation(t, "RACE", "admin", testNow, nil, nil)
		require.NoError(t, repo.Save(ctx, &inv))

		first, err := repo.GetByCode(ctx, "RACE")
		require.NoError(t, err)
		second, err := repo.GetByCode(ctx, "RACE")
		require.NoError(t, err)

		require.NoError(t, first.RecordUse("alice", testNow))
		require.NoError(t, repo.Save(ctx, &first))

		require.NoError(t, second.RecordUse("bob", testNow))
		require.ErrorIs(t, repo.Save(ctx, &second), domain.ErrConflict)

		stored, err := repo.GetByCode(ctx, "RACE")
		require.NoError(t, err)
		require.Equal(t, 1, stored.UsageCount)
		require.Equal(t, "alice", stored.Usages[0].UsedBy)
	})

	t.Run("revocation fields", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		inv := newTestInvitation(t, "SPAM", "admin", testNow, nil, nil)
		require.NoError(t, repo.Save(ctx, &inv))

		require.True(t, inv.Revoke("mod", "abuse", testNow.Add(time.Hour)))
		require.NoError(t, repo.Save(ctx, &inv))

		stored, err := repo.GetByCode(ctx, "SPAM")
		require.NoError(t, err)
		requireSameInvitation(t, inv, stored)
	})

	t.Run("metadata round trips as JSON values", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		inv, err := domain.NewInvitation(domain.NewInvitationInput{
			Code:      "META",
			CreatedBy: "admin",
			Metadata: map[string]any{
				"n":      5,
				"ratio":  0.5,
				"tags":   []string{"a", "b"},
				"nested": map[string]any{"ok": true},
			},
		}, testNow)
		require.NoError(t, err)
		require.NoError(t, repo.Save(ctx, &inv))

		stored, err := repo.GetByCode(ctx, "META")
		require.NoError(t, err)
		requireSameInvitation(t, inv, stored)
		require.Equal(t, float64(5), stored.Metadata["n"])
		require.Equal(t, []any{"a", "b"}, stored.Metadata["tags"])
		require.Equal(t, map[string]any{"ok": true}, stored.Metadata["nested"])
	})

	t.Run("list by creator newest first", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		for i, code := range []string{"ONE", "TWO", "THREE"} {
			inv := newTestInvitation(t, code, "admin", testNow.Add(time.Duration(i)*time.Minute), nil, nil)
			require.NoError(t, repo.Save(ctx, &inv))
		}
		tie := newTestInvitation(t, "ALSO-THREE", "admin", testNow.Add(2*time.Minute), nil, nil)
		require.NoError(t, repo.Save(ctx, &tie))
		other := newTestInvitation(t, "OTHER", "someone", testNow, nil, nil)
		require.NoError(t, repo.Save(ctx, &other))

		invs, err := repo.ListByCreator(ctx, "admin")
		require.NoError(t, err)
		require.Equal(t, []string{"ALSO-THREE", "THREE", "TWO", "ONE"}, codes(invs))

		invs, err = repo.ListByCreator(ctx, "nobody")
		require.NoError(t, err)
		require.Empty(t, invs)
	})

	t.Run("list expired and count", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		past := newTestInvitation(t, "PAST", "admin", testNow, nil, timePtr(testNow.Add(-time.Minute)))
		exact := newTestInvitation(t, "EXACT", "admin", testNow.Add(time.Second), nil, timePtr(testNow))
		future := newTestInvitation(t, "FUTURE", "admin", testNow, nil, timePtr(testNow.Add(time.Minute)))
		never := newTestInvitation(t, "NEVER", "admin", testNow, nil, nil)
		revoked := newTestInvitation(t, "REVOKED", "admin", testNow, nil, timePtr(testNow.Add(-time.Minute)))
		for _, inv := range []*domain.Invitation{&past, &exact, &future, &never, &revoked} {
			require.NoError(t, repo.Save(ctx, inv))
		}
		revoked.Status = domain.StatusRevoked
		require.NoError(t, repo.Save(ctx, &revoked))

		invs, err := repo.ListExpired(ctx, testNow)
		require.NoError(t, err)
		require.Equal(t, []string{"EXACT", "PAST"}, codes(invs))

		active, err := repo.CountByStatus(ctx, domain.StatusActive)
		require.NoError(t, err)
		require.Equal(t, 4, active)
		n, err := repo.CountByStatus(ctx, domain.StatusRevoked)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		n, err = repo.CountByStatus(ctx, domain.StatusExpired)
		require.NoError(t, err)
		require.Zero(t, n)
	})
}
