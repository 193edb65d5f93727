package repository

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/charadev96/invitecore/internal/server/domain"
)

// MemoryInvitationRepository keeps invitations in a map. Values are deep
// copied on the way in and out so callers never share state with the store.
type MemoryInvitationRepository struct {
	mu     sync.RWMutex
	byCode map[string]*domain.Invitation
}

func NewMemoryInvitationRepository() *MemoryInvitationRepository {
	return &MemoryInvitationRepository{
		byCode: make(map[string]*domain.Invitation),
	}
}

func (r *MemoryInvitationRepository) Save(ctx context.Context, inv *domain.Invitation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byCode[inv.Code]
	if inv.Version == 0 {
		if ok {
			return fmt.Errorf("failed to save invitation: %w", domain.ErrDuplicateCode)
		}
	} else if !ok || stored.Version != inv.Version {
		return fmt.Errorf("failed to save invitation: %w", domain.ErrConflict)
	}

	next := inv.Version + 1
	c := cloneInvitation(*inv)
	c.Version = next
	r.byCode[inv.Code] = &c
	inv.Version = next
	return nil
}

func (r *MemoryInvitationRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Invitation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inv := range r.byCode {
		if inv.ID == id {
			return cloneInvitation(*inv), nil
		}
	}
	return domain.Invitation{}, fmt.Errorf("failed to get invitation: %w", domain.ErrInvitationNotFound)
}

func (r *MemoryInvitationRepository) GetByCode(ctx context.Context, code string) (domain.Invitation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.byCode[code]
	if !ok {
		return domain.Invitation{}, fmt.Errorf("failed to get invitation: %w", domain.ErrInvitationNotFound)
	}
	return cloneInvitation(*inv), nil
}

func (r *MemoryInvitationRepository) Exists(ctx context.Context, code string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byCode[code]
	return ok, nil
}

func (r *MemoryInvitationRepository) ListByCreator(ctx context.Context, createdBy string) ([]domain.Invitation, error) {
	return r.list(func(inv *domain.Invitation) bool {
		return inv.CreatedBy == createdBy
	})
}

func (r *MemoryInvitationRepository) ListExpired(ctx context.Context, now time.Time) ([]domain.Invitation, error) {
	return r.list(func(inv *domain.Invitation) bool {
		return inv.Status == domain.StatusActive && inv.IsExpired(now)
	})
}

func (r *MemoryInvitationRepository) CountByStatus(ctx context.Context, status domain.Status) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, inv := range r.byCode {
		if inv.Status == status {
			n++
		}
	}
	return n, nil
}

// Len is the number of stored invitations.
func (r *MemoryInvitationRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCode)
}

func (r *MemoryInvitationRepository) list(match func(*domain.Invitation) bool) ([]domain.Invitation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Invitation
	for _, inv := range r.byCode {
		if !match(inv) {
			continue
		}
		out = append(out, cloneInvitation(*inv))
	}
	sortNewestFirst(out)
	return out, nil
}

func cloneInvitation(inv domain.Invitation) domain.Invitation {
	c := inv
	c.UsageLimit = clonePtr(inv.UsageLimit)
	c.ExpiresAt = clonePtr(inv.ExpiresAt)
	c.RevokedAt = clonePtr(inv.RevokedAt)
	c.Metadata = maps.Clone(inv.Metadata)
	c.Usages = slices.Clone(inv.Usages)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func sortNewestFirst(invs []domain.Invitation) {
	sort.SliceStable(invs, func(a, b int) bool {
		if invs[a].CreatedAt.Equal(invs[b].CreatedAt) {
			return invs[a].Code < invs[b].Code
		}
		return invs[a].CreatedAt.After(invs[b].CreatedAt)
	})
}
