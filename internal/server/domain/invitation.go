package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const MaxCodeLength = 64

var codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type Status string

const (
	StatusActive  Status = "active"
	StatusUsedUp  Status = "used_up"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

func (s Status) Terminal() bool {
	return s == StatusUsedUp || s == StatusExpired || s == StatusRevoked
}

type UsageRecord struct {
	UsedBy string
	UsedAt time.Time
}

type Invitation struct {
	ID         uuid.UUID
	Code       string
	CreatedBy  string
	UsageLimit *int
	UsageCount int
	ExpiresAt  *time.Time
	Status     Status
	Metadata   map[string]any
	CreatedAt  time.Time
	Usages     []UsageRecord

	RevokedAt        *time.Time
	RevokedBy        string
	RevocationReason string

	// Version is zero until the invitation is first saved and is bumped by
	// every successful save.
	Version int64
}

type NewInvitationInput struct {
	Code       string
	CreatedBy  string
	UsageLimit *int
	ExpiresAt  *time.Time
	Metadata   map[string]any
}

func (in NewInvitationInput) Validate() error {
	code := strings.TrimSpace(in.Code)
	if code == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidInvitation)
	}
	if len(code) > MaxCodeLength {
		return fmt.Errorf("%w: code must be at most %d characters, got %d", ErrInvalidInvitation, MaxCodeLength, len(code))
	}
	if !codePattern.MatchString(code) {
		return fmt.Errorf("%w: code may only contain letters, digits, '-' and '_'", ErrInvalidInvitation)
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return fmt.Errorf("%w: creator is required", ErrInvalidInvitation)
	}
	if in.UsageLimit != nil && *in.UsageLimit < 1 {
		return fmt.Errorf("%w: usage limit must be positive, got %d", ErrInvalidInvitation, *in.UsageLimit)
	}
	return nil
}

func NewInvitation(in NewInvitationInput, now time.Time) (Invitation, error) {
	if err := in.Validate(); err != nil {
		return Invitation{}, err
	}
	metadata, err := normalizeMetadata(in.Metadata)
	if err != nil {
		return Invitation{}, err
	}
	inv := Invitation{
		ID:        uuid.New(),
		Code:      strings.TrimSpace(in.Code),
		CreatedBy: strings.TrimSpace(in.CreatedBy),
		Status:    StatusActive,
		Metadata:  metadata,
		CreatedAt: now,
	}
	if in.UsageLimit != nil {
		limit := *in.UsageLimit
		inv.UsageLimit = &limit
	}
	if in.ExpiresAt != nil {
		exp := *in.ExpiresAt
		inv.ExpiresAt = &exp
	}
	return inv, nil
}

// normalizeMetadata copies metadata into JSON value types: numbers become
// float64, slices []any and objects map[string]any. Every repository returns
// metadata in this form, and the copy detaches it from the caller's map.
func normalizeMetadata(metadata map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if len(metadata) == 0 {
		return out, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata must be JSON encodable: %v", ErrInvalidInvitation, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: metadata must be JSON encodable: %v", ErrInvalidInvitation, err)
	}
	return out, nil
}

func (i *Invitation) IsExpired(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

// EffectiveStatus is the stored status with expiry applied lazily: an
// active invitation past its expiry reports expired even if the stored
// record was never rewritten.
func (i *Invitation) EffectiveStatus(now time.Time) Status {
	if i.Status == StatusActive && i.IsExpired(now) {
		return StatusExpired
	}
	return i.Status
}

func (i *Invitation) IsUsable(now time.Time) bool {
	return i.EffectiveStatus(now) == StatusActive
}

func (i *Invitation) Unlimited() bool {
	return i.UsageLimit == nil
}

// RemainingUses returns nil for unlimited invitations. Limited invitations
// that can no longer be used report zero.
func (i *Invitation) RemainingUses(now time.Time) *int {
	if i.Unlimited() {
		return nil
	}
	remaining := 0
	if i.IsUsable(now) {
		remaining = max(*i.UsageLimit-i.UsageCount, 0)
	}
	return &remaining
}

func (i *Invitation) RecordUse(usedBy string, now time.Time) error {
	if status := i.EffectiveStatus(now); status != StatusActive {
		return &NotUsableError{Code: i.Code, Status: status}
	}
	if !i.Unlimited() && i.UsageCount >= *i.UsageLimit {
		return &NotUsableError{Code: i.Code, Status: StatusUsedUp}
	}

	i.UsageCount++
	i.Usages = append(i.Usages, UsageRecord{UsedBy: usedBy, UsedAt: now})
	if !i.Unlimited() && i.UsageCount == *i.UsageLimit {
		i.Status = StatusUsedUp
	}
	return nil
}

// Revoke reports whether the invitation changed. Revoked, used up and
// expired invitations are left untouched.
func (i *Invitation) Revoke(revokedBy, reason string, now time.Time) bool {
	if i.EffectiveStatus(now) != StatusActive {
		return false
	}
	i.Status = StatusRevoked
	i.RevokedAt = &now
	i.RevokedBy = revokedBy
	i.RevocationReason = reason
	return true
}

// Expire stores the lazily computed expired status.
func (i *Invitation) Expire(now time.Time) bool {
	if i.Status != StatusActive || !i.IsExpired(now) {
		return false
	}
	i.Status = StatusExpired
	return true
}

type InvitationRepository interface {
	// Save inserts invitations with a zero Version and conditionally updates
	// the others, failing with ErrConflict when the stored Version differs.
	// On success the Version of inv is advanced.
	Save(ctx context.Context, inv *Invitation) error
	GetByID(ctx context.Context, id uuid.UUID) (Invitation, error)
	GetByCode(ctx context.Context, code string) (Invitation, error)
	Exists(ctx context.Context, code string) (bool, error)
	ListByCreator(ctx context.Context, createdBy string) ([]Invitation, error)
	// ListExpired returns invitations stored as active whose expiry is at or
	// before now.
	ListExpired(ctx context.Context, now time.Time) ([]Invitation, error)
	CountByStatus(ctx context.Context, status Status) (int, error)
}
