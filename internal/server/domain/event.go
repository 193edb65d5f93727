package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	KindInvitationCreated      EventKind = "invitation.created"
	KindInvitationUsed         EventKind = "invitation.used"
	KindInvitationRevoked      EventKind = "invitation.revoked"
	KindInvitationExpired      EventKind = "invitation.expired"
	KindInvitationLimitReached EventKind = "invitation.limit_reached"
)

// Event is a fact about an invitation state change that has already been
// persisted.
type Event interface {
	Kind() EventKind
	OccurredAt() time.Time
}

type InvitationCreated struct {
	InvitationID uuid.UUID      `json:"invitation_id"`
	Code         string         `json:"code"`
	CreatedBy    string         `json:"created_by"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	UsageLimit   *int           `json:"usage_limit,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (e InvitationCreated) Kind() EventKind       { return KindInvitationCreated }
func (e InvitationCreated) OccurredAt() time.Time { return e.CreatedAt }

type InvitationUsed struct {
	InvitationID  uuid.UUID `json:"invitation_id"`
	Code          string    `json:"code"`
	UsedBy        string    `json:"used_by"`
	UsedAt        time.Time `json:"used_at"`
	UsageCount    int       `json:"usage_count"`
	RemainingUses *int      `json:"remaining_uses,omitempty"`
	Exhausted     bool      `json:"exhausted"`
}

func (e InvitationUsed) Kind() EventKind       { return KindInvitationUsed }
func (e InvitationUsed) OccurredAt() time.Time { return e.UsedAt }

type InvitationRevoked struct {
	InvitationID uuid.UUID `json:"invitation_id"`
	Code         string    `json:"code"`
	RevokedBy    string    `json:"revoked_by,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	RevokedAt    time.Time `json:"revoked_at"`
}

func (e InvitationRevoked) Kind() EventKind       { return KindInvitationRevoked }
func (e InvitationRevoked) OccurredAt() time.Time { return e.RevokedAt }

type InvitationExpired struct {
	InvitationID uuid.UUID `json:"invitation_id"`
	Code         string    `json:"code"`
	ExpiredAt    time.Time `json:"expired_at"`
}

func (e InvitationExpired) Kind() EventKind       { return KindInvitationExpired }
func (e InvitationExpired) OccurredAt() time.Time { return e.ExpiredAt }

type InvitationLimitReached struct {
	InvitationID uuid.UUID `json:"invitation_id"`
	Code         string    `json:"code"`
	UsageLimit   int       `json:"usage_limit"`
	FinalUsedBy  string    `json:"final_used_by"`
	ReachedAt    time.Time `json:"reached_at"`
}

func (e InvitationLimitReached) Kind() EventKind       { return KindInvitationLimitReached }
func (e InvitationLimitReached) OccurredAt() time.Time { return e.ReachedAt }

type EventHandler func(ctx context.Context, ev Event) error

type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(kind EventKind, handler EventHandler)
}
