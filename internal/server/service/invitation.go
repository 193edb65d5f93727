package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	server "github.com/charadev96/invitecore/internal/server/domain"
	shared "github.com/charadev96/invitecore/internal/shared/domain"
	"github.com/charadev96/invitecore/internal/shared/log"
)

// unlimitedConflictRetries bounds default retries on invitations without a
// usage limit, where conflicting redemptions never exhaust the invitation.
const unlimitedConflictRetries = 32

// InvitationService orchestrates the invitation lifecycle. Transition rules
// live on server.Invitation; the service loads, saves and then publishes,
// in that order, so subscribers always observe durable state.
type InvitationService struct {
	Invitations server.InvitationRepository
	// TXRunner is optional. When set, a redemption or revocation reads and
	// saves inside one transaction, committed before anything is published.
	TXRunner shared.TransactionRunner
	// Events is optional.
	Events server.EventPublisher
	Logger *zerolog.Logger
	Now    func() time.Time
	// ConflictRetries bounds how many times a redemption is re-read and
	// re-attempted after a concurrent write. Zero retries for as long as the
	// conflicts can stem from other redemptions: up to the usage limit, or
	// unlimitedConflictRetries without one. Negative disables retries.
	ConflictRetries int
}

type CreateInvitationRequest struct {
	Code       string
	CreatedBy  string
	UsageLimit *int
	ExpiresAt  *time.Time
	Metadata   map[string]any
}

type ValidateInvitationRequest struct {
	Code string
}

type ValidateInvitationResult struct {
	Code          string
	IsValid       bool
	Status        server.Status
	Reason        string
	RemainingUses *int
	ExpiresAt     *time.Time
}

type UseInvitationRequest struct {
	Code   string
	UsedBy string
}

type UseInvitationResult struct {
	InvitationID  uuid.UUID
	Code          string
	UsedBy        string
	UsageCount    int
	RemainingUses *int
	Status        server.Status
}

type RevokeInvitationRequest struct {
	Code      string
	RevokedBy string
	Reason    string
}

type InvitationStats struct {
	Total   int
	Active  int
	UsedUp  int
	Expired int
	Revoked int
}

func (s *InvitationService) CreateInvitation(ctx context.Context, req CreateInvitationRequest) (server.Invitation, error) {
	logger := s.logger()
	inv, err := server.NewInvitation(server.NewInvitationInput{
		Code:       req.Code,
		CreatedBy:  req.CreatedBy,
		UsageLimit: req.UsageLimit,
		ExpiresAt:  req.ExpiresAt,
		Metadata:   req.Metadata,
	}, s.now())
	if err != nil {
		return server.Invitation{}, err
	}

	exists, err := s.Invitations.Exists(ctx, inv.Code)
	if err != nil {
		return server.Invitation{}, err
	}
	if exists {
		logger.Warn().
			Str("code", inv.Code).
			Msg("invitation code already exists")
		return server.Invitation{}, fmt.Errorf("failed to create invitation '%s': %w", inv.Code, server.ErrDuplicateCode)
	}

	if err := s.Invitations.Save(ctx, &inv); err != nil {
		return server.Invitation{}, err
	}

	s.publish(ctx, server.InvitationCreated{
		InvitationID: inv.ID,
		Code:         inv.Code,
		CreatedBy:    inv.CreatedBy,
		CreatedAt:    inv.CreatedAt,
		ExpiresAt:    inv.ExpiresAt,
		UsageLimit:   inv.UsageLimit,
		Metadata:     inv.Metadata,
	})

	logger.Info().
		Str("code", inv.Code).
		Str("created_by", inv.CreatedBy).
		Msg("created invitation")
	return inv, nil
}

func (s *InvitationService) ValidateInvitation(ctx context.Context, req ValidateInvitationRequest) (ValidateInvitationResult, error) {
	inv, err := s.Invitations.GetByCode(ctx, req.Code)
	if err != nil {
		return ValidateInvitationResult{}, err
	}

	now := s.now()
	status := inv.EffectiveStatus(now)
	res := ValidateInvitationResult{
		Code:          inv.Code,
		IsValid:       status == server.StatusActive,
		Status:        status,
		RemainingUses: inv.RemainingUses(now),
		ExpiresAt:     inv.ExpiresAt,
	}
	if !res.IsValid {
		res.Reason = invalidReason(status)
	}
	return res, nil
}

func (s *InvitationService) UseInvitation(ctx context.Context, req UseInvitationRequest) (UseInvitationResult, error) {
	logger := s.logger()
	if strings.TrimSpace(req.UsedBy) == "" {
		return UseInvitationResult{}, fmt.Errorf("%w: user is required", server.ErrInvalidInvitation)
	}

	for attempt := 0; ; attempt++ {
		var (
			inv          server.Invitation
			reachedLimit bool
		)
		err := s.inTx(ctx, func(ctx context.Context) error {
			var err error
			inv, reachedLimit, err = s.redeem(ctx, req)
			return err
		})
		if errors.Is(err, server.ErrConflict) && attempt < s.conflictRetries(inv) {
			logger.Warn().
				Str("code", req.Code).
				Int("attempt", attempt+1).
				Msg("concurrent redemption, retrying")
			continue
		}
		if err != nil {
			return UseInvitationResult{}, err
		}

		usage := inv.Usages[len(inv.Usages)-1]
		remaining := inv.RemainingUses(usage.UsedAt)
		s.publish(ctx, server.InvitationUsed{
			InvitationID:  inv.ID,
			Code:          inv.Code,
			UsedBy:        usage.UsedBy,
			UsedAt:        usage.UsedAt,
			UsageCount:    inv.UsageCount,
			RemainingUses: remaining,
			Exhausted:     inv.Status == server.StatusUsedUp,
		})
		if reachedLimit {
			s.publish(ctx, server.InvitationLimitReached{
				InvitationID: inv.ID,
				Code:         inv.Code,
				UsageLimit:   *inv.UsageLimit,
				FinalUsedBy:  usage.UsedBy,
				ReachedAt:    usage.UsedAt,
			})
		}

		logger.Info().
			Str("code", inv.Code).
			Str("used_by", usage.UsedBy).
			Int("usage_count", inv.UsageCount).
			Msg("used invitation")
		return UseInvitationResult{
			InvitationID:  inv.ID,
			Code:          inv.Code,
			UsedBy:        usage.UsedBy,
			UsageCount:    inv.UsageCount,
			RemainingUses: remaining,
			Status:        inv.Status,
		}, nil
	}
}

// redeem is a single read, check, record and conditional save round.
func (s *InvitationService) redeem(ctx context.Context, req UseInvitationRequest) (server.Invitation, bool, error) {
	inv, err := s.Invitations.GetByCode(ctx, req.Code)
	if err != nil {
		return inv, false, err
	}

	now := s.now()
	if err := inv.RecordUse(req.UsedBy, now); err != nil {
		s.logger().Warn().
			Str("code", inv.Code).
			Str("used_by", req.UsedBy).
			Err(err).
			Msg("rejected invitation use")
		return inv, false, err
	}
	if err := s.Invitations.Save(ctx, &inv); err != nil {
		return inv, false, err
	}
	return inv, inv.Status == server.StatusUsedUp, nil
}

// RevokeInvitation is idempotent: revoking an invitation that can no longer
// change returns it as stored, without writing or publishing.
func (s *InvitationService) RevokeInvitation(ctx context.Context, req RevokeInvitationRequest) (server.Invitation, error) {
	var (
		inv     server.Invitation
		revoked bool
	)
	now := s.now()
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.Invitations.GetByCode(ctx, req.Code)
		if err != nil {
			return err
		}
		if revoked = inv.Revoke(req.RevokedBy, req.Reason, now); !revoked {
			return nil
		}
		return s.Invitations.Save(ctx, &inv)
	})
	if err != nil {
		return inv, err
	}
	if !revoked {
		s.logger().Debug().
			Str("code", inv.Code).
			Str("status", string(inv.EffectiveStatus(now))).
			Msg("invitation already terminal, nothing to revoke")
		return inv, nil
	}

	s.publish(ctx, server.InvitationRevoked{
		InvitationID: inv.ID,
		Code:         inv.Code,
		RevokedBy:    req.RevokedBy,
		Reason:       req.Reason,
		RevokedAt:    now,
	})

	s.logger().Info().
		Str("code", inv.Code).
		Str("revoked_by", req.RevokedBy).
		Msg("revoked invitation")
	return inv, nil
}

// ExpireInvitations stores the expired status of every invitation past its
// expiry and publishes InvitationExpired for each. Invitations modified
// concurrently are skipped and picked up by the next sweep.
func (s *InvitationService) ExpireInvitations(ctx context.Context) (int, error) {
	now := s.now()
	invs, err := s.Invitations.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range invs {
		inv := &invs[i]
		if !inv.Expire(now) {
			continue
		}
		if err := s.Invitations.Save(ctx, inv); err != nil {
			if errors.Is(err, server.ErrConflict) {
				s.logger().Warn().
					Str("code", inv.Code).
					Msg("invitation changed during expiry sweep, skipping")
				continue
			}
			return expired, err
		}
		expired++
		s.publish(ctx, server.InvitationExpired{
			InvitationID: inv.ID,
			Code:         inv.Code,
			ExpiredAt:    *inv.ExpiresAt,
		})
	}

	if expired > 0 {
		s.logger().Info().
			Int("count", expired).
			Msg("expired invitations")
	}
	return expired, nil
}

func (s *InvitationService) GetInvitationByCode(ctx context.Context, code string) (server.Invitation, error) {
	return s.Invitations.GetByCode(ctx, code)
}

func (s *InvitationService) GetInvitationByID(ctx context.Context, id uuid.UUID) (server.Invitation, error) {
	return s.Invitations.GetByID(ctx, id)
}

func (s *InvitationService) GetInvitationsByCreator(ctx context.Context, createdBy string) ([]server.Invitation, error) {
	return s.Invitations.ListByCreator(ctx, createdBy)
}

// GetInvitationStats counts invitations by stored status; expiry that has
// not been persisted by ExpireInvitations still counts as active.
func (s *InvitationService) GetInvitationStats(ctx context.Context) (InvitationStats, error) {
	stats := InvitationStats{}
	counts := []struct {
		status server.Status
		dst    *int
	}{
		{server.StatusActive, &stats.Active},
		{server.StatusUsedUp, &stats.UsedUp},
		{server.StatusExpired, &stats.Expired},
		{server.StatusRevoked, &stats.Revoked},
	}
	for _, c := range counts {
		n, err := s.Invitations.CountByStatus(ctx, c.status)
		if err != nil {
			return stats, err
		}
		*c.dst = n
		stats.Total += n
	}
	return stats, nil
}

func (s *InvitationService) publish(ctx context.Context, ev server.Event) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.logger().Warn().
			Err(err).
			Str("kind", string(ev.Kind())).
			Msg("failed to publish event")
		return
	}
	s.logger().Debug().
		Str("kind", string(ev.Kind())).
		Msg("published event")
}

func (s *InvitationService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

func (s *InvitationService) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.TXRunner == nil {
		return fn(ctx)
	}
	return s.TXRunner.Exec(ctx, fn)
}

// EffectiveStatus reports inv's status as of the service clock, including
// expiry that has not been swept yet.
func (s *InvitationService) EffectiveStatus(inv server.Invitation) server.Status {
	return inv.EffectiveStatus(s.now())
}

func (s *InvitationService) logger() *zerolog.Logger {
	if s.Logger == nil {
		return log.Nop()
	}
	return s.Logger
}

// conflictRetries is the retry budget for a redemption of inv. Every
// conflict means another write committed in between, and at most
// *inv.UsageLimit redemptions plus one terminal transition can commit.
func (s *InvitationService) conflictRetries(inv server.Invitation) int {
	switch {
	case s.ConflictRetries > 0:
		return s.ConflictRetries
	case s.ConflictRetries < 0:
		return 0
	case inv.UsageLimit != nil:
		return *inv.UsageLimit + 1
	}
	return unlimitedConflictRetries
}

func invalidReason(status server.Status) string {
	switch status {
	case server.StatusExpired:
		return "invitation has expired"
	case server.StatusRevoked:
		return "invitation has been revoked"
	case server.StatusUsedUp:
		return "invitation usage limit reached"
	}
	return ""
}
