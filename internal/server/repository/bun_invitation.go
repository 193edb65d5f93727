package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/uptrace/bun"

	"github.com/charadev96/invitecore/internal/server/domain"
	"github.com/charadev96/invitecore/internal/shared/infra"
)

type BunInvitationRepository struct {
	db       *bun.DB
	txRunner *infra.BunTransactionRunner
}

func NewBunInvitationRepository(ctx context.Context, db *bun.DB) (*BunInvitationRepository, error) {
	r := &BunInvitationRepository{
		db:       db,
		txRunner: infra.NewBunTransactionRunner(db),
	}
	err := r.txRunner.Exec(ctx, func(ctx context.Context) error {
		tx := infra.ExtractBunTx(ctx, r.db)
		for _, model := range []any{(*invitation)(nil), (*invitationUsage)(nil)} {
			if _, err := tx.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
				return err
			}
		}
		_, err := tx.NewCreateIndex().
			Model((*invitation)(nil)).
			Index("invitations_created_by_idx").
			Column("created_by").
			IfNotExists().
			Exec(ctx)
		return err
	})
	if err != nil {
		return r, fmt.Errorf("failed to create repository: %w", err)
	}
	return r, nil
}

func (r *BunInvitationRepository) Save(ctx context.Context, inv *domain.Invitation) error {
	row := new(invitation)
	if err := row.fromDomain(*inv); err != nil {
		return err
	}
	row.Version = inv.Version + 1

	err := r.txRunner.Exec(ctx, func(ctx context.Context) error {
		if inv.Version == 0 {
			return r.insert(ctx, row, inv.Usages)
		}
		return r.update(ctx, row, inv.Version, inv.Usages)
	})
	if err != nil {
		return fmt.Errorf("failed to save invitation: %w", err)
	}
	inv.Version = row.Version
	return nil
}

func (r *BunInvitationRepository) insert(ctx context.Context, row *invitation, usages []domain.UsageRecord) error {
	tx := infra.ExtractBunTx(ctx, r.db)
	exists, err := tx.NewSelect().
		Model((*invitation)(nil)).
		Where("code = ?", row.Code).
		Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return domain.ErrDuplicateCode
	}
	if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateCode
		}
		return err
	}
	return r.appendUsages(ctx, row.ID, 0, usages)
}

func (r *BunInvitationRepository) update(ctx context.Context, row *invitation, version int64, usages []domain.UsageRecord) error {
	tx := infra.ExtractBunTx(ctx, r.db)
	res, err := tx.NewUpdate().
		Model(row).
		Column("usage_count", "expires_at", "status", "metadata", "revoked_at", "revoked_by", "revocation_reason", "version").
		WherePK().
		Where("version = ?", version).
		Exec(ctx)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConflict
	}

	stored, err := tx.NewSelect().
		Model((*invitationUsage)(nil)).
		Where("invitation_id = ?", row.ID).
		Count(ctx)
	if err != nil {
		return err
	}
	return r.appendUsages(ctx, row.ID, stored, usages)
}

// appendUsages inserts the records past the ones already stored; usage
// records are append only.
func (r *BunInvitationRepository) appendUsages(ctx context.Context, id uuid.UUID, stored int, usages []domain.UsageRecord) error {
	if stored >= len(usages) {
		return nil
	}
	rows := make([]invitationUsage, 0, len(usages)-stored)
	for seq := stored; seq < len(usages); seq++ {
		rows = append(rows, invitationUsage{
			InvitationID: id,
			Seq:          seq,
			UsedBy:       usages[seq].UsedBy,
			UsedAt:       usages[seq].UsedAt,
		})
	}
	tx := infra.ExtractBunTx(ctx, r.db)
	_, err := tx.NewInsert().Model(&rows).Exec(ctx)
	return err
}

func (r *BunInvitationRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Invitation, error) {
	return r.getOne(ctx, "i.id = ?", id)
}

func (r *BunInvitationRepository) GetByCode(ctx context.Context, code string) (domain.Invitation, error) {
	return r.getOne(ctx, "i.code = ?", code)
}

func (r *BunInvitationRepository) Exists(ctx context.Context, code string) (bool, error) {
	tx := infra.ExtractBunTx(ctx, r.db)
	exists, err := tx.NewSelect().
		Model((*invitation)(nil)).
		Where("code = ?", code).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check invitation: %w", err)
	}
	return exists, nil
}

func (r *BunInvitationRepository) ListByCreator(ctx context.Context, createdBy string) ([]domain.Invitation, error) {
	return r.list(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("i.created_by = ?", createdBy)
	})
}

func (r *BunInvitationRepository) ListExpired(ctx context.Context, now time.Time) ([]domain.Invitation, error) {
	return r.list(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.
			Where("i.status = ?", string(domain.StatusActive)).
			Where("i.expires_at IS NOT NULL").
			Where("i.expires_at <= ?", now)
	})
}

func (r *BunInvitationRepository) CountByStatus(ctx context.Context, status domain.Status) (int, error) {
	tx := infra.ExtractBunTx(ctx, r.db)
	n, err := tx.NewSelect().
		Model((*invitation)(nil)).
		Where("status = ?", string(status)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count invitations: %w", err)
	}
	return n, nil
}

func (r *BunInvitationRepository) getOne(ctx context.Context, where string, arg any) (domain.Invitation, error) {
	tx := infra.ExtractBunTx(ctx, r.db)
	row := new(invitation)
	err := tx.NewSelect().
		Model(row).
		Relation("UsageRows", orderBySeq).
		Where(where, arg).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = domain.ErrInvitationNotFound
		}
		return domain.Invitation{}, fmt.Errorf("failed to get invitation: %w", err)
	}
	return row.toDomain()
}

func (r *BunInvitationRepository) list(ctx context.Context, filter func(*bun.SelectQuery) *bun.SelectQuery) ([]domain.Invitation, error) {
	tx := infra.ExtractBunTx(ctx, r.db)
	var rows []invitation
	query := tx.NewSelect().
		Model(&rows).
		Relation("UsageRows", orderBySeq).
		OrderExpr("i.created_at DESC, i.code ASC")
	if err := filter(query).Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}

	invs := make([]domain.Invitation, 0, len(rows))
	for i := range rows {
		inv, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		invs = append(invs, inv)
	}
	return invs, nil
}

func orderBySeq(q *bun.SelectQuery) *bun.SelectQuery {
	return q.Order("seq ASC")
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type invitation struct {
	bun.BaseModel `bun:"table:invitations,alias:i"`

	ID               uuid.UUID `bun:",pk"`
	Code             string    `bun:",unique,notnull"`
	CreatedBy        string    `bun:",notnull"`
	UsageLimit       *int
	UsageCount       int `bun:",notnull"`
	ExpiresAt        *time.Time
	Status           string         `bun:",notnull"`
	Metadata         map[string]any `bun:",type:text"`
	CreatedAt        time.Time      `bun:",notnull"`
	RevokedAt        *time.Time
	RevokedBy        string
	RevocationReason string
	Version          int64 `bun:",notnull"`

	UsageRows []*invitationUsage `bun:"rel:has-many,join:id=invitation_id"`
}

type invitationUsage struct {
	bun.BaseModel `bun:"table:invitation_usages,alias:u"`

	ID           int64     `bun:",pk,autoincrement"`
	InvitationID uuid.UUID `bun:",notnull,unique:invitation_seq"`
	Seq          int       `bun:",notnull,unique:invitation_seq"`
	UsedBy       string    `bun:",notnull"`
	UsedAt       time.Time `bun:",notnull"`
}

func (i *invitation) toDomain() (domain.Invitation, error) {
	inv := domain.Invitation{}
	if err := copier.Copy(&inv, i); err != nil {
		return inv, fmt.Errorf("failed to map invitation: %w", err)
	}
	inv.Status = domain.Status(i.Status)
	if inv.Metadata == nil {
		inv.Metadata = map[string]any{}
	}
	inv.Usages = make([]domain.UsageRecord, 0, len(i.UsageRows))
	for _, u := range i.UsageRows {
		inv.Usages = append(inv.Usages, domain.UsageRecord{UsedBy: u.UsedBy, UsedAt: u.UsedAt})
	}
	return inv, nil
}

func (i *invitation) fromDomain(inv domain.Invitation) error {
	if err := copier.Copy(i, &inv); err != nil {
		return fmt.Errorf("failed to map invitation: %w", err)
	}
	i.Status = string(inv.Status)
	return nil
}
