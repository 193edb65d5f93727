package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/charadev96/invitecore/internal/server/domain"
	"github.com/charadev96/invitecore/internal/shared/infra"
)

const pqUniqueViolation = "23505"

const invitationColumns = `
	id, code, created_by, usage_limit, usage_count, expires_at, status, metadata,
	created_at, revoked_at, revoked_by, revocation_reason, version`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS invitations (
	id UUID PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	created_by TEXT NOT NULL,
	usage_limit INTEGER,
	usage_count INTEGER NOT NULL DEFAULT 0,
	expires_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ,
	revoked_by TEXT NOT NULL DEFAULT '',
	revocation_reason TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS invitations_created_by_idx ON invitations (created_by);
CREATE TABLE IF NOT EXISTS invitation_usages (
	invitation_id UUID NOT NULL REFERENCES invitations (id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	used_by TEXT NOT NULL,
	used_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (invitation_id, seq)
);`

// PostgresInvitationRepository works on the invitations and
// invitation_usages tables; CreateSchema provisions them.
type PostgresInvitationRepository struct {
	db       *sqlx.DB
	txRunner *infra.SqlxTransactionRunner
}

func NewPostgresInvitationRepository(db *sqlx.DB) *PostgresInvitationRepository {
	return &PostgresInvitationRepository{
		db:       db,
		txRunner: infra.NewSqlxTransactionRunner(db),
	}
}

func (r *PostgresInvitationRepository) CreateSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create repository: %w", err)
	}
	return nil
}

func (r *PostgresInvitationRepository) Save(ctx context.Context, inv *domain.Invitation) error {
	row, err := newPgInvitation(*inv)
	if err != nil {
		return err
	}
	row.Version = inv.Version + 1

	err = r.txRunner.Exec(ctx, func(ctx context.Context) error {
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

func (r *PostgresInvitationRepository) insert(ctx context.Context, row pgInvitation, usages []domain.UsageRecord) error {
	tx := infra.ExtractSqlxTx(ctx, r.db)
	query := `
		INSERT INTO invitations (` + invitationColumns + `)
		VALUES (
			:id, :code, :created_by, :usage_limit, :usage_count, :expires_at, :status, :metadata,
			:created_at, :revoked_at, :revoked_by, :revocation_reason, :version
		)`
	if _, err := sqlx.NamedExecContext(ctx, tx, query, row); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return domain.ErrDuplicateCode
		}
		return err
	}
	return r.appendUsages(ctx, row.ID, 0, usages)
}

func (r *PostgresInvitationRepository) update(ctx context.Context, row pgInvitation, version int64, usages []domain.UsageRecord) error {
	tx := infra.ExtractSqlxTx(ctx, r.db)
	query := `
		UPDATE invitations SET
			usage_count = :usage_count,
			expires_at = :expires_at,
			status = :status,
			metadata = :metadata,
			revoked_at = :revoked_at,
			revoked_by = :revoked_by,
			revocation_reason = :revocation_reason,
			version = :version
		WHERE id = :id AND version = :prev_version`
	res, err := sqlx.NamedExecContext(ctx, tx, query, pgUpdate{pgInvitation: row, PrevVersion: version})
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

	var stored int
	err = sqlx.GetContext(ctx, tx, &stored,
		`SELECT COUNT(*) FROM invitation_usages WHERE invitation_id = $1`, row.ID)
	if err != nil {
		return err
	}
	return r.appendUsages(ctx, row.ID, stored, usages)
}

func (r *PostgresInvitationRepository) appendUsages(ctx context.Context, id uuid.UUID, stored int, usages []domain.UsageRecord) error {
	tx := infra.ExtractSqlxTx(ctx, r.db)
	for seq := stored; seq < len(usages); seq++ {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO invitation_usages (invitation_id, seq, used_by, used_at) VALUES ($1, $2, $3, $4)`,
			id, seq, usages[seq].UsedBy, usages[seq].UsedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresInvitationRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Invitation, error) {
	return r.getOne(ctx, `WHERE id = $1`, id.String())
}

func (r *PostgresInvitationRepository) GetByCode(ctx context.Context, code string) (domain.Invitation, error) {
	return r.getOne(ctx, `WHERE code = $1`, code)
}

func (r *PostgresInvitationRepository) Exists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, infra.ExtractSqlxTx(ctx, r.db), &exists,
		`SELECT EXISTS(SELECT 1 FROM invitations WHERE code = $1)`, code)
	if err != nil {
		return false, fmt.Errorf("failed to check invitation: %w", err)
	}
	return exists, nil
}

func (r *PostgresInvitationRepository) ListByCreator(ctx context.Context, createdBy string) ([]domain.Invitation, error) {
	return r.list(ctx, `WHERE created_by = $1`, createdBy)
}

func (r *PostgresInvitationRepository) ListExpired(ctx context.Context, now time.Time) ([]domain.Invitation, error) {
	return r.list(ctx, `WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2`,
		string(domain.StatusActive), now)
}

func (r *PostgresInvitationRepository) CountByStatus(ctx context.Context, status domain.Status) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, infra.ExtractSqlxTx(ctx, r.db), &n,
		`SELECT COUNT(*) FROM invitations WHERE status = $1`, string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count invitations: %w", err)
	}
	return n, nil
}

func (r *PostgresInvitationRepository) getOne(ctx context.Context, where string, args ...any) (domain.Invitation, error) {
	tx := infra.ExtractSqlxTx(ctx, r.db)
	var row pgInvitation
	err := sqlx.GetContext(ctx, tx, &row, `SELECT `+invitationColumns+` FROM invitations `+where, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = domain.ErrInvitationNotFound
		}
		return domain.Invitation{}, fmt.Errorf("failed to get invitation: %w", err)
	}
	usages, err := r.usages(ctx, row.ID)
	if err != nil {
		return domain.Invitation{}, err
	}
	return row.toDomain(usages)
}

func (r *PostgresInvitationRepository) list(ctx context.Context, where string, args ...any) ([]domain.Invitation, error) {
	tx := infra.ExtractSqlxTx(ctx, r.db)
	var rows []pgInvitation
	query := `SELECT ` + invitationColumns + ` FROM invitations ` + where + ` ORDER BY created_at DESC, code ASC`
	if err := sqlx.SelectContext(ctx, tx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}

	invs := make([]domain.Invitation, 0, len(rows))
	for _, row := range rows {
		usages, err := r.usages(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		inv, err := row.toDomain(usages)
		if err != nil {
			return nil, err
		}
		invs = append(invs, inv)
	}
	return invs, nil
}

func (r *PostgresInvitationRepository) usages(ctx context.Context, id uuid.UUID) ([]pgUsage, error) {
	var rows []pgUsage
	err := sqlx.SelectContext(ctx, infra.ExtractSqlxTx(ctx, r.db), &rows,
		`SELECT used_by, used_at FROM invitation_usages WHERE invitation_id = $1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation usages: %w", err)
	}
	return rows, nil
}

type pgInvitation struct {
	ID               uuid.UUID  `db:"id"`
	Code             string     `db:"code"`
	CreatedBy        string     `db:"created_by"`
	UsageLimit       *int       `db:"usage_limit"`
	UsageCount       int        `db:"usage_count"`
	ExpiresAt        *time.Time `db:"expires_at"`
	Status           string     `db:"status"`
	MetadataJSON     string     `db:"metadata"`
	CreatedAt        time.Time  `db:"created_at"`
	RevokedAt        *time.Time `db:"revoked_at"`
	RevokedBy        string     `db:"revoked_by"`
	RevocationReason string     `db:"revocation_reason"`
	Version          int64      `db:"version"`
}

type pgUpdate struct {
	pgInvitation
	PrevVersion int64 `db:"prev_version"`
}

type pgUsage struct {
	UsedBy string    `db:"used_by"`
	UsedAt time.Time `db:"used_at"`
}

func newPgInvitation(inv domain.Invitation) (pgInvitation, error) {
	var p pgInvitation
	if err := copier.Copy(&p, &inv); err != nil {
		return p, fmt.Errorf("failed to map invitation: %w", err)
	}
	metadata, err := json.Marshal(inv.Metadata)
	if err != nil {
		return p, fmt.Errorf("failed to encode invitation metadata: %w", err)
	}
	p.Status = string(inv.Status)
	p.MetadataJSON = string(metadata)
	return p, nil
}

func (p pgInvitation) toDomain(usages []pgUsage) (domain.Invitation, error) {
	inv := domain.Invitation{}
	if err := copier.Copy(&inv, &p); err != nil {
		return inv, fmt.Errorf("failed to map invitation: %w", err)
	}
	inv.Status = domain.Status(p.Status)
	inv.Metadata = map[string]any{}
	if len(p.MetadataJSON) > 0 {
		if err := json.Unmarshal([]byte(p.MetadataJSON), &inv.Metadata); err != nil {
			return domain.Invitation{}, fmt.Errorf("failed to decode invitation metadata: %w", err)
		}
	}
	inv.Usages = make([]domain.UsageRecord, 0, len(usages))
	for _, u := range usages {
		inv.Usages = append(inv.Usages, domain.UsageRecord{UsedBy: u.UsedBy, UsedAt: u.UsedAt})
	}
	return inv, nil
}
