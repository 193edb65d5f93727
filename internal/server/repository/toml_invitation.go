package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/charadev96/invitecore/internal/server/domain"
)

const (
	permRepository = 0644
)

// TOMLInvitationRepository stores every invitation as a table of a single
// TOML document keyed by code. The file is reloaded when it changes on disk
// and rewritten on every save.
type TOMLInvitationRepository struct {
	FilePath string

	mu         sync.Mutex
	data       document
	modifiedAt time.Time
	size       int64
}

func NewTOMLInvitationRepository(path string) *TOMLInvitationRepository {
	return &TOMLInvitationRepository{FilePath: path}
}

func (r *TOMLInvitationRepository) Save(ctx context.Context, inv *domain.Invitation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refresh(); err != nil {
		return err
	}

	stored, ok := r.data.Invitations[inv.Code]
	if inv.Version == 0 {
		if ok {
			return fmt.Errorf("failed to save invitation: %w", domain.ErrDuplicateCode)
		}
	} else if !ok || stored.Version != inv.Version {
		return fmt.Errorf("failed to save invitation: %w", domain.ErrConflict)
	}

	doc := new(invitationDoc)
	doc.fromDomain(*inv)
	doc.Version = inv.Version + 1
	r.data.Invitations[inv.Code] = doc
	if err := r.save(); err != nil {
		r.data.Invitations[inv.Code] = stored
		if !ok {
			delete(r.data.Invitations, inv.Code)
		}
		return err
	}
	inv.Version = doc.Version
	return nil
}

func (r *TOMLInvitationRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refresh(); err != nil {
		return domain.Invitation{}, err
	}
	for code, doc := range r.data.Invitations {
		if doc.ID == id.String() {
			return doc.toDomain(code)
		}
	}
	return domain.Invitation{}, fmt.Errorf("failed to get invitation: %w", domain.ErrInvitationNotFound)
}

func (r *TOMLInvitationRepository) GetByCode(ctx context.Context, code string) (domain.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refresh(); err != nil {
		return domain.Invitation{}, err
	}
	doc, ok := r.data.Invitations[code]
	if !ok {
		return domain.Invitation{}, fmt.Errorf("failed to get invitation: %w", domain.ErrInvitationNotFound)
	}
	return doc.toDomain(code)
}

func (r *TOMLInvitationRepository) Exists(ctx context.Context, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refresh(); err != nil {
		return false, err
	}
	_, ok := r.data.Invitations[code]
	return ok, nil
}

func (r *TOMLInvitationRepository) ListByCreator(ctx context.Context, createdBy string) ([]domain.Invitation, error) {
	return r.list(func(doc *invitationDoc) bool {
		return doc.CreatedBy == createdBy
	})
}

func (r *TOMLInvitationRepository) ListExpired(ctx context.Context, now time.Time) ([]domain.Invitation, error) {
	return r.list(func(doc *invitationDoc) bool {
		return doc.Status == string(domain.StatusActive) && doc.ExpiresAt != nil && !now.Before(*doc.ExpiresAt)
	})
}

func (r *TOMLInvitationRepository) CountByStatus(ctx context.Context, status domain.Status) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refresh(); err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range r.data.Invitations {
		if doc.Status == string(status) {
			n++
		}
	}
	return n, nil
}

func (r *TOMLInvitationRepository) list(match func(*invitationDoc) bool) ([]domain.Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refresh(); err != nil {
		return nil, err
	}
	var out []domain.Invitation
	for code, doc := range r.data.Invitations {
		if !match(doc) {
			continue
		}
		inv, err := doc.toDomain(code)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	sortNewestFirst(out)
	return out, nil
}

type usageDoc struct {
	UsedBy string    `toml:"used_by"`
	UsedAt time.Time `toml:"used_at"`
}

type invitationDoc struct {
	ID               string         `toml:"id"`
	CreatedBy        string         `toml:"created_by"`
	UsageLimit       *int           `toml:"usage_limit,omitempty"`
	UsageCount       int            `toml:"usage_count"`
	ExpiresAt        *time.Time     `toml:"expires_at,omitempty"`
	Status           string         `toml:"status"`
	CreatedAt        time.Time      `toml:"created_at"`
	RevokedAt        *time.Time     `toml:"revoked_at,omitempty"`
	RevokedBy        string         `toml:"revoked_by,omitempty"`
	RevocationReason string         `toml:"revocation_reason,omitempty"`
	Version          int64          `toml:"version"`
	Metadata         map[string]any `toml:"metadata,omitempty"`
	Usages           []usageDoc     `toml:"usages,omitempty"`
}

func (d *invitationDoc) toDomain(code string) (domain.Invitation, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return domain.Invitation{}, fmt.Errorf("failed to parse invitation id '%s': %w", d.ID, err)
	}
	inv := domain.Invitation{
		ID:               id,
		Code:             code,
		CreatedBy:        d.CreatedBy,
		UsageLimit:       clonePtr(d.UsageLimit),
		UsageCount:       d.UsageCount,
		ExpiresAt:        clonePtr(d.ExpiresAt),
		Status:           domain.Status(d.Status),
		Metadata:         make(map[string]any, len(d.Metadata)),
		CreatedAt:        d.CreatedAt,
		RevokedAt:        clonePtr(d.RevokedAt),
		RevokedBy:        d.RevokedBy,
		RevocationReason: d.RevocationReason,
		Version:          d.Version,
		Usages:           make([]domain.UsageRecord, 0, len(d.Usages)),
	}
	for k, v := range d.Metadata {
		inv.Metadata[k] = v
	}
	for _, u := range d.Usages {
		inv.Usages = append(inv.Usages, domain.UsageRecord{UsedBy: u.UsedBy, UsedAt: u.UsedAt})
	}
	return inv, nil
}

func (d *invitationDoc) fromDomain(inv domain.Invitation) {
	d.ID = inv.ID.String()
	d.CreatedBy = inv.CreatedBy
	d.UsageLimit = clonePtr(inv.UsageLimit)
	d.UsageCount = inv.UsageCount
	d.ExpiresAt = clonePtr(inv.ExpiresAt)
	d.Status = string(inv.Status)
	d.CreatedAt = inv.CreatedAt
	d.RevokedAt = clonePtr(inv.RevokedAt)
	d.RevokedBy = inv.RevokedBy
	d.RevocationReason = inv.RevocationReason
	d.Version = inv.Version
	if len(inv.Metadata) > 0 {
		d.Metadata = make(map[string]any, len(inv.Metadata))
		for k, v := range inv.Metadata {
			d.Metadata[k] = v
		}
	}
	d.Usages = make([]usageDoc, 0, len(inv.Usages))
	for _, u := range inv.Usages {
		d.Usages = append(d.Usages, usageDoc{UsedBy: u.UsedBy, UsedAt: u.UsedAt})
	}
}

type document struct {
	Invitations map[string]*invitationDoc `toml:"invitations"`
}

// refresh reloads the document when the file changed since it was last
// read or written, judged by modification time and size. A missing file is
// an empty repository.
func (r *TOMLInvitationRepository) refresh() error {
	info, err := os.Stat(r.FilePath)
	if errors.Is(err, fs.ErrNotExist) {
		if r.data.Invitations == nil {
			r.data.Invitations = make(map[string]*invitationDoc)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read file timestamp: %w", err)
	}
	if r.data.Invitations != nil && r.modifiedAt.Equal(info.ModTime()) && r.size == info.Size() {
		return nil
	}

	var data document
	if _, err := toml.DecodeFile(r.FilePath, &data); err != nil {
		return fmt.Errorf("failed to load repository: %w", err)
	}
	if data.Invitations == nil {
		data.Invitations = make(map[string]*invitationDoc)
	}
	r.data = data
	r.modifiedAt = info.ModTime()
	r.size = info.Size()
	return nil
}

// save replaces the document through a temporary file in the same
// directory, so a failed write leaves the previous document intact.
func (r *TOMLInvitationRepository) save() error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(r.data); err != nil {
		return fmt.Errorf("failed to encode repository: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.FilePath), filepath.Base(r.FilePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save repository: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save repository: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}
	if err := os.Chmod(tmp.Name(), permRepository); err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.FilePath); err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}

	info, err := os.Stat(r.FilePath)
	if err != nil {
		return fmt.Errorf("failed to read file timestamp: %w", err)
	}
	r.modifiedAt = info.ModTime()
	r.size = info.Size()
	return nil
}
