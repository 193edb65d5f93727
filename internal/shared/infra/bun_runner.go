package infra

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/charadev96/invitecore/internal/shared/domain"
)

type bunTxKey struct{}

var _ domain.TransactionRunner = (*BunTransactionRunner)(nil)

func InjectBunTx(ctx context.Context, db bun.IDB) context.Context {
	return context.WithValue(ctx, bunTxKey{}, db)
}

// ExtractBunTx returns the transaction started by a BunTransactionRunner
// further up the call chain, or fallback outside of one.
func ExtractBunTx(ctx context.Context, fallback bun.IDB) bun.IDB {
	if db, ok := ctx.Value(bunTxKey{}).(bun.IDB); ok {
		return db
	}
	return fallback
}

type BunTransactionRunner struct {
	db *bun.DB
}

func NewBunTransactionRunner(db *bun.DB) *BunTransactionRunner {
	return &BunTransactionRunner{db: db}
}

// Exec joins an enclosing transaction when there is one.
func (r *BunTransactionRunner) Exec(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(bunTxKey{}).(bun.IDB); ok {
		return fn(ctx)
	}
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(InjectBunTx(ctx, tx))
	})
}
