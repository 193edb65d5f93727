package infra

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/charadev96/invitecore/internal/shared/domain"
)

type sqlxTxKey struct{}

var _ domain.TransactionRunner = (*SqlxTransactionRunner)(nil)

func ExtractSqlxTx(ctx context.Context, fallback *sqlx.DB) sqlx.ExtContext {
	if tx, ok := ctx.Value(sqlxTxKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return fallback
}

type SqlxTransactionRunner struct {
	db *sqlx.DB
}

func NewSqlxTransactionRunner(db *sqlx.DB) *SqlxTransactionRunner {
	return &SqlxTransactionRunner{db: db}
}

func (r *SqlxTransactionRunner) Exec(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(sqlxTxKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, sqlxTxKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back transaction: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
