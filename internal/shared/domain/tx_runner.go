package domain

import (
	"context"
)

// TransactionRunner runs fn inside a storage transaction carried by ctx.
// A nested Exec joins the transaction already in ctx, so a repository Save
// and its usage rows commit or roll back together.
type TransactionRunner interface {
	Exec(ctx context.Context, fn func(ctx context.Context) error) error
}
