package session

import (
	"context"

	"github.com/rbright/khata/internal/item"
)

// Committer hands a succeeded item to the invoice-building collaborator.
type Committer interface {
	Commit(context.Context, item.Parsed) error
}

// CommitFunc adapts a function to the Committer interface.
type CommitFunc func(context.Context, item.Parsed) error

func (f CommitFunc) Commit(ctx context.Context, p item.Parsed) error {
	return f(ctx, p)
}
