// Package dbctx bundles a request context with an optional GORM transaction
// so repo methods can be called either standalone or as part of a caller's
// transaction without two parallel method sets.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context carries a request context and, when set, the transaction the
// caller wants the operation to participate in. Tx is nil outside a
// transaction; repos fall back to their own *gorm.DB in that case.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Background returns a Context with no transaction, for callers outside an
// HTTP request or message handler (cron jobs, init code).
func Background() Context {
	return Context{Ctx: context.Background()}
}

// With returns a copy of c bound to tx.
func (c Context) With(tx *gorm.DB) Context {
	c.Tx = tx
	return c
}
