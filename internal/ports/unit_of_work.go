package ports

import "context"

// Tx is an opaque transaction handle for store adapters.
// Infrastructure controls the concrete type (for example, *gorm.DB).
type Tx interface{}

// UnitOfWork groups several KVStore writes into one transaction.
// Returning an error from fn rolls back, returning nil commits.
//
// Only stores with real transactions provide one; callers treat a nil
// UnitOfWork as "run fn directly".
type UnitOfWork interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

// WithTxContext stores a transaction handle in context.
func WithTxContext(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext reads a transaction handle from context.
func TxFromContext(ctx context.Context) Tx {
	if ctx == nil {
		return nil
	}
	return ctx.Value(txKey{})
}

// RunInTx runs fn inside uow when one is configured, otherwise calls fn directly.
func RunInTx(ctx context.Context, uow UnitOfWork, fn func(ctx context.Context) error) error {
	if uow == nil {
		return fn(ctx)
	}
	return uow.WithTx(ctx, fn)
}
