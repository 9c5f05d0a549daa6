package uow

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"civicsync/internal/errs"
	"civicsync/internal/ports"
)

// UnitOfWork implements ports.UnitOfWork with gorm. Stores that resolve their
// handle through ports.TxFromContext join the transaction automatically.
type UnitOfWork struct {
	db *gorm.DB
}

var _ ports.UnitOfWork = (*UnitOfWork)(nil)

func NewUnitOfWork(db *gorm.DB) *UnitOfWork {
	return &UnitOfWork{db: db}
}

func (u *UnitOfWork) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if ports.TxFromContext(ctx) != nil {
		// Already inside a transaction: join it instead of nesting.
		return fn(ctx)
	}

	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ports.WithTxContext(ctx, tx))
	})
	return errs.Wrap(err, "run transaction")
}
