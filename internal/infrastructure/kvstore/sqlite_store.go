package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"civicsync/internal/errs"
	"civicsync/internal/infrastructure/persistence/sqlite/model"
	"civicsync/internal/ports"
)

type SQLiteStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ ports.KVStore = (*SQLiteStore)(nil)

func NewSQLiteStore(db *gorm.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// dbFromContext joins the transaction opened by the sqlite UnitOfWork, if any.
func (s *SQLiteStore) dbFromContext(ctx context.Context) (*gorm.DB, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(err, "check context")
	}

	tx := ports.TxFromContext(ctx)
	if tx == nil {
		return s.db.WithContext(ctx), nil
	}

	gormTx, ok := tx.(*gorm.DB)
	if !ok || gormTx == nil {
		return nil, fmt.Errorf("invalid tx in context: %T", tx)
	}
	return gormTx.WithContext(ctx), nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	db, err := s.dbFromContext(ctx)
	if err != nil {
		return "", false, err
	}

	trimmedKey, err := requireKey(key)
	if err != nil {
		return "", false, err
	}

	var row model.KVEntry
	if err := db.Where("key = ?", trimmedKey).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, errs.Wrap(err, "query kv by key")
	}

	return row.Value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value string) error {
	db, err := s.dbFromContext(ctx)
	if err != nil {
		return err
	}

	trimmedKey, err := requireKey(key)
	if err != nil {
		return err
	}

	row := model.KVEntry{
		Key:       trimmedKey,
		Value:     value,
		UpdatedAt: s.now().UTC().Format(time.RFC3339Nano),
	}

	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"value":      row.Value,
			"updated_at": row.UpdatedAt,
		}),
	}).Create(&row).Error; err != nil {
		return errs.Wrap(err, "upsert kv key")
	}

	return nil
}

func (s *SQLiteStore) SetIfAbsent(ctx context.Context, key string, value string) (bool, error) {
	db, err := s.dbFromContext(ctx)
	if err != nil {
		return false, err
	}

	trimmedKey, err := requireKey(key)
	if err != nil {
		return false, err
	}

	row := model.KVEntry{
		Key:       trimmedKey,
		Value:     value,
		UpdatedAt: s.now().UTC().Format(time.RFC3339Nano),
	}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return false, errs.Wrap(result.Error, "insert kv key")
	}
	return result.RowsAffected == 1, nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	db, err := s.dbFromContext(ctx)
	if err != nil {
		return err
	}

	trimmedKey, err := requireKey(key)
	if err != nil {
		return err
	}

	if err := db.Where("key = ?", trimmedKey).Delete(&model.KVEntry{}).Error; err != nil {
		return errs.Wrap(err, "delete kv key")
	}
	return nil
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	db, err := s.dbFromContext(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Model(&model.KVEntry{})
	if prefix != "" {
		query = query.Where(`key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	}

	var keys []string
	if err := query.Order("key asc").Pluck("key", &keys).Error; err != nil {
		return nil, errs.Wrap(err, "list kv keys")
	}
	return keys, nil
}

func requireKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", errors.New("key is required")
	}
	return trimmed, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
