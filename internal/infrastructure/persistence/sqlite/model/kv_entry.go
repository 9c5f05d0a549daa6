package model

// KVEntry is one row of the offline key-value store. Cache entries, the action
// queue snapshot and its log records all live here under distinct key prefixes.
type KVEntry struct {
	Key       string `gorm:"column:key;type:text;primaryKey"`
	Value     string `gorm:"column:value;type:text;not null"`
	UpdatedAt string `gorm:"column:updated_at;type:text;not null"`
}

func (KVEntry) TableName() string {
	return "offline_kv"
}
