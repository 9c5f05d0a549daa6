package offline

import "time"

// SyncState is owned by the sync coordinator.
type SyncState struct {
	IsOnline       bool
	SyncInProgress bool
	LastSyncAt     *time.Time
}

// SyncStatus is a read-only snapshot for UI and telemetry.
type SyncStatus struct {
	IsOnline        bool           `json:"isOnline" yaml:"is_online"`
	SyncInProgress  bool           `json:"syncInProgress" yaml:"sync_in_progress"`
	LastSyncAt      *time.Time     `json:"lastSyncAt,omitempty" yaml:"last_sync_at,omitempty"`
	PendingCount    int            `json:"pendingCount" yaml:"pending_count"`
	DeadLetterCount int            `json:"deadLetterCount" yaml:"dead_letter_count"`
	BreakdownByKind map[string]int `json:"breakdownByKind" yaml:"breakdown_by_kind"`
	DeadLetters     []DeadLetter   `json:"deadLetters,omitempty" yaml:"dead_letters,omitempty"`
}

// DeadLetter is an action past the retry ceiling, kept for manual intervention.
type DeadLetter struct {
	ID         string `json:"id" yaml:"id"`
	Kind       string `json:"kind" yaml:"kind"`
	RetryCount int    `json:"retryCount" yaml:"retry_count"`
	LastError  string `json:"lastError,omitempty" yaml:"last_error,omitempty"`
}

// SyncResult summarizes one drain pass.
type SyncResult struct {
	Trigger        string `json:"trigger" yaml:"trigger"`
	AlreadyRunning bool   `json:"alreadyRunning" yaml:"already_running"`
	Attempted      int    `json:"attempted" yaml:"attempted"`
	Succeeded      int    `json:"succeeded" yaml:"succeeded"`
	Failed         int    `json:"failed" yaml:"failed"`
	// Skipped counts actions still in backoff or left untouched after
	// connectivity dropped mid-pass.
	Skipped int `json:"skipped" yaml:"skipped"`
	// DeadLettered counts actions ignored because they were already past the ceiling.
	DeadLettered int `json:"deadLettered" yaml:"dead_lettered"`
	// Exhausted counts actions that reached the ceiling during this pass.
	Exhausted int `json:"exhausted" yaml:"exhausted"`
}
