package offline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"civicsync/internal/bootstrap/logging"
	domain "civicsync/internal/domain/offline"
	"civicsync/internal/errs"
	"civicsync/internal/ports"
)

const (
	maxLastErrorLen   = 512
	maxAppendAttempts = 8
)

var errLogContended = errors.New("action log key contended")

// ActionQueue is the durable FIFO log of mutations waiting for replay.
//
// Every mutation is one append to the KVStore log, so an Enqueue that returned
// survives process death. Compact folds the log into a single snapshot blob.
// Several processes may share one store: log keys are claimed with
// SetIfAbsent, and Refresh picks up records written elsewhere.
// Feature code only enqueues; removal and retry bookkeeping belong to the
// SyncCoordinator.
type ActionQueue struct {
	store            ports.KVStore
	uow              ports.UnitOfWork
	now              func() time.Time
	newID            func() (string, error)
	compactThreshold int

	mu      sync.Mutex
	loaded  bool
	actions []domain.QueuedAction
	seq     uint64
	logLen  int
}

// NewActionQueue builds a queue over store. uow may be nil; when set, Compact
// runs in one transaction. compactThreshold <= 0 disables automatic compaction.
func NewActionQueue(store ports.KVStore, uow ports.UnitOfWork, now func() time.Time, compactThreshold int) *ActionQueue {
	if now == nil {
		now = time.Now
	}
	return &ActionQueue{
		store:            store,
		uow:              uow,
		now:              now,
		newID:            newActionID,
		compactThreshold: compactThreshold,
	}
}

func newActionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", errs.Wrap(err, "generate action id")
	}
	return id.String(), nil
}

func (q *ActionQueue) Enqueue(ctx context.Context, in domain.ActionInput) (domain.QueuedAction, error) {
	in, err := in.Normalize()
	if err != nil {
		return domain.QueuedAction{}, err
	}
	id, err := q.newID()
	if err != nil {
		return domain.QueuedAction{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return domain.QueuedAction{}, err
	}

	action := domain.QueuedAction{
		ID:         id,
		Kind:       in.Kind,
		Endpoint:   in.Endpoint,
		Method:     in.Method,
		Payload:    in.Payload,
		EnqueuedAt: q.now().UTC(),
	}
	action = action.Clone()
	err = q.appendLocked(ctx, func([]domain.QueuedAction) (logRecord, error) {
		return logRecord{Op: logOpEnqueue, Action: &action}, nil
	})
	if err != nil {
		return domain.QueuedAction{}, errs.Wrap(err, "enqueue action")
	}
	q.maybeCompactLocked(ctx)

	logging.Info(q.logCtx(ctx), "action enqueued",
		slog.String("action_id", action.ID),
		slog.String("kind", action.Kind),
		slog.Int("queue_len", len(q.actions)),
	)
	return action.Clone(), nil
}

// All returns the queued actions oldest first.
func (q *ActionQueue) All(ctx context.Context) ([]domain.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return nil, err
	}
	return cloneActions(q.actions), nil
}

func (q *ActionQueue) Get(ctx context.Context, id string) (domain.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return domain.QueuedAction{}, err
	}
	idx := indexOfAction(q.actions, id)
	if idx < 0 {
		return domain.QueuedAction{}, errs.Wrapf(domain.ErrActionNotFound, "get %q", id)
	}
	return q.actions[idx].Clone(), nil
}

func (q *ActionQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return 0, err
	}
	return len(q.actions), nil
}

func (q *ActionQueue) RemoveByID(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return err
	}

	err := q.appendLocked(ctx, func(actions []domain.QueuedAction) (logRecord, error) {
		if indexOfAction(actions, id) < 0 {
			return logRecord{}, domain.ErrActionNotFound
		}
		return logRecord{Op: logOpRemove, ID: id}, nil
	})
	if err != nil {
		return errs.Wrapf(err, "remove action %q", id)
	}
	q.maybeCompactLocked(ctx)
	return nil
}

// IncrementRetry records a failed replay of id and returns the updated action.
func (q *ActionQueue) IncrementRetry(ctx context.Context, id string, cause error) (domain.QueuedAction, error) {
	return q.update(ctx, id, func(a *domain.QueuedAction) {
		a.RetryCount++
		at := q.now().UTC()
		a.LastAttemptAt = &at
		a.LastError = ""
		if cause != nil {
			a.LastError = truncate(cause.Error(), maxLastErrorLen)
		}
	})
}

// ResetRetry clears the retry bookkeeping of id so it is replayed again.
func (q *ActionQueue) ResetRetry(ctx context.Context, id string) (domain.QueuedAction, error) {
	return q.update(ctx, id, func(a *domain.QueuedAction) {
		a.RetryCount = 0
		a.LastAttemptAt = nil
		a.LastError = ""
	})
}

func (q *ActionQueue) update(ctx context.Context, id string, mutate func(*domain.QueuedAction)) (domain.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return domain.QueuedAction{}, err
	}

	var updated domain.QueuedAction
	err := q.appendLocked(ctx, func(actions []domain.QueuedAction) (logRecord, error) {
		idx := indexOfAction(actions, id)
		if idx < 0 {
			return logRecord{}, domain.ErrActionNotFound
		}
		updated = actions[idx].Clone()
		mutate(&updated)
		return logRecord{Op: logOpUpdate, Action: &updated}, nil
	})
	if err != nil {
		return domain.QueuedAction{}, errs.Wrapf(err, "update action %q", id)
	}
	q.maybeCompactLocked(ctx)
	return updated.Clone(), nil
}

func (q *ActionQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return err
	}

	var dropped int
	err := q.appendLocked(ctx, func(actions []domain.QueuedAction) (logRecord, error) {
		dropped = len(actions)
		return logRecord{Op: logOpClear}, nil
	})
	if err != nil {
		return errs.Wrap(err, "clear action queue")
	}
	q.maybeCompactLocked(ctx)

	logging.Info(q.logCtx(ctx), "action queue cleared", slog.Int("dropped", dropped))
	return nil
}

// Compact folds the log into the snapshot and deletes the folded records.
func (q *ActionQueue) Compact(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.compactLocked(ctx)
}

// Refresh replays the stored log again so records appended by other processes
// sharing the store become visible.
func (q *ActionQueue) Refresh(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reloadLocked(ctx)
}

func (q *ActionQueue) reloadLocked(ctx context.Context) error {
	q.loaded = false
	return q.loadLocked(ctx)
}

func (q *ActionQueue) loadLocked(ctx context.Context) error {
	if q.loaded {
		return nil
	}

	var snap queueSnapshot
	raw, found, err := q.store.Get(ctx, actionsSnapshotKey)
	if err != nil {
		return &domain.StorageError{Op: "get", Key: actionsSnapshotKey, Err: err}
	}
	if found {
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return errs.Wrap(err, "decode action queue snapshot")
		}
	}

	keys, err := q.store.Keys(ctx, actionsLogPrefix)
	if err != nil {
		return &domain.StorageError{Op: "keys", Key: actionsLogPrefix, Err: err}
	}

	type logRef struct {
		seq uint64
		key string
	}
	refs := make([]logRef, 0, len(keys))
	for _, k := range keys {
		if seq, ok := parseLogKey(k); ok {
			refs = append(refs, logRef{seq: seq, key: k})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].seq < refs[j].seq })

	actions := cloneActions(snap.Actions)
	seq := snap.Through
	for _, ref := range refs {
		seq = max(seq, ref.seq)
		if ref.seq <= snap.Through {
			// Folded already; a crash interrupted the last compaction.
			continue
		}

		raw, found, err := q.store.Get(ctx, ref.key)
		if err != nil {
			return &domain.StorageError{Op: "get", Key: ref.key, Err: err}
		}
		if !found {
			continue
		}
		var rec logRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			logging.Warn(q.logCtx(ctx), "skipping unreadable action log record",
				slog.String("key", ref.key), slog.Any("err", errs.Loggable(err)))
			continue
		}
		actions = rec.apply(actions)
	}

	q.actions = actions
	q.seq = seq
	q.logLen = len(refs)
	q.loaded = true

	logging.Debug(q.logCtx(ctx), "action queue loaded",
		slog.Int("actions", len(actions)),
		slog.Int("log_records", len(refs)),
		slog.Uint64("through", snap.Through),
	)
	return nil
}

// appendLocked writes the record built from the current view under the next
// log key and folds it into the view. When another process has claimed that
// key, or a compaction elsewhere already covers it, the log is replayed and
// build runs again against the refreshed view.
func (q *ActionQueue) appendLocked(ctx context.Context, build func([]domain.QueuedAction) (logRecord, error)) error {
	for attempt := 1; ; attempt++ {
		rec, err := build(q.actions)
		if err != nil {
			return err
		}
		rec.Seq = q.seq + 1
		data, err := json.Marshal(rec)
		if err != nil {
			return errs.Wrap(err, "encode action log record")
		}

		key := logKey(rec.Seq)
		created, err := q.store.SetIfAbsent(ctx, key, string(data))
		if err != nil {
			return &domain.StorageError{Op: "set", Key: key, Err: err}
		}
		if created {
			through, err := q.foldedThrough(ctx)
			if err != nil {
				return err
			}
			if rec.Seq > through {
				q.seq = rec.Seq
				q.logLen++
				q.actions = rec.apply(q.actions)
				return nil
			}
			// Replay would skip it as already folded.
			if err := q.store.Remove(ctx, key); err != nil {
				return &domain.StorageError{Op: "remove", Key: key, Err: err}
			}
		}

		if attempt >= maxAppendAttempts {
			return errs.Wrapf(errLogContended, "append seq %d", rec.Seq)
		}
		logging.Debug(q.logCtx(ctx), "action log moved on elsewhere, replaying",
			slog.Uint64("seq", rec.Seq), slog.Int("attempt", attempt))
		if err := q.reloadLocked(ctx); err != nil {
			return err
		}
	}
}

// foldedThrough returns the last sequence number covered by the stored snapshot.
func (q *ActionQueue) foldedThrough(ctx context.Context) (uint64, error) {
	raw, found, err := q.store.Get(ctx, actionsSnapshotKey)
	if err != nil {
		return 0, &domain.StorageError{Op: "get", Key: actionsSnapshotKey, Err: err}
	}
	if !found {
		return 0, nil
	}
	var snap queueSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return 0, errs.Wrap(err, "decode action queue snapshot")
	}
	return snap.Through, nil
}

func (q *ActionQueue) maybeCompactLocked(ctx context.Context) {
	if q.compactThreshold <= 0 || q.logLen < q.compactThreshold {
		return
	}
	if err := q.compactLocked(ctx); err != nil {
		logging.Warn(q.logCtx(ctx), "action queue compaction failed", slog.Any("err", errs.Loggable(err)))
	}
}

func (q *ActionQueue) compactLocked(ctx context.Context) error {
	var snap queueSnapshot
	err := ports.RunInTx(ctx, q.uow, func(ctx context.Context) error {
		// Fold what is stored, including records other processes appended.
		if err := q.reloadLocked(ctx); err != nil {
			return err
		}
		snap = queueSnapshot{Through: q.seq, Actions: cloneActions(q.actions)}
		data, err := json.Marshal(snap)
		if err != nil {
			return errs.Wrap(err, "encode action queue snapshot")
		}

		keys, err := q.store.Keys(ctx, actionsLogPrefix)
		if err != nil {
			return &domain.StorageError{Op: "keys", Key: actionsLogPrefix, Err: err}
		}

		if err := q.store.Set(ctx, actionsSnapshotKey, string(data)); err != nil {
			return &domain.StorageError{Op: "set", Key: actionsSnapshotKey, Err: err}
		}
		for _, k := range keys {
			seq, ok := parseLogKey(k)
			if !ok || seq > snap.Through {
				continue
			}
			if err := q.store.Remove(ctx, k); err != nil {
				return &domain.StorageError{Op: "remove", Key: k, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(err, "compact action queue")
	}

	q.logLen = 0
	logging.Debug(q.logCtx(ctx), "action queue compacted",
		slog.Uint64("through", snap.Through),
		slog.Int("actions", len(snap.Actions)),
	)
	return nil
}

func (q *ActionQueue) logCtx(ctx context.Context) context.Context {
	return logging.WithComponent(ctx, "offline.queue")
}

func cloneActions(in []domain.QueuedAction) []domain.QueuedAction {
	out := make([]domain.QueuedAction, 0, len(in))
	for _, a := range in {
		out = append(out, a.Clone())
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
