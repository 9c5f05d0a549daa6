package offline

import (
	"fmt"
	"strconv"
	"strings"

	domain "civicsync/internal/domain/offline"
)

const (
	actionsSnapshotKey = "offline_actions"
	actionsLogPrefix   = "offline_actions/log/"
)

type logOp string

const (
	logOpEnqueue logOp = "enqueue"
	logOpUpdate  logOp = "update"
	logOpRemove  logOp = "remove"
	logOpClear   logOp = "clear"
)

// logRecord is one append-only mutation of the action queue.
type logRecord struct {
	Seq    uint64               `json:"seq"`
	Op     logOp                `json:"op"`
	Action *domain.QueuedAction `json:"action,omitempty"`
	ID     string               `json:"id,omitempty"`
}

// queueSnapshot is the compacted queue. Log records with Seq <= Through are
// already folded in and are skipped on replay.
type queueSnapshot struct {
	Through uint64                `json:"through"`
	Actions []domain.QueuedAction `json:"actions"`
}

func logKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", actionsLogPrefix, seq)
}

func parseLogKey(key string) (uint64, bool) {
	raw, ok := strings.CutPrefix(key, actionsLogPrefix)
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// apply folds rec into actions and returns the new slice.
func (rec logRecord) apply(actions []domain.QueuedAction) []domain.QueuedAction {
	switch rec.Op {
	case logOpEnqueue:
		if rec.Action == nil || indexOfAction(actions, rec.Action.ID) >= 0 {
			return actions
		}
		return append(actions, rec.Action.Clone())
	case logOpUpdate:
		if rec.Action == nil {
			return actions
		}
		if idx := indexOfAction(actions, rec.Action.ID); idx >= 0 {
			actions[idx] = rec.Action.Clone()
		}
		return actions
	case logOpRemove:
		if idx := indexOfAction(actions, rec.ID); idx >= 0 {
			return append(actions[:idx], actions[idx+1:]...)
		}
		return actions
	case logOpClear:
		return actions[:0]
	default:
		return actions
	}
}

func indexOfAction(actions []domain.QueuedAction, id string) int {
	for i := range actions {
		if actions[i].ID == id {
			return i
		}
	}
	return -1
}
