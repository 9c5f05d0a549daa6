package offline

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"civicsync/internal/errs"
)

func TestRemoteCallErrorIsClassified(t *testing.T) {
	cause := errors.New("503 unavailable")
	err := fmt.Errorf("drain: %w", &RemoteCallError{ActionID: "a1", ActionKind: "poll.vote", Err: cause})

	if got := errs.KindOf(err); got != "remote_call" {
		t.Fatalf("KindOf() = %q, want remote_call", got)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(cause) = false")
	}
	if msg := err.Error(); !strings.Contains(msg, "replay a1 (poll.vote)") {
		t.Fatalf("Error() = %q", msg)
	}
}

func TestStorageErrorIsClassified(t *testing.T) {
	err := &StorageError{Op: "set", Key: "offline_actions", Err: errors.New("disk full")}
	if got := errs.KindOf(err); got != "storage" {
		t.Fatalf("KindOf() = %q, want storage", got)
	}
}
