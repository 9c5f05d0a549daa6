package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	domain "civicsync/internal/domain/offline"
)

func sampleStatus() domain.SyncStatus {
	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	return domain.SyncStatus{
		IsOnline:        true,
		LastSyncAt:      &at,
		PendingCount:    2,
		DeadLetterCount: 1,
		BreakdownByKind: map[string]int{"poll.vote": 2, "lesson.progress": 1},
		DeadLetters: []domain.DeadLetter{
			{ID: "0193-a", Kind: "poll.vote", RetryCount: 3, LastError: "422 rejected"},
		},
	}
}

func TestRenderStatusText(t *testing.T) {
	out := renderStatus(sampleStatus())

	for _, want := range []string{"pending=2 dead_letters=1", "lesson.progress: 1", "poll.vote: 2", "0193-a", "422 rejected"} {
		if !strings.Contains(out, want) {
			t.Fatalf("renderStatus() missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "lesson.progress") > strings.Index(out, "poll.vote: 2") {
		t.Fatalf("kinds not sorted:\n%s", out)
	}
}

func TestRenderStatusEmptyQueue(t *testing.T) {
	out := renderStatus(domain.SyncStatus{BreakdownByKind: map[string]int{}})
	if !strings.Contains(out, "queue is empty") || !strings.Contains(out, "last_sync=never") {
		t.Fatalf("renderStatus() = %s", out)
	}
}

func TestWriteViewStructured(t *testing.T) {
	st := sampleStatus()

	var jsonOut bytes.Buffer
	if err := writeView(&jsonOut, "json", nil, st); err != nil {
		t.Fatalf("writeView(json) error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(jsonOut.Bytes(), &decoded); err != nil {
		t.Fatalf("json output does not decode: %v", err)
	}
	if decoded["pendingCount"] != float64(2) {
		t.Fatalf("json pendingCount = %v", decoded["pendingCount"])
	}

	var yamlOut bytes.Buffer
	if err := writeView(&yamlOut, "yaml", nil, st); err != nil {
		t.Fatalf("writeView(yaml) error = %v", err)
	}
	var y map[string]any
	if err := yaml.Unmarshal(yamlOut.Bytes(), &y); err != nil {
		t.Fatalf("yaml output does not decode: %v", err)
	}
	if y["dead_letter_count"] != 1 {
		t.Fatalf("yaml dead_letter_count = %v", y["dead_letter_count"])
	}

	if err := writeView(&bytes.Buffer{}, "xml", nil, st); err == nil {
		t.Fatalf("writeView(xml) expected error")
	}
}

func TestRenderSyncResult(t *testing.T) {
	if out := renderSyncResult(domain.SyncResult{AlreadyRunning: true}); !strings.Contains(out, "already running") {
		t.Fatalf("renderSyncResult(running) = %q", out)
	}
	out := renderSyncResult(domain.SyncResult{Trigger: "manual", Attempted: 3, Succeeded: 2, Failed: 1})
	if !strings.Contains(out, "attempted=3 succeeded=2 failed=1") {
		t.Fatalf("renderSyncResult() = %q", out)
	}
}

func TestActionViewsDecodePayload(t *testing.T) {
	in, err := domain.NewActionInput("poll.vote", "/polls/7/votes", "", map[string]string{"choice": "b"})
	if err != nil {
		t.Fatalf("NewActionInput() error = %v", err)
	}
	action := domain.QueuedAction{ID: "a1", Kind: in.Kind, Endpoint: in.Endpoint, Method: "POST", Payload: in.Payload}

	var out bytes.Buffer
	if err := writeView(&out, "yaml", nil, toActionViews([]domain.QueuedAction{action})); err != nil {
		t.Fatalf("writeView(yaml) error = %v", err)
	}
	if !strings.Contains(out.String(), "choice: b") {
		t.Fatalf("yaml payload not decoded:\n%s", out.String())
	}

	text := renderActions([]domain.QueuedAction{action})
	if !strings.Contains(text, "Queued actions (1)") || !strings.Contains(text, "/polls/7/votes") {
		t.Fatalf("renderActions() = %s", text)
	}
}
