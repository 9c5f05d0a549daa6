package connectivity

import (
	"context"
	"testing"
)

func TestManualProviderNotifiesUntilCancelled(t *testing.T) {
	p := NewManualProvider(false)
	ctx := context.Background()

	var got []bool
	cancel := p.OnChange(func(online bool) { got = append(got, online) })

	p.Set(true)
	p.Set(true)
	cancel()
	cancel()
	p.Set(false)

	if len(got) != 2 || !got[0] || !got[1] {
		t.Fatalf("listener calls = %v, want [true true]", got)
	}

	online, err := p.FetchOnce(ctx)
	if err != nil {
		t.Fatalf("FetchOnce() error = %v", err)
	}
	if online {
		t.Fatalf("FetchOnce() = true, want false")
	}
}
