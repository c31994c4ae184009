package dedup_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/dedup"
	"github.com/inimical023/callflow/store/memory"
)

type leadResult struct {
	LeadID string `json:"lead_id"`
	Action string `json:"action"`
}

func TestDoRunsOnceAndReplaysOutcome(t *testing.T) {
	s := dedup.NewService(memory.New(), dedup.WithNamespace("lead"))
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (leadResult, error) {
		calls++
		return leadResult{LeadID: "L-7", Action: "created"}, nil
	}

	out, replayed, err := dedup.Do(ctx, s, "evt-1", fn)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if replayed || out.LeadID != "L-7" {
		t.Fatalf("first Do = %+v replayed=%v, want L-7 replayed=false", out, replayed)
	}

	out, replayed, err = dedup.Do(ctx, s, "evt-1", fn)
	if err != nil {
		t.Fatalf("second Do: %v", err)
	}
	if !replayed || out.LeadID != "L-7" || out.Action != "created" {
		t.Fatalf("second Do = %+v replayed=%v, want stored L-7 replayed=true", out, replayed)
	}
	if calls != 1 {
		t.Errorf("fn calls = %d, want 1", calls)
	}

	mk, err := s.Store().GetMark(ctx, s.Key("evt-1"))
	if err != nil {
		t.Fatalf("GetMark: %v", err)
	}
	want, _ := dedup.Hash(leadResult{LeadID: "L-7", Action: "created"})
	if mk.OutcomeHash != want {
		t.Errorf("OutcomeHash = %q, want %q", mk.OutcomeHash, want)
	}
}

func TestDoReleasesOnError(t *testing.T) {
	s := dedup.NewService(memory.New())
	ctx := context.Background()
	boom := errors.New("crm unavailable")

	_, _, err := dedup.Do(ctx, s, "evt-2", func(context.Context) (leadResult, error) {
		return leadResult{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Do = %v, want %v", err, boom)
	}

	out, replayed, err := dedup.Do(ctx, s, "evt-2", func(context.Context) (leadResult, error) {
		return leadResult{LeadID: "L-8"}, nil
	})
	if err != nil || replayed || out.LeadID != "L-8" {
		t.Fatalf("retry Do = %+v replayed=%v err=%v, want a fresh run", out, replayed, err)
	}
}

func TestDoInFlightIsTransient(t *testing.T) {
	store := memory.New()
	s := dedup.NewService(store)
	ctx := context.Background()
	if _, err := store.CheckAndMark(ctx, s.Key("evt-3"), time.Minute); err != nil {
		t.Fatalf("CheckAndMark: %v", err)
	}

	ran := false
	_, _, err := dedup.Do(ctx, s, "evt-3", func(context.Context) (leadResult, error) {
		ran = true
		return leadResult{}, nil
	})
	if !errors.Is(err, callflow.ErrInFlight) || !callflow.IsRetryable(err) {
		t.Fatalf("Do = %v, want retryable ErrInFlight", err)
	}
	if ran {
		t.Error("fn ran while another holder had the lease")
	}
}

func TestOnceReportsRan(t *testing.T) {
	s := dedup.NewService(memory.New())
	ctx := context.Background()
	fn := func(context.Context) (any, error) { return nil, nil }

	ran, err := s.Once(ctx, "evt-4", fn)
	if err != nil || !ran {
		t.Fatalf("Once = %v, %v, want true, nil", ran, err)
	}
	ran, err = s.Once(ctx, "evt-4", fn)
	if err != nil || ran {
		t.Fatalf("second Once = %v, %v, want false, nil", ran, err)
	}
}

func TestEncodeIsCanonical(t *testing.T) {
	a, err := dedup.Encode(map[string]any{"b": 1, "a": "x"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := dedup.Encode(struct {
		A string `json:"a"`
		B int    `json:"b"`
	}{"x", 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if a.Hash != b.Hash {
		t.Errorf("hashes differ: %s vs %s", a.Hash, b.Hash)
	}
}
