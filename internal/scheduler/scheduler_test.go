package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSweeper struct {
	reviewed  int
	retried   int
	reviewErr error
}

func (f *fakeSweeper) ReviewDue(_ context.Context, _ time.Time) (int, error) {
	if f.reviewErr != nil {
		return 0, f.reviewErr
	}
	f.reviewed++
	return 3, nil
}

func (f *fakeSweeper) RetryBaselines(_ context.Context) (int, error) {
	f.retried++
	return 1, nil
}

type fakeProposer struct{ runs int }

func (f *fakeProposer) Run(_ context.Context) (int, error) {
	f.runs++
	return 2, nil
}

func TestNewRejectsBadCron(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReviewCron = "not a cron"
	if _, err := New(cfg, &fakeSweeper{}); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestNewRejectsBadTimezone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "Mars/Olympus_Mons"
	if _, err := New(cfg, &fakeSweeper{}); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestRunReviewOnce(t *testing.T) {
	sweeper := &fakeSweeper{}
	s, err := New(DefaultConfig(), sweeper)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n, err := s.RunReview(context.Background())
	if err != nil {
		t.Fatalf("RunReview: %v", err)
	}
	if n != 3 || sweeper.reviewed != 1 {
		t.Errorf("reviewed %d (calls %d), want 3 (1)", n, sweeper.reviewed)
	}
}

func TestRunSweepSwallowsErrors(t *testing.T) {
	sweeper := &fakeSweeper{reviewErr: errors.New("api down")}
	s, err := New(DefaultConfig(), sweeper)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Must not panic; the failure is logged and the next firing retries.
	s.runSweep("review", s.runReview)
}

func TestProposerRegisteredOnlyWhenConfigured(t *testing.T) {
	proposer := &fakeProposer{}
	s, err := New(DefaultConfig(), &fakeSweeper{}, WithProposer(proposer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.runSweep("price_analysis", s.runPriceAnalysis)
	if proposer.runs != 1 {
		t.Errorf("proposer runs = %d, want 1", proposer.runs)
	}

	// Without a proposer the price analysis entry is not registered.
	s2, err := New(DefaultConfig(), &fakeSweeper{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := len(s2.cron.Entries()), len(s.cron.Entries())-1; got != want {
		t.Errorf("entries without proposer = %d, want %d", got, want)
	}
}
