package experiments

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func newExperiment(id, subject string, kind Kind, status Status) *Experiment {
	return &Experiment{
		ID:           id,
		Kind:         kind,
		SubjectRef:   subject,
		Action:       json.RawMessage(`{"type":"set_price","price":1990}`),
		DurationDays: 7,
		Status:       status,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestMemoryStoreSingleActivePerSubjectKind(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newExperiment("exp-1", "42", KindPrice, StatusRunning)); err != nil {
		t.Fatalf("create first: %v", err)
	}

	err := store.Create(ctx, newExperiment("exp-2", "42", KindPrice, StatusRunning))
	if !errors.Is(err, ErrConflict) {
		t.Errorf("second active for same subject/kind: %v, want ErrConflict", err)
	}

	// A different kind on the same subject is allowed.
	if err := store.Create(ctx, newExperiment("exp-3", "42", KindContent, StatusRunning)); err != nil {
		t.Errorf("different kind: %v", err)
	}

	// Proposed does not hold the slot.
	if err := store.Create(ctx, newExperiment("exp-4", "42", KindPrice, StatusProposed)); err != nil {
		t.Errorf("proposed alongside running: %v", err)
	}
}

func TestMemoryStoreActiveSlotFreedOnTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	exp := newExperiment("exp-1", "42", KindPrice, StatusRunning)
	if err := store.Create(ctx, exp); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	exp.Status = StatusRolledBack
	exp.CompletedAt = &now
	if err := store.Update(ctx, exp); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := store.GetActiveFor(ctx, "42", KindPrice); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetActiveFor after terminal: %v, want ErrNotFound", err)
	}
	if err := store.Create(ctx, newExperiment("exp-2", "42", KindPrice, StatusRunning)); err != nil {
		t.Errorf("new active after terminal: %v", err)
	}
}

func TestMemoryStoreOptimisticVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newExperiment("exp-1", "42", KindPrice, StatusRunning)); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, _ := store.GetByID(ctx, "exp-1")
	second, _ := store.GetByID(ctx, "exp-1")

	first.Status = StatusAwaitingReview
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("version after update = %d, want 2", first.Version)
	}

	second.Status = StatusRolledBack
	err := store.Update(ctx, second)
	if !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("stale update: %v, want ErrConcurrentModification", err)
	}
}

func TestMemoryStoreTerminalIsImmutable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	exp := newExperiment("exp-1", "42", KindPrice, StatusProposed)
	if err := store.Create(ctx, exp); err != nil {
		t.Fatalf("create: %v", err)
	}
	exp.Status = StatusCancelled
	if err := store.Update(ctx, exp); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	exp.Status = StatusRunning
	err := store.Update(ctx, exp)
	if !errors.Is(err, ErrImmutableState) {
		t.Errorf("update of terminal row: %v, want ErrImmutableState", err)
	}
}

func TestMemoryStoreBaselineWriteOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	exp := newExperiment("exp-1", "42", KindPrice, StatusRunning)
	now := time.Now().UTC()
	exp.Baseline = Metrics{MetricOrders: 10}
	exp.BaselineCapturedAt = &now
	if err := store.Create(ctx, exp); err != nil {
		t.Fatalf("create: %v", err)
	}

	exp.Baseline = Metrics{MetricOrders: 99}
	err := store.Update(ctx, exp)
	if !errors.Is(err, ErrImmutableState) {
		t.Errorf("baseline rewrite: %v, want ErrImmutableState", err)
	}
}

func TestMemoryStoreListDue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	due := newExperiment("due", "1", KindPrice, StatusRunning)
	due.ReviewDueAt = &past

	notYet := newExperiment("not-yet", "2", KindPrice, StatusRunning)
	notYet.ReviewDueAt = &future

	reviewed := newExperiment("reviewed", "3", KindPrice, StatusRunning)
	reviewed.ReviewDueAt = &past
	reviewed.Result = Metrics{MetricOrders: 5}

	for _, exp := range []*Experiment{due, notYet, reviewed} {
		if err := store.Create(ctx, exp); err != nil {
			t.Fatalf("create %s: %v", exp.ID, err)
		}
	}

	got, err := store.ListDue(ctx, now)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(got) != 1 || got[0].ID != "due" {
		ids := make([]string, len(got))
		for i, e := range got {
			ids[i] = e.ID
		}
		t.Errorf("due = %v, want [due]", ids)
	}
}

func TestMemoryStoreListIncompleteBaselines(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	incomplete := newExperiment("incomplete", "1", KindPrice, StatusRunning)
	incomplete.BaselineIncomplete = true

	complete := newExperiment("complete", "2", KindPrice, StatusRunning)
	complete.Baseline = Metrics{MetricOrders: 1}

	for _, exp := range []*Experiment{incomplete, complete} {
		if err := store.Create(ctx, exp); err != nil {
			t.Fatalf("create %s: %v", exp.ID, err)
		}
	}

	got, err := store.ListIncompleteBaselines(ctx)
	if err != nil {
		t.Fatalf("ListIncompleteBaselines: %v", err)
	}
	if len(got) != 1 || got[0].ID != "incomplete" {
		t.Errorf("got %d rows, want the one incomplete baseline", len(got))
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rows := []*Experiment{
		newExperiment("p1", "42", KindPrice, StatusRunning),
		newExperiment("c1", "42", KindContent, StatusProposed),
		newExperiment("a1", "777", KindAdvertising, StatusCompleted),
	}
	for _, exp := range rows {
		if err := store.Create(ctx, exp); err != nil {
			t.Fatalf("create %s: %v", exp.ID, err)
		}
	}

	active, err := store.List(ctx, ListOptions{ActiveOnly: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(active) != 1 || active[0].ID != "p1" {
		t.Errorf("active list wrong: %d rows", len(active))
	}

	bySubject, _ := store.List(ctx, ListOptions{SubjectRef: "42"})
	if len(bySubject) != 2 {
		t.Errorf("subject filter: %d rows, want 2", len(bySubject))
	}

	status := StatusProposed
	byStatus, _ := store.List(ctx, ListOptions{Status: &status})
	if len(byStatus) != 1 || byStatus[0].ID != "c1" {
		t.Errorf("status filter wrong")
	}
}

func TestMemoryStoreConcurrentUpdatesOneWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newExperiment("exp-1", "42", KindPrice, StatusRunning)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Every racer reads the same version before any write, so exactly one
	// update wins and every loser fails the version check.
	const racers = 8
	copies := make([]*Experiment, racers)
	for i := range copies {
		exp, err := store.GetByID(ctx, "exp-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		copies[i] = exp
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exp := copies[i]
			exp.Status = StatusAwaitingReview
			exp.Result = Metrics{MetricOrders: float64(i)}
			err := store.Update(ctx, exp)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrConcurrentModification) {
				t.Errorf("loser got %v, want ErrConcurrentModification", err)
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	exp := newExperiment("exp-1", "42", KindPrice, StatusRunning)
	exp.Baseline = Metrics{MetricOrders: 10}
	if err := store.Create(ctx, exp); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _ := store.GetByID(ctx, "exp-1")
	got.Baseline[MetricOrders] = 999

	again, _ := store.GetByID(ctx, "exp-1")
	if again.Baseline[MetricOrders] != 10 {
		t.Error("mutating a returned experiment leaked into the store")
	}
}
