package event

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCleanerRunsInReverseOrderOnce(t *testing.T) {
	c := newCleaner(time.Second)
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		c.Add(CallableFunc(func(ctx context.Context) error {
			order = append(order, i)
			if i == 2 {
				return errors.New("boom")
			}
			return nil
		}))
	}

	c.Clean()
	c.Clean()

	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("unexpected cleanup order %v", order)
	}

	c.Add(CallableFunc(func(ctx context.Context) error {
		t.Error("cleaner added after shutdown must not run")
		return nil
	}))
	if len(c.cleaners) != 3 {
		t.Fatalf("expected late cleaner to be ignored, got %d cleaners", len(c.cleaners))
	}
}

func TestCleanerPassesDeadline(t *testing.T) {
	c := newCleaner(50 * time.Millisecond)
	c.Add(CallableFunc(func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected a deadline on the cleanup context")
		}
		return nil
	}))
	c.Clean()
}
