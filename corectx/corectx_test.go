package corectx

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStartIsIdempotent(t *testing.T) {
	c := New(Options{Loops: 2})
	c.Start()
	c.Start()
	if c.Pool.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", c.Pool.Size())
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopOrderIsReverseOfRegistration(t *testing.T) {
	c := New(Options{Loops: 1})
	c.Start()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		c.Own(StoppableFunc(func(ctx context.Context) error {
			order = append(order, i)
			return nil
		}))
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []int{2, 1, 0}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c := New(Options{Loops: 1})
	c.Start()

	calls := 0
	c.Own(StoppableFunc(func(ctx context.Context) error {
		calls++
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if calls != 1 {
		t.Errorf("Stoppable called %d times, want 1", calls)
	}
}

func TestStopCollectsAllErrors(t *testing.T) {
	c := New(Options{Loops: 1})
	c.Start()

	// Registered first, so it stops last: after both failing ones.
	secondRan := false
	c.Own(StoppableFunc(func(ctx context.Context) error {
		secondRan = true
		return nil
	}))

	errA := errors.New("a failed")
	errB := errors.New("b failed")
	c.Own(StoppableFunc(func(ctx context.Context) error { return errA }))
	c.Own(StoppableFunc(func(ctx context.Context) error { return errB }))

	err := c.Stop(context.Background())
	if err == nil {
		t.Fatal("expected a non-nil error")
	}
	if !secondRan {
		t.Error("a failing Stoppable must not prevent others from stopping")
	}
}
