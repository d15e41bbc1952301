package eventloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
)

func TestLoopRunsInOrder(t *testing.T) {
	defer test.CheckRoutines(t)()
	lim := test.TimeOut(5 * time.Second)
	defer lim.Stop()

	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(stopped)
	}()

	var got []int
	for i := 0; i < 100; i++ {
		l.Post(func() { got = append(got, i) })
	}
	// Posting from inside the loop must not deadlock.
	if err := l.Do(ctx, func() {
		l.Post(func() { got = append(got, 100) })
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if err := l.Do(ctx, func() {}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	if len(got) != 101 {
		t.Fatalf("ran %d tasks, want 101", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran as %d", i, v)
		}
	}

	cancel()
	<-stopped
	if l.Post(func() {}) {
		t.Fatal("Post after stop must report false")
	}
	if err := l.Do(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Do after stop: %v", err)
	}
}

func TestLoopSurvivesPanic(t *testing.T) {
	defer test.CheckRoutines(t)()

	l := New()
	go l.Run(context.Background())
	defer l.Stop()

	l.Post(func() { panic("boom") })
	ran := false
	if err := l.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran {
		t.Fatal("loop stopped processing after a panic")
	}
}

func TestQueueDrainsNestedPosts(t *testing.T) {
	var q Queue
	var order []string
	q.Post(func() {
		order = append(order, "a")
		q.Post(func() { order = append(order, "c") })
	})
	q.Post(func() { order = append(order, "b") })

	if n := q.Drain(); n != 3 {
		t.Fatalf("Drain ran %d, want 3", n)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("order = %v", order)
	}
	if q.Len() != 0 {
		t.Fatal("queue not empty")
	}
}
