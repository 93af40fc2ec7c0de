package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDrainRunsInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	d := New()
	var got []string
	d.Handle("note", func(_ context.Context, msg Message) error {
		got = append(got, msg.Payload.(string))
		return nil
	})
	d.Send(Message{Kind: "note", Payload: "a"})
	d.Post(func(context.Context) {
		got = append(got, "b")
		d.Send(Message{Kind: "note", Payload: "d"})
	})
	d.Send(Message{Kind: "note", Payload: "c"})

	if n := d.Drain(ctx); n != 4 {
		t.Fatalf("drained %d messages, want 4", n)
	}
	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if d.Len() != 0 {
		t.Fatalf("queue not empty")
	}
}

func TestHandlerErrorsAreReported(t *testing.T) {
	ctx := context.Background()
	d := New()
	boom := errors.New("boom")
	d.Handle("bad", func(context.Context, Message) error { return boom })

	var errs []error
	d.OnError(func(_ Message, err error) { errs = append(errs, err) })
	d.Send(Message{Kind: "bad"})
	d.Send(Message{Kind: "unknown"})
	d.Drain(ctx)

	if len(errs) != 2 || !errors.Is(errs[0], boom) || !errors.Is(errs[1], ErrNoHandler) {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestRunServesConcurrentSenders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New()

	const senders, each = 4, 50
	var (
		mu    sync.Mutex
		count int
		done  = make(chan struct{})
	)
	d.Handle("tick", func(context.Context, Message) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		if count == senders*each {
			close(done)
		}
		return nil
	})

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				d.Send(Message{Kind: "tick"})
			}
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("handled %d of %d messages", count, senders*each)
	}
	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}
