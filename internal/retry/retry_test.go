package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
)

func TestDo_PersistentTransient_ThreeAttemptsWithinJitterBound(t *testing.T) {
	p := Policy{
		MaxAttempts:     3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
	}
	var calls int32
	start := time.Now()
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errors.New("read tcp: connection reset by peer")
	})
	elapsed := time.Since(start)

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("attempts=%d want 3", got)
	}
	var fe *errs.FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FatalError, got %T %v", err, err)
	}
	if fe.Attempts != 3 || !fe.Exhausted {
		t.Fatalf("fatal=%+v want attempts=3 exhausted", fe)
	}
	lo, hi := 1500*time.Millisecond, 1650*time.Millisecond
	if fe.Backoff < lo || fe.Backoff > hi {
		t.Fatalf("total backoff=%v want within [%v, %v]", fe.Backoff, lo, hi)
	}
	if elapsed < lo {
		t.Fatalf("elapsed=%v shorter than the scheduled backoff", elapsed)
	}
	if errs.HTTPStatus(err) != 503 {
		t.Fatalf("exhausted transient should map to 503, got %d", errs.HTTPStatus(err))
	}
}

func TestDo_NonRetryableFailsFast(t *testing.T) {
	var calls int
	_, err := Do(context.Background(), DefaultPolicy(), func(context.Context) (string, error) {
		calls++
		return "", errors.New("UNIQUE constraint failed: features.id")
	})
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
	var fe *errs.FatalError
	if !errors.As(err, &fe) || fe.Exhausted || fe.Attempts != 1 {
		t.Fatalf("want non-exhausted FatalError after 1 attempt, got %#v", err)
	}
	if errs.ClassOf(err) != errs.ClassFatal {
		t.Fatalf("class=%v want fatal", errs.ClassOf(err))
	}
}

func TestDo_NotFoundPassesThrough(t *testing.T) {
	var calls int
	_, err := Do(context.Background(), DefaultPolicy(), func(context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("tileset x: %w", errs.ErrNotFound)
	})
	if calls != 1 {
		t.Fatalf("not found must not be retried, calls=%d", calls)
	}
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var fe *errs.FatalError
	if errors.As(err, &fe) {
		t.Fatalf("not found should not be wrapped in FatalError")
	}
}

func TestDo_SucceedsAfterTransient(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, ExponentialBase: 2}
	var calls int
	v, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &errs.TransientError{Op: "query", Err: errors.New("database is locked")}
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("got (%q, %v) want (ok, nil)", v, err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, ExponentialBase: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	var calls int
	_, err := Do(ctx, p, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("i/o timeout")
	})
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded in chain, got %v", err)
	}
	if errs.ClassOf(err) != errs.ClassTransient {
		t.Fatalf("class=%v want transient", errs.ClassOf(err))
	}
}

func TestDelay_ExponentialCappedAndJitterBounded(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, ExponentialBase: 3, Jitter: true}
	want := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Fatalf("Delay(%d)=%v want %v", i, got, w)
		}
	}
	for i := 0; i < 1000; i++ {
		d := p.jittered(200 * time.Millisecond)
		if d < 200*time.Millisecond || d > 220*time.Millisecond {
			t.Fatalf("jittered delay %v outside [200ms, 220ms]", d)
		}
	}
}

func TestPolicy_SharedAcrossConcurrentCalls(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, ExponentialBase: 2}
	done := make(chan int, 20)
	for i := 0; i < 20; i++ {
		go func() {
			n := 0
			_, _ = Do(context.Background(), p, func(context.Context) (int, error) {
				n++
				return 0, errors.New("connection refused")
			})
			done <- n
		}()
	}
	for i := 0; i < 20; i++ {
		if n := <-done; n != 2 {
			t.Fatalf("each call must make its own 2 attempts, got %d", n)
		}
	}
}

func TestDefaultClassifier(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("pq: the database system is starting up"), true},
		{errors.New("deadlock detected"), true},
		{errors.New("could not serialize access due to concurrent update"), true},
		{errors.New("LOADING Redis is loading the dataset in memory"), true},
		{errors.New("NOT NULL constraint failed: features.geometry"), false},
		{errors.New(`near "SELEC": syntax error`), false},
		{errors.New("datatype mismatch"), false},
		{&errs.ConstraintError{Err: errors.New("duplicate")}, false},
		{errs.ErrNotFound, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{errors.New("something odd"), false},
		{errors.New("BUSY Redis is busy running a script. You can only call SCRIPT KILL or SHUTDOWN NOSAVE."), true},
		{errors.New("query bbox: SQLITE_BUSY: database is busy"), true},
		{errors.New("query bbox: database is locked"), true},
		{errors.New("error loading config: unknown field"), false},
		{errors.New("raster source busy-district.tif: no such file"), false},
		{errors.New("failed loading colormap"), false},
	}
	for _, tc := range cases {
		if got := DefaultClassifier(tc.err); got != tc.want {
			t.Fatalf("DefaultClassifier(%v)=%v want %v", tc.err, got, tc.want)
		}
	}
}
