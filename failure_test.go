package main

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btclog"
)

type exitRecorder struct {
	mtx     sync.Mutex
	codes   []int
	flushes int
}

func (r *exitRecorder) exit(code int) {
	r.mtx.Lock()
	r.codes = append(r.codes, code)
	r.mtx.Unlock()
}

func (r *exitRecorder) flush() {
	r.mtx.Lock()
	r.flushes++
	r.mtx.Unlock()
}

func newTestBoundary(r *exitRecorder) *failureBoundary {
	return &failureBoundary{
		logger: btclog.Disabled,
		flush:  r.flush,
		exit:   r.exit,
	}
}

// TestFailureBoundaryFatal ensures the first fault flushes logs and exits
// with status 1, and that later faults are ignored.
func TestFailureBoundaryFatal(t *testing.T) {
	t.Parallel()

	var r exitRecorder
	b := newTestBoundary(&r)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Fatal(errors.New("worker failed"))
		}()
	}
	wg.Wait()

	if len(r.codes) != 1 || r.codes[0] != 1 {
		t.Fatalf("exit codes: got %v, want [1]", r.codes)
	}
	if r.flushes != 1 {
		t.Fatalf("flushes: got %d, want 1", r.flushes)
	}
}

// TestFailureBoundaryRecover ensures a panicking goroutine is reported
// through Fatal.
func TestFailureBoundaryRecover(t *testing.T) {
	t.Parallel()

	var r exitRecorder
	b := newTestBoundary(&r)

	var buf bytes.Buffer
	b.logger = btclog.NewBackend(&buf).Logger("TEST")
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer b.Recover("test goroutine")
		panic("boom")
	}()
	<-done

	if len(r.codes) != 1 || r.codes[0] != 1 {
		t.Fatalf("exit codes: got %v, want [1]", r.codes)
	}
	if !strings.Contains(buf.String(), "test goroutine panicked: boom") {
		t.Fatalf("unexpected log output: %q", buf.String())
	}

	// A goroutine returning normally does not trigger the boundary.
	var q exitRecorder
	b = newTestBoundary(&q)
	func() {
		defer b.Recover("quiet")
	}()
	if len(q.codes) != 0 {
		t.Fatalf("exit codes: got %v, want none", q.codes)
	}
}
