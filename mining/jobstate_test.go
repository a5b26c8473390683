package mining

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// TestJobStateVersions ensures each replacement gets the next version and
// that the caller's job is not mutated.
func TestJobStateVersions(t *testing.T) {
	s := NewJobState()
	if s.Load() != nil {
		t.Fatal("new state should have no job")
	}
	if s.Replace(nil) != nil || s.Load() != nil {
		t.Fatal("nil job should be ignored")
	}

	in := &Job{ID: "a"}
	for want := uint64(1); want <= 3; want++ {
		got := s.Replace(in)
		if got.Version != want {
			t.Fatalf("got version %d, want %d", got.Version, want)
		}
		if s.Load() != got {
			t.Fatal("Load did not return the published job")
		}
	}
	if in.Version != 0 {
		t.Fatal("Replace mutated the caller's job")
	}
}

// TestJobStateCurrentWaits ensures Current blocks until the first job is
// published and honors context cancellation.
func TestJobStateCurrentWaits(t *testing.T) {
	s := NewJobState()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Current(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}

	done := make(chan *Job)
	go func() {
		job, err := s.Current(context.Background())
		if err != nil {
			t.Error(err)
		}
		done <- job
	}()

	time.Sleep(10 * time.Millisecond)
	s.Replace(&Job{ID: "first"})

	select {
	case job := <-done:
		if job.ID != "first" {
			t.Fatalf("got job %s, want first", job.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Current did not wake on publish")
	}
}

// TestJobStateNext ensures Next only returns strictly newer jobs.
func TestJobStateNext(t *testing.T) {
	s := NewJobState()
	first := s.Replace(&Job{ID: "1"})

	job, err := s.Next(context.Background(), 0)
	if err != nil || job != first {
		t.Fatalf("Next(0) = %v, %v", job, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx, first.Version); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}

	second := s.Replace(&Job{ID: "2"})
	job, err = s.Next(context.Background(), first.Version)
	if err != nil || job != second {
		t.Fatalf("Next(%d) = %v, %v", first.Version, job, err)
	}
}

// TestJobStateConcurrentReplace ensures concurrent writers never lose a
// version and readers always observe monotonically increasing versions.
func TestJobStateConcurrentReplace(t *testing.T) {
	const writers, perWriter = 8, 200

	s := NewJobState()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			var last uint64
			for {
				job, err := s.Next(ctx, last)
				if err != nil {
					return
				}
				if job.Version <= last {
					t.Errorf("version went from %d to %d", last,
						job.Version)
					return
				}
				last = job.Version
			}
		}()
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				s.Replace(&Job{ID: "x"})
			}
		}()
	}
	wg.Wait()

	if got := s.Load().Version; got != writers*perWriter {
		t.Fatalf("got final version %d, want %d", got, writers*perWriter)
	}
	cancel()
	readers.Wait()
}

// TestHashCounter ensures concurrent adds are never lost.
func TestHashCounter(t *testing.T) {
	var c HashCounter
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Add(3)
			}
		}()
	}
	wg.Wait()
	if got := c.Load(); got != 30000 {
		t.Fatalf("got %d, want 30000", got)
	}
}
