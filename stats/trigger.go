package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"time"
)

// Trigger decides when the reporter prints.  Wait blocks until the next
// report is due.  It returns io.EOF once no further reports will be
// requested, or the context error when ctx is done.
type Trigger interface {
	Wait(ctx context.Context) error
}

// LineTrigger fires once for every line read from a reader, typically
// standard input.
type LineTrigger struct {
	lines chan struct{}
}

// NewLineTrigger starts reading lines from r.  The reader goroutine exits at
// end of input or on a read error.  A panic while reading is passed to
// onFault, or propagated when onFault is nil.
func NewLineTrigger(r io.Reader, onFault func(error)) *LineTrigger {
	t := &LineTrigger{lines: make(chan struct{})}
	go func() {
		defer close(t.lines)
		defer func() {
			if p := recover(); p != nil {
				if onFault == nil {
					panic(p)
				}
				onFault(fmt.Errorf("stats input reader panicked: %v\n%s",
					p, debug.Stack()))
			}
		}()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			t.lines <- struct{}{}
		}
		if err := scanner.Err(); err != nil {
			log.Warnf("Stopped reading stats requests: %v", err)
		}
	}()
	return t
}

// Wait blocks until a line is read.
func (t *LineTrigger) Wait(ctx context.Context) error {
	select {
	case _, ok := <-t.lines:
		if !ok {
			return io.EOF
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TickerTrigger fires on a fixed interval.
type TickerTrigger struct {
	ticker *time.Ticker
}

// NewTickerTrigger returns a trigger firing every interval.  Stop must be
// called to release it.
func NewTickerTrigger(interval time.Duration) *TickerTrigger {
	return &TickerTrigger{ticker: time.NewTicker(interval)}
}

// Wait blocks until the next tick.
func (t *TickerTrigger) Wait(ctx context.Context) error {
	select {
	case <-t.ticker.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop turns off the ticker.
func (t *TickerTrigger) Stop() {
	t.ticker.Stop()
}
