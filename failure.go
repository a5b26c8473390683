package main

import (
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"github.com/btcsuite/btclog"

	"github.com/MonteCarloClub/powminer/log"
)

// failureBoundary terminates the process on the first unrecoverable fault
// reported by any goroutine.  Later reports are ignored while the first one
// is being handled.
type failureBoundary struct {
	once   sync.Once
	logger btclog.Logger
	flush  func()
	exit   func(code int)
}

func newFailureBoundary() *failureBoundary {
	return &failureBoundary{
		logger: log.PwmrLog,
		flush:  log.Close,
		exit:   os.Exit,
	}
}

// Fatal logs err, flushes the log file and exits with status 1.
func (b *failureBoundary) Fatal(err error) {
	b.once.Do(func() {
		b.logger.Criticalf("Unrecoverable failure: %v", err)
		b.flush()
		b.exit(1)
	})
}

// Recover reports a panic of the calling goroutine to Fatal.  It must be
// deferred directly.
func (b *failureBoundary) Recover(name string) {
	if r := recover(); r != nil {
		b.Fatal(fmt.Errorf("%s panicked: %v\n%s", name, r, debug.Stack()))
	}
}
