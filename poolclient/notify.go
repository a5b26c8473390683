package poolclient

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MonteCarloClub/powminer/mining"
	"github.com/MonteCarloClub/powminer/stratumjson"
)

// ErrInvalidJob describes a job from the pool that cannot be mined.
var ErrInvalidJob = errors.New("invalid job")

// NotificationHandlers defines callback function pointers to invoke with
// notifications and connection events.  Since all of the functions are nil by
// default, all notifications are effectively ignored until their handlers are
// set to a concrete callback.
//
// NOTE: Unless otherwise documented, these handlers must NOT directly call any
// blocking calls on the client instance since the input reader goroutine
// blocks until the callback has completed.  Doing so will result in a
// deadlock situation.
type NotificationHandlers struct {
	// OnClientConnected is invoked when the client connects or reconnects
	// to the pool.  This callback is run async with the rest of the
	// notification handlers, and is safe for blocking client requests.
	OnClientConnected func()

	// OnJob is invoked when the pool hands out a new job, either in the
	// login result or pushed as a job notification.
	OnJob func(job *mining.Job)

	// OnShareResult is invoked once the pool answered a submitted share.
	// A nil error means the share was accepted.
	OnShareResult func(share *mining.Share, err error)

	// OnUnknownNotification is invoked when an unrecognized notification
	// is received.  This typically means the notification handling code
	// for this package needs to be updated for a new notification type or
	// the caller is using a custom notification this package does not
	// know about.
	OnUnknownNotification func(method string, params json.RawMessage)
}

// handleNotification examines the passed notification type, performs
// conversions to get the raw notification types into higher level types and
// delivers the notification to the appropriate On<X> handler registered with
// the client.
func (c *Client) handleNotification(ntfn *rawNotification) {
	switch ntfn.Method {
	// OnJob
	case stratumjson.JobNtfnMethod:
		var job stratumjson.JobNtfn
		if err := json.Unmarshal(ntfn.Params, &job); err != nil {
			log.Warnf("Received invalid job notification: %v", err)
			return
		}
		c.handleJob(&job)

	// OnUnknownNotification
	default:
		if c.ntfnHandlers == nil {
			return
		}
		if c.ntfnHandlers.OnUnknownNotification == nil {
			log.Debugf("Ignoring unknown notification [%s]", ntfn.Method)
			return
		}

		c.ntfnHandlers.OnUnknownNotification(ntfn.Method, ntfn.Params)
	}
}

// handleJob converts a job from the pool and hands it to the OnJob handler.
// Jobs that cannot be mined are logged and dropped, so the previous job stays
// current.
func (c *Client) handleJob(ntfn *stratumjson.JobNtfn) {
	job, err := parseJob(ntfn, c.config.Algo)
	if err != nil {
		log.Warnf("Discarding job %q: %v", ntfn.JobID, err)
		return
	}

	log.Infof("New job %s from %s (diff %d, algo %s, height %d)", job.ID,
		c.config.Address, mining.TargetDifficulty(job.Target), job.Algo,
		job.Height)

	if c.ntfnHandlers == nil || c.ntfnHandlers.OnJob == nil {
		return
	}
	c.ntfnHandlers.OnJob(job)
}

// parseJob converts the wire form of a job.  defaultAlgo is used when the
// pool does not name an algorithm.
func parseJob(ntfn *stratumjson.JobNtfn, defaultAlgo string) (*mining.Job, error) {
	if ntfn.JobID == "" {
		return nil, fmt.Errorf("%w: missing job id", ErrInvalidJob)
	}

	blob, err := hex.DecodeString(ntfn.Blob)
	if err != nil {
		return nil, fmt.Errorf("%w: blob: %v", ErrInvalidJob, err)
	}
	if len(blob) < mining.MinBlobSize {
		return nil, fmt.Errorf("%w: blob of %d bytes is too short",
			ErrInvalidJob, len(blob))
	}

	target, err := mining.TargetFromHex(ntfn.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	var seed []byte
	if ntfn.SeedHash != "" {
		seed, err = hex.DecodeString(ntfn.SeedHash)
		if err != nil {
			return nil, fmt.Errorf("%w: seed hash: %v", ErrInvalidJob,
				err)
		}
	}

	algo := ntfn.Algo
	if algo == "" {
		algo = defaultAlgo
	}

	return &mining.Job{
		ID:       ntfn.JobID,
		Blob:     blob,
		Target:   target,
		Algo:     algo,
		SeedHash: seed,
		Height:   ntfn.Height,
	}, nil
}
