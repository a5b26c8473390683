package poolclient

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/MonteCarloClub/powminer/mining"
	"github.com/MonteCarloClub/powminer/stratumjson"
)

// DefaultAgent is the user agent sent at login when none is configured.
const DefaultAgent = "powminer/0.2.0"

var (
	// ErrLoginRejected is returned when the pool answers a login without
	// a session id.
	ErrLoginRejected = errors.New("login rejected")

	// ErrUnexpectedStatus is returned when the pool answers with a status
	// other than OK.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// FutureLoginResult is a future promise to deliver the result of a
// LoginAsync RPC invocation (or an applicable error).
type FutureLoginResult chan *Response

// Receive waits for the Response promised by the future and returns the
// session and first job handed out by the pool.
func (r FutureLoginResult) Receive() (*stratumjson.LoginResult, error) {
	res, err := ReceiveFuture(r)
	if err != nil {
		return nil, err
	}
	return unmarshalLoginResult(res)
}

func unmarshalLoginResult(res []byte) (*stratumjson.LoginResult, error) {
	var result stratumjson.LoginResult
	if err := json.Unmarshal(res, &result); err != nil {
		return nil, err
	}
	if result.ID == "" {
		return nil, fmt.Errorf("%w: no session id (status %q)",
			ErrLoginRejected, result.Status)
	}
	return &result, nil
}

// LoginAsync returns an instance of a type that can be used to get the result
// of the RPC at some future time by invoking the Receive function on the
// returned instance.
//
// See Login for the blocking version and more details.
func (c *Client) LoginAsync(login, pass, agent, rigID string) FutureLoginResult {
	cmd := stratumjson.NewLoginCmd(login, pass, agent, rigID)
	return c.SendCmd(cmd)
}

// login logs in with the configured credentials, records the session and
// hands the first job to the OnJob handler.
func (c *Client) login() error {
	cmd := stratumjson.NewLoginCmd(c.config.Login, c.config.Pass,
		c.config.Agent, c.config.RigID)
	id, future := c.sendCmd(cmd)
	res, err := c.receiveTimeout(id, future, c.config.Timeout)
	if err != nil {
		return fmt.Errorf("login to %s failed: %w", c.config.Address, err)
	}
	result, err := unmarshalLoginResult(res)
	if err != nil {
		return fmt.Errorf("login to %s failed: %w", c.config.Address, err)
	}

	c.sessionLock.Lock()
	c.sessionID = result.ID
	c.sessionLock.Unlock()
	log.Debugf("Logged in to %s as %s (session %s)", c.config.Address,
		c.config.Login, result.ID)

	if result.Job != nil {
		c.handleJob(result.Job)
	}
	return nil
}

// SessionID returns the miner id assigned by the pool at the last login.
func (c *Client) SessionID() string {
	c.sessionLock.RLock()
	defer c.sessionLock.RUnlock()
	return c.sessionID
}

// FutureStatusResult is a future promise to deliver the result of a request
// that is answered with a status (or an applicable error).
type FutureStatusResult chan *Response

// Receive waits for the Response promised by the future and returns nil if
// the pool answered OK.
func (r FutureStatusResult) Receive() error {
	res, err := ReceiveFuture(r)
	if err != nil {
		return err
	}

	var result stratumjson.StatusResult
	if err := json.Unmarshal(res, &result); err != nil {
		return err
	}
	if result.Status != "" && result.Status != stratumjson.StatusOK {
		return fmt.Errorf("%w %q", ErrUnexpectedStatus, result.Status)
	}
	return nil
}

// FutureSubmitResult is a future promise to deliver the result of a
// SubmitAsync RPC invocation (or an applicable error).
type FutureSubmitResult = FutureStatusResult

// FutureKeepaliveResult is a future promise to deliver the result of a
// KeepaliveAsync RPC invocation (or an applicable error).
type FutureKeepaliveResult = FutureStatusResult

// SubmitAsync returns an instance of a type that can be used to get the result
// of the RPC at some future time by invoking the Receive function on the
// returned instance.
//
// See Submit for the blocking version and more details.
func (c *Client) SubmitAsync(share *mining.Share) FutureSubmitResult {
	cmd := stratumjson.NewSubmitCmd(c.SessionID(), share.JobID,
		share.NonceHex(), share.Result.String())
	return c.SendCmd(cmd)
}

// Submit submits a share and waits for the pool to accept or reject it.
func (c *Client) Submit(share *mining.Share) error {
	return c.SubmitAsync(share).Receive()
}

// KeepaliveAsync returns an instance of a type that can be used to get the
// result of the RPC at some future time by invoking the Receive function on
// the returned instance.
func (c *Client) KeepaliveAsync() FutureKeepaliveResult {
	return c.SendCmd(stratumjson.NewKeepalivedCmd(c.SessionID()))
}

// shareKey identifies a share for duplicate detection.
type shareKey struct {
	jobID string
	nonce uint32
}

// SubmitShare submits a share found by a worker without waiting for the pool.
// The reply is awaited in the background and counted as accepted or
// rejected.  A share already submitted recently is dropped.
func (c *Client) SubmitShare(share *mining.Share) {
	key := shareKey{jobID: share.JobID, nonce: share.Nonce}
	if c.recentShares.Contains(key) {
		log.Debugf("Dropping duplicate share for job %s (nonce %s)",
			share.JobID, share.NonceHex())
		return
	}
	c.recentShares.Add(key)

	log.Debugf("Submitting share for job %s (nonce %s, result %v)",
		share.JobID, share.NonceHex(), share.Result)
	future := c.SubmitAsync(share)
	go c.awaitShareResult(share, future)
}

// awaitShareResult logs and counts the pool's verdict on a share.
func (c *Client) awaitShareResult(share *mining.Share, future FutureSubmitResult) {
	defer c.recoverFault("share result handler")

	err := future.Receive()

	var rpcErr *btcjson.RPCError
	switch {
	case err == nil:
		n := c.accepted.Add(1)
		log.Infof("Share accepted (job %s, nonce %s, %d accepted / %d "+
			"rejected)", share.JobID, share.NonceHex(), n,
			c.rejected.Load())

	case errors.As(err, &rpcErr) || errors.Is(err, ErrUnexpectedStatus):
		n := c.rejected.Add(1)
		log.Warnf("Share rejected (job %s, nonce %s, %d accepted / %d "+
			"rejected): %v", share.JobID, share.NonceHex(),
			c.accepted.Load(), n, err)

	default:
		log.Warnf("Share for job %s (nonce %s) was not submitted: %v",
			share.JobID, share.NonceHex(), err)
	}

	if c.ntfnHandlers != nil && c.ntfnHandlers.OnShareResult != nil {
		c.ntfnHandlers.OnShareResult(share, err)
	}
}

// Accepted returns the number of shares the pool accepted.
func (c *Client) Accepted() uint64 {
	return c.accepted.Load()
}

// Rejected returns the number of shares the pool rejected.
func (c *Client) Rejected() uint64 {
	return c.rejected.Load()
}
