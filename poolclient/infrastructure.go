package poolclient

import (
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/decred/dcrd/lru"

	"github.com/MonteCarloClub/powminer/stratumjson"
)

var (
	// ErrInvalidAuth is an error to describe the condition where the client
	// is either unable to authenticate or the specified endpoint is
	// incorrect.
	ErrInvalidAuth = errors.New("authentication failure")

	// ErrInvalidEndpoint is an error to describe the condition where the
	// pool address is malformed or does not speak a supported protocol.
	ErrInvalidEndpoint = errors.New("the endpoint either does not support " +
		"stratum or is malformed")

	// ErrClientNotConnected is an error to describe the condition where a
	// request is made before the client has connected to the pool.
	ErrClientNotConnected = errors.New("the client was never connected")

	// ErrClientDisconnect is an error to describe the condition where the
	// client has been disconnected from the pool.  Requests pending at
	// the time are failed with it since a stratum session does not
	// survive a reconnect.
	ErrClientDisconnect = errors.New("the client has been disconnected")

	// ErrClientShutdown is an error to describe the condition where the
	// client is either already shutdown, or in the process of shutting
	// down.  Any outstanding futures when a client shutdown occurs will
	// return this error as will any new requests.
	ErrClientShutdown = errors.New("the client has been shutdown")

	// ErrRequestTimeout is returned when the pool does not answer a request
	// in time.
	ErrRequestTimeout = errors.New("request timed out")
)

const (
	// sendBufferSize is the number of elements the websocket send channel
	// can queue before blocking.
	sendBufferSize = 50

	// connectionRetryInterval is the amount of time to wait in between
	// retries when automatically reconnecting to a pool.
	connectionRetryInterval = time.Second * 5

	// maxRetryInterval caps the reconnect backoff.
	maxRetryInterval = time.Minute

	// defaultTimeout bounds connecting, handshaking and logging in when
	// ConnConfig.Timeout is unset.
	defaultTimeout = 30 * time.Second

	// recentSharesSize is the number of submitted shares remembered to
	// drop duplicates.
	recentSharesSize = 1024
)

// ConnConfig describes the connection configuration parameters for the
// client.
type ConnConfig struct {
	// Address is the pool address.  It is host:port for stratum over TCP
	// or a URL with one of the stratum+tcp, stratum+ssl, ws or wss
	// schemes.
	Address string

	// Login is the wallet address or account the pool credits.
	Login string

	// Pass is the pool password, often a worker name.
	Pass string

	// Agent is the user agent sent at login.
	Agent string

	// RigID identifies this rig to pools that support it.  It may be
	// empty.
	RigID string

	// Algo is assumed for jobs that do not name their algorithm.  It may
	// be empty to leave the choice to the hash engine.
	Algo string

	// Keepalive is the interval between keepalived requests.  Zero
	// disables keepalives.
	Keepalive time.Duration

	// Proxy specifies to connect through a SOCKS 5 proxy server.  It may
	// be an empty string if a proxy is not required.
	Proxy string

	// ProxyUser is an optional username to use for the proxy server if it
	// requires authentication.  It has no effect if the Proxy parameter
	// is not set.
	ProxyUser string

	// ProxyPass is an optional password to use for the proxy server if it
	// requires authentication.  It has no effect if the Proxy parameter
	// is not set.
	ProxyPass string

	// Timeout bounds each phase of connecting to the pool: the TCP dial,
	// the TLS or websocket handshake, and the wait for the login reply.
	// Zero selects a 30 second default.
	Timeout time.Duration

	// DisableAutoReconnect specifies the client should not automatically
	// try to reconnect to the pool when it has been disconnected.
	DisableAutoReconnect bool

	// OnFault is called when a client goroutine panics.  The panic is
	// propagated when it is nil.
	OnFault func(error)
}

// jsonRequest holds information about a json request that is used to properly
// detect, interpret, and deliver a reply to it.
type jsonRequest struct {
	id             uint64
	method         string
	cmd            interface{}
	marshalledJSON []byte
	responseChan   chan *Response
}

// inMessage is the first type that an incoming message is unmarshaled
// into.  It supports both notifications and responses.  The
// partially-unmarshaled message is a notification if it names a method.
// Otherwise, it is a response.
type inMessage struct {
	ID *float64 `json:"id"`
	*rawNotification
	*rawResponse
}

// rawNotification is a partially-unmarshaled JSON-RPC notification.
type rawNotification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// rawResponse is a partially-unmarshaled JSON-RPC response.
type rawResponse struct {
	Result json.RawMessage   `json:"result"`
	Error  *btcjson.RPCError `json:"error"`
}

// result checks whether the unmarshaled response contains a non-nil error,
// returning it if so.  If the response is not an error, the raw bytes of the
// result are returned for further unmashaling into specific result types.
func (r rawResponse) result() (result []byte, err error) {
	if r.Error != nil {
		return nil, r.Error
	}
	return r.Result, nil
}

// Response is the raw bytes of a JSON-RPC result, or the error if the response
// error object was non-null.
type Response struct {
	result []byte
	err    error
}

// Client represents a stratum pool client which allows easy access to the
// various pool methods available.  It handles reconnects, logging in again
// after each one, and delivers pushed jobs to the registered handlers.
//
// All requests are asynchronous and return a future whose Receive method
// blocks until the pool replies.
type Client struct {
	id uint64 // atomic, so must stay 64-bit aligned

	// config holds the connection configuration assoiated with this
	// client.
	config *ConnConfig

	// conn is the underlying connection to the pool.
	conn msgConn

	// retryCount holds the number of times the client has tried to
	// reconnect to the pool.
	retryCount int64

	// Track command and their response channels by ID.
	requestLock sync.Mutex
	requestMap  map[uint64]*list.Element
	requestList *list.List

	// sessionID is the miner id the pool assigned at login.
	sessionLock sync.RWMutex
	sessionID   string

	// Notifications.
	ntfnHandlers *NotificationHandlers

	// recentShares drops shares submitted twice.
	recentShares lru.Cache

	accepted atomic.Uint64
	rejected atomic.Uint64

	// Networking infrastructure.
	sendChan        chan []byte
	connEstablished chan struct{}
	mtx             sync.Mutex
	disconnected    bool
	disconnect      chan struct{}
	shutdown        chan struct{}
	wg              sync.WaitGroup
}

// NextID returns the next id to be used when sending a JSON-RPC message.  This
// ID allows responses to be associated with particular requests per the
// JSON-RPC specification.
func (c *Client) NextID() uint64 {
	return atomic.AddUint64(&c.id, 1)
}

// addRequest associates the passed jsonRequest with its id.  This allows the
// response from the pool to be unmarshalled to the appropriate type and sent
// to the specified channel when it is received.
//
// If the client has already begun shutting down, ErrClientShutdown is returned
// and the request is not added.
//
// This function is safe for concurrent access.
func (c *Client) addRequest(jReq *jsonRequest) error {
	c.requestLock.Lock()
	defer c.requestLock.Unlock()

	// A non-blocking read of the shutdown channel with the request lock
	// held avoids adding the request to the client's internal data
	// structures if the client is in the process of shutting down.
	select {
	case <-c.shutdown:
		return ErrClientShutdown
	default:
	}

	element := c.requestList.PushBack(jReq)
	c.requestMap[jReq.id] = element
	return nil
}

// removeRequest returns and removes the jsonRequest which contains the response
// channel and original method associated with the passed id or nil if there is
// no association.
//
// This function is safe for concurrent access.
func (c *Client) removeRequest(id uint64) *jsonRequest {
	c.requestLock.Lock()
	defer c.requestLock.Unlock()

	element := c.requestMap[id]
	if element != nil {
		delete(c.requestMap, id)
		request := c.requestList.Remove(element).(*jsonRequest)
		return request
	}

	return nil
}

// removeAllRequests removes all the jsonRequests which contain the response
// channels for outstanding requests.
//
// This function MUST be called with the request lock held.
func (c *Client) removeAllRequests() {
	c.requestMap = make(map[uint64]*list.Element)
	c.requestList.Init()
}

// failAllRequests responds to every outstanding request with err.
//
// This function MUST be called with the request lock held.
func (c *Client) failAllRequests(err error) {
	for e := c.requestList.Front(); e != nil; e = e.Next() {
		req := e.Value.(*jsonRequest)
		req.responseChan <- &Response{err: err}
	}
	c.removeAllRequests()
}

// handleMessage is the main handler for incoming notifications and responses.
func (c *Client) handleMessage(msg []byte) {
	// Attempt to unmarshal the message as either a notification or
	// response.
	var in inMessage
	in.rawResponse = new(rawResponse)
	in.rawNotification = new(rawNotification)
	err := json.Unmarshal(msg, &in)
	if err != nil {
		log.Warnf("Pool sent invalid message: %v", err)
		return
	}

	// Stratum notifications name a method; their id is absent or null.
	if in.Method != "" {
		log.Tracef("Received notification [%s]", in.Method)
		c.handleNotification(in.rawNotification)
		return
	}

	if in.ID == nil {
		log.Warn("Malformed message: neither a notification nor a " +
			"response")
		return
	}

	// Ensure that in.ID can be converted to an integer without loss of
	// precision.
	if *in.ID < 0 || *in.ID != math.Trunc(*in.ID) {
		log.Warn("Malformed response: invalid identifier")
		return
	}

	id := uint64(*in.ID)
	log.Tracef("Received response for id %d (result %s)", id, in.Result)
	request := c.removeRequest(id)

	// Nothing more to do if there is no request associated with this reply.
	if request == nil || request.responseChan == nil {
		log.Warnf("Received unexpected reply: %s (id %d)", in.Result, id)
		return
	}

	// Deliver the response.
	result, err := in.rawResponse.result()
	request.responseChan <- &Response{result: result, err: err}
}

// shouldLogReadError returns whether or not the passed error, which is expected
// to have come from reading from the connection in inHandler, should be
// logged.
func (c *Client) shouldLogReadError(err error) bool {
	// No logging when the connetion is being forcibly disconnected.
	select {
	case <-c.shutdown:
		return false
	default:
	}

	// No logging when the connection has been disconnected.
	if err == io.EOF || errors.Is(err, net.ErrClosed) {
		return false
	}

	return true
}

// recoverFault turns a panic on a client goroutine into a fault report.
func (c *Client) recoverFault(name string) {
	r := recover()
	if r == nil {
		return
	}
	if c.config.OnFault == nil {
		panic(r)
	}
	c.config.OnFault(fmt.Errorf("pool client %s panicked: %v\n%s", name, r,
		debug.Stack()))
}

// inHandler handles all incoming messages for the connection associated with
// the client.  It must be run as a goroutine.
func (c *Client) inHandler(conn msgConn) {
	defer c.wg.Done()
	defer c.recoverFault("input handler")

out:
	for {
		// Break out of the loop once the shutdown channel has been
		// closed.  Use a non-blocking select here so we fall through
		// otherwise.
		select {
		case <-c.shutdown:
			break out
		default:
		}

		msg, err := conn.ReadMessage()
		if err != nil {
			// Log the error if it's not due to disconnecting.
			if c.shouldLogReadError(err) {
				log.Errorf("Receive error from %s: %v",
					c.config.Address, err)
			}
			break out
		}
		c.handleMessage(msg)
	}

	// Ensure the connection is closed.
	c.disconnectConn(conn)
	log.Tracef("Pool client input handler done for %s", c.config.Address)
}

// outHandler handles all outgoing messages for the connection.  It uses a
// buffered channel to serialize output messages while allowing the sender to
// continue running asynchronously.  It must be run as a goroutine.
func (c *Client) outHandler(conn msgConn, disconnect <-chan struct{}) {
	defer c.wg.Done()
	defer c.recoverFault("output handler")

out:
	for {
		// Send any messages ready for send until the client is
		// disconnected closed.
		select {
		case msg := <-c.sendChan:
			err := conn.WriteMessage(msg)
			if err != nil {
				log.Errorf("Send error to %s: %v", c.config.Address,
					err)
				c.disconnectConn(conn)
				break out
			}

		case <-disconnect:
			break out
		}
	}

	// Drain any channels before exiting so nothing is left waiting around
	// to send.
cleanup:
	for {
		select {
		case <-c.sendChan:
		default:
			break cleanup
		}
	}
	log.Tracef("Pool client output handler done for %s", c.config.Address)
}

// start begins processing input and output messages on the current
// connection.
func (c *Client) start() {
	log.Tracef("Starting pool client %s", c.config.Address)

	c.mtx.Lock()
	conn, disconnect := c.conn, c.disconnect
	c.mtx.Unlock()

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		defer c.recoverFault("connected handler")
		if c.ntfnHandlers != nil {
			if c.ntfnHandlers.OnClientConnected != nil {
				c.ntfnHandlers.OnClientConnected()
			}
		}
	}()
	go c.inHandler(conn)
	go c.outHandler(conn, disconnect)
}

// Disconnected returns whether or not the client is disconnected.
func (c *Client) Disconnected() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	select {
	case <-c.connEstablished:
		return c.disconnected
	default:
		return false
	}
}

// doDisconnect disconnects the connection associated with the client if it
// hasn't already been disconnected.  It will return false if the disconnect
// is not needed.
//
// This function is safe for concurrent access.
func (c *Client) doDisconnect() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	// Nothing to do if already disconnected.
	if c.disconnected {
		return false
	}

	log.Tracef("Disconnecting pool client %s", c.config.Address)
	close(c.disconnect)
	if c.conn != nil {
		c.conn.Close()
	}
	c.disconnected = true
	return true
}

// doShutdown closes the shutdown channel and logs the shutdown unless shutdown
// is already in progress.  It will return false if the shutdown is not needed.
//
// This function is safe for concurrent access.
func (c *Client) doShutdown() bool {
	// Ignore the shutdown request if the client is already in the process
	// of shutting down or already shutdown.
	select {
	case <-c.shutdown:
		return false
	default:
	}

	log.Tracef("Shutting down pool client %s", c.config.Address)
	close(c.shutdown)
	return true
}

// Disconnect disconnects the current connection associated with the client
// and fails all pending requests with ErrClientDisconnect.  The connection
// will automatically be re-established unless the client was created with the
// DisableAutoReconnect flag.
func (c *Client) Disconnect() {
	// Nothing to do if already disconnected.
	if !c.doDisconnect() {
		return
	}

	c.requestLock.Lock()
	defer c.requestLock.Unlock()

	c.failAllRequests(ErrClientDisconnect)

	// When operating without auto reconnect, shutdown the client.
	if c.config.DisableAutoReconnect {
		c.doShutdown()
	}
}

// disconnectConn disconnects the client only if conn is still its current
// connection, so handlers of a replaced connection cannot tear down its
// successor.
func (c *Client) disconnectConn(conn msgConn) {
	c.mtx.Lock()
	current := c.conn == conn
	c.mtx.Unlock()

	if current {
		c.Disconnect()
	}
}

// Shutdown shuts down the client by disconnecting any connections associated
// with the client and, when automatic reconnect is enabled, preventing future
// attempts to reconnect.  It also stops all goroutines.
func (c *Client) Shutdown() {
	// Do the shutdown under the request lock to prevent clients from
	// adding new requests while the client shutdown process is initiated.
	c.requestLock.Lock()
	defer c.requestLock.Unlock()

	// Ignore the shutdown request if the client is already in the process
	// of shutting down or already shutdown.
	if !c.doShutdown() {
		return
	}

	// Send the ErrClientShutdown error to any pending requests.
	c.failAllRequests(ErrClientShutdown)

	// Disconnect the client if needed.
	c.doDisconnect()
}

// WaitForShutdown blocks until the client goroutines are stopped and the
// connection is closed.
func (c *Client) WaitForShutdown() {
	c.wg.Wait()
}

// retryDelay returns the backoff before the next reconnect attempt.  The
// retry interval is scaled by the number of retries so there is a backoff up
// to a max of 1 minute.
func retryDelay(retryCount int64) time.Duration {
	scaledDuration := connectionRetryInterval * time.Duration(retryCount)
	if scaledDuration > maxRetryInterval {
		scaledDuration = maxRetryInterval
	}
	return scaledDuration
}

// backoff waits before the next reconnect attempt.  It returns false if the
// client was shut down while waiting.
func (c *Client) backoff() bool {
	c.retryCount++
	delay := retryDelay(c.retryCount)
	log.Infof("Retrying connection to %s in %s", c.config.Address, delay)

	select {
	case <-time.After(delay):
		return true
	case <-c.shutdown:
		return false
	}
}

// reconnectHandler listens for client disconnects and automatically tries
// to reconnect with retry interval that scales based on the number of
// retries.  Each new connection logs in again.  This function is not run
// when the DisableAutoReconnect config options is set.
//
// This function must be run as a goroutine.
func (c *Client) reconnectHandler() {
	defer c.wg.Done()
	defer c.recoverFault("reconnect handler")

out:
	for {
		select {
		case <-c.disconnectChan():
			// On disconnect, fallthrough to reestablish the
			// connection.

		case <-c.shutdown:
			break out
		}

	reconnect:
		for {
			select {
			case <-c.shutdown:
				break out
			default:
			}

			conn, err := dial(c.config)
			if err != nil {
				log.Infof("Failed to connect to %s: %v",
					c.config.Address, err)
				if !c.backoff() {
					break out
				}
				continue reconnect
			}

			// Reset the connection state and signal the reconnect
			// has happened.
			c.mtx.Lock()
			c.conn = conn
			c.disconnect = make(chan struct{})
			c.disconnected = false
			c.mtx.Unlock()

			// Start processing input and output for the new
			// connection and start a fresh session.
			c.start()
			if err := c.login(); err != nil {
				log.Warnf("Unable to log in to %s: %v",
					c.config.Address, err)
				c.disconnectConn(conn)
				if !c.backoff() {
					break out
				}
				continue reconnect
			}

			log.Infof("Reestablished connection to pool %s",
				c.config.Address)
			c.retryCount = 0

			// Break out of the reconnect loop back to wait for
			// disconnect again.
			break reconnect
		}
	}
	log.Tracef("Pool client reconnect handler done for %s", c.config.Address)
}

// keepaliveHandler periodically tells the pool the session is still in use.
// It must be run as a goroutine.
func (c *Client) keepaliveHandler() {
	defer c.wg.Done()
	defer c.recoverFault("keepalive handler")

	ticker := time.NewTicker(c.config.Keepalive)
	defer ticker.Stop()

out:
	for {
		select {
		case <-ticker.C:
			if c.Disconnected() {
				continue
			}
			log.Tracef("Sending keepalive to %s", c.config.Address)
			c.KeepaliveAsync()

		case <-c.shutdown:
			break out
		}
	}
	log.Tracef("Pool client keepalive handler done for %s", c.config.Address)
}

// New creates a new pool client based on the provided connection
// configuration details.  It connects and logs in before returning, so an
// unreachable pool or a rejected login is reported as an error.  The
// notification handlers parameter may be nil if you are not interested in
// receiving notifications.
func New(config *ConnConfig, ntfnHandlers *NotificationHandlers) (*Client, error) {
	if config.Agent == "" {
		config.Agent = DefaultAgent
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	conn, err := dial(config)
	if err != nil {
		return nil, err
	}

	connEstablished := make(chan struct{})
	client := &Client{
		config:          config,
		conn:            conn,
		requestMap:      make(map[uint64]*list.Element),
		requestList:     list.New(),
		ntfnHandlers:    ntfnHandlers,
		recentShares:    lru.NewCache(recentSharesSize),
		sendChan:        make(chan []byte, sendBufferSize),
		connEstablished: connEstablished,
		disconnect:      make(chan struct{}),
		shutdown:        make(chan struct{}),
	}

	close(connEstablished)
	client.start()
	if err := client.login(); err != nil {
		client.Shutdown()
		client.WaitForShutdown()
		return nil, err
	}
	log.Infof("Established connection to pool %s", config.Address)

	if !config.DisableAutoReconnect {
		client.wg.Add(1)
		go client.reconnectHandler()
	}
	if config.Keepalive > 0 {
		client.wg.Add(1)
		go client.keepaliveHandler()
	}

	return client, nil
}

// disconnectChan returns a copy of the current disconnect channel.  The channel
// is read protected by the client mutex, and is safe to call while the channel
// is being reassigned during a reconnect.
func (c *Client) disconnectChan() <-chan struct{} {
	c.mtx.Lock()
	ch := c.disconnect
	c.mtx.Unlock()
	return ch
}

// sendMessage sends the passed JSON to the connected pool.  It is backed by a
// buffered channel, so it will not block until the send channel is full.  It
// returns false if the client is disconnected.
func (c *Client) sendMessage(marshalledJSON []byte) bool {
	disconnect := c.disconnectChan()

	// Don't send the message if disconnected.
	select {
	case <-disconnect:
		return false
	default:
	}

	select {
	case c.sendChan <- marshalledJSON:
		return true
	case <-disconnect:
		return false
	}
}

// sendRequest sends the passed json request to the associated pool using the
// provided response channel for the reply.
func (c *Client) sendRequest(jReq *jsonRequest) {
	// Check whether the connection has never been established, in which
	// case the handler goroutines are not running.
	select {
	case <-c.connEstablished:
	default:
		jReq.responseChan <- &Response{err: ErrClientNotConnected}
		return
	}

	// Add the request to the internal tracking map so the response from the
	// pool can be properly detected and routed to the response channel.
	// Then send the marshalled request via the connection.
	if err := c.addRequest(jReq); err != nil {
		jReq.responseChan <- &Response{err: err}
		return
	}
	log.Tracef("Sending command [%s] with id %d", jReq.method, jReq.id)
	if !c.sendMessage(jReq.marshalledJSON) {
		if c.removeRequest(jReq.id) != nil {
			jReq.responseChan <- &Response{err: ErrClientDisconnect}
		}
	}
}

// newFutureError returns a new future result channel that already has the
// passed error waitin on the channel with the reply set to nil.  This is useful
// to easily return errors from the various Async functions.
func newFutureError(err error) chan *Response {
	responseChan := make(chan *Response, 1)
	responseChan <- &Response{err: err}
	return responseChan
}

// SendCmd sends the passed command to the associated pool and returns a
// response channel on which the reply will be delivered at some point in the
// future.
func (c *Client) SendCmd(cmd interface{}) chan *Response {
	_, responseChan := c.sendCmd(cmd)
	return responseChan
}

// sendCmd is SendCmd that also returns the request id.
func (c *Client) sendCmd(cmd interface{}) (uint64, chan *Response) {
	// Get the method associated with the command.
	method, err := stratumjson.CmdMethod(cmd)
	if err != nil {
		return 0, newFutureError(err)
	}

	// Marshal the command.
	id := c.NextID()
	marshalledJSON, err := stratumjson.MarshalCmd(id, cmd)
	if err != nil {
		return 0, newFutureError(err)
	}

	// Generate the request and send it along with a channel to respond on.
	responseChan := make(chan *Response, 1)
	jReq := &jsonRequest{
		id:             id,
		method:         method,
		cmd:            cmd,
		marshalledJSON: marshalledJSON,
		responseChan:   responseChan,
	}

	c.sendRequest(jReq)

	return id, responseChan
}

// ReceiveFuture receives from the passed futureResult channel to extract a
// reply or any errors.  The examined errors include an error in the
// futureResult and the error in the reply from the pool.  This will block
// until the result is available on the passed channel.
func ReceiveFuture(f chan *Response) ([]byte, error) {
	// Wait for a response on the returned channel.
	r := <-f
	return r.result, r.err
}

// receiveTimeout is ReceiveFuture bounded by timeout.  A request that times
// out is forgotten so a late reply is dropped.
func (c *Client) receiveTimeout(id uint64, f chan *Response,
	timeout time.Duration) ([]byte, error) {

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-f:
		return r.result, r.err
	case <-timer.C:
		c.removeRequest(id)
		return nil, ErrRequestTimeout
	}
}
