package poolclient

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/go-socks/socks"
	"github.com/btcsuite/websocket"
)

const (
	// writeTimeout bounds writing a single message to a line connection.
	writeTimeout = 30 * time.Second

	// maxMessageSize is the largest line accepted from a pool.
	maxMessageSize = 1 << 20
)

// ErrMessageTooLarge is returned when a pool sends a line longer than
// maxMessageSize.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// msgConn is a message oriented connection to a pool.  Reads happen on the
// input handler and writes on the output handler only.
type msgConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(msg []byte) error
	Close() error
}

// lineConn carries one JSON message per newline terminated line, which is
// how stratum is spoken over raw TCP and TLS.
type lineConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func newLineConn(conn net.Conn) *lineConn {
	return &lineConn{conn: conn, r: bufio.NewReader(conn)}
}

// ReadMessage returns the next non-empty line without its terminator.
func (c *lineConn) ReadMessage() ([]byte, error) {
	for {
		var line []byte
		for {
			frag, err := c.r.ReadSlice('\n')
			line = append(line, frag...)
			if len(line) > maxMessageSize {
				return nil, ErrMessageTooLarge
			}
			if err == bufio.ErrBufferFull {
				continue
			}
			if err != nil {
				return nil, err
			}
			break
		}

		line = trimLine(line)
		if len(line) > 0 {
			return line, nil
		}
	}
}

func trimLine(line []byte) []byte {
	for len(line) > 0 {
		switch line[len(line)-1] {
		case '\n', '\r', ' ', '\t':
			line = line[:len(line)-1]
			continue
		}
		break
	}
	return line
}

// WriteMessage writes msg followed by a newline.
func (c *lineConn) WriteMessage(msg []byte) error {
	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(buf)
	return err
}

func (c *lineConn) Close() error {
	return c.conn.Close()
}

// wsMsgConn carries one JSON message per websocket text frame.
type wsMsgConn struct {
	conn *websocket.Conn
}

func (c *wsMsgConn) ReadMessage() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

func (c *wsMsgConn) WriteMessage(msg []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsMsgConn) Close() error {
	return c.conn.Close()
}

// Connection schemes understood in pool addresses.
const (
	schemeTCP = "tcp"
	schemeTLS = "tls"
	schemeWS  = "ws"
	schemeWSS = "wss"
)

// endpoint is a parsed pool address.
type endpoint struct {
	scheme string
	host   string
	url    string
}

// parseEndpoint parses a pool address.  A bare host:port means stratum over
// TCP.
func parseEndpoint(address string) (*endpoint, error) {
	if !strings.Contains(address, "://") {
		if _, _, err := net.SplitHostPort(address); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
		}
		return &endpoint{scheme: schemeTCP, host: address}, nil
	}

	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	ep := &endpoint{host: u.Host, url: address}
	switch strings.ToLower(u.Scheme) {
	case "tcp", "stratum+tcp":
		ep.scheme = schemeTCP
	case "tls", "ssl", "stratum+tls", "stratum+ssl":
		ep.scheme = schemeTLS
	case schemeWS:
		ep.scheme = schemeWS
	case schemeWSS:
		ep.scheme = schemeWSS
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q",
			ErrInvalidEndpoint, u.Scheme)
	}

	if _, _, err := net.SplitHostPort(ep.host); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	return ep, nil
}

// dial opens a connection to the pool using the passed connection
// configuration details.
func dial(config *ConnConfig) (msgConn, error) {
	ep, err := parseEndpoint(config.Address)
	if err != nil {
		return nil, err
	}

	netDial := (&net.Dialer{Timeout: config.Timeout}).Dial

	// Setup the proxy if one is configured.
	if config.Proxy != "" {
		proxy := &socks.Proxy{
			Addr:     config.Proxy,
			Username: config.ProxyUser,
			Password: config.ProxyPass,
		}
		netDial = proxy.Dial
	}

	host, _, _ := net.SplitHostPort(ep.host)
	tlsConfig := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}

	switch ep.scheme {
	case schemeTCP:
		conn, err := netDial("tcp", ep.host)
		if err != nil {
			return nil, err
		}
		return newLineConn(conn), nil

	case schemeTLS:
		conn, err := netDial("tcp", ep.host)
		if err != nil {
			return nil, err
		}
		// A pool that accepts the connection and stays silent must not
		// stall the handshake forever.
		if err := conn.SetDeadline(time.Now().Add(config.Timeout)); err != nil {
			conn.Close()
			return nil, err
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		if err := conn.SetDeadline(time.Time{}); err != nil {
			conn.Close()
			return nil, err
		}
		return newLineConn(tlsConn), nil
	}

	// Create a websocket dialer that will be used to make the connection.
	dialer := websocket.Dialer{
		NetDial:          netDial,
		HandshakeTimeout: config.Timeout,
	}
	if ep.scheme == schemeWSS {
		dialer.TLSClientConfig = tlsConfig
	}

	requestHeader := make(http.Header)
	requestHeader.Set("User-Agent", config.Agent)
	wsConn, resp, err := dialer.Dial(ep.url, requestHeader)
	if err != nil {
		if err != websocket.ErrBadHandshake || resp == nil {
			return nil, err
		}

		// Detect HTTP authentication error status codes.
		if resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden {
			return nil, ErrInvalidAuth
		}

		// The status response was ok, but the websocket handshake
		// still failed, so the endpoint is invalid in some way.
		if resp.StatusCode == http.StatusOK {
			return nil, ErrInvalidEndpoint
		}

		// Return the status text from the server if none of the special
		// cases above apply.
		return nil, errors.New(resp.Status)
	}
	return &wsMsgConn{conn: wsConn}, nil
}
