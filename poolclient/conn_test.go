package poolclient

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/MonteCarloClub/powminer/mining"
	"github.com/MonteCarloClub/powminer/stratumjson"
)

// TestParseEndpoint ensures pool addresses map to the right transport.
func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		address string
		scheme  string
		host    string
	}{
		{"pool.example.com:3333", schemeTCP, "pool.example.com:3333"},
		{"stratum+tcp://pool.example.com:3333", schemeTCP, "pool.example.com:3333"},
		{"stratum+ssl://pool.example.com:443", schemeTLS, "pool.example.com:443"},
		{"stratum+tls://[::1]:443", schemeTLS, "[::1]:443"},
		{"ws://127.0.0.1:8080/stratum", schemeWS, "127.0.0.1:8080"},
		{"wss://pool.example.com:443/", schemeWSS, "pool.example.com:443"},
	}

	for _, test := range tests {
		ep, err := parseEndpoint(test.address)
		if err != nil {
			t.Errorf("%s: %v", test.address, err)
			continue
		}
		if ep.scheme != test.scheme || ep.host != test.host {
			t.Errorf("%s: got %s %s, want %s %s", test.address,
				ep.scheme, ep.host, test.scheme, test.host)
		}
	}

	for _, bad := range []string{"", "pool.example.com", "http://pool:80", "stratum+tcp://pool"} {
		if _, err := parseEndpoint(bad); !errors.Is(err, ErrInvalidEndpoint) {
			t.Errorf("%q: got %v, want ErrInvalidEndpoint", bad, err)
		}
	}
}

// TestLineConn ensures messages are framed by newlines and blank lines are
// skipped.
func TestLineConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	lc := newLineConn(client)
	go func() {
		server.Write([]byte("{\"a\":1}\r\n\n  \n{\"b\":2}\n"))
	}()

	for _, want := range []string{`{"a":1}`, `{"b":2}`} {
		msg, err := lc.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if string(msg) != want {
			t.Fatalf("got %q, want %q", msg, want)
		}
	}

	done := make(chan []byte)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()
	if err := lc.WriteMessage([]byte(`{"c":3}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	select {
	case got := <-done:
		if string(got) != "{\"c\":3}\n" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
}

// TestLineConnTooLarge ensures oversized lines are refused.
func TestLineConnTooLarge(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		server.Write([]byte(strings.Repeat("x", 2*maxMessageSize)))
	}()
	if _, err := newLineConn(client).ReadMessage(); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("got %v, want ErrMessageTooLarge", err)
	}
}

// TestParseJob ensures malformed jobs are rejected and the default algorithm
// is applied.
func TestParseJob(t *testing.T) {
	ntfn := testJobNtfn("j")
	ntfn.Algo = ""
	job, err := parseJob(ntfn, "argon2/chukwa")
	if err != nil {
		t.Fatalf("parseJob: %v", err)
	}
	if job.Algo != "argon2/chukwa" {
		t.Errorf("got algo %q, want default", job.Algo)
	}

	mutations := map[string]func(*stratumjson.JobNtfn){
		"no id":      func(n *stratumjson.JobNtfn) { n.JobID = "" },
		"bad blob":   func(n *stratumjson.JobNtfn) { n.Blob = "zz" },
		"short blob": func(n *stratumjson.JobNtfn) { n.Blob = testBlob[:2*(mining.MinBlobSize-1)] },
		"bad target": func(n *stratumjson.JobNtfn) { n.Target = "00" },
		"bad seed":   func(n *stratumjson.JobNtfn) { n.SeedHash = "xyz" },
	}
	for name, mutate := range mutations {
		n := testJobNtfn("j")
		mutate(n)
		if _, err := parseJob(n, ""); !errors.Is(err, ErrInvalidJob) {
			t.Errorf("%s: got %v, want ErrInvalidJob", name, err)
		}
	}
}

// TestRetryDelay ensures the reconnect backoff grows linearly up to a minute.
func TestRetryDelay(t *testing.T) {
	tests := []struct {
		retries int64
		delay   time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{12, time.Minute},
		{100, time.Minute},
	}
	for _, test := range tests {
		if got := retryDelay(test.retries); got != test.delay {
			t.Errorf("retry %d: got %v, want %v", test.retries, got,
				test.delay)
		}
	}
}
