package mllp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tribal-ehr/interop/internal/platform/hl7v2"
)

const (
	// DefaultConnectTimeout bounds a single dial.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultResponseTimeout bounds the wait for one framed response.
	DefaultResponseTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of additional attempts after the
	// first failure.
	DefaultMaxRetries = 3

	// DefaultBaseBackoff is doubled per attempt between retries.
	DefaultBaseBackoff = time.Second
)

// SendFailedError reports exhaustion of every send attempt. It wraps
// the last underlying transport error.
type SendFailedError struct {
	Attempts int
	Err      error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("mllp: send failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *SendFailedError) Unwrap() error { return e.Err }

// Client sends framed HL7v2 messages to an MLLP peer and awaits one
// framed response per send. The connection persists across sends and is
// re-dialed lazily after a failure. The client does not deduplicate
// retried messages; receivers must treat repeated control IDs
// appropriately. Safe for concurrent use; sends are serialized.
type Client struct {
	addr            string
	connectTimeout  time.Duration
	responseTimeout time.Duration
	maxRetries      int
	baseBackoff     time.Duration
	log             zerolog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithConnectTimeout overrides the dial timeout.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithResponseTimeout overrides the per-attempt response wait.
func WithResponseTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.responseTimeout = d
		}
	}
}

// WithMaxRetries overrides the retry budget; zero disables retries.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff overrides the base backoff doubled between attempts.
func WithBackoff(base time.Duration) ClientOption {
	return func(c *Client) {
		if base > 0 {
			c.baseBackoff = base
		}
	}
}

// WithClientLogger attaches a zerolog logger.
func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a Client for addr (host:port). Defaults: 10 s
// connect timeout, 30 s response timeout, 3 retries, 1 s base backoff.
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{
		addr:            addr,
		connectTimeout:  DefaultConnectTimeout,
		responseTimeout: DefaultResponseTimeout,
		maxRetries:      DefaultMaxRetries,
		baseBackoff:     DefaultBaseBackoff,
		log:             zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send frames payload, writes it and awaits one framed response. Each
// failed attempt tears down the socket; after maxRetries+1 attempts the
// last error is wrapped in SendFailedError. Context cancellation
// surfaces as the context's error instead.
func (c *Client) Send(ctx context.Context, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := c.attempt(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		c.closeLocked()
		// An attempt interrupted by cancellation reports the context's
		// error, not a transport failure.
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Str("peer", c.addr).Msg("mllp send attempt failed")

		if attempt < c.maxRetries {
			backoff := c.baseBackoff << uint(attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, &SendFailedError{Attempts: c.maxRetries + 1, Err: lastErr}
}

// SendMessage serializes msg, sends it and parses the response.
func (c *Client) SendMessage(ctx context.Context, msg *hl7v2.Message) (*hl7v2.Message, error) {
	resp, err := c.Send(ctx, msg.Serialize())
	if err != nil {
		return nil, err
	}
	return hl7v2.Parse(resp)
}

// Close tears down the current connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// attempt performs one connect-write-await cycle. The caller holds the
// mutex.
func (c *Client) attempt(ctx context.Context, payload []byte) ([]byte, error) {
	if c.conn == nil {
		dialer := net.Dialer{Timeout: c.connectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return nil, fmt.Errorf("mllp: connect %s: %w", c.addr, err)
		}
		c.conn = conn
	}

	// Cancellation expires the deadlines so a blocked read or write returns
	// immediately instead of waiting out the response timeout.
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
		conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	deadline := time.Now().Add(c.responseTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)
	// The sets above may have overwritten an expiry that fired between the
	// watcher's registration and here.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := conn.Write(Frame(payload)); err != nil {
		return nil, fmt.Errorf("mllp: write: %w", err)
	}

	dec := NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payloads, decErr := dec.Push(buf[:n])
			if decErr != nil {
				return nil, decErr
			}
			if len(payloads) > 0 {
				return payloads[0], nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("mllp: awaiting response: %w", err)
		}
	}
}
