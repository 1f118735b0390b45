package editor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/megamelange/melange-backend/internal/apperr"
	"github.com/megamelange/melange-backend/internal/logger"
)

// The editor speaks newline-delimited JSON over a single TCP stream. The
// stream is not safe to share across concurrent commands, so every
// Connection serializes send/recv behind a mutex, and callers that must
// not contend with long polling work (the asset import step) open a fresh
// Connection instead of reusing the long-lived one.

type request struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

type response struct {
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type Connection struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// Client dials editor connections. It keeps one long-lived connection for
// ordinary scene commands and hands out dedicated ones on request.
type Client struct {
	log     *logger.Logger
	addr    string
	timeout time.Duration

	mu     sync.Mutex
	shared *Connection
}

func NewClient(log *logger.Logger) *Client {
	addr := strings.TrimSpace(os.Getenv("EDITOR_TCP_ADDR"))
	if addr == "" {
		addr = "127.0.0.1:13377"
	}
	return &Client{
		log:     log.With("service", "EditorClient"),
		addr:    addr,
		timeout: 30 * time.Second,
	}
}

// Dial opens a fresh dedicated connection.
func (c *Client) Dial(ctx context.Context) (*Connection, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeConnectionFailed, err)
	}
	return &Connection{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: c.timeout,
	}, nil
}

// Shared returns the long-lived connection, dialing it on first use or
// after a previous failure tore it down.
func (c *Client) Shared(ctx context.Context) (*Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shared != nil {
		return c.shared, nil
	}
	conn, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}
	c.shared = conn
	return conn, nil
}

// Execute sends a scene command on the shared connection. A transport
// failure drops the shared connection so the next call redials.
func (c *Client) Execute(ctx context.Context, commandType string, params map[string]any) (map[string]any, error) {
	conn, err := c.Shared(ctx)
	if err != nil {
		return nil, err
	}
	result, err := conn.Execute(ctx, commandType, params)
	if err != nil {
		var ae *apperr.Error
		if e, ok := err.(*apperr.Error); ok {
			ae = e
		}
		if ae == nil || ae.Code == apperr.CodeConnectionFailed || ae.Code == apperr.CodeCommandTimeout {
			c.mu.Lock()
			if c.shared == conn {
				c.shared = nil
			}
			c.mu.Unlock()
			conn.Close()
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Execute(ctx, "ping", nil)
	return err
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shared != nil {
		c.shared.Close()
		c.shared = nil
	}
}

// Execute performs one command round trip, serialized on the stream.
func (conn *Connection) Execute(ctx context.Context, commandType string, params map[string]any) (map[string]any, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	deadline := time.Now().Add(conn.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.conn.SetDeadline(deadline)

	payload, err := json.Marshal(request{Type: commandType, Params: params})
	if err != nil {
		return nil, apperr.Internal(apperr.CodeCommandFailed, err)
	}
	payload = append(payload, '\n')
	if _, err := conn.conn.Write(payload); err != nil {
		return nil, wrapTransport(err)
	}
	line, err := conn.reader.ReadBytes('\n')
	if err != nil {
		return nil, wrapTransport(err)
	}
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeCommandFailed,
			fmt.Errorf("malformed editor response: %w", err))
	}
	if !resp.Success {
		return nil, apperr.External(apperr.CodeCommandFailed, resp.Error)
	}
	return resp.Result, nil
}

func (conn *Connection) Close() {
	_ = conn.conn.Close()
}

func wrapTransport(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeCommandTimeout, err)
	}
	return apperr.Wrap(apperr.CategoryExternalAPI, apperr.CodeConnectionFailed, err)
}
