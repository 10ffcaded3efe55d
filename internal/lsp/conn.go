package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// rpcMessage is the union of request, response, and notification.
type rpcMessage struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *rpcError        `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// serverHandler receives server-initiated traffic. id is nil for
// notifications; for requests the handler's return value is sent back.
type serverHandler func(method string, params json.RawMessage, id *json.RawMessage)

// conn frames JSON-RPC messages with Content-Length headers over the
// server's stdio pipes and correlates responses by id.
type conn struct {
	logger  *slog.Logger
	writeMu sync.Mutex
	w       io.Writer

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan rpcMessage
	closed  bool

	handle serverHandler
}

func newConn(logger *slog.Logger, r io.Reader, w io.Writer, handle serverHandler) *conn {
	c := &conn{
		logger:  logger,
		w:       w,
		pending: make(map[int64]chan rpcMessage),
		handle:  handle,
	}
	go c.readLoop(bufio.NewReader(r))
	return c
}

// Call sends a request and decodes the response into result, which may
// be nil.
func (c *conn) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	rawID := json.RawMessage(strconv.FormatInt(id, 10))

	ch := make(chan rpcMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("lsp: connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(rpcMessage{JSONRPC: "2.0", ID: &rawID, Method: method, Params: marshalParams(params)}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return fmt.Errorf("lsp: connection closed during %s", method)
		}
		if msg.Error != nil {
			return msg.Error
		}
		if result != nil && len(msg.Result) > 0 {
			return json.Unmarshal(msg.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Notify sends a notification.
func (c *conn) Notify(method string, params any) error {
	return c.write(rpcMessage{JSONRPC: "2.0", Method: method, Params: marshalParams(params)})
}

// Respond answers a server-initiated request.
func (c *conn) Respond(id *json.RawMessage, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.write(rpcMessage{JSONRPC: "2.0", ID: id, Result: raw})
}

func (c *conn) write(msg rpcMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return err
	}
	_, err = c.w.Write(body)
	return err
}

func (c *conn) readLoop(r *bufio.Reader) {
	defer c.closeAll()
	for {
		length := -1
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
				n, err := strconv.Atoi(strings.TrimSpace(value))
				if err != nil {
					c.logger.Warn("bad Content-Length header", "value", value)
					return
				}
				length = n
			}
		}
		if length < 0 {
			c.logger.Warn("message without Content-Length header")
			return
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			c.logger.Warn("undecodable message from server", "error", err)
			continue
		}

		switch {
		case msg.Method != "":
			// Server-initiated request or notification.
			if c.handle != nil {
				c.handle(msg.Method, msg.Params, msg.ID)
			} else if msg.ID != nil {
				_ = c.Respond(msg.ID, nil)
			}
		case msg.ID != nil:
			var id int64
			if err := json.Unmarshal(*msg.ID, &id); err != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[id]
			delete(c.pending, id)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

// closeAll fails every outstanding call when the pipe breaks.
func (c *conn) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return raw
}
