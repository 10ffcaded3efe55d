package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// fakeServer reads framed messages off r and passes them to handle;
// whatever handle returns is written back as the response.
func fakeServer(t *testing.T, r io.Reader, w io.Writer, handle func(msg rpcMessage) *rpcMessage) {
	t.Helper()
	go func() {
		br := bufio.NewReader(r)
		for {
			msg, ok := readFrame(br)
			if !ok {
				return
			}
			if reply := handle(msg); reply != nil {
				body, _ := json.Marshal(reply)
				fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s", len(body), body)
			}
		}
	}()
}

func readFrame(br *bufio.Reader) (rpcMessage, bool) {
	var msg rpcMessage
	length := -1
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return msg, false
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if _, value, ok := strings.Cut(line, ":"); ok {
			fmt.Sscanf(strings.TrimSpace(value), "%d", &length)
		}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		return msg, false
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, false
	}
	return msg, true
}

func TestCallRoundTrip(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	fakeServer(t, serverIn, serverOut, func(msg rpcMessage) *rpcMessage {
		if msg.Method != "ping" {
			t.Errorf("method = %q", msg.Method)
		}
		result, _ := json.Marshal(map[string]string{"pong": "yes"})
		return &rpcMessage{JSONRPC: "2.0", ID: msg.ID, Result: result}
	})

	c := newConn(slog.Default(), clientIn, clientOut, nil)
	var result struct {
		Pong string `json:"pong"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Call(ctx, "ping", map[string]any{}, &result); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result.Pong != "yes" {
		t.Errorf("result = %+v", result)
	}
}

func TestCallServerError(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	fakeServer(t, serverIn, serverOut, func(msg rpcMessage) *rpcMessage {
		return &rpcMessage{JSONRPC: "2.0", ID: msg.ID, Error: &rpcError{Code: -32601, Message: "method not found"}}
	})

	c := newConn(slog.Default(), clientIn, clientOut, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Call(ctx, "nope", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "method not found") {
		t.Fatalf("Call() error = %v, want server error", err)
	}
}

func TestPipeCloseFailsPendingCalls(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	_, clientOut := io.Pipe()

	c := newConn(slog.Default(), clientIn, clientOut, nil)
	done := make(chan error, 1)
	go func() {
		done <- c.Call(context.Background(), "hang", nil, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	_ = serverOut.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Call() succeeded after pipe close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed on pipe close")
	}
}

func TestServerRequestGetsHandled(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	got := make(chan string, 1)
	c := newConn(slog.Default(), clientIn, clientOut, func(method string, params json.RawMessage, id *json.RawMessage) {
		got <- method
	})
	_ = c

	// Server sends a notification unprompted.
	go func() {
		body, _ := json.Marshal(rpcMessage{JSONRPC: "2.0", Method: "textDocument/publishDiagnostics", Params: json.RawMessage(`{}`)})
		fmt.Fprintf(serverOut, "Content-Length: %d\r\n\r\n%s", len(body), body)
	}()
	_ = serverIn

	select {
	case method := <-got:
		if method != "textDocument/publishDiagnostics" {
			t.Errorf("method = %q", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the notification")
	}
}
