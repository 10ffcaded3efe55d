package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"
)

const (
	// CallbackAddr is fixed: it must match the redirect URI registered
	// with the authorization server.
	CallbackAddr = "127.0.0.1:19876"
	CallbackPath = "/mcp/oauth/callback"
)

type callbackResult struct {
	code string
	err  error
}

// CallbackServer is the loopback HTTP listener that receives OAuth
// redirects. It starts on demand and serves any number of concurrent
// flows, matched by state.
type CallbackServer struct {
	logger *slog.Logger
	// addr is fixed in production; tests bind an ephemeral port.
	addr string

	mu      sync.Mutex
	server  *http.Server
	bound   string
	running bool
	pending map[string]chan callbackResult
}

func NewCallbackServer(logger *slog.Logger) *CallbackServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackServer{
		logger:  logger.With("component", "mcp"),
		addr:    CallbackAddr,
		pending: make(map[string]chan callbackResult),
	}
}

// Start binds the loopback port. Calling it while already running is a
// no-op. The port is shared across processes on one host: when another
// process already holds it, that process serves the redirect and this
// one skips its own listener, so IsRunning stays false.
func (s *CallbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	listener, err := net.Listen("tcp", s.addr)
	if errors.Is(err, syscall.EADDRINUSE) {
		s.logger.Info("oauth callback port held by another process, deferring to it", "addr", s.addr)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mcp: oauth callback port unavailable: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, s.handleCallback)
	s.server = &http.Server{Handler: mux}
	s.bound = listener.Addr().String()
	s.running = true

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("oauth callback server stopped", "error", err)
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	return nil
}

// IsRunning reports whether the listener is up.
func (s *CallbackServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RedirectURI is the registered redirect target.
func (s *CallbackServer) RedirectURI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && s.bound != "" {
		return "http://" + s.bound + CallbackPath
	}
	return "http://" + s.addr + CallbackPath
}

// Expect registers a pending flow under its state value and returns
// the channel the authorization code will arrive on.
func (s *CallbackServer) Expect(state string) <-chan callbackResult {
	ch := make(chan callbackResult, 1)
	s.mu.Lock()
	s.pending[state] = ch
	s.mu.Unlock()
	return ch
}

// Forget abandons a pending flow.
func (s *CallbackServer) Forget(state string) {
	s.mu.Lock()
	delete(s.pending, state)
	s.mu.Unlock()
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := query.Get("state")
	if state == "" {
		http.Error(w, "missing state", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[state]
	delete(s.pending, state)
	s.mu.Unlock()
	if !ok {
		// Unknown state: either a replay or a forged request.
		s.logger.Warn("oauth callback with unknown state")
		http.Error(w, "unknown state", http.StatusBadRequest)
		return
	}

	if errCode := query.Get("error"); errCode != "" {
		ch <- callbackResult{err: fmt.Errorf("authorization failed: %s (%s)", errCode, query.Get("error_description"))}
		http.Error(w, "authorization failed, you can close this window", http.StatusBadRequest)
		return
	}
	code := query.Get("code")
	if code == "" {
		ch <- callbackResult{err: fmt.Errorf("authorization response missing code")}
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	ch <- callbackResult{code: code}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, "<html><body><p>Authentication complete. You can close this window and return to hotaru.</p></body></html>")
}

// Shutdown stops the listener.
func (s *CallbackServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	running := s.running
	s.running = false
	for state, ch := range s.pending {
		ch <- callbackResult{err: fmt.Errorf("callback server shutting down")}
		delete(s.pending, state)
	}
	s.mu.Unlock()

	if !running || server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
