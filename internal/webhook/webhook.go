package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/gitto/internal/activation"
	"github.com/schaermu/gitto/internal/config"
	"github.com/schaermu/gitto/internal/debounce"
	gittosync "github.com/schaermu/gitto/internal/sync"
)

// triggerDelay coalesces bursts of push deliveries into one reconciliation
var triggerDelay = 2 * time.Second

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server receives push notifications for the remote and pulls right away
// instead of waiting for the next periodic reconciliation.
type Server struct {
	cfg      config.ServeConfig
	target   gittosync.PullMergePusher
	logger   *slog.Logger
	secret   []byte
	debounce *debounce.Debouncer[string]

	runMu      sync.Mutex // guards runRunning and runPending
	runRunning bool       // whether a reconciliation is currently in progress
	runPending bool       // whether another one is needed after the current one
}

// NewServer creates a new webhook server
func NewServer(cfg config.ServeConfig, target gittosync.PullMergePusher, logger *slog.Logger) (*Server, error) {
	// Load webhook secret from file
	secret, err := os.ReadFile(cfg.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		target: target,
		logger: logger,
		secret: []byte(strings.TrimSpace(string(secret))),
	}
	s.debounce = debounce.New(triggerDelay, func(refs []string) {
		s.logger.Info("reconciling after push events", "count", len(refs))
		s.performReconcile(context.Background())
	})

	return s, nil
}

// Handler returns the HTTP handler serving webhook deliveries
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)
	return mux
}

// Start serves webhooks until ctx is cancelled. A systemd-activated socket
// is used when one was passed to the process.
func (s *Server) Start(ctx context.Context) error {
	defer s.debounce.Stop()

	listener, err := s.listen()
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) listen() (net.Listener, error) {
	l, err := activation.Listener(s.cfg.SocketName)
	if err != nil {
		return nil, fmt.Errorf("socket activation: %w", err)
	}
	if l != nil {
		s.logger.Info("using systemd-activated socket", "name", s.cfg.SocketName)
		return l, nil
	}

	l, err = net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return l, nil
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType)

	if !allowed(s.cfg.AllowedEventTypes, eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !allowed(s.cfg.AllowedRefs, event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.Add(event.Ref)

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	// GitHub signature format: sha256=<hex>
	hexSig, found := strings.CutPrefix(signature, "sha256=")
	if !found || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// allowed reports whether value is in list; an empty list allows everything
func allowed(list []string, value string) bool {
	return len(list) == 0 || slices.Contains(list, value)
}

// performReconcile runs pull-merge-push with single-flight semantics.
// If one is already in progress, at most one additional run is queued;
// further concurrent requests are dropped to avoid goroutines piling up on
// the repository lock.
func (s *Server) performReconcile(ctx context.Context) {
	s.runMu.Lock()
	if s.runRunning {
		s.runPending = true
		s.runMu.Unlock()
		s.logger.Info("reconciliation already in progress, queuing pending re-run")
		return
	}
	s.runRunning = true
	s.runMu.Unlock()

	for {
		outcome := s.target.PullMergePush(ctx)
		s.logger.Info("webhook reconciliation finished", "outcome", outcome)

		s.runMu.Lock()
		if !s.runPending {
			s.runRunning = false
			s.runMu.Unlock()
			break
		}
		s.runPending = false
		s.runMu.Unlock()

		s.logger.Info("re-running reconciliation due to pending request")
	}
}
