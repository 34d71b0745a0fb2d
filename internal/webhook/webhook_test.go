package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/gitto/internal/config"
	gittosync "github.com/schaermu/gitto/internal/sync"
)

const pushBody = `{
	"ref": "refs/heads/main",
	"after": "abc123",
	"repository": {
		"full_name": "test/notes"
	}
}`

// fakeTarget counts reconciliations and optionally blocks the first one
// until proceed is closed.
type fakeTarget struct {
	calls   atomic.Int32
	started chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (f *fakeTarget) PullMergePush(context.Context) gittosync.Outcome {
	f.calls.Add(1)
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
		<-f.proceed
	}
	return gittosync.OutcomeUpToDate
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func setupTestConfig(t *testing.T) (config.ServeConfig, string) {
	t.Helper()

	secretPath := filepath.Join(t.TempDir(), "webhook_secret")
	secret := "test-secret-key"
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	return config.ServeConfig{
		Enabled:                 true,
		ListenAddr:              "127.0.0.1:0",
		GitHubWebhookSecretFile: secretPath,
		AllowedEventTypes:       []string{"push"},
		AllowedRefs:             []string{"refs/heads/main"},
	}, secret
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T, target gittosync.PullMergePusher) (*Server, string) {
	t.Helper()
	cfg, secret := setupTestConfig(t)
	server, err := NewServer(cfg, target, testLogger())
	require.NoError(t, err)
	t.Cleanup(server.debounce.Stop)
	return server, secret
}

func pushRequest(body []byte, event, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", signature)
	return req
}

func withTriggerDelay(t *testing.T, d time.Duration) {
	t.Helper()
	prev := triggerDelay
	triggerDelay = d
	t.Cleanup(func() { triggerDelay = prev })
}

func TestNewServer(t *testing.T) {
	server, _ := newTestServer(t, &fakeTarget{})

	if string(server.secret) != "test-secret-key" {
		t.Errorf("expected trimmed secret 'test-secret-key', got %q", string(server.secret))
	}
}

func TestNewServer_MissingSecret(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.GitHubWebhookSecretFile = filepath.Join(t.TempDir(), "absent")

	_, err := NewServer(cfg, &fakeTarget{}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read webhook secret")
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		name  string
		list  []string
		value string
		want  bool
	}{
		{"empty list allows all", nil, "anything", true},
		{"listed value", []string{"push", "ping"}, "push", true},
		{"unlisted value", []string{"push"}, "release", false},
		{"exact match only", []string{"refs/heads/main"}, "refs/heads/main2", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := allowed(tt.list, tt.value); got != tt.want {
				t.Errorf("allowed(%v, %q) = %v, want %v", tt.list, tt.value, got, tt.want)
			}
		})
	}
}

func TestHandleWebhook_ValidRequestTriggersOneReconcile(t *testing.T) {
	withTriggerDelay(t, 50*time.Millisecond)
	target := &fakeTarget{}
	server, secret := newTestServer(t, target)
	handler := server.Handler()

	body := []byte(pushBody)
	for range 3 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, pushRequest(body, "push", computeSignature(body, secret)))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Sync triggered\n", rec.Body.String())
	}

	assert.Eventually(t, func() bool { return target.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), target.calls.Load(), "a burst of deliveries reconciles once")
}

func TestHandleWebhook_Rejections(t *testing.T) {
	body := []byte(pushBody)

	tests := []struct {
		name     string
		request  func(secret string) *http.Request
		wantCode int
		wantBody string
	}{
		{
			name:     "invalid method",
			request:  func(string) *http.Request { return httptest.NewRequest(http.MethodGet, "/", nil) },
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name: "invalid content type",
			request: func(secret string) *http.Request {
				req := pushRequest(body, "push", computeSignature(body, secret))
				req.Header.Set("Content-Type", "text/plain")
				return req
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "invalid signature",
			request: func(string) *http.Request {
				return pushRequest(body, "push", computeSignature(body, "wrong-secret"))
			},
			wantCode: http.StatusForbidden,
		},
		{
			name:     "missing signature",
			request:  func(string) *http.Request { return pushRequest(body, "push", "") },
			wantCode: http.StatusForbidden,
		},
		{
			name: "disallowed event type",
			request: func(secret string) *http.Request {
				return pushRequest(body, "release", computeSignature(body, secret))
			},
			wantCode: http.StatusOK,
			wantBody: "Event type not configured for sync\n",
		},
		{
			name: "disallowed ref",
			request: func(secret string) *http.Request {
				other := []byte(`{"ref": "refs/heads/feature"}`)
				return pushRequest(other, "push", computeSignature(other, secret))
			},
			wantCode: http.StatusOK,
			wantBody: "Ref not configured for sync\n",
		},
		{
			name: "invalid payload",
			request: func(secret string) *http.Request {
				bad := []byte(`{not json`)
				return pushRequest(bad, "push", computeSignature(bad, secret))
			},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, secret := newTestServer(t, &fakeTarget{})

			rec := httptest.NewRecorder()
			server.handleWebhook(rec, tt.request(secret))

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
			assert.Zero(t, server.debounce.Pending(), "rejected deliveries must not schedule a reconcile")
		})
	}
}

// TestPerformReconcile_SingleFlight verifies that at most one reconciliation
// runs at a time and at most one additional run is queued.
func TestPerformReconcile_SingleFlight(t *testing.T) {
	target := &fakeTarget{
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	server, _ := newTestServer(t, target)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.performReconcile(ctx)
	}()
	<-target.started

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.performReconcile(ctx)
		}()
	}
	wg.Wait()

	server.runMu.Lock()
	pending := server.runPending
	server.runMu.Unlock()
	if !pending {
		t.Error("expected runPending to be true after concurrent calls")
	}

	close(target.proceed)
	<-done

	server.runMu.Lock()
	defer server.runMu.Unlock()
	assert.False(t, server.runRunning)
	assert.False(t, server.runPending)
	assert.Equal(t, int32(2), target.calls.Load(), "the first run plus one queued re-run")
}

func TestStart_ServesUntilCancelled(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")
	server, _ := newTestServer(t, &fakeTarget{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}
