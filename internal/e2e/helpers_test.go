package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"viewd/internal/httpapi"
	"viewd/internal/manager"
	"viewd/internal/registry"
	"viewd/internal/segments"
	"viewd/internal/transport"
	"viewd/pkg/types"
)

// createArchive writes count consecutive segments of segMs for camera under
// a temporary archive root and returns the root.
func createArchive(t *testing.T, camera string, startMs, segMs int64, count int) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, camera)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for i := 0; i < count; i++ {
		s := startMs + int64(i)*segMs
		p := filepath.Join(dir, fmt.Sprintf("%d-%d.ts", s, s+segMs))
		if err := os.WriteFile(p, bytes.Repeat([]byte{byte(i)}, 188), 0o644); err != nil {
			t.Fatalf("write segment %s: %v", p, err)
		}
	}
	return root
}

// signalingServer answers every offer and counts open negotiated streams.
type signalingServer struct {
	*httptest.Server
	opened atomic.Int64
	active atomic.Int64
}

func newSignalingServer(t *testing.T) *signalingServer {
	t.Helper()
	s := &signalingServer{}
	up := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var offer transport.Message
		if err := conn.ReadJSON(&offer); err != nil {
			return
		}
		if err := conn.WriteJSON(transport.Message{Type: "answer", Key: offer.Key, SDP: "v=0 answer"}); err != nil {
			return
		}
		s.opened.Add(1)
		s.active.Add(1)
		defer s.active.Add(-1)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *signalingServer) wsURL() string { return "ws" + strings.TrimPrefix(s.URL, "http") }

func newServerWithConfig(t *testing.T, cfg manager.ManagerConfig) (*httptest.Server, *manager.Manager) {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	cfg.Timeline.PollInterval = 10 * time.Millisecond
	mgr := manager.NewWithConfig(cfg)
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Shutdown(context.Background())
	})
	return srv, mgr
}

func archiveConfig(t *testing.T, root string) manager.ManagerConfig {
	t.Helper()
	idx, err := registry.NewDirIndex(root)
	if err != nil {
		t.Fatalf("archive index: %v", err)
	}
	return manager.ManagerConfig{
		Source:     segments.NewFetcher(idx, idx, zerolog.Nop()),
		ArchiveDir: root,
	}
}

func httpDo(t *testing.T, method, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func createSession(t *testing.T, base string, req types.CreateSessionRequest) types.SessionStatus {
	t.Helper()
	payload, _ := json.Marshal(req)
	resp, body := httpDo(t, http.MethodPost, base+"/sessions", payload)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create %d %s", resp.StatusCode, string(body))
	}
	var st types.SessionStatus
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("create json: %v body=%s", err, string(body))
	}
	return st
}

// waitSession polls GET /sessions/{id} until ok returns true.
func waitSession(t *testing.T, base, id string, ok func(types.SessionStatus) bool) types.SessionStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, body := httpDo(t, http.MethodGet, base+"/sessions/"+id, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get session %d %s", resp.StatusCode, string(body))
		}
		var st types.SessionStatus
		if err := json.Unmarshal(body, &st); err != nil {
			t.Fatalf("session json: %v", err)
		}
		if ok(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s never reached the expected state; last=%+v", id, st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
