package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"viewd/internal/manager"
	"viewd/internal/pool"
	"viewd/internal/session"
	"viewd/pkg/types"
)

type failingOpener struct{}

func (failingOpener) Open(ctx context.Context, key string) (pool.Handle, error) {
	return nil, errors.New("offer rejected")
}
func (failingOpener) Close(key string, h pool.Handle) error { return nil }

func newManager(t *testing.T, cfg manager.ManagerConfig) *manager.Manager {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	cfg.Timeline.PollInterval = 5 * time.Millisecond
	m := manager.NewWithConfig(cfg)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func createID(t *testing.T, h http.Handler, body string) string {
	t.Helper()
	w := do(t, h, http.MethodPost, "/sessions", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", w.Code, w.Body.String())
	}
	i := strings.Index(w.Body.String(), `"id":"`)
	if i < 0 {
		t.Fatalf("no id in %s", w.Body.String())
	}
	rest := w.Body.String()[i+6:]
	return rest[:strings.IndexByte(rest, '"')]
}

func TestAdmissionDenied_Returns429WithRetryAfter(t *testing.T) {
	SetRetryAfterSeconds(3)
	t.Cleanup(func() { SetRetryAfterSeconds(0) })
	m := newManager(t, manager.ManagerConfig{Ceilings: map[types.SessionKind]int{types.KindPlayback: 0}})
	r := NewMux(m)
	id := createID(t, r, `{"kind":"playback","camera_id":"camA","start_epoch_ms":1700000000000}`)

	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("admission"))
	w := do(t, r, http.MethodPost, "/sessions/"+id+"/play", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Retry-After"); got != "3" {
		t.Fatalf("Retry-After=%q", got)
	}
	if after := testutil.ToFloat64(backpressureTotal.WithLabelValues("admission")); after != before+1 {
		t.Fatalf("backpressure counter %v -> %v", before, after)
	}
}

func TestSessionLimit_Returns429(t *testing.T) {
	m := newManager(t, manager.ManagerConfig{MaxSessions: 1})
	r := NewMux(m)
	_ = createID(t, r, `{"kind":"live_grid","camera_id":"camA"}`)
	w := do(t, r, http.MethodPost, "/sessions", `{"kind":"live_grid","camera_id":"camB"}`)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("status=%d retry-after=%q", w.Code, w.Header().Get("Retry-After"))
	}
}

func TestInvalidRequest_Returns400(t *testing.T) {
	r := NewMux(newManager(t, manager.ManagerConfig{}))
	if w := do(t, r, http.MethodPost, "/sessions", `{"kind":"bogus","camera_id":"camA"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestSetupFailure_Returns503(t *testing.T) {
	m := newManager(t, manager.ManagerConfig{Opener: failingOpener{}})
	r := NewMux(m)
	id := createID(t, r, `{"kind":"live_full","camera_id":"camA"}`)
	w := do(t, r, http.MethodPost, "/sessions/"+id+"/play", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestDraining_Returns503(t *testing.T) {
	m := newManager(t, manager.ManagerConfig{})
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	w := do(t, NewMux(m), http.MethodPost, "/sessions", `{"kind":"live_grid","camera_id":"camA"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestUnknownSession_Returns404(t *testing.T) {
	r := NewMux(newManager(t, manager.ManagerConfig{}))
	for _, path := range []string{"/sessions/nope/play", "/sessions/nope/stop"} {
		if w := do(t, r, http.MethodPost, path, ""); w.Code != http.StatusNotFound {
			t.Fatalf("%s status=%d", path, w.Code)
		}
	}
	if w := do(t, r, http.MethodDelete, "/sessions/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("delete status=%d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{session.ErrDestroyed, http.StatusGone},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{mockHTTPError{msg: "teapot", code: http.StatusTeapot}, http.StatusTeapot},
		{manager.ErrDependencyUnavailable("draining"), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got, _ := statusFor(c.err); got != c.want {
			t.Fatalf("statusFor(%v)=%d want %d", c.err, got, c.want)
		}
	}
}

func TestServiceError_MappedByHandler(t *testing.T) {
	svc := newMockService()
	svc.err = mockHTTPError{msg: "teapot", code: http.StatusTeapot}
	if w := do(t, NewMux(svc), http.MethodPost, "/sessions/s1/pause", ""); w.Code != http.StatusTeapot {
		t.Fatalf("status=%d", w.Code)
	}
	svc.err = session.ErrDestroyed
	if w := do(t, NewMux(svc), http.MethodPost, "/sessions/s1/seek", `{"epoch_ms":1}`); w.Code != http.StatusGone {
		t.Fatalf("status=%d", w.Code)
	}
}
