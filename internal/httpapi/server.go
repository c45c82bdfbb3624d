package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"viewd/internal/manager"
	"viewd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	CreateSession(ctx context.Context, req types.CreateSessionRequest) (types.SessionStatus, error)
	ListSessions() []types.SessionStatus
	GetSession(id string) (types.SessionStatus, error)
	Play(ctx context.Context, id string, epochMs *int64) (types.SessionStatus, error)
	Pause(id string) (types.SessionStatus, error)
	Seek(ctx context.Context, id string, epochMs int64) (types.SessionStatus, error)
	Stop(id string) (types.SessionStatus, error)
	DestroySession(id string) error
	Status() types.StatusResponse
	Subscribe(buffer int) (<-chan manager.Event, func())
	Ready() bool
}

// eventBuffer is the per-stream channel size for /events.
const eventBuffer = 64

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		origins, methods, headers := corsDefaults()
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: methods,
			AllowedHeaders: headers,
			ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
			MaxAge:         300,
		}))
	}
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, types.SessionsResponse{Sessions: svc.ListSessions()})
		})

		create := r
		if mw := createLimiter(); mw != nil {
			create = r.With(mw)
		}
		create.Post("/", func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			var req types.CreateSessionRequest
			if status, ok := decodeJSON(w, r, &req, true); !ok {
				logRequestEnd(r, "create", status, start, nil)
				return
			}
			st, err := svc.CreateSession(r.Context(), req)
			if err != nil {
				logRequestEnd(r, "create", writeServiceError(w, err), start, err)
				return
			}
			writeJSON(w, http.StatusCreated, st)
			logRequestEnd(r, "create", http.StatusCreated, start, nil)
		})

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				st, err := svc.GetSession(chi.URLParam(r, "id"))
				if err != nil {
					writeServiceError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, st)
			})

			r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
				start := time.Now()
				if err := svc.DestroySession(chi.URLParam(r, "id")); err != nil {
					logRequestEnd(r, "destroy", writeServiceError(w, err), start, err)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				logRequestEnd(r, "destroy", http.StatusNoContent, start, nil)
			})

			r.Post("/play", func(w http.ResponseWriter, r *http.Request) {
				var req types.PlayRequest
				if status, ok := decodeJSON(w, r, &req, false); !ok {
					logRequestEnd(r, "play", status, time.Now(), nil)
					return
				}
				runOp(w, r, "play", func(ctx context.Context, id string) (types.SessionStatus, error) {
					return svc.Play(ctx, id, req.EpochMs)
				})
			})

			r.Post("/seek", func(w http.ResponseWriter, r *http.Request) {
				var req types.SeekRequest
				if status, ok := decodeJSON(w, r, &req, true); !ok {
					logRequestEnd(r, "seek", status, time.Now(), nil)
					return
				}
				runOp(w, r, "seek", func(ctx context.Context, id string) (types.SessionStatus, error) {
					return svc.Seek(ctx, id, req.EpochMs)
				})
			})

			r.Post("/pause", func(w http.ResponseWriter, r *http.Request) {
				runOp(w, r, "pause", func(_ context.Context, id string) (types.SessionStatus, error) {
					return svc.Pause(id)
				})
			})

			r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
				runOp(w, r, "stop", func(_ context.Context, id string) (types.SessionStatus, error) {
					return svc.Stop(id)
				})
			})
		})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		serveEvents(w, r, svc)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// decodeJSON reads a JSON body into v. An empty body is accepted when
// required is false. On failure the error response is already written.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, required bool) (int, bool) {
	if !required && r.ContentLength == 0 {
		return 0, true
	}
	// Content-Type check
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return http.StatusUnsupportedMediaType, false
	}
	// Limit body size (configurable, default 1MiB)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if !required && errors.Is(err, io.EOF) {
			return 0, true
		}
		// Oversized bodies are reported as 400 too; the limit is not disclosed.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return http.StatusBadRequest, false
	}
	return 0, true
}

// runOp executes a per-session operation and writes the resulting status.
func runOp(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id string) (types.SessionStatus, error)) {
	start := time.Now()
	ctx, cancel := operationContext(r)
	defer cancel()
	st, err := fn(ctx, chi.URLParam(r, "id"))
	if err != nil {
		// Client went away; nobody is listening for the answer.
		if r.Context().Err() != nil {
			logRequestEnd(r, op, 499, start, err)
			return
		}
		logRequestEnd(r, op, writeServiceError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
	logRequestEnd(r, op, http.StatusOK, start, nil)
}

// serveEvents streams lifecycle events as server-sent events until the
// client disconnects or the server shuts down.
func serveEvents(w http.ResponseWriter, r *http.Request, svc Service) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	events, dispose := svc.Subscribe(eventBuffer)
	defer dispose()
	eventStreams.Inc()
	defer eventStreams.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	out := io.Writer(w)
	if requestLogLevel(r) >= LevelDebug {
		out = io.MultiWriter(w, &loggingLineWriter{prefix: "events"})
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			msg := types.EventMessage{
				Name:       e.Name,
				SessionID:  e.SessionID,
				Fields:     e.Fields,
				TimeUnixMs: e.Time.UnixMilli(),
			}
			b, err := json.Marshal(msg)
			if err != nil {
				logger().Warn().Err(err).Str("event", e.Name).Msg("event=encode_failed")
				continue
			}
			if _, err := fmt.Fprintf(out, "event: %s\ndata: %s\n\n", e.Name, b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
