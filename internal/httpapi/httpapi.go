// Package httpapi serves the opwarden API as REST over HTTP, plus a
// websocket stream of bus events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ppiankov/opwarden/internal/anomaly"
	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/auth"
	"github.com/ppiankov/opwarden/internal/engine"
	"github.com/ppiankov/opwarden/internal/eventbus"
	"github.com/ppiankov/opwarden/internal/permission"
	"github.com/ppiankov/opwarden/internal/taskspec"
)

const maxBodyBytes = 1 << 20

// Subscriber is the part of the event bus the stream needs.
type Subscriber interface {
	Subscribe(buffer int) chan eventbus.Event
	Unsubscribe(ch chan eventbus.Event)
}

// Server is the REST front end.
type Server struct {
	svc    *api.Service
	events Subscriber
	logger *slog.Logger
	secret []byte
	router chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithTokenSecret requires an HS256 bearer token signed with secret on
// every /v1 route. An empty secret leaves the API open.
func WithTokenSecret(secret string) Option {
	return func(s *Server) { s.secret = []byte(secret) }
}

// New builds the router. events may be nil, which disables /v1/stream.
func New(svc *api.Service, events Subscriber, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, events: events, logger: logger}
	for _, o := range opts {
		o(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(limitBody)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		if len(s.secret) > 0 {
			r.Use(auth.Middleware(s.secret))
		}
		r.Post("/check", handle(s, (*api.Service).Check, nil))
		r.Post("/outcome", handle(s, (*api.Service).RecordOutcome, nil))

		r.Get("/permissions", handle(s, (*api.Service).ListPermissions, func(r *http.Request, req *api.ListPermissionsRequest) error {
			q := r.URL.Query()
			req.SubjectID = q.Get("subject_id")
			req.ActiveOnly = q.Get("active") == "true"
			return nil
		}))
		r.Post("/permissions", handle(s, (*api.Service).Grant, nil))
		r.Delete("/permissions/{id}", handle(s, (*api.Service).Revoke, func(r *http.Request, req *api.RevokeRequest) error {
			req.ID = chi.URLParam(r, "id")
			req.Reason = r.URL.Query().Get("reason")
			return nil
		}))

		r.Get("/overrides", handle(s, (*api.Service).ListOverrides, nil))
		r.Put("/overrides", handle(s, (*api.Service).SetOverride, nil))
		r.Delete("/overrides", handle(s, (*api.Service).RemoveOverride, nil))

		r.Get("/trust", handle(s, (*api.Service).Trust, func(r *http.Request, req *api.TrustRequest) error {
			q := r.URL.Query()
			req.Operation = q.Get("operation")
			req.Target = q.Get("target")
			req.AgentID = q.Get("agent_id")
			return nil
		}))
		r.Post("/trust", handle(s, (*api.Service).Trust, nil))

		r.Get("/tasks", handle(s, (*api.Service).ListTasks, func(r *http.Request, req *api.ListTasksRequest) error {
			req.SubjectID = r.URL.Query().Get("subject_id")
			return nil
		}))
		r.Post("/tasks", handle(s, (*api.Service).CreateTask, nil))
		r.Post("/tasks/{id}/{action}", handle(s, (*api.Service).TaskAction, func(r *http.Request, req *api.TaskActionRequest) error {
			req.ID = chi.URLParam(r, "id")
			req.Action = chi.URLParam(r, "action")
			return nil
		}))

		r.Get("/audit", handle(s, (*api.Service).QueryAudit, func(r *http.Request, req *api.AuditQueryRequest) error {
			q := r.URL.Query()
			req.Event = q.Get("event")
			req.Result = q.Get("result")
			req.Operation = q.Get("operation")
			req.AgentID = q.Get("agent_id")
			req.From = q.Get("from")
			req.To = q.Get("to")
			return intParam(q.Get("limit"), &req.Limit)
		}))
		r.Get("/audit/verify", handle(s, (*api.Service).VerifyAudit, nil))

		r.Post("/halt", handle(s, (*api.Service).Halt, nil))
		r.Post("/resume", handle(s, (*api.Service).Resume, nil))
		r.Get("/status", handle(s, (*api.Service).Status, nil))

		r.Get("/anomalies", handle(s, (*api.Service).Anomalies, func(r *http.Request, req *api.AnomalyListRequest) error {
			req.PendingOnly = r.URL.Query().Get("pending") == "true"
			return nil
		}))
		r.Post("/anomalies/{id}/review", handle(s, (*api.Service).ReviewAnomaly, func(r *http.Request, req *api.ReviewRequest) error {
			req.ID = chi.URLParam(r, "id")
			return nil
		}))
		r.Post("/detector/resume", handle(s, (*api.Service).ResumeDetector, nil))

		r.Get("/suggestions", handle(s, (*api.Service).Suggest, func(r *http.Request, req *api.SuggestRequest) error {
			q := r.URL.Query()
			req.Window = q.Get("window")
			return intParam(q.Get("min_approvals"), &req.MinApprovals)
		}))

		if s.events != nil {
			r.Get("/stream", s.stream)
		}
	})
	return r
}

// handle adapts a service method. Bodies are decoded for methods that
// carry one; fill then layers path and query parameters on top.
func handle[Req, Resp any](s *Server, fn func(*api.Service, context.Context, Req) (Resp, error), fill func(*http.Request, *Req) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if r.Method != http.MethodGet && r.ContentLength != 0 {
			dec := json.NewDecoder(r.Body)
			dec.DisallowUnknownFields()
			if err := dec.Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
				return
			}
		}
		if fill != nil {
			if err := fill(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		resp, err := fn(s.svc, r.Context(), req)
		if err != nil {
			code := statusFor(err)
			if code == http.StatusInternalServerError {
				s.logger.Error("http request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			}
			writeError(w, code, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func intParam(raw string, dst *int) error {
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid integer %q", raw)
	}
	*dst = n
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, permission.ErrNotFound), errors.Is(err, taskspec.ErrNotFound), errors.Is(err, anomaly.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, taskspec.ErrTransition), errors.Is(err, engine.ErrNoMatchingCheck):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
