package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/octaskly/octaskly/pkg/auth"
	"github.com/octaskly/octaskly/pkg/dispatchererr"
	"github.com/octaskly/octaskly/pkg/metrics"
)

// requireAuth wraps handler with bearer-token verification and a
// permission check. If full is held, ownOnly is false; if only own is
// held (and own is non-empty), ownOnly is true; otherwise the request is
// rejected with Forbidden.
func (s *Server) requireAuth(full, own auth.Permission, handler authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeLabel(r.URL.Path)

		token, err := bearerToken(r)
		if err != nil {
			s.observe(r.Method, route, http.StatusUnauthorized, start)
			writeError(w, err)
			return
		}

		claims, err := s.verifier.Verify(token)
		if err != nil {
			s.observe(r.Method, route, http.StatusUnauthorized, start)
			writeError(w, err)
			return
		}

		ownOnly := false
		switch {
		case claims.HasPermission(full):
			ownOnly = false
		case own != "" && claims.HasPermission(own):
			ownOnly = true
		default:
			err := dispatchererr.New(dispatchererr.Forbidden, "role lacks required permission")
			s.observe(r.Method, route, http.StatusForbidden, start)
			writeError(w, err)
			return
		}

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rw, r, claims, ownOnly)
		s.observe(r.Method, route, rw.status, start)
	})
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", dispatchererr.New(dispatchererr.Unauthenticated, "missing bearer token")
	}
	return strings.TrimPrefix(h, "Bearer "), nil
}

// statusRecorder captures the status code written by a handler for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) observe(method, route string, status int, start time.Time) {
	metrics.APIRequestsTotal.WithLabelValues(method, route, http.StatusText(status)).Inc()
	metrics.APIRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
}

// routeLabel collapses a path with a dynamic task id segment into a
// cardinality-bounded metrics label.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/v1/tasks/") {
		return "/api/v1/tasks/{id}"
	}
	return path
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	envelope := dispatchererr.EnvelopeFor(err)
	writeJSON(w, envelope.Status, envelope)
}

func overloadedErr(msg string) error {
	return dispatchererr.New(dispatchererr.Overloaded, msg)
}
