package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// statusRecorder captures the status code a handler writes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogger tags every request with an id and logs method, path,
// status and duration. The id is echoed in the X-Request-Id header so
// clients can quote it.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Printf("%s %s %d %s id=%s", r.Method, r.URL.Path, rec.status,
			time.Since(start).Round(time.Microsecond), requestID)
	})
}
