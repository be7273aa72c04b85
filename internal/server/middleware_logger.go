package server

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/oklog/ulid/v2"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the id MiddlewareLogger assigned to the request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) MiddlewareLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = ulid.Make().String()
		}
		w.Header().Set("X-Request-Id", requestID)

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()

		defer func() {
			fields := map[string]any{
				"request_id": requestID,
				"method":     r.Method,
				"path":       r.URL.Path,
			}
			if recovered := recover(); recovered != nil {
				fields["panic"] = recovered
				fields["stack"] = string(debug.Stack())
				if recorder.status == 0 {
					recorder.WriteHeader(http.StatusInternalServerError)
				}
			}

			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			fields["status"] = status
			fields["duration"] = time.Since(start).String()

			if status >= http.StatusInternalServerError {
				s.logger.ErrorCtx("request", fields)
				return
			}
			s.logger.InfoCtx("request", fields)
		}()

		next.ServeHTTP(recorder, r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}
