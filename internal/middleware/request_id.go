package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/carelink/carelink-api/internal/pkg/logger"
)

// RequestID tags each request with an id, echoed in X-Request-ID and carried
// in the context logger.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)
		r.Header.Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), requestID)))
	})
}
