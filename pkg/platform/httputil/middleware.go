package httputil

import (
	"net/http"

	"github.com/google/uuid"

	"breakglass/pkg/requestcontext"
)

// CorrelationID attaches a request correlation ID to the context and echoes
// it in the response. Callers that already carry one in X-Request-ID keep it
// so an operator can follow a retrieval across broker and agent logs.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(requestcontext.WithRequestID(r.Context(), id)))
	})
}
