package middleware

import (
	"net/http"

	"provisioner/pkg/observability"
)

// Trace opens one trace segment per request and closes it when the handler
// returns. A nil tracer disables tracing, which is how local and test hosts
// run.
func Trace(tracer *observability.Tracer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tracer == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx, seg := tracer.StartSegment(r.Context(), r.Method+" "+r.URL.Path)
			defer seg.Close(nil)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
