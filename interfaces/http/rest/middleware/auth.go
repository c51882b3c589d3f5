package middleware

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"provisioner/pkg/auth"
	"provisioner/pkg/common"

	"go.uber.org/zap"
)

// AuthConfig holds the dependencies of the authentication middleware.
// Validator may be nil, in which case requests pass through with the
// "anonymous" subject; that mode is only reachable outside production
// because config validation requires a JWT secret there. The limiters are
// interfaces so single-node deploys use the in-process sliding window and
// multi-node deploys share a Redis-backed window.
type AuthConfig struct {
	Validator      *auth.JWTValidator
	IPLimiter      auth.RateLimiter
	SubjectLimiter auth.RateLimiter
	Logger         *zap.Logger
}

// Authenticate validates bearer tokens and applies per-IP and per-subject
// rate limits. The authenticated subject is stored in the request context
// for handlers and audit logging.
func Authenticate(cfg AuthConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if cfg.IPLimiter != nil {
				allowed, err := cfg.IPLimiter.Allow(ctx, clientIP(r))
				if err != nil {
					cfg.Logger.Warn("IP rate limiter error", zap.Error(err))
				}
				if !allowed {
					respondError(w, http.StatusTooManyRequests, "Rate limit exceeded")
					return
				}
			}

			subject := "anonymous"
			if cfg.Validator != nil {
				header := r.Header.Get("Authorization")
				if header == "" {
					respondError(w, http.StatusUnauthorized, "Missing authorization header")
					return
				}

				claims, err := cfg.Validator.ValidateToken(header)
				if err != nil {
					cfg.Logger.Debug("Token rejected", zap.Error(err))
					respondError(w, http.StatusUnauthorized, authFailureMessage(err))
					return
				}
				subject = claims.Subject
			}

			if cfg.SubjectLimiter != nil {
				allowed, err := cfg.SubjectLimiter.Allow(ctx, subject)
				if err != nil {
					cfg.Logger.Warn("Subject rate limiter error", zap.Error(err))
				}
				if !allowed {
					respondError(w, http.StatusTooManyRequests, "Rate limit exceeded")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(common.WithSubject(ctx, subject)))
		})
	}
}

func authFailureMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"
	case errors.Is(err, auth.ErrMissingToken):
		return "Missing token"
	default:
		return "Invalid token"
	}
}

// clientIP prefers the RealIP middleware's work and falls back to the
// connection address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   map[string]string{"message": message},
	})
}
