// Package authz resolves the caller's party id from an HS256 bearer token.
package authz

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"e2ee-messages/internal/keyring"
	"e2ee-messages/internal/observability/metrics"
	obsmw "e2ee-messages/internal/observability/middleware"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// PrivateKeyHeader carries the caller's own serialized private key for
// decrypt-on-read. It lives only in the request context.
const PrivateKeyHeader = "X-Private-Key"

type HMACValidator struct {
	secret []byte
	issuer string
}

func NewHMACValidator(secret, issuer string) *HMACValidator {
	return &HMACValidator{
		secret: []byte(secret),
		issuer: issuer,
	}
}

func (h *HMACValidator) parse(raw string) (uuid.UUID, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if h.issuer != "" {
		opts = append(opts, jwt.WithIssuer(h.issuer))
	}
	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return h.secret, nil
	}, opts...); err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(claims.Subject)
}

func (h *HMACValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := "success"
		defer func() { metrics.AuthenticationAttemptsTotal.WithLabelValues(result).Inc() }()
		reqID := obsmw.RequestIDFromContext(r.Context())

		raw := r.Header.Get("Authorization")
		if len(raw) < len("Bearer ") || !strings.EqualFold(raw[:len("Bearer ")], "bearer ") {
			result = "failure"
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			slog.Warn("auth missing bearer", "request_id", reqID)
			return
		}

		sub, err := h.parse(strings.TrimSpace(raw[len("Bearer "):]))
		if err != nil || sub == uuid.Nil {
			result = "failure"
			http.Error(w, "invalid token", http.StatusUnauthorized)
			slog.Warn("auth invalid token", "error", err, "request_id", reqID)
			return
		}

		ctx := contextWithSubject(r.Context(), sub)
		if key := r.Header.Get(PrivateKeyHeader); key != "" {
			ctx = keyring.WithSessionKey(ctx, sub, key)
		}
		slog.Debug("auth passed", "subject", sub, "request_id", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type subjectKey struct{}

func contextWithSubject(ctx context.Context, sub uuid.UUID) context.Context {
	return context.WithValue(ctx, subjectKey{}, sub)
}

func SubjectFrom(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(subjectKey{}).(uuid.UUID)
	return v, ok && v != uuid.Nil
}
