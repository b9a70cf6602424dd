package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-ID"
	TraceIDHeader   = "X-Trace-ID"

	maxIDLen = 128
)

type idsKey struct{}

type requestIDs struct {
	request string
	trace   string
}

// acceptID keeps a caller supplied id only when it is short printable ASCII,
// so ids can be echoed into headers and logs safely.
func acceptID(raw string) string {
	if raw == "" || len(raw) > maxIDLen {
		return uuid.NewString()
	}
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c < 0x21 || c > 0x7e {
			return uuid.NewString()
		}
	}
	return raw
}

// WithRequestAndTrace attaches request and trace ids to the context and
// echoes them on the response.
func WithRequestAndTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := requestIDs{
			request: acceptID(r.Header.Get(RequestIDHeader)),
			trace:   acceptID(r.Header.Get(TraceIDHeader)),
		}
		w.Header().Set(RequestIDHeader, ids.request)
		w.Header().Set(TraceIDHeader, ids.trace)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), idsKey{}, ids)))
	})
}

func RequestIDFromContext(ctx context.Context) string {
	ids, _ := ctx.Value(idsKey{}).(requestIDs)
	return ids.request
}

func TraceIDFromContext(ctx context.Context) string {
	ids, _ := ctx.Value(idsKey{}).(requestIDs)
	return ids.trace
}

// Logger returns the default logger annotated with the ids carried by ctx.
func Logger(ctx context.Context) *slog.Logger {
	ids, ok := ctx.Value(idsKey{}).(requestIDs)
	if !ok {
		return slog.Default()
	}
	return slog.Default().With("request_id", ids.request, "trace_id", ids.trace)
}
