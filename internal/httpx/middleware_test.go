package httpx

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLogRequestsRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := LogRequests(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short"))
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req.Header.Set("X-Private-Key", "do-not-log")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["status"] != float64(http.StatusTeapot) || entry["bytes"] != float64(5) {
		t.Fatalf("unexpected entry %v", entry)
	}
	if bytes.Contains(buf.Bytes(), []byte("do-not-log")) {
		t.Fatalf("header value leaked into log")
	}
}
