package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"e2ee-messages/internal/authz"
	"e2ee-messages/internal/domain"
	"e2ee-messages/internal/envelope"
	obsmw "e2ee-messages/internal/observability/middleware"
	"e2ee-messages/internal/retention"
	"e2ee-messages/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxBodyBytes = 2*service.MaxPlaintextBytes + 4096

type sendRequest struct {
	RecipientID string `json:"recipient_id"`
	Plaintext   string `json:"plaintext"`
}

// []byte fields are rendered as standard base64 by encoding/json.
type messageResponse struct {
	ID               string    `json:"id"`
	SenderID         string    `json:"sender_id"`
	RecipientID      string    `json:"recipient_id"`
	EncryptedContent []byte    `json:"encrypted_content"`
	EncryptedKey     []byte    `json:"encrypted_key"`
	IV               []byte    `json:"iv"`
	Read             bool      `json:"read"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	Content          *string   `json:"content,omitempty"`
	Status           string    `json:"status,omitempty"`
}

type conversationResponse struct {
	Messages    []messageResponse `json:"messages"`
	TotalPages  int               `json:"total_pages"`
	CurrentPage int               `json:"current_page"`
}

type summaryResponse struct {
	CounterpartID      string    `json:"counterpart_id"`
	LastMessageID      string    `json:"last_message_id"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastMessageStatus  string    `json:"last_message_status"`
	LastMessageAt      time.Time `json:"last_message_at"`
	UnreadCount        int64     `json:"unread_count"`
}

type markReadRequest struct {
	IDs []string `json:"ids"`
}

type markReadResponse struct {
	Updated int64 `json:"updated"`
}

type retentionRequest struct {
	Period string `json:"period"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func toMessageResponse(m domain.Message) messageResponse {
	return messageResponse{
		ID:               m.ID.String(),
		SenderID:         m.SenderID.String(),
		RecipientID:      m.RecipientID.String(),
		EncryptedContent: m.EncryptedContent,
		EncryptedKey:     m.EncryptedKey,
		IV:               m.IV,
		Read:             m.Read,
		CreatedAt:        m.CreatedAt,
		ExpiresAt:        m.ExpiresAt,
	}
}

func toOpenedResponse(m domain.OpenedMessage) messageResponse {
	resp := toMessageResponse(m.Message)
	resp.Status = string(m.Status)
	if m.Status != domain.ContentSent {
		content := m.Content
		resp.Content = &content
	}
	return resp
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	self, ok := subject(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid recipient_id")
		return
	}
	msg, err := h.svc.Send(r.Context(), self, recipientID, req.Plaintext)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (h *Handler) handleConversation(w http.ResponseWriter, r *http.Request) {
	self, ok := subject(w, r)
	if !ok {
		return
	}
	counterpartID, err := uuid.Parse(chi.URLParam(r, "counterpartID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid counterpart id")
		return
	}
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid page")
		return
	}
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid page_size")
		return
	}

	conv, err := h.svc.GetConversation(r.Context(), self, counterpartID, page, pageSize)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	resp := conversationResponse{
		Messages:    make([]messageResponse, 0, len(conv.Messages)),
		TotalPages:  conv.TotalPages,
		CurrentPage: conv.CurrentPage,
	}
	for _, m := range conv.Messages {
		resp.Messages = append(resp.Messages, toOpenedResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	self, ok := subject(w, r)
	if !ok {
		return
	}
	summaries, err := h.svc.GetRecentConversations(r.Context(), self)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	resp := make([]summaryResponse, 0, len(summaries))
	for _, s := range summaries {
		resp = append(resp, summaryResponse{
			CounterpartID:      s.CounterpartID.String(),
			LastMessageID:      s.LastMessageID.String(),
			LastMessagePreview: s.LastMessagePreview,
			LastMessageStatus:  string(s.LastMessageStatus),
			LastMessageAt:      s.LastMessageAt,
			UnreadCount:        s.UnreadCount,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	self, ok := subject(w, r)
	if !ok {
		return
	}
	var req markReadRequest
	if !decode(w, r, &req) {
		return
	}
	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid message id")
			return
		}
		ids = append(ids, id)
	}
	n, err := h.svc.MarkAsRead(r.Context(), ids, self)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{Updated: n})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	self, ok := subject(w, r)
	if !ok {
		return
	}
	messageID, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid message id")
		return
	}
	if err := h.svc.DeleteMessage(r.Context(), messageID, self); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRetention(w http.ResponseWriter, r *http.Request) {
	self, ok := subject(w, r)
	if !ok {
		return
	}
	var req retentionRequest
	if !decode(w, r, &req) {
		return
	}
	period, err := retention.ParsePeriod(req.Period)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	n, err := h.svc.UpdateRetention(r.Context(), self, period)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	obsmw.Logger(r.Context()).Info("retention updated", "party_id", self, "period", period, "restamped", n)
	w.WriteHeader(http.StatusNoContent)
}

func subject(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := authz.SubjectFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, r, http.StatusBadRequest, "bad request")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidParty), errors.Is(err, domain.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, envelope.ErrKeyFormat):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		obsmw.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "status", status, "error", err)
		msg = "message not sent, retry"
		if r.Method != http.MethodPost || r.URL.Path != "/v1/messages" {
			msg = http.StatusText(status)
		}
	}
	writeError(w, r, status, msg)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, RequestID: obsmw.RequestIDFromContext(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
