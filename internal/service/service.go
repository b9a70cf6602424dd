package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"e2ee-messages/internal/conversation"
	"e2ee-messages/internal/domain"
	"e2ee-messages/internal/envelope"
	"e2ee-messages/internal/keyring"
	"e2ee-messages/internal/observability/metrics"
	"e2ee-messages/internal/retention"

	"github.com/google/uuid"
)

const MaxPlaintextBytes = 64 << 10

type MessageStore interface {
	conversation.MessageReader
	retention.Restamper
	Create(ctx context.Context, msg *domain.Message) error
	MarkRead(ctx context.Context, ids []uuid.UUID, recipientID uuid.UUID) (int64, error)
	Delete(ctx context.Context, id, requesterID uuid.UUID) error
}

// PartyDirectory is the identity collaborator. It owns key issuance and the
// retention setting; the messaging core only reads keys and records periods.
type PartyDirectory interface {
	retention.Directory
	GetParty(ctx context.Context, id uuid.UUID) (domain.Party, error)
}

type Crypto interface {
	conversation.Decrypter
	ImportPublicKey(serialized string) (envelope.PublicKey, error)
	EncryptMessage(plaintext string, recipient envelope.PublicKey) (envelope.Sealed, error)
}

type Deps struct {
	Messages MessageStore
	Parties  PartyDirectory
	Crypto   Crypto
	Keys     keyring.Resolver
}

type Options struct {
	// OpTimeout bounds every public operation; zero leaves the caller's
	// context untouched.
	OpTimeout       time.Duration
	PageSizeDefault int
	PageSizeMax     int
	Now             func() time.Time
}

type Service struct {
	messages MessageStore
	parties  PartyDirectory
	crypto   Crypto
	policy   *retention.Manager
	convo    *conversation.Aggregator

	now             func() time.Time
	opTimeout       time.Duration
	pageSizeDefault int
	pageSizeMax     int
}

func New(deps Deps, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PageSizeMax <= 0 {
		opts.PageSizeMax = 100
	}
	if opts.PageSizeDefault <= 0 || opts.PageSizeDefault > opts.PageSizeMax {
		opts.PageSizeDefault = min(20, opts.PageSizeMax)
	}
	return &Service{
		messages:        deps.Messages,
		parties:         deps.Parties,
		crypto:          deps.Crypto,
		policy:          retention.NewManager(deps.Parties, deps.Messages),
		convo:           conversation.New(deps.Messages, deps.Crypto, deps.Keys),
		now:             opts.Now,
		opTimeout:       opts.OpTimeout,
		pageSizeDefault: opts.PageSizeDefault,
		pageSizeMax:     opts.PageSizeMax,
	}
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Send encrypts plaintext for recipientID and stores the envelope. The
// returned message holds ciphertext only; the sender cannot read it back.
func (s *Service) Send(ctx context.Context, senderID, recipientID uuid.UUID, plaintext string) (domain.Message, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	msg, err := s.send(ctx, senderID, recipientID, plaintext)
	switch {
	case err == nil:
		metrics.MessagesSentTotal.WithLabelValues("success").Inc()
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidParty):
		metrics.MessagesSentTotal.WithLabelValues("rejected").Inc()
	default:
		metrics.MessagesSentTotal.WithLabelValues("failure").Inc()
		slog.Error("message not sent", "sender_id", senderID, "recipient_id", recipientID, "error", err)
	}
	return msg, err
}

func (s *Service) send(ctx context.Context, senderID, recipientID uuid.UUID, plaintext string) (domain.Message, error) {
	if senderID == uuid.Nil || recipientID == uuid.Nil {
		return domain.Message{}, fmt.Errorf("%w: sender and recipient are required", domain.ErrInvalidRequest)
	}
	if senderID == recipientID {
		return domain.Message{}, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, ErrSelfMessage)
	}
	if plaintext == "" {
		return domain.Message{}, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, ErrEmptyPlaintext)
	}
	if len(plaintext) > MaxPlaintextBytes {
		return domain.Message{}, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, ErrPlaintextTooLong)
	}

	if _, err := s.parties.GetParty(ctx, senderID); err != nil {
		return domain.Message{}, fmt.Errorf("sender: %w", err)
	}
	recipient, err := s.parties.GetParty(ctx, recipientID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("recipient: %w", err)
	}

	pub, err := s.crypto.ImportPublicKey(recipient.PublicKey)
	if err != nil {
		return domain.Message{}, fmt.Errorf("recipient key: %w", err)
	}
	sealed, err := s.crypto.EncryptMessage(plaintext, pub)
	if err != nil {
		return domain.Message{}, fmt.Errorf("encrypt: %w", err)
	}

	createdAt := s.now().UTC().Truncate(time.Microsecond)
	msg := domain.Message{
		SenderID:         senderID,
		RecipientID:      recipientID,
		EncryptedContent: sealed.Content,
		EncryptedKey:     sealed.Key,
		IV:               sealed.IV,
		CreatedAt:        createdAt,
		ExpiresAt:        retention.ExpirationFor(recipient.Retention, createdAt),
	}
	if err := s.messages.Create(ctx, &msg); err != nil {
		return domain.Message{}, err
	}

	metrics.MessagesCiphertextBytes.Observe(float64(len(msg.EncryptedContent)))
	slog.Info("message stored",
		"message_id", msg.ID,
		"sender_id", senderID,
		"recipient_id", recipientID,
		"retention", recipient.Retention,
		"expires_at", msg.ExpiresAt,
		"ciphertext_bytes", len(msg.EncryptedContent),
	)
	return msg, nil
}

func (s *Service) GetConversation(ctx context.Context, selfID, counterpartID uuid.UUID, page, pageSize int) (domain.ConversationPage, error) {
	if selfID == uuid.Nil || counterpartID == uuid.Nil {
		return domain.ConversationPage{}, fmt.Errorf("%w: party ids are required", domain.ErrInvalidRequest)
	}
	if page < 0 || pageSize < 0 {
		return domain.ConversationPage{}, fmt.Errorf("%w: negative paging", domain.ErrInvalidRequest)
	}
	if page == 0 {
		page = 1
	}
	switch {
	case pageSize == 0:
		pageSize = s.pageSizeDefault
	case pageSize > s.pageSizeMax:
		pageSize = s.pageSizeMax
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.convo.GetConversation(ctx, selfID, counterpartID, page, pageSize)
}

func (s *Service) GetRecentConversations(ctx context.Context, selfID uuid.UUID) ([]domain.ConversationSummary, error) {
	if selfID == uuid.Nil {
		return nil, fmt.Errorf("%w: party id is required", domain.ErrInvalidRequest)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.convo.GetRecentConversations(ctx, selfID)
}

// MarkAsRead is idempotent. It returns how many messages changed state.
func (s *Service) MarkAsRead(ctx context.Context, ids []uuid.UUID, recipientID uuid.UUID) (int64, error) {
	if recipientID == uuid.Nil {
		return 0, fmt.Errorf("%w: recipient is required", domain.ErrInvalidRequest)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	n, err := s.messages.MarkRead(ctx, ids, recipientID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.MessagesMarkedReadTotal.Add(float64(n))
	}
	slog.Debug("messages marked read", "recipient_id", recipientID, "requested", len(ids), "updated", n)
	return n, nil
}

func (s *Service) DeleteMessage(ctx context.Context, messageID, requesterID uuid.UUID) error {
	if messageID == uuid.Nil || requesterID == uuid.Nil {
		return fmt.Errorf("%w: message and requester are required", domain.ErrInvalidRequest)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.messages.Delete(ctx, messageID, requesterID); err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			slog.Warn("delete refused", "message_id", messageID, "requester_id", requesterID)
		}
		return err
	}
	metrics.MessagesDeletedTotal.Inc()
	slog.Info("message deleted", "message_id", messageID, "requester_id", requesterID)
	return nil
}

// UpdateRetention stores the new period and re-stamps the user's inbound
// messages. It returns the number of messages re-stamped, which may be
// non-zero even when an error is returned.
func (s *Service) UpdateRetention(ctx context.Context, userID uuid.UUID, period domain.RetentionPeriod) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.policy.ApplyPolicyChange(ctx, userID, period)
}
