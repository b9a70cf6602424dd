// Package conversation assembles conversation pages and per-counterpart
// summaries, decrypting only the messages it hands back.
package conversation

import (
	"context"
	"log/slog"

	"e2ee-messages/internal/domain"
	"e2ee-messages/internal/envelope"
	"e2ee-messages/internal/keyring"
	"e2ee-messages/internal/observability/metrics"
	"e2ee-messages/internal/store"

	"github.com/google/uuid"
)

type MessageReader interface {
	FindConversation(ctx context.Context, a, b uuid.UUID, page, pageSize int) ([]domain.Message, int64, error)
	FindRecentPerCounterpart(ctx context.Context, userID uuid.UUID) ([]store.RecentThread, error)
}

type Decrypter interface {
	ImportPrivateKey(serialized string) (envelope.PrivateKey, error)
	DecryptMessage(s envelope.Sealed, holder envelope.PrivateKey) (string, error)
}

type Aggregator struct {
	messages MessageReader
	crypto   Decrypter
	keys     keyring.Resolver
}

func New(messages MessageReader, crypto Decrypter, keys keyring.Resolver) *Aggregator {
	return &Aggregator{messages: messages, crypto: crypto, keys: keys}
}

// GetConversation returns one page of the thread between selfID and
// counterpartID, oldest first. A message that fails to decrypt is replaced by
// a placeholder; the page itself still succeeds.
func (a *Aggregator) GetConversation(ctx context.Context, selfID, counterpartID uuid.UUID, page, pageSize int) (domain.ConversationPage, error) {
	msgs, total, err := a.messages.FindConversation(ctx, selfID, counterpartID, page, pageSize)
	if err != nil {
		return domain.ConversationPage{}, err
	}
	metrics.MessageHistoryFetchedTotal.WithLabelValues("conversation").Inc()

	op := a.newOpener(ctx, selfID, "conversation")
	defer op.close()

	out := make([]domain.OpenedMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, op.open(msg))
	}
	return domain.ConversationPage{
		Messages:    out,
		TotalPages:  totalPages(total, pageSize),
		CurrentPage: page,
	}, nil
}

// GetRecentConversations returns one summary per counterpart, most recent
// first. The store matches and groups; only the latest message of each group
// is decrypted here.
func (a *Aggregator) GetRecentConversations(ctx context.Context, selfID uuid.UUID) ([]domain.ConversationSummary, error) {
	threads, err := a.messages.FindRecentPerCounterpart(ctx, selfID)
	if err != nil {
		return nil, err
	}
	metrics.MessageHistoryFetchedTotal.WithLabelValues("recent").Inc()

	op := a.newOpener(ctx, selfID, "recent")
	defer op.close()

	out := make([]domain.ConversationSummary, 0, len(threads))
	for _, th := range threads {
		opened := op.open(th.Last)
		preview := opened.Content
		if opened.Status == domain.ContentSent {
			preview = domain.SentPreviewPlaceholder
		}
		out = append(out, domain.ConversationSummary{
			CounterpartID:      th.CounterpartID,
			LastMessageID:      th.Last.ID,
			LastMessagePreview: preview,
			LastMessageStatus:  opened.Status,
			LastMessageAt:      th.Last.CreatedAt,
			UnreadCount:        th.Unread,
		})
	}
	return out, nil
}

func totalPages(total int64, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}

// opener decrypts messages for a single holder. The holder key is resolved on
// first use and wiped by close.
type opener struct {
	ctx      context.Context
	self     uuid.UUID
	scope    string
	crypto   Decrypter
	keys     keyring.Resolver
	holder   envelope.PrivateKey
	resolved bool
	usable   bool
}

func (a *Aggregator) newOpener(ctx context.Context, self uuid.UUID, scope string) *opener {
	return &opener{ctx: ctx, self: self, scope: scope, crypto: a.crypto, keys: a.keys}
}

func (o *opener) open(msg domain.Message) domain.OpenedMessage {
	if msg.RecipientID != o.self {
		return domain.OpenedMessage{Message: msg, Status: domain.ContentSent}
	}
	if !o.holderKey() {
		return o.undecryptable(msg)
	}
	plaintext, err := o.crypto.DecryptMessage(envelope.Sealed{
		Content: msg.EncryptedContent,
		Key:     msg.EncryptedKey,
		IV:      msg.IV,
	}, o.holder)
	if err != nil {
		slog.Warn("message could not be decrypted", "message_id", msg.ID, "holder_id", o.self, "error", err)
		return o.undecryptable(msg)
	}
	return domain.OpenedMessage{Message: msg, Content: plaintext, Status: domain.ContentDecrypted}
}

func (o *opener) undecryptable(msg domain.Message) domain.OpenedMessage {
	metrics.DecryptFailuresTotal.WithLabelValues(o.scope).Inc()
	return domain.OpenedMessage{Message: msg, Content: domain.UndecryptablePlaceholder, Status: domain.ContentUndecryptable}
}

func (o *opener) holderKey() bool {
	if o.resolved {
		return o.usable
	}
	o.resolved = true
	if o.keys == nil {
		return false
	}
	serialized, err := o.keys.PrivateKey(o.ctx, o.self)
	if err != nil {
		slog.Debug("no holder key for decryption", "holder_id", o.self, "error", err)
		return false
	}
	key, err := o.crypto.ImportPrivateKey(serialized)
	if err != nil {
		slog.Warn("holder key rejected", "holder_id", o.self, "error", err)
		return false
	}
	o.holder = key
	o.usable = true
	return true
}

func (o *opener) close() {
	o.holder.Wipe()
}
