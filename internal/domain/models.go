package domain

import (
	"time"

	"github.com/google/uuid"
)

// RetentionPeriod names how long a recipient keeps inbound messages.
type RetentionPeriod string

const (
	Retention1Hour   RetentionPeriod = "1h"
	Retention6Hours  RetentionPeriod = "6h"
	Retention24Hours RetentionPeriod = "24h"
	Retention7Days   RetentionPeriod = "7d"
	Retention30Days  RetentionPeriod = "30d"

	DefaultRetention = Retention7Days
)

// Party is the messaging view of an identity owned by the directory.
type Party struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	PublicKey string          `gorm:"type:text;not null"`
	Retention RetentionPeriod `gorm:"column:retention_period;type:text;not null;default:'7d'"`
	CreatedAt time.Time       `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}

// Message is a stored envelope. Plaintext never appears here.
type Message struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	SenderID         uuid.UUID `gorm:"type:uuid;not null;index:idx_messages_sender_created,priority:1"`
	RecipientID      uuid.UUID `gorm:"type:uuid;not null;index:idx_messages_recipient_created,priority:1"`
	EncryptedContent []byte    `gorm:"type:bytea;not null"`
	EncryptedKey     []byte    `gorm:"type:bytea;not null"`
	IV               []byte    `gorm:"column:iv;type:bytea;not null"`
	Read             bool      `gorm:"column:is_read;not null;default:false"`
	CreatedAt        time.Time `gorm:"not null;index:idx_messages_sender_created,priority:2;index:idx_messages_recipient_created,priority:2"`
	ExpiresAt        time.Time `gorm:"not null;index"`
}

// Counterpart returns the other side of the message as seen by self.
func (m Message) Counterpart(self uuid.UUID) uuid.UUID {
	if m.SenderID == self {
		return m.RecipientID
	}
	return m.SenderID
}

// ContentStatus tells a reader what happened when the message was opened.
type ContentStatus string

const (
	ContentDecrypted     ContentStatus = "decrypted"
	ContentUndecryptable ContentStatus = "undecryptable"
	// ContentSent marks the sender's own copy: the key was wrapped for the
	// recipient only, so the plaintext cannot be recovered from storage.
	ContentSent ContentStatus = "sent"
)

const (
	UndecryptablePlaceholder = "[undecryptable]"
	SentPreviewPlaceholder   = "[sent message]"
)

// OpenedMessage is a Message as returned to one of its participants.
type OpenedMessage struct {
	Message
	Content string
	Status  ContentStatus
}

type ConversationPage struct {
	Messages    []OpenedMessage
	TotalPages  int
	CurrentPage int
}

// ConversationSummary is derived per request and never persisted.
type ConversationSummary struct {
	CounterpartID      uuid.UUID
	LastMessageID      uuid.UUID
	LastMessagePreview string
	LastMessageStatus  ContentStatus
	LastMessageAt      time.Time
	UnreadCount        int64
}
