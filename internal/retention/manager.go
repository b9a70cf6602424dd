package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"e2ee-messages/internal/domain"
	"e2ee-messages/internal/observability/metrics"

	"github.com/google/uuid"
)

type Directory interface {
	SetRetentionPeriod(ctx context.Context, partyID uuid.UUID, period domain.RetentionPeriod) error
}

type Restamper interface {
	ReStampExpiration(ctx context.Context, recipientID uuid.UUID, expiresAt func(createdAt time.Time) time.Time) (int64, error)
}

// Manager applies policy changes to the directory and to stored messages.
type Manager struct {
	parties  Directory
	messages Restamper
}

func NewManager(parties Directory, messages Restamper) *Manager {
	return &Manager{parties: parties, messages: messages}
}

// ApplyPolicyChange records the new period and re-stamps every live inbound
// message of userID from its own createdAt. A failure part-way leaves some rows
// re-stamped; calling again converges.
func (m *Manager) ApplyPolicyChange(ctx context.Context, userID uuid.UUID, period domain.RetentionPeriod) (int64, error) {
	if userID == uuid.Nil {
		return 0, fmt.Errorf("%w: missing user id", domain.ErrInvalidRequest)
	}
	if !Valid(period) {
		return 0, fmt.Errorf("%w: unknown retention period %q", domain.ErrInvalidRequest, period)
	}
	if err := m.parties.SetRetentionPeriod(ctx, userID, period); err != nil {
		return 0, err
	}
	n, err := m.messages.ReStampExpiration(ctx, userID, func(createdAt time.Time) time.Time {
		return ExpirationFor(period, createdAt)
	})
	if n > 0 {
		metrics.MessagesRestampedTotal.Add(float64(n))
	}
	if err != nil {
		slog.Warn("retention re-stamp incomplete", "user_id", userID, "period", period, "restamped", n, "error", err)
		return n, err
	}
	slog.Info("retention policy applied", "user_id", userID, "period", period, "restamped", n)
	return n, nil
}
