package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2ee-messages/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const restampBatchSize = 200

// MessageStore persists encrypted envelopes. Every read path excludes rows
// whose expires_at has passed, even before the sweeper removes them.
type MessageStore struct {
	db  *gorm.DB
	now func() time.Time
}

func (s *Store) Messages() *MessageStore { return &MessageStore{db: s.DB, now: s.clock} }

// RecentThread is the newest live message exchanged with one counterpart.
type RecentThread struct {
	CounterpartID uuid.UUID
	Last          domain.Message
	Unread        int64
}

// Create inserts msg in a single statement. ExpiresAt is computed by the
// caller and must lie after CreatedAt.
func (m *MessageStore) Create(ctx context.Context, msg *domain.Message) error {
	if msg.SenderID == uuid.Nil || msg.RecipientID == uuid.Nil {
		return fmt.Errorf("%w: sender and recipient are required", domain.ErrInvalidRequest)
	}
	if len(msg.EncryptedContent) == 0 || len(msg.EncryptedKey) == 0 || len(msg.IV) == 0 {
		return fmt.Errorf("%w: envelope fields are required", domain.ErrInvalidRequest)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.ExpiresAt = msg.ExpiresAt.UTC()
	if !msg.ExpiresAt.After(msg.CreatedAt) {
		return fmt.Errorf("%w: expiration must follow creation", domain.ErrInvalidRequest)
	}
	if msg.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return wrapErr("create message id", err)
		}
		msg.ID = id
	}
	msg.Read = false
	return wrapErr("create message", m.db.WithContext(ctx).Create(msg).Error)
}

// Get returns a live message by id.
func (m *MessageStore) Get(ctx context.Context, id uuid.UUID) (domain.Message, error) {
	var msg domain.Message
	err := m.db.WithContext(ctx).
		Where("id = ? AND expires_at > ?", id, m.now()).
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, domain.ErrMessageNotFound
		}
		return domain.Message{}, wrapErr("get message", err)
	}
	return msg, nil
}

// FindConversation pages through the messages exchanged by a and b. Pages are
// cut newest-first and each page is returned oldest-first for display. A page
// past the end is empty, not an error.
func (m *MessageStore) FindConversation(ctx context.Context, a, b uuid.UUID, page, pageSize int) ([]domain.Message, int64, error) {
	if page < 1 || pageSize < 1 {
		return nil, 0, fmt.Errorf("%w: page and page size must be positive", domain.ErrInvalidRequest)
	}
	now := m.now()
	between := func(db *gorm.DB) *gorm.DB {
		return db.Where("((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)) AND expires_at > ?",
			a, b, b, a, now)
	}

	var total int64
	if err := m.db.WithContext(ctx).Model(&domain.Message{}).Scopes(between).Count(&total).Error; err != nil {
		return nil, 0, wrapErr("count conversation", err)
	}
	// Compare page numbers before multiplying so a huge page cannot wrap the offset.
	if total == 0 || int64(page-1) > (total-1)/int64(pageSize) {
		return []domain.Message{}, total, nil
	}
	offset := (page - 1) * pageSize

	var msgs []domain.Message
	err := m.db.WithContext(ctx).
		Scopes(between).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&msgs).Error
	if err != nil {
		return nil, 0, wrapErr("find conversation", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, total, nil
}

const recentPerCounterpartSQL = `
SELECT id, sender_id, recipient_id, encrypted_content, encrypted_key, iv, is_read, created_at, expires_at
FROM (
	SELECT m.*, ROW_NUMBER() OVER (
		PARTITION BY CASE WHEN m.sender_id = ? THEN m.recipient_id ELSE m.sender_id END
		ORDER BY m.created_at DESC, m.id DESC
	) AS rn
	FROM messages m
	WHERE (m.sender_id = ? OR m.recipient_id = ?) AND m.expires_at > ?
) ranked
WHERE rn = 1
ORDER BY created_at DESC, id DESC`

type unreadRow struct {
	SenderID uuid.UUID
	Unread   int64
}

// FindRecentPerCounterpart returns one thread per counterpart, newest first,
// with ties on created_at broken by id descending.
func (m *MessageStore) FindRecentPerCounterpart(ctx context.Context, userID uuid.UUID) ([]RecentThread, error) {
	now := m.now()
	db := m.db.WithContext(ctx)

	var last []domain.Message
	if err := db.Raw(recentPerCounterpartSQL, userID, userID, userID, now).Scan(&last).Error; err != nil {
		return nil, wrapErr("find recent messages", err)
	}

	var unread []unreadRow
	err := db.Model(&domain.Message{}).
		Select("sender_id, COUNT(*) AS unread").
		Where("recipient_id = ? AND is_read = ? AND expires_at > ?", userID, false, now).
		Group("sender_id").
		Scan(&unread).Error
	if err != nil {
		return nil, wrapErr("count unread messages", err)
	}
	unreadBy := make(map[uuid.UUID]int64, len(unread))
	for _, row := range unread {
		unreadBy[row.SenderID] = row.Unread
	}

	threads := make([]RecentThread, 0, len(last))
	for _, msg := range last {
		counterpart := msg.Counterpart(userID)
		threads = append(threads, RecentThread{
			CounterpartID: counterpart,
			Last:          msg,
			Unread:        unreadBy[counterpart],
		})
	}
	return threads, nil
}

// MarkRead flips read for live rows addressed to recipientID. Rows that are
// already read or belong to someone else are skipped. The returned count is
// the number of rows that actually changed.
func (m *MessageStore) MarkRead(ctx context.Context, ids []uuid.UUID, recipientID uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := m.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id IN ? AND recipient_id = ? AND is_read = ? AND expires_at > ?", ids, recipientID, false, m.now()).
		Update("is_read", true)
	if res.Error != nil {
		return 0, wrapErr("mark read", res.Error)
	}
	return res.RowsAffected, nil
}

// Delete removes a live message on behalf of its sender or recipient.
func (m *MessageStore) Delete(ctx context.Context, id, requesterID uuid.UUID) error {
	now := m.now()
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg domain.Message
		err := tx.Select("id", "sender_id", "recipient_id").
			Where("id = ? AND expires_at > ?", id, now).
			First(&msg).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrMessageNotFound
			}
			return wrapErr("load message for delete", err)
		}
		if msg.SenderID != requesterID && msg.RecipientID != requesterID {
			return domain.ErrForbidden
		}
		res := tx.Where("id = ? AND (sender_id = ? OR recipient_id = ?)", id, requesterID, requesterID).
			Delete(&domain.Message{})
		if res.Error != nil {
			return wrapErr("delete message", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.ErrMessageNotFound
		}
		return nil
	})
}

// ReStampExpiration recomputes expires_at for every live message addressed to
// recipientID. Rows are updated one at a time without a surrounding
// transaction; on failure the rows already updated stay updated and the call
// can be repeated.
func (m *MessageStore) ReStampExpiration(ctx context.Context, recipientID uuid.UUID, expiresAt func(createdAt time.Time) time.Time) (int64, error) {
	now := m.now()
	db := m.db.WithContext(ctx)

	var (
		updated int64
		failed  []error
		after   uuid.UUID
	)
	for {
		q := db.Model(&domain.Message{}).
			Select("id", "created_at").
			Where("recipient_id = ? AND expires_at > ?", recipientID, now)
		if after != uuid.Nil {
			q = q.Where("id > ?", after)
		}
		var batch []domain.Message
		if err := q.Order("id ASC").Limit(restampBatchSize).Find(&batch).Error; err != nil {
			return updated, wrapErr("load messages for re-stamp", err)
		}

		for _, msg := range batch {
			next := expiresAt(msg.CreatedAt).UTC()
			if !next.After(msg.CreatedAt) {
				failed = append(failed, fmt.Errorf("message %s: expiration must follow creation", msg.ID))
				continue
			}
			res := db.Model(&domain.Message{}).
				Where("id = ? AND expires_at > ?", msg.ID, now).
				Update("expires_at", next)
			if res.Error != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return updated, wrapErr("re-stamp expiration", ctxErr)
				}
				failed = append(failed, fmt.Errorf("message %s: %w", msg.ID, res.Error))
				continue
			}
			updated += res.RowsAffected
		}

		if len(batch) < restampBatchSize {
			break
		}
		after = batch[len(batch)-1].ID
	}
	if len(failed) > 0 {
		return updated, wrapErr("re-stamp expiration", errors.Join(failed...))
	}
	return updated, nil
}

// PurgeExpired deletes rows whose expiration has passed, batchSize at a time,
// until a batch comes back short.
func (m *MessageStore) PurgeExpired(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	now := m.now()
	db := m.db.WithContext(ctx)

	var purged int64
	for {
		expired := db.Model(&domain.Message{}).
			Select("id").
			Where("expires_at <= ?", now).
			Limit(batchSize)
		res := db.Where("id IN (?)", expired).Delete(&domain.Message{})
		if res.Error != nil {
			return purged, wrapErr("purge expired messages", res.Error)
		}
		purged += res.RowsAffected
		if res.RowsAffected < int64(batchSize) {
			return purged, nil
		}
		if err := ctx.Err(); err != nil {
			return purged, err
		}
	}
}
