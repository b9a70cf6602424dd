package service_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"e2ee-messages/internal/domain"
	"e2ee-messages/internal/envelope"
	"e2ee-messages/internal/keyring"
	"e2ee-messages/internal/service"
	"e2ee-messages/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc    *service.Service
	store  *store.Store
	crypto *envelope.Crypto
	keys   *keyring.Static
	clock  *testClock
}

type party struct {
	id   uuid.UUID
	priv envelope.PrivateKey
}

func setup(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.New(db).WithClock(clock.Now)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	crypto := envelope.New()
	keys := keyring.NewStatic()
	svc := service.New(service.Deps{
		Messages: st.Messages(),
		Parties:  st.Parties(),
		Crypto:   crypto,
		Keys:     keys,
	}, service.Options{Now: clock.Now})
	return &harness{svc: svc, store: st, crypto: crypto, keys: keys, clock: clock}
}

func (h *harness) register(t *testing.T, period domain.RetentionPeriod) party {
	t.Helper()
	pub, priv, err := h.crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	p := domain.Party{ID: uuid.New(), PublicKey: pub.Encode(), Retention: period}
	if err := h.store.Parties().Upsert(context.Background(), p); err != nil {
		t.Fatalf("upsert party: %v", err)
	}
	h.keys.Put(p.ID, priv.Encode())
	return party{id: p.ID, priv: priv}
}

func TestSendStoresEnvelopeOnly(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	alice := h.register(t, domain.Retention7Days)
	bob := h.register(t, domain.Retention24Hours)
	sentAt := h.clock.Now()

	msg, err := h.svc.Send(ctx, alice.id, bob.id, "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(msg.EncryptedContent) == 0 || len(msg.EncryptedKey) == 0 || len(msg.IV) == 0 {
		t.Fatalf("expected populated envelope, got %+v", msg)
	}
	if msg.Read {
		t.Fatalf("new message must be unread")
	}
	if want := sentAt.Add(24 * time.Hour); !msg.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", msg.ExpiresAt, want)
	}

	stored, err := h.store.Messages().Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if string(stored.EncryptedContent) == "hi" {
		t.Fatalf("plaintext persisted")
	}
	if !stored.ExpiresAt.Equal(msg.ExpiresAt) {
		t.Fatalf("stored expires_at = %v, want %v", stored.ExpiresAt, msg.ExpiresAt)
	}
}

func TestRecipientReadsConversation(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	alice := h.register(t, domain.Retention7Days)
	bob := h.register(t, domain.Retention24Hours)

	if _, err := h.svc.Send(ctx, alice.id, bob.id, "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	page, err := h.svc.GetConversation(ctx, bob.id, alice.id, 1, 20)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(page.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(page.Messages))
	}
	got := page.Messages[0]
	if got.Status != domain.ContentDecrypted || got.Content != "hi" {
		t.Fatalf("unexpected content %q (%s)", got.Content, got.Status)
	}
	if page.TotalPages != 1 || page.CurrentPage != 1 {
		t.Fatalf("unexpected paging %d/%d", page.CurrentPage, page.TotalPages)
	}

	senderView, err := h.svc.GetConversation(ctx, alice.id, bob.id, 1, 20)
	if err != nil {
		t.Fatalf("sender view: %v", err)
	}
	if len(senderView.Messages) != 1 || senderView.Messages[0].Status != domain.ContentSent {
		t.Fatalf("sender copy should not be readable: %+v", senderView.Messages)
	}
	if senderView.Messages[0].Content != "" {
		t.Fatalf("sender copy leaked content %q", senderView.Messages[0].Content)
	}
}

func TestMarkReadClearsUnreadCount(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	alice := h.register(t, domain.Retention7Days)
	bob := h.register(t, domain.Retention7Days)

	msg, err := h.svc.Send(ctx, alice.id, bob.id, "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	recent, err := h.svc.GetRecentConversations(ctx, bob.id)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].UnreadCount != 1 || recent[0].LastMessagePreview != "hi" {
		t.Fatalf("unexpected summaries before read: %+v", recent)
	}

	for i, want := range []int64{1, 0} {
		n, err := h.svc.MarkAsRead(ctx, []uuid.UUID{msg.ID}, bob.id)
		if err != nil {
			t.Fatalf("mark read #%d: %v", i, err)
		}
		if n != want {
			t.Fatalf("mark read #%d updated %d, want %d", i, n, want)
		}
	}

	recent, err = h.svc.GetRecentConversations(ctx, bob.id)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].CounterpartID != alice.id || recent[0].UnreadCount != 0 {
		t.Fatalf("unexpected summaries after read: %+v", recent)
	}

	senderRecent, err := h.svc.GetRecentConversations(ctx, alice.id)
	if err != nil {
		t.Fatalf("sender recent: %v", err)
	}
	if len(senderRecent) != 1 || senderRecent[0].LastMessagePreview != domain.SentPreviewPlaceholder {
		t.Fatalf("unexpected sender summaries: %+v", senderRecent)
	}
}

func TestMarkReadIgnoresOtherRecipients(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	alice := h.register(t, domain.Retention7Days)
	bob := h.register(t, domain.Retention7Days)

	msg, err := h.svc.Send(ctx, alice.id, bob.id, "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	n, err := h.svc.MarkAsRead(ctx, []uuid.UUID{msg.ID}, alice.id)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n != 0 {
		t.Fatalf("sender must not mark recipient copy read, updated %d", n)
	}
}

func TestWrongHolderCannotUnwrap(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	alice := h.register(t, domain.Retention7Days)
	bob := h.register(t, domain.Retention7Days)
	carol := h.register(t, domain.Retention7Days)

	msg, err := h.svc.Send(ctx, alice.id, bob.id, "for bob only")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	_, err = h.crypto.DecryptMessage(envelope.Sealed{
		Content: msg.EncryptedContent,
		Key:     msg.EncryptedKey,
		IV:      msg.IV,
	}, carol.priv)
	if !errors.Is(err, envelope.ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestExpiredMessageDisappears(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	alice := h.register(t, domain.Retention7Days)
	bob := h.register(t, domain.Retention1Hour)

	if _, err := h.svc.Send(ctx, alice.id, bob.id, "soon gone"); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.clock.Advance(time.Hour + time.Second)

	page, err := h.svc.GetConversation(ctx, bob.id, alice.id, 1, 20)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(page.Messages) != 0 || page.TotalPages != 0 {
		t.Fatalf("expired message still visible: %+v", page)
	}
	recent, err := h.svc.GetRecentConversations(ctx, bob.id)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("expired thread still listed: %+v", recent)
	}
}

func TestUpdateRetentionRestampsFromCreation(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	alice := h.register(t, domain.Retention7Days)
	bob := h.register(t, domain.Retention30Days)

	var sent []domain.Message
	for i := 0; i < 3; i++ {
		msg, err := h.svc.Send(ctx, alice.id, bob.id, fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		sent = append(sent, msg)
		h.clock.Advance(10 * time.Minute)
	}
	outbound, err := h.svc.Send(ctx, bob.id, alice.id, "reply")
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}

	n, err := h.svc.UpdateRetention(ctx, bob.id, domain.Retention1Hour)
	if err != nil {
		t.Fatalf("update retention: %v", err)
	}
	if n != 3 {
		t.Fatalf("restamped %d, want 3", n)
	}

	for _, msg := range sent {
		got, err := h.store.Messages().Get(ctx, msg.ID)
		if err != nil {
			t.Fatalf("get %s: %v", msg.ID, err)
		}
		if want := msg.CreatedAt.Add(time.Hour); !got.ExpiresAt.Equal(want) {
			t.Fatalf("expires_at = %v, want %v", got.ExpiresAt, want)
		}
	}
	reply, err := h.store.Messages().Get(ctx, outbound.ID)
	if err != nil {
		t.Fatalf("get reply: %v", err)
	}
	if !reply.ExpiresAt.Equal(outbound.ExpiresAt) {
		t.Fatalf("outbound message re-stamped: %v != %v", reply.ExpiresAt, outbound.ExpiresAt)
	}

	p, err := h.store.Parties().GetParty(ctx, bob.id)
	if err != nil {
		t.Fatalf("get party: %v", err)
	}
	if p.Retention != domain.Retention1Hour {
		t.Fatalf("retention = %q", p.Retention)
	}

	next, err := h.svc.Send(ctx, alice.id, bob.id, "after change")
	if err != nil {
		t.Fatalf("send after change: %v", err)
	}
	if want := next.CreatedAt.Add(time.Hour); !next.ExpiresAt.Equal(want) {
		t.Fatalf("new message expires_at = %v, want %v", next.ExpiresAt, want)
	}
}

func TestUpdateRetentionRejectsUnknownPeriod(t *testing.T) {
	h := setup(t)
	bob := h.register(t, domain.Retention7Days)

	_, err := h.svc.UpdateRetention(context.Background(), bob.id, domain.RetentionPeriod("2w"))
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestSendValidation(t *testing.T) {
	h := setup(t)
	alice := h.register(t, domain.Retention7Days)
	bob := h.register(t, domain.Retention7Days)

	cases := []struct {
		name      string
		from, to  uuid.UUID
		plaintext string
		want      error
	}{
		{"self", alice.id, alice.id, "hi", service.ErrSelfMessage},
		{"empty", alice.id, bob.id, "", service.ErrEmptyPlaintext},
		{"too long", alice.id, bob.id, strings.Repeat("x", service.MaxPlaintextBytes+1), service.ErrPlaintextTooLong},
		{"nil sender", uuid.Nil, bob.id, "hi", domain.ErrInvalidRequest},
		{"unknown recipient", alice.id, uuid.New(), "hi", domain.ErrInvalidParty},
		{"unknown sender", uuid.New(), bob.id, "hi", domain.ErrInvalidParty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.svc.Send(context.Background(), tc.from, tc.to, tc.plaintext); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	var count int64
	if err := h.store.DB.Model(&domain.Message{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected sends left %d rows", count)
	}
}

func TestSendRejectsMalformedRecipientKey(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	alice := h.register(t, domain.Retention7Days)
	broken := domain.Party{ID: uuid.New(), PublicKey: "not-a-key", Retention: domain.Retention7Days}
	if err := h.store.Parties().Upsert(ctx, broken); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if _, err := h.svc.Send(ctx, alice.id, broken.ID, "hi"); !errors.Is(err, envelope.ErrKeyFormat) {
		t.Fatalf("expected ErrKeyFormat, got %v", err)
	}
}

func TestCancelledSendWritesNothing(t *testing.T) {
	h := setup(t)
	alice := h.register(t, domain.Retention7Days)
	bob := h.register(t, domain.Retention7Days)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.svc.Send(ctx, alice.id, bob.id, "hi"); err == nil {
		t.Fatalf("expected error for cancelled context")
	}

	var count int64
	if err := h.store.DB.Model(&domain.Message{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("cancelled send left %d rows", count)
	}
}

func TestDeleteMessageAuthorization(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	alice := h.register(t, domain.Retention7Days)
	bob := h.register(t, domain.Retention7Days)
	carol := h.register(t, domain.Retention7Days)

	msg, err := h.svc.Send(ctx, alice.id, bob.id, "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := h.svc.DeleteMessage(ctx, msg.ID, carol.id); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := h.svc.DeleteMessage(ctx, msg.ID, bob.id); err != nil {
		t.Fatalf("recipient delete: %v", err)
	}
	if err := h.svc.DeleteMessage(ctx, msg.ID, alice.id); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestConversationPagingDefaults(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	alice := h.register(t, domain.Retention7Days)
	bob := h.register(t, domain.Retention7Days)

	for i := 0; i < 25; i++ {
		if _, err := h.svc.Send(ctx, alice.id, bob.id, fmt.Sprintf("m%02d", i)); err != nil {
			t.Fatalf("send: %v", err)
		}
		h.clock.Advance(time.Second)
	}

	page, err := h.svc.GetConversation(ctx, bob.id, alice.id, 0, 0)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if page.CurrentPage != 1 || page.TotalPages != 2 || len(page.Messages) != 20 {
		t.Fatalf("unexpected default page: current=%d total=%d len=%d", page.CurrentPage, page.TotalPages, len(page.Messages))
	}
	if first, last := page.Messages[0].Content, page.Messages[19].Content; first != "m05" || last != "m24" {
		t.Fatalf("page 1 spans %s..%s, want m05..m24", first, last)
	}

	beyond, err := h.svc.GetConversation(ctx, bob.id, alice.id, 9, 20)
	if err != nil {
		t.Fatalf("out of range page: %v", err)
	}
	if len(beyond.Messages) != 0 || beyond.CurrentPage != 9 {
		t.Fatalf("out of range page should be empty: %+v", beyond)
	}

	huge, err := h.svc.GetConversation(ctx, bob.id, alice.id, math.MaxInt, 20)
	if err != nil {
		t.Fatalf("huge page: %v", err)
	}
	if len(huge.Messages) != 0 || huge.TotalPages != 2 {
		t.Fatalf("huge page should be empty: %d messages, %d pages", len(huge.Messages), huge.TotalPages)
	}

	if _, err := h.svc.GetConversation(ctx, bob.id, alice.id, -1, 20); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for negative page, got %v", err)
	}
}

func TestConcurrentSendsAreIndependent(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	alice := h.register(t, domain.Retention7Days)
	bob := h.register(t, domain.Retention7Days)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Send(ctx, alice.id, bob.id, fmt.Sprintf("c%d", i))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent send: %v", err)
		}
	}

	page, err := h.svc.GetConversation(ctx, bob.id, alice.id, 1, 50)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(page.Messages) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(page.Messages))
	}
}
