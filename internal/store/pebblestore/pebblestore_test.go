package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go-relay/internal/models"
	"go-relay/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "relay"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mkMsg(convID, msgID, clientID, from string, at time.Time, recipients ...string) *models.Message {
	m := &models.Message{
		ID:          msgID,
		ClientMsgID: clientID,
		ConvID:      convID,
		ConvType:    models.ConversationTypeC2C,
		FromUserID:  from,
		Type:        models.MessageTypeText,
		Payload:     []byte(`{"text":"hello"}`),
		CreatedAt:   at,
	}
	for _, r := range recipients {
		m.Receipts = append(m.Receipts, models.Receipt{UserID: r, State: models.StateSent})
	}
	return m
}

func TestAppendAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	m := mkMsg("c2c:u1:u2", "m-001", "cli-1", "u1", at, "u2")
	inserted, err := s.Append(ctx, m)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !inserted {
		t.Fatal("expected inserted=true on first append")
	}

	got, err := s.GetByID(ctx, "c2c:u1:u2", "m-001")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.FromUserID != "u1" || string(got.Payload) != `{"text":"hello"}` || !got.CreatedAt.Equal(at) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Receipts) != 1 || got.Receipts[0].UserID != "u2" || got.Receipts[0].State != models.StateSent {
		t.Fatalf("unexpected receipts %+v", got.Receipts)
	}

	byClient, err := s.GetByClientID(ctx, "c2c:u1:u2", "cli-1")
	if err != nil {
		t.Fatalf("get by client id: %v", err)
	}
	if byClient.ID != "m-001" {
		t.Fatalf("expected m-001, got %s", byClient.ID)
	}
}

func TestGetMissReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetByID(ctx, "c2c:u1:u2", "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetByClientID(ctx, "c2c:u1:u2", "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendIdempotentByClientID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	first := mkMsg("c2c:u1:u2", "m-001", "cli-1", "u1", at, "u2")
	if _, err := s.Append(ctx, first); err != nil {
		t.Fatalf("append: %v", err)
	}

	dup := mkMsg("c2c:u1:u2", "m-002", "cli-1", "u1", at.Add(time.Second), "u2")
	inserted, err := s.Append(ctx, dup)
	if err != nil {
		t.Fatalf("append dup: %v", err)
	}
	if inserted {
		t.Fatal("expected inserted=false for duplicate clientMsgId")
	}
	if _, err := s.GetByID(ctx, "c2c:u1:u2", "m-002"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("duplicate append must not write a second message")
	}
	got, err := s.GetByClientID(ctx, "c2c:u1:u2", "cli-1")
	if err != nil {
		t.Fatalf("get by client id: %v", err)
	}
	if got.ID != "m-001" {
		t.Fatalf("expected original m-001, got %s", got.ID)
	}

	// 其他会话的同名幂等键互不影响
	other := mkMsg("c2c:u1:u3", "m-003", "cli-1", "u1", at, "u3")
	if inserted, err := s.Append(ctx, other); err != nil || !inserted {
		t.Fatalf("expected insert in other conversation, inserted=%v err=%v", inserted, err)
	}
}

func TestAppendWithoutClientIDNeverDedupes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	for i := 0; i < 2; i++ {
		m := mkMsg("c2c:u1:u2", fmt.Sprintf("m-%03d", i), "", "u1", at, "u2")
		inserted, err := s.Append(ctx, m)
		if err != nil || !inserted {
			t.Fatalf("append %d: inserted=%v err=%v", i, inserted, err)
		}
	}
}

func TestUpdateStatusMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	m := mkMsg("c2c:u1:u2", "m-001", "", "u1", at, "u2")
	s.Append(ctx, m)

	t1 := at.Add(time.Second)
	applied, err := s.UpdateStatus(ctx, "c2c:u1:u2", "m-001", "u2", models.StateDelivered, t1)
	if err != nil || !applied {
		t.Fatalf("delivered: applied=%v err=%v", applied, err)
	}

	// 重放同一状态：过期写，applied=false 且无错误
	applied, err = s.UpdateStatus(ctx, "c2c:u1:u2", "m-001", "u2", models.StateDelivered, t1.Add(time.Second))
	if err != nil || applied {
		t.Fatalf("duplicate delivered: applied=%v err=%v", applied, err)
	}

	t2 := t1.Add(time.Second)
	applied, err = s.UpdateStatus(ctx, "c2c:u1:u2", "m-001", "u2", models.StateRead, t2)
	if err != nil || !applied {
		t.Fatalf("read: applied=%v err=%v", applied, err)
	}

	// read 之后 delivered 不回退
	applied, err = s.UpdateStatus(ctx, "c2c:u1:u2", "m-001", "u2", models.StateDelivered, t2.Add(time.Second))
	if err != nil || applied {
		t.Fatalf("regression write: applied=%v err=%v", applied, err)
	}

	got, _ := s.GetByID(ctx, "c2c:u1:u2", "m-001")
	rc := got.ReceiptFor("u2")
	if rc.State != models.StateRead {
		t.Fatalf("expected read, got %s", rc.State)
	}
	if rc.DeliveredAt == nil || !rc.DeliveredAt.Equal(t1) {
		t.Fatalf("expected deliveredAt=%v, got %v", t1, rc.DeliveredAt)
	}
	if rc.ReadAt == nil || !rc.ReadAt.Equal(t2) {
		t.Fatalf("expected readAt=%v, got %v", t2, rc.ReadAt)
	}
}

func TestUpdateStatusReadBackfillsDelivered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	m := mkMsg("c2c:u1:u2", "m-001", "", "u1", at, "u2")
	s.Append(ctx, m)

	t1 := at.Add(time.Second)
	applied, err := s.UpdateStatus(ctx, "c2c:u1:u2", "m-001", "u2", models.StateRead, t1)
	if err != nil || !applied {
		t.Fatalf("read-first: applied=%v err=%v", applied, err)
	}
	got, _ := s.GetByID(ctx, "c2c:u1:u2", "m-001")
	rc := got.ReceiptFor("u2")
	if rc.DeliveredAt == nil || !rc.DeliveredAt.Equal(t1) {
		t.Fatalf("expected backfilled deliveredAt, got %v", rc.DeliveredAt)
	}
}

func TestUpdateStatusUnknownTargets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := mkMsg("c2c:u1:u2", "m-001", "", "u1", time.Now().UTC(), "u2")
	s.Append(ctx, m)

	if _, err := s.UpdateStatus(ctx, "c2c:u1:u2", "ghost", "u2", models.StateDelivered, time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown message, got %v", err)
	}
	if _, err := s.UpdateStatus(ctx, "c2c:u1:u2", "m-001", "stranger", models.StateDelivered, time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-recipient, got %v", err)
	}
	// sent 不可由外部写入
	if applied, err := s.UpdateStatus(ctx, "c2c:u1:u2", "m-001", "u2", models.StateSent, time.Now()); err != nil || applied {
		t.Fatalf("sent write: applied=%v err=%v", applied, err)
	}
}

func seedConversation(t *testing.T, s *Store, convID string, n int) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		m := mkMsg(convID, fmt.Sprintf("m-%03d", i), "", "u1", base.Add(time.Duration(i)*time.Second), "u2")
		if _, err := s.Append(ctx, m); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
}

func idsOf(msgs []*models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestFetchRangeBackward(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s, "c2c:u1:u2", 10)
	ctx := context.Background()

	// 空锚点：最新 3 条，页内倒序
	msgs, err := s.FetchRange(ctx, "c2c:u1:u2", "", 3, store.Backward)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []string{"m-010", "m-009", "m-008"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("expected %v, got %v", want, idsOf(msgs))
		}
	}

	// 锚定 m-008：严格更早的 3 条，锚点不含
	msgs, err = s.FetchRange(ctx, "c2c:u1:u2", "m-008", 3, store.Backward)
	if err != nil {
		t.Fatalf("fetch anchored: %v", err)
	}
	want = []string{"m-007", "m-006", "m-005"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("expected %v, got %v", want, idsOf(msgs))
		}
	}

	// 翻到头
	msgs, err = s.FetchRange(ctx, "c2c:u1:u2", "m-002", 5, store.Backward)
	if err != nil {
		t.Fatalf("fetch tail: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m-001" {
		t.Fatalf("expected single m-001, got %v", idsOf(msgs))
	}
}

func TestFetchRangeForward(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s, "c2c:u1:u2", 10)
	ctx := context.Background()

	msgs, err := s.FetchRange(ctx, "c2c:u1:u2", "", 3, store.Forward)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []string{"m-001", "m-002", "m-003"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("expected %v, got %v", want, idsOf(msgs))
		}
	}

	msgs, err = s.FetchRange(ctx, "c2c:u1:u2", "m-003", 3, store.Forward)
	if err != nil {
		t.Fatalf("fetch anchored: %v", err)
	}
	want = []string{"m-004", "m-005", "m-006"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("expected %v, got %v", want, idsOf(msgs))
		}
	}

	// 锚定最后一条：空页
	msgs, err = s.FetchRange(ctx, "c2c:u1:u2", "m-010", 3, store.Forward)
	if err != nil {
		t.Fatalf("fetch past end: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty page, got %v", idsOf(msgs))
	}
}

func TestFetchRangeIsolatesConversations(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s, "c2c:u1:u2", 3)
	seedConversation(t, s, "c2c:u1:u3", 3)
	ctx := context.Background()

	msgs, err := s.FetchRange(ctx, "c2c:u1:u2", "", 10, store.Forward)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %v", idsOf(msgs))
	}
	for _, m := range msgs {
		if m.ConvID != "c2c:u1:u2" {
			t.Fatalf("leaked message from %s", m.ConvID)
		}
	}
}

func TestFetchContextWindow(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s, "c2c:u1:u2", 10)

	msgs, err := s.FetchContextWindow(context.Background(), "c2c:u1:u2", 4)
	if err != nil {
		t.Fatalf("fetch window: %v", err)
	}
	want := []string{"m-007", "m-008", "m-009", "m-010"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %v, got %v", want, idsOf(msgs))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("expected %v, got %v", want, idsOf(msgs))
		}
	}
}

func TestFetchBacklog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// 三条给 u2：一条已读、一条仍 sent、一条太旧
	s.Append(ctx, mkMsg("c2c:u1:u2", "m-001", "", "u1", now.Add(-time.Minute), "u2"))
	s.Append(ctx, mkMsg("c2c:u1:u2", "m-002", "", "u1", now, "u2"))
	s.Append(ctx, mkMsg("c2c:u1:u2", "m-000", "", "u1", now.Add(-10*24*time.Hour), "u2"))
	// 一条给别人
	s.Append(ctx, mkMsg("c2c:u1:u3", "m-003", "", "u1", now, "u3"))

	if _, err := s.UpdateStatus(ctx, "c2c:u1:u2", "m-001", "u2", models.StateRead, now); err != nil {
		t.Fatalf("read: %v", err)
	}

	msgs, err := s.FetchBacklog(ctx, "u2", 100, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("fetch backlog: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m-002" {
		t.Fatalf("expected only m-002 pending, got %v", idsOf(msgs))
	}

	// 不限时效时过期消息也回来，且按 ID 正序
	msgs, err = s.FetchBacklog(ctx, "u2", 100, 0)
	if err != nil {
		t.Fatalf("fetch backlog unbounded: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m-000" || msgs[1].ID != "m-002" {
		t.Fatalf("expected [m-000 m-002], got %v", idsOf(msgs))
	}
}

func TestFetchBacklogHonorsLimit(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s, "c2c:u1:u2", 10)

	msgs, err := s.FetchBacklog(context.Background(), "u2", 4, 0)
	if err != nil {
		t.Fatalf("fetch backlog: %v", err)
	}
	if len(msgs) != 4 || msgs[0].ID != "m-001" || msgs[3].ID != "m-004" {
		t.Fatalf("expected oldest 4 pending, got %v", idsOf(msgs))
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "relay")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	s.Append(ctx, mkMsg("c2c:u1:u2", "m-001", "cli-1", "u1", time.Now().UTC(), "u2"))
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetByID(ctx, "c2c:u1:u2", "m-001")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.ClientMsgID != "cli-1" {
		t.Fatalf("unexpected message %+v", got)
	}
}
