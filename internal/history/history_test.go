package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go-relay/internal/models"
	"go-relay/internal/store"
	"go-relay/internal/store/pebblestore"
)

func newTestService(t *testing.T, defaultLimit, maxLimit int) (*Service, *pebblestore.Store) {
	t.Helper()
	st, err := pebblestore.Open(filepath.Join(t.TempDir(), "relay"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewService(st, defaultLimit, maxLimit), st
}

func seed(t *testing.T, st *pebblestore.Store, convID string, from, to int) {
	t.Helper()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := from; i <= to; i++ {
		m := &models.Message{
			ID:         fmt.Sprintf("m-%03d", i),
			ConvID:     convID,
			ConvType:   models.ConversationTypeC2C,
			FromUserID: "u1",
			Type:       models.MessageTypeText,
			Payload:    []byte(`{"text":"x"}`),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
			Receipts:   []models.Receipt{{UserID: "u2", State: models.StateSent}},
		}
		if _, err := st.Append(context.Background(), m); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}
}

func wantIDs(t *testing.T, msgs []*models.Message, want ...string) {
	t.Helper()
	got := make([]string, 0, len(msgs))
	for _, m := range msgs {
		got = append(got, m.ID)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestPageDefaultsBackwardFromLatest(t *testing.T) {
	svc, st := newTestService(t, 4, 100)
	seed(t, st, "c2c:u1:u2", 1, 10)

	msgs, next, err := svc.Page(context.Background(), "c2c:u1:u2", "", 0, store.Backward)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	wantIDs(t, msgs, "m-010", "m-009", "m-008", "m-007")
	if next == "" {
		t.Fatal("expected a next cursor on a full page")
	}
}

func TestPageCursorChainToExhaustion(t *testing.T) {
	svc, st := newTestService(t, 4, 100)
	seed(t, st, "c2c:u1:u2", 1, 10)
	ctx := context.Background()

	msgs, next, err := svc.Page(ctx, "c2c:u1:u2", "", 4, store.Backward)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	wantIDs(t, msgs, "m-010", "m-009", "m-008", "m-007")

	msgs, next, err = svc.Page(ctx, "c2c:u1:u2", next, 4, store.Backward)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	wantIDs(t, msgs, "m-006", "m-005", "m-004", "m-003")

	msgs, next, err = svc.Page(ctx, "c2c:u1:u2", next, 4, store.Backward)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	wantIDs(t, msgs, "m-002", "m-001")
	if next != "" {
		t.Fatalf("short page must end pagination, got next=%q", next)
	}
}

func TestCursorStableUnderConcurrentAppend(t *testing.T) {
	svc, st := newTestService(t, 4, 100)
	seed(t, st, "c2c:u1:u2", 1, 10)
	ctx := context.Background()

	_, next, err := svc.Page(ctx, "c2c:u1:u2", "", 4, store.Backward)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}

	// 翻页间隙有新消息写入：已翻页面之后的内容不重复、不跳条
	seed(t, st, "c2c:u1:u2", 11, 12)

	msgs, _, err := svc.Page(ctx, "c2c:u1:u2", next, 4, store.Backward)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	wantIDs(t, msgs, "m-006", "m-005", "m-004", "m-003")
}

func TestPageForward(t *testing.T) {
	svc, st := newTestService(t, 4, 100)
	seed(t, st, "c2c:u1:u2", 1, 10)
	ctx := context.Background()

	msgs, next, err := svc.Page(ctx, "c2c:u1:u2", "", 3, store.Forward)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	wantIDs(t, msgs, "m-001", "m-002", "m-003")

	msgs, _, err = svc.Page(ctx, "c2c:u1:u2", next, 3, store.Forward)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	wantIDs(t, msgs, "m-004", "m-005", "m-006")
}

func TestTokenDirectionOverridesParam(t *testing.T) {
	svc, st := newTestService(t, 4, 100)
	seed(t, st, "c2c:u1:u2", 1, 10)
	ctx := context.Background()

	_, next, err := svc.Page(ctx, "c2c:u1:u2", "", 3, store.Forward)
	if err != nil {
		t.Fatalf("page: %v", err)
	}

	// 带 forward 游标却请求 backward：以游标方向为准
	msgs, _, err := svc.Page(ctx, "c2c:u1:u2", next, 3, store.Backward)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	wantIDs(t, msgs, "m-004", "m-005", "m-006")
}

func TestInvalidCursorVariants(t *testing.T) {
	svc, st := newTestService(t, 4, 100)
	seed(t, st, "c2c:u1:u2", 1, 3)
	ctx := context.Background()

	cases := map[string]string{
		"garbage":       "not-base64!!!",
		"missingFields": encodeCursor(cursor{Conv: "c2c:u1:u2"}),
		"wrongConv":     encodeCursor(cursor{Conv: "c2c:u1:u9", Msg: "m-001", Dir: store.Backward}),
		"anchorGone":    encodeCursor(cursor{Conv: "c2c:u1:u2", Msg: "ghost", Dir: store.Backward}),
		"badDirection":  encodeCursor(cursor{Conv: "c2c:u1:u2", Msg: "m-001", Dir: "sideways"}),
	}
	for name, token := range cases {
		if _, _, err := svc.Page(ctx, "c2c:u1:u2", token, 3, store.Backward); !errors.Is(err, ErrInvalidCursor) {
			t.Fatalf("%s: expected ErrInvalidCursor, got %v", name, err)
		}
	}
}

func TestPageClampsLimit(t *testing.T) {
	svc, st := newTestService(t, 4, 6)
	seed(t, st, "c2c:u1:u2", 1, 10)
	ctx := context.Background()

	msgs, _, err := svc.Page(ctx, "c2c:u1:u2", "", 50, store.Backward)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(msgs) != 6 {
		t.Fatalf("expected max limit 6, got %d", len(msgs))
	}

	msgs, _, err = svc.Page(ctx, "c2c:u1:u2", "", -1, store.Backward)
	if err != nil {
		t.Fatalf("page default: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected default limit 4, got %d", len(msgs))
	}
}

func TestNewServiceDefaults(t *testing.T) {
	svc := NewService(nil, 0, 0)
	if svc.DefaultLimit != 20 || svc.MaxLimit != 100 {
		t.Fatalf("unexpected defaults: %+v", svc)
	}
}
