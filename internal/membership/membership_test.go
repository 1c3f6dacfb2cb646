package membership

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"go-relay/internal/models"
)

func joinSorted(users []string) string {
	s := append([]string(nil), users...)
	sort.Strings(s)
	return strings.Join(s, ",")
}

func TestMemoryMembersOfC2C(t *testing.T) {
	m := NewMemory()
	conv := models.DirectConversation("u2", "u1")
	members, err := m.MembersOf(context.Background(), conv)
	if err != nil {
		t.Fatalf("members of: %v", err)
	}
	if joinSorted(members) != "u1,u2" {
		t.Fatalf("expected both participants, got %v", members)
	}
}

func TestMemoryMembersOfGroup(t *testing.T) {
	m := NewMemory()
	m.SetGroup("g1", "u3", "u1", "u2")
	ctx := context.Background()

	members, err := m.MembersOf(ctx, models.GroupConversation("g1"))
	if err != nil {
		t.Fatalf("members of: %v", err)
	}
	if len(members) != 3 || members[0] != "u3" || members[1] != "u1" || members[2] != "u2" {
		t.Fatalf("expected snapshot order [u3 u1 u2], got %v", members)
	}

	// 返回的是快照副本，调用方改动不回写
	members[0] = "hacked"
	again, _ := m.MembersOf(ctx, models.GroupConversation("g1"))
	if again[0] != "u3" {
		t.Fatalf("snapshot leaked internal slice: %v", again)
	}
}

func TestMemoryUnknownGroup(t *testing.T) {
	m := NewMemory()
	_, err := m.MembersOf(context.Background(), models.GroupConversation("ghost"))
	if !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}

	m.SetGroup("g1", "u1")
	m.RemoveGroup("g1")
	if _, err := m.MembersOf(context.Background(), models.GroupConversation("g1")); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup after removal, got %v", err)
	}
}

func TestMemoryRejectsUnknownConversationType(t *testing.T) {
	m := NewMemory()
	if _, err := m.MembersOf(context.Background(), models.Conversation{ID: "x", Type: "broadcast"}); err == nil {
		t.Fatal("expected error for unknown conversation type")
	}
}

func TestMemoryPeersOf(t *testing.T) {
	m := NewMemory()
	m.AddContact("alice", "bob")
	m.AddContact("carol", "alice")
	m.SetGroup("g1", "alice", "bob", "erin")
	m.SetGroup("g2", "bob", "dave") // alice 不在其中

	peers, err := m.PeersOf(context.Background(), "alice")
	if err != nil {
		t.Fatalf("peers of: %v", err)
	}
	if joinSorted(peers) != "bob,carol,erin" {
		t.Fatalf("expected [bob carol erin], got %v", peers)
	}

	none, err := m.PeersOf(context.Background(), "stranger")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty peer set, got %v err=%v", none, err)
	}
}

func TestMemoryIsMemberAndAreContacts(t *testing.T) {
	m := NewMemory()
	m.SetGroup("g1", "u1", "u2")
	m.AddContact("u1", "u3")
	ctx := context.Background()

	if ok, _ := m.IsMember(ctx, "g1", "u1"); !ok {
		t.Fatal("u1 should be member of g1")
	}
	if ok, _ := m.IsMember(ctx, "g1", "u9"); ok {
		t.Fatal("u9 should not be member of g1")
	}
	if ok, _ := m.AreContacts(ctx, "u3", "u1"); !ok {
		t.Fatal("contact relation should be bidirectional")
	}
	if ok, _ := m.AreContacts(ctx, "u1", "u2"); ok {
		t.Fatal("groupmates are not automatically contacts")
	}
}

func newTestRoster(t *testing.T) *SQLRoster {
	t.Helper()
	db, err := sqlx.Connect("sqlite", filepath.Join(t.TempDir(), "roster.db"))
	if err != nil {
		t.Fatalf("open roster db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	r := NewSQLRoster(db)
	if err := r.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return r
}

func seedGroupMember(t *testing.T, r *SQLRoster, groupID, userID string, at time.Time) {
	t.Helper()
	_, err := r.DB.ExecContext(context.Background(),
		`INSERT INTO group_members(group_id, user_id, role, created_at) VALUES(?,?,?,?)`,
		groupID, userID, "member", at.UTC())
	if err != nil {
		t.Fatalf("seed group member: %v", err)
	}
}

func seedContact(t *testing.T, r *SQLRoster, userID, contactID, status string, at time.Time) {
	t.Helper()
	_, err := r.DB.ExecContext(context.Background(),
		`INSERT INTO contacts(user_id, contact_id, status, created_at) VALUES(?,?,?,?)`,
		userID, contactID, status, at.UTC())
	if err != nil {
		t.Fatalf("seed contact: %v", err)
	}
}

func TestSQLRosterMembersOfOrdersByJoinTime(t *testing.T) {
	r := newTestRoster(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedGroupMember(t, r, "g1", "u3", base)
	seedGroupMember(t, r, "g1", "u2", base.Add(time.Minute))
	seedGroupMember(t, r, "g1", "u1", base.Add(time.Minute)) // 并列时间按 user_id 决序
	seedGroupMember(t, r, "g2", "u9", base)

	members, err := r.MembersOf(context.Background(), models.GroupConversation("g1"))
	if err != nil {
		t.Fatalf("members of: %v", err)
	}
	want := []string{"u3", "u1", "u2"}
	if len(members) != len(want) {
		t.Fatalf("expected %v, got %v", want, members)
	}
	for i := range want {
		if members[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, members)
		}
	}
}

func TestSQLRosterMembersOfC2CAndUnknownGroup(t *testing.T) {
	r := newTestRoster(t)

	members, err := r.MembersOf(context.Background(), models.DirectConversation("b", "a"))
	if err != nil || joinSorted(members) != "a,b" {
		t.Fatalf("c2c members: %v err=%v", members, err)
	}
	if _, err := r.MembersOf(context.Background(), models.GroupConversation("ghost")); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}
}

func TestSQLRosterPeersOf(t *testing.T) {
	r := newTestRoster(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedContact(t, r, "alice", "bob", "accepted", base)
	seedContact(t, r, "carol", "alice", "accepted", base)
	seedContact(t, r, "alice", "dave", "pending", base)
	seedGroupMember(t, r, "g1", "alice", base)
	seedGroupMember(t, r, "g1", "bob", base)
	seedGroupMember(t, r, "g1", "erin", base)
	seedGroupMember(t, r, "g2", "dave", base)

	peers, err := r.PeersOf(context.Background(), "alice")
	if err != nil {
		t.Fatalf("peers of: %v", err)
	}
	if joinSorted(peers) != "bob,carol,erin" {
		t.Fatalf("expected [bob carol erin], got %v", peers)
	}
}

func TestSQLRosterIsMemberAndAreContacts(t *testing.T) {
	r := newTestRoster(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedGroupMember(t, r, "g1", "u1", base)
	seedContact(t, r, "alice", "bob", "accepted", base)
	seedContact(t, r, "alice", "dave", "pending", base)
	ctx := context.Background()

	if ok, err := r.IsMember(ctx, "g1", "u1"); err != nil || !ok {
		t.Fatalf("IsMember(u1): ok=%v err=%v", ok, err)
	}
	if ok, err := r.IsMember(ctx, "g1", "u9"); err != nil || ok {
		t.Fatalf("IsMember(u9): ok=%v err=%v", ok, err)
	}
	// 单向 accepted 即可，且方向无关
	if ok, err := r.AreContacts(ctx, "bob", "alice"); err != nil || !ok {
		t.Fatalf("AreContacts(bob,alice): ok=%v err=%v", ok, err)
	}
	if ok, err := r.AreContacts(ctx, "alice", "dave"); err != nil || ok {
		t.Fatalf("pending must not count: ok=%v err=%v", ok, err)
	}
}
