package membership

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"go-relay/internal/models"
)

// SQLRoster 关系型成员关系实现：group_members 存群成员（入群序即快照序），
// contacts 存联系人关系（status=accepted 才计入可见域）。
// 这两张表由外部群管理/联系人服务写入，这里只读。
type SQLRoster struct {
	DB *sqlx.DB
}

func NewSQLRoster(db *sqlx.DB) *SQLRoster { return &SQLRoster{DB: db} }

// EnsureSchema 开发环境自建表；线上由外部服务负责迁移。
func (s *SQLRoster) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id   VARCHAR(64) NOT NULL,
			user_id    VARCHAR(64) NOT NULL,
			role       VARCHAR(16) NOT NULL DEFAULT 'member',
			created_at DATETIME    NOT NULL,
			PRIMARY KEY (group_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			user_id    VARCHAR(64) NOT NULL,
			contact_id VARCHAR(64) NOT NULL,
			status     VARCHAR(16) NOT NULL DEFAULT 'accepted',
			created_at DATETIME    NOT NULL,
			PRIMARY KEY (user_id, contact_id)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("roster ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLRoster) MembersOf(ctx context.Context, conv models.Conversation) ([]string, error) {
	switch conv.Type {
	case models.ConversationTypeC2C:
		return []string{conv.UserA, conv.UserB}, nil
	case models.ConversationTypeGroup:
		var members []string
		err := s.DB.SelectContext(ctx, &members,
			`SELECT user_id FROM group_members WHERE group_id=? ORDER BY created_at, user_id`, conv.GroupID)
		if err != nil {
			return nil, fmt.Errorf("roster members of %s: %w", conv.GroupID, err)
		}
		if len(members) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, conv.GroupID)
		}
		return members, nil
	default:
		return nil, fmt.Errorf("membership: unknown conversation type %q", conv.Type)
	}
}

func (s *SQLRoster) PeersOf(ctx context.Context, user string) ([]string, error) {
	var peers []string
	err := s.DB.SelectContext(ctx, &peers,
		`SELECT contact_id AS peer FROM contacts WHERE user_id=? AND status='accepted'
		 UNION
		 SELECT user_id AS peer FROM contacts WHERE contact_id=? AND status='accepted'
		 UNION
		 SELECT gm2.user_id AS peer FROM group_members gm1
		   JOIN group_members gm2 ON gm1.group_id = gm2.group_id
		 WHERE gm1.user_id=? AND gm2.user_id<>?`,
		user, user, user, user)
	if err != nil {
		return nil, fmt.Errorf("roster peers of %s: %w", user, err)
	}
	return peers, nil
}

// IsMember 群成员判定（网关鉴权钩子用）。
func (s *SQLRoster) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var n int
	err := s.DB.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM group_members WHERE group_id=? AND user_id=?`, groupID, userID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AreContacts 放宽为单向即可（任一方向 accepted 即认为允许发起会话）。
func (s *SQLRoster) AreContacts(ctx context.Context, a, b string) (bool, error) {
	var n int
	err := s.DB.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM contacts WHERE ((user_id=? AND contact_id=?) OR (user_id=? AND contact_id=?)) AND status='accepted'`,
		a, b, b, a)
	if err != nil {
		return false, err
	}
	return n >= 1, nil
}
