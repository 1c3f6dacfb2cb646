// Package sqlstore 关系型消息存储，支持 mysql 与 sqlite 两种驱动。
// messages 存消息本体，message_status 每接收者一行存投递回执；
// 状态推进是带序号守卫的条件 UPDATE，天然拒绝回退写。
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"go-relay/internal/models"
	"go-relay/internal/store"
)

type Store struct {
	db     *sqlx.DB
	driver string
}

// Open 打开数据库并保证表结构就绪。driver 取 mysql 或 sqlite。
func Open(driver, dsn string) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	if driver == "sqlite" {
		// 单写者：避免嵌入式库在并发写下频繁 BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(20)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	s := &Store{db: db, driver: driver}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema(ctx context.Context) error {
	var stmts []string
	if s.driver == "mysql" {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS messages (
				conv_id       VARCHAR(191) NOT NULL,
				msg_id        CHAR(36)     NOT NULL,
				client_msg_id VARCHAR(64)  NULL,
				conv_type     VARCHAR(8)   NOT NULL,
				from_user     VARCHAR(64)  NOT NULL,
				to_user       VARCHAR(64)  NOT NULL DEFAULT '',
				group_id      VARCHAR(64)  NOT NULL DEFAULT '',
				msg_type      VARCHAR(16)  NOT NULL,
				payload       MEDIUMBLOB,
				created_at    DATETIME(3)  NOT NULL,
				recalled      TINYINT      NOT NULL DEFAULT 0,
				PRIMARY KEY (conv_id, msg_id),
				UNIQUE KEY uk_conv_client (conv_id, client_msg_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS message_status (
				conv_id      VARCHAR(191) NOT NULL,
				msg_id       CHAR(36)     NOT NULL,
				user_id      VARCHAR(64)  NOT NULL,
				slot         INT          NOT NULL,
				state        VARCHAR(12)  NOT NULL,
				state_rank   TINYINT      NOT NULL,
				created_at   DATETIME(3)  NOT NULL,
				delivered_at DATETIME(3)  NULL,
				read_at      DATETIME(3)  NULL,
				PRIMARY KEY (conv_id, msg_id, user_id),
				KEY idx_backlog (user_id, state_rank, msg_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS messages (
				conv_id       TEXT NOT NULL,
				msg_id        TEXT NOT NULL,
				client_msg_id TEXT NULL,
				conv_type     TEXT NOT NULL,
				from_user     TEXT NOT NULL,
				to_user       TEXT NOT NULL DEFAULT '',
				group_id      TEXT NOT NULL DEFAULT '',
				msg_type      TEXT NOT NULL,
				payload       BLOB,
				created_at    DATETIME NOT NULL,
				recalled      INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (conv_id, msg_id)
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uk_conv_client ON messages(conv_id, client_msg_id)`,
			`CREATE TABLE IF NOT EXISTS message_status (
				conv_id      TEXT NOT NULL,
				msg_id       TEXT NOT NULL,
				user_id      TEXT NOT NULL,
				slot         INTEGER NOT NULL,
				state        TEXT NOT NULL,
				state_rank   INTEGER NOT NULL,
				created_at   DATETIME NOT NULL,
				delivered_at DATETIME NULL,
				read_at      DATETIME NULL,
				PRIMARY KEY (conv_id, msg_id, user_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_backlog ON message_status(user_id, state_rank, msg_id)`,
		}
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

type msgRow struct {
	ConvID      string         `db:"conv_id"`
	MsgID       string         `db:"msg_id"`
	ClientMsgID sql.NullString `db:"client_msg_id"`
	ConvType    string         `db:"conv_type"`
	FromUser    string         `db:"from_user"`
	ToUser      string         `db:"to_user"`
	GroupID     string         `db:"group_id"`
	MsgType     string         `db:"msg_type"`
	Payload     []byte         `db:"payload"`
	CreatedAt   time.Time      `db:"created_at"`
	Recalled    bool           `db:"recalled"`
}

type statusRow struct {
	ConvID      string       `db:"conv_id"`
	MsgID       string       `db:"msg_id"`
	UserID      string       `db:"user_id"`
	Slot        int          `db:"slot"`
	State       string       `db:"state"`
	StateRank   int          `db:"state_rank"`
	CreatedAt   time.Time    `db:"created_at"`
	DeliveredAt sql.NullTime `db:"delivered_at"`
	ReadAt      sql.NullTime `db:"read_at"`
}

func (r *msgRow) toModel() *models.Message {
	return &models.Message{
		ID:          r.MsgID,
		ClientMsgID: r.ClientMsgID.String,
		ConvID:      r.ConvID,
		ConvType:    models.ConversationType(r.ConvType),
		FromUserID:  r.FromUser,
		ToUserID:    r.ToUser,
		GroupID:     r.GroupID,
		Type:        r.MsgType,
		Payload:     r.Payload,
		CreatedAt:   r.CreatedAt,
		Recalled:    r.Recalled,
	}
}

func (r *statusRow) toReceipt() models.Receipt {
	rc := models.Receipt{UserID: r.UserID, State: models.DeliveryState(r.State)}
	if r.DeliveredAt.Valid {
		t := r.DeliveredAt.Time
		rc.DeliveredAt = &t
	}
	if r.ReadAt.Valid {
		t := r.ReadAt.Time
		rc.ReadAt = &t
	}
	return rc
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) insertIgnore() string {
	if s.driver == "mysql" {
		return "INSERT IGNORE INTO"
	}
	return "INSERT OR IGNORE INTO"
}

func (s *Store) Append(ctx context.Context, m *models.Message) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("append begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		s.insertIgnore()+` messages(conv_id, msg_id, client_msg_id, conv_type, from_user, to_user, group_id, msg_type, payload, created_at, recalled)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		m.ConvID, m.ID, nullIfEmpty(m.ClientMsgID), string(m.ConvType), m.FromUserID, m.ToUserID, m.GroupID,
		m.Type, m.Payload, m.CreatedAt.UTC(), m.Recalled)
	if err != nil {
		return false, fmt.Errorf("append insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append rows affected: %w", err)
	}
	if n == 0 {
		return false, nil // 幂等命中：同会话同 clientMsgId 已入库
	}

	for i := range m.Receipts {
		rc := &m.Receipts[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_status(conv_id, msg_id, user_id, slot, state, state_rank, created_at)
			 VALUES(?,?,?,?,?,?,?)`,
			m.ConvID, m.ID, rc.UserID, i, string(rc.State), models.StateRank(rc.State), m.CreatedAt.UTC()); err != nil {
			return false, fmt.Errorf("append insert status: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("append commit: %w", err)
	}
	return true, nil
}

// attachReceipts 为一批消息装配回执，按 fan-out 快照槽位排序。
func (s *Store) attachReceipts(ctx context.Context, convID string, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	byID := make(map[string]*models.Message, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		byID[m.ID] = m
	}
	query, args, err := sqlx.In(
		`SELECT conv_id, msg_id, user_id, slot, state, state_rank, created_at, delivered_at, read_at
		 FROM message_status WHERE conv_id=? AND msg_id IN (?) ORDER BY msg_id, slot`, convID, ids)
	if err != nil {
		return fmt.Errorf("receipts in-query: %w", err)
	}
	var rows []statusRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return fmt.Errorf("receipts select: %w", err)
	}
	for i := range rows {
		if m := byID[rows[i].MsgID]; m != nil {
			m.Receipts = append(m.Receipts, rows[i].toReceipt())
		}
	}
	return nil
}

func (s *Store) getBy(ctx context.Context, where string, args ...interface{}) (*models.Message, error) {
	var row msgRow
	err := s.db.GetContext(ctx, &row,
		`SELECT conv_id, msg_id, client_msg_id, conv_type, from_user, to_user, group_id, msg_type, payload, created_at, recalled
		 FROM messages WHERE `+where, args...)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	m := row.toModel()
	if err := s.attachReceipts(ctx, m.ConvID, []*models.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) GetByID(ctx context.Context, convID, msgID string) (*models.Message, error) {
	return s.getBy(ctx, "conv_id=? AND msg_id=?", convID, msgID)
}

func (s *Store) GetByClientID(ctx context.Context, convID, clientMsgID string) (*models.Message, error) {
	return s.getBy(ctx, "conv_id=? AND client_msg_id=?", convID, clientMsgID)
}

func (s *Store) UpdateStatus(ctx context.Context, convID, msgID, recipient string, state models.DeliveryState, at time.Time) (bool, error) {
	rank := models.StateRank(state)
	if rank <= models.StateRank(models.StateSent) {
		return false, nil // sent 由 Append 写入，不接受回退或原地写
	}

	var (
		res sql.Result
		err error
	)
	ts := at.UTC()
	switch state {
	case models.StateDelivered:
		res, err = s.db.ExecContext(ctx,
			`UPDATE message_status SET state=?, state_rank=?, delivered_at=?
			 WHERE conv_id=? AND msg_id=? AND user_id=? AND state_rank<?`,
			string(state), rank, ts, convID, msgID, recipient, rank)
	case models.StateRead:
		// read 先到时补记 delivered_at，存量历史不缺档
		res, err = s.db.ExecContext(ctx,
			`UPDATE message_status SET state=?, state_rank=?, read_at=?, delivered_at=COALESCE(delivered_at, ?)
			 WHERE conv_id=? AND msg_id=? AND user_id=? AND state_rank<?`,
			string(state), rank, ts, ts, convID, msgID, recipient, rank)
	default:
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update status rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// 没有行被改动：要么回执不存在，要么是过期写
	var cnt int
	if err := s.db.GetContext(ctx, &cnt,
		`SELECT COUNT(*) FROM message_status WHERE conv_id=? AND msg_id=? AND user_id=?`,
		convID, msgID, recipient); err != nil {
		return false, fmt.Errorf("update status recheck: %w", err)
	}
	if cnt == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) FetchRange(ctx context.Context, convID, anchorID string, limit int, dir store.Direction) ([]*models.Message, error) {
	limit = store.ClampLimit(limit)

	var (
		where = "conv_id=?"
		order = "msg_id DESC"
		args  = []interface{}{convID}
	)
	if dir == store.Forward {
		order = "msg_id ASC"
		if anchorID != "" {
			where += " AND msg_id > ?"
			args = append(args, anchorID)
		}
	} else if anchorID != "" {
		where += " AND msg_id < ?"
		args = append(args, anchorID)
	}
	args = append(args, limit)

	var rows []msgRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT conv_id, msg_id, client_msg_id, conv_type, from_user, to_user, group_id, msg_type, payload, created_at, recalled
		 FROM messages WHERE `+where+` ORDER BY `+order+` LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch range: %w", err)
	}
	msgs := make([]*models.Message, 0, len(rows))
	for i := range rows {
		msgs = append(msgs, rows[i].toModel())
	}
	if err := s.attachReceipts(ctx, convID, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) FetchContextWindow(ctx context.Context, convID string, limit int) ([]*models.Message, error) {
	msgs, err := s.FetchRange(ctx, convID, "", limit, store.Backward)
	if err != nil {
		return nil, err
	}
	// 倒序结果翻转为时间正序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) FetchBacklog(ctx context.Context, recipient string, limit int, maxAge time.Duration) ([]*models.Message, error) {
	limit = store.ClampLimit(limit)
	cutoff := time.Unix(0, 0).UTC()
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge).UTC()
	}

	var rows []msgRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT m.conv_id, m.msg_id, m.client_msg_id, m.conv_type, m.from_user, m.to_user, m.group_id, m.msg_type, m.payload, m.created_at, m.recalled
		 FROM message_status st
		 JOIN messages m ON m.conv_id = st.conv_id AND m.msg_id = st.msg_id
		 WHERE st.user_id=? AND st.state_rank=? AND st.created_at >= ?
		 ORDER BY st.msg_id ASC LIMIT ?`,
		recipient, models.StateRank(models.StateSent), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch backlog: %w", err)
	}

	msgs := make([]*models.Message, 0, len(rows))
	byConv := make(map[string][]*models.Message)
	for i := range rows {
		m := rows[i].toModel()
		msgs = append(msgs, m)
		byConv[m.ConvID] = append(byConv[m.ConvID], m)
	}
	for convID, group := range byConv {
		if err := s.attachReceipts(ctx, convID, group); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// Ping 探活，健康检查用。
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// DB 暴露底层连接，供成员关系存储复用同一实例。
func (s *Store) DB() *sqlx.DB { return s.db }
