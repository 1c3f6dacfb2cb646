// Package mongostore 基于 MongoDB 的消息存储实现。
// 回执以子文档数组内嵌在消息里，状态推进用 $elemMatch + rank 守卫的
// 条件 UpdateOne 完成，幂等写入沿用 upsert + $setOnInsert。
package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go-relay/internal/models"
	"go-relay/internal/store"
)

// Connect 连接 MongoDB，并从 URI 路径提取数据库名（默认 relay）。
func Connect(uri string) (*mongo.Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	dbName := "relay"
	if idx := findLastSlash(uri); idx > 0 && idx < len(uri)-1 {
		dbName = uri[idx+1:]
	}
	return client.Database(dbName), nil
}

func findLastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

type Store struct {
	DB *mongo.Database
}

// New 创建存储并初始化索引（重复创建无害）。
func New(db *mongo.Database) *Store {
	s := &Store{DB: db}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = s.collection().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conv_id", Value: 1}, {Key: "msg_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_conv_msg"),
		},
		{
			// 幂等键唯一索引：partial，缺省 client_msg_id 的文档不参与
			Keys: bson.D{{Key: "conv_id", Value: 1}, {Key: "client_msg_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_conv_client").
				SetPartialFilterExpression(bson.D{{Key: "client_msg_id", Value: bson.D{{Key: "$exists", Value: true}}}}),
		},
		{
			Keys:    bson.D{{Key: "receipts.user_id", Value: 1}, {Key: "receipts.state", Value: 1}, {Key: "msg_id", Value: 1}},
			Options: options.Index().SetName("idx_backlog"),
		},
	})
	return s
}

func (s *Store) collection() *mongo.Collection { return s.DB.Collection("messages") }

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.DB.Client().Disconnect(ctx)
}

// mongoReceipt/mongoMessage 为存储层内部结构，与 models 字段一一映射。
type mongoReceipt struct {
	UserID      string     `bson:"user_id"`
	State       string     `bson:"state"`
	Rank        int        `bson:"rank"`
	DeliveredAt *time.Time `bson:"delivered_at,omitempty"`
	ReadAt      *time.Time `bson:"read_at,omitempty"`
}

type mongoMessage struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	MsgID       string             `bson:"msg_id"`
	ClientMsgID string             `bson:"client_msg_id,omitempty"`
	ConvID      string             `bson:"conv_id"`
	ConvType    string             `bson:"conv_type"`
	FromUserID  string             `bson:"from_user_id"`
	ToUserID    string             `bson:"to_user_id,omitempty"`
	GroupID     string             `bson:"group_id,omitempty"`
	Type        string             `bson:"type"`
	Payload     []byte             `bson:"payload"`
	CreatedAt   time.Time          `bson:"created_at"`
	Recalled    bool               `bson:"recalled"`
	Receipts    []mongoReceipt     `bson:"receipts"`
}

func toDoc(m *models.Message) *mongoMessage {
	doc := &mongoMessage{
		MsgID:       m.ID,
		ClientMsgID: m.ClientMsgID,
		ConvID:      m.ConvID,
		ConvType:    string(m.ConvType),
		FromUserID:  m.FromUserID,
		ToUserID:    m.ToUserID,
		GroupID:     m.GroupID,
		Type:        m.Type,
		Payload:     m.Payload,
		CreatedAt:   m.CreatedAt,
		Recalled:    m.Recalled,
		Receipts:    make([]mongoReceipt, 0, len(m.Receipts)),
	}
	for i := range m.Receipts {
		rc := &m.Receipts[i]
		doc.Receipts = append(doc.Receipts, mongoReceipt{
			UserID:      rc.UserID,
			State:       string(rc.State),
			Rank:        models.StateRank(rc.State),
			DeliveredAt: rc.DeliveredAt,
			ReadAt:      rc.ReadAt,
		})
	}
	return doc
}

func toModel(doc *mongoMessage) *models.Message {
	m := &models.Message{
		ID:          doc.MsgID,
		ClientMsgID: doc.ClientMsgID,
		ConvID:      doc.ConvID,
		ConvType:    models.ConversationType(doc.ConvType),
		FromUserID:  doc.FromUserID,
		ToUserID:    doc.ToUserID,
		GroupID:     doc.GroupID,
		Type:        doc.Type,
		Payload:     doc.Payload,
		CreatedAt:   doc.CreatedAt,
		Recalled:    doc.Recalled,
		Receipts:    make([]models.Receipt, 0, len(doc.Receipts)),
	}
	for i := range doc.Receipts {
		rc := &doc.Receipts[i]
		m.Receipts = append(m.Receipts, models.Receipt{
			UserID:      rc.UserID,
			State:       models.DeliveryState(rc.State),
			DeliveredAt: rc.DeliveredAt,
			ReadAt:      rc.ReadAt,
		})
	}
	return m
}

// Append 幂等写入消息（upsert + $setOnInsert）。
func (s *Store) Append(ctx context.Context, m *models.Message) (bool, error) {
	doc := toDoc(m)
	if m.ClientMsgID == "" {
		// 无幂等键：msg_id 唯一，直接插入
		if _, err := s.collection().InsertOne(ctx, doc); err != nil {
			return false, err
		}
		return true, nil
	}

	filter := bson.D{
		{Key: "conv_id", Value: m.ConvID},
		{Key: "client_msg_id", Value: m.ClientMsgID},
	}
	update := bson.D{{Key: "$setOnInsert", Value: doc}}
	res, err := s.collection().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return false, err
	}
	return res.UpsertedCount > 0, nil
}

func (s *Store) findOne(ctx context.Context, filter bson.D) (*models.Message, error) {
	var doc mongoMessage
	err := s.collection().FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toModel(&doc), nil
}

func (s *Store) GetByID(ctx context.Context, convID, msgID string) (*models.Message, error) {
	return s.findOne(ctx, bson.D{{Key: "conv_id", Value: convID}, {Key: "msg_id", Value: msgID}})
}

func (s *Store) GetByClientID(ctx context.Context, convID, clientMsgID string) (*models.Message, error) {
	return s.findOne(ctx, bson.D{{Key: "conv_id", Value: convID}, {Key: "client_msg_id", Value: clientMsgID}})
}

// UpdateStatus 条件推进单个接收者的回执。
// read 分两步：先按 delivered 守卫补记 delivered_at，再推进到 read，
// 保证 read 先到时 delivered 档位不缺失。
func (s *Store) UpdateStatus(ctx context.Context, convID, msgID, recipient string, state models.DeliveryState, at time.Time) (bool, error) {
	rank := models.StateRank(state)
	if rank <= models.StateRank(models.StateSent) {
		return false, nil
	}

	ts := at.UTC()
	apply := func(guardRank int, set bson.D) (int64, error) {
		filter := bson.D{
			{Key: "conv_id", Value: convID},
			{Key: "msg_id", Value: msgID},
			{Key: "receipts", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
				{Key: "user_id", Value: recipient},
				{Key: "rank", Value: bson.D{{Key: "$lt", Value: guardRank}}},
			}}}},
		}
		res, err := s.collection().UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: set}})
		if err != nil {
			return 0, err
		}
		return res.ModifiedCount, nil
	}

	deliveredRank := models.StateRank(models.StateDelivered)
	switch state {
	case models.StateDelivered:
		n, err := apply(deliveredRank, bson.D{
			{Key: "receipts.$.state", Value: string(models.StateDelivered)},
			{Key: "receipts.$.rank", Value: deliveredRank},
			{Key: "receipts.$.delivered_at", Value: ts},
		})
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	case models.StateRead:
		// 第一步：delivered 档位缺失则补记（rank<2 时才会命中）
		if _, err := apply(deliveredRank, bson.D{
			{Key: "receipts.$.state", Value: string(models.StateDelivered)},
			{Key: "receipts.$.rank", Value: deliveredRank},
			{Key: "receipts.$.delivered_at", Value: ts},
		}); err != nil {
			return false, err
		}
		n, err := apply(rank, bson.D{
			{Key: "receipts.$.state", Value: string(models.StateRead)},
			{Key: "receipts.$.rank", Value: rank},
			{Key: "receipts.$.read_at", Value: ts},
		})
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	default:
		return false, nil
	}

	// 未命中：区分回执不存在与过期写
	cnt, err := s.collection().CountDocuments(ctx, bson.D{
		{Key: "conv_id", Value: convID},
		{Key: "msg_id", Value: msgID},
		{Key: "receipts.user_id", Value: recipient},
	})
	if err != nil {
		return false, err
	}
	if cnt == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) FetchRange(ctx context.Context, convID, anchorID string, limit int, dir store.Direction) ([]*models.Message, error) {
	limit = store.ClampLimit(limit)

	filter := bson.D{{Key: "conv_id", Value: convID}}
	sortDir := -1
	if dir == store.Forward {
		sortDir = 1
		if anchorID != "" {
			filter = append(filter, bson.E{Key: "msg_id", Value: bson.D{{Key: "$gt", Value: anchorID}}})
		}
	} else if anchorID != "" {
		filter = append(filter, bson.E{Key: "msg_id", Value: bson.D{{Key: "$lt", Value: anchorID}}})
	}
	opts := options.Find().SetSort(bson.D{{Key: "msg_id", Value: sortDir}}).SetLimit(int64(limit))

	cursor, err := s.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var result []*models.Message
	for cursor.Next(ctx) {
		var doc mongoMessage
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		result = append(result, toModel(&doc))
	}
	return result, cursor.Err()
}

func (s *Store) FetchContextWindow(ctx context.Context, convID string, limit int) ([]*models.Message, error) {
	msgs, err := s.FetchRange(ctx, convID, "", limit, store.Backward)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) FetchBacklog(ctx context.Context, recipient string, limit int, maxAge time.Duration) ([]*models.Message, error) {
	limit = store.ClampLimit(limit)
	filter := bson.D{
		{Key: "receipts", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
			{Key: "user_id", Value: recipient},
			{Key: "state", Value: string(models.StateSent)},
		}}}},
	}
	if maxAge > 0 {
		filter = append(filter, bson.E{Key: "created_at", Value: bson.D{{Key: "$gte", Value: time.Now().Add(-maxAge).UTC()}}})
	}
	opts := options.Find().SetSort(bson.D{{Key: "msg_id", Value: 1}}).SetLimit(int64(limit))

	cursor, err := s.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var result []*models.Message
	for cursor.Next(ctx) {
		var doc mongoMessage
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		result = append(result, toModel(&doc))
	}
	return result, cursor.Err()
}
