// Package events 投递事件流水：引擎在入库/状态推进后发 Kafka 记录，
// 下游（离线推送、审计、数仓）各自消费。fire-and-forget，
// 流水不可用不影响投递主路径。
package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"go-relay/internal/models"
)

// 事件类型
const (
	KindMessagePersisted = "message.persisted"
	KindStatusChanged    = "status.changed"
)

// Record 流水记录。按 ConvID 作分区键，同会话事件有序。
type Record struct {
	Kind       string               `json:"kind"`
	ConvID     string               `json:"convId"`
	MsgID      string               `json:"msgId"`
	From       string               `json:"from,omitempty"`
	Recipients []string             `json:"recipients,omitempty"`
	Recipient  string               `json:"recipient,omitempty"`
	State      models.DeliveryState `json:"state,omitempty"`
	At         time.Time            `json:"at"`
}

// Journal Kafka 异步生产者的薄封装。零值/nil 安全：未配置时所有方法空转。
type Journal struct {
	async sarama.AsyncProducer
	topic string
}

func NewJournal(brokersCSV, topic string) (*Journal, error) {
	brokers := []string{}
	if brokersCSV != "" {
		brokers = strings.Split(brokersCSV, ",")
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = false
	p, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Journal{async: p, topic: topic}, nil
}

func (j *Journal) publish(rec *Record) {
	if j == nil || j.async == nil {
		return
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return
	}
	j.async.Input() <- &sarama.ProducerMessage{
		Topic: j.topic,
		Key:   sarama.ByteEncoder(rec.ConvID),
		Value: sarama.ByteEncoder(value),
	}
}

// MessagePersisted 消息入库成功后记一条流水。
func (j *Journal) MessagePersisted(m *models.Message) {
	if j == nil {
		return
	}
	j.publish(&Record{
		Kind:       KindMessagePersisted,
		ConvID:     m.ConvID,
		MsgID:      m.ID,
		From:       m.FromUserID,
		Recipients: m.Recipients(),
		At:         m.CreatedAt,
	})
}

// StatusChanged 状态推进生效后记一条流水。
func (j *Journal) StatusChanged(convID, msgID, recipient string, state models.DeliveryState, at time.Time) {
	if j == nil {
		return
	}
	j.publish(&Record{
		Kind:      KindStatusChanged,
		ConvID:    convID,
		MsgID:     msgID,
		Recipient: recipient,
		State:     state,
		At:        at,
	})
}

func (j *Journal) Close() error {
	if j == nil || j.async == nil {
		return nil
	}
	return j.async.Close()
}
