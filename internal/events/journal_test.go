package events

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"go-relay/internal/models"
)

func TestNilJournalIsSafe(t *testing.T) {
	var j *Journal
	j.MessagePersisted(&models.Message{ID: "m-001", ConvID: "c2c:u1:u2"})
	j.StatusChanged("c2c:u1:u2", "m-001", "u2", models.StateRead, time.Now())
	if err := j.Close(); err != nil {
		t.Fatalf("close nil journal: %v", err)
	}
}

func TestZeroJournalIsSafe(t *testing.T) {
	j := &Journal{}
	j.MessagePersisted(&models.Message{ID: "m-001", ConvID: "c2c:u1:u2"})
	j.StatusChanged("c2c:u1:u2", "m-001", "u2", models.StateDelivered, time.Now())
	if err := j.Close(); err != nil {
		t.Fatalf("close zero journal: %v", err)
	}
}

func TestMessagePersistedRecord(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, sarama.NewConfig())
	j := &Journal{async: mp, topic: "relay-events"}

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := &models.Message{
		ID:         "m-001",
		ConvID:     "group:g1",
		FromUserID: "u1",
		CreatedAt:  at,
		Receipts: []models.Receipt{
			{UserID: "u2", State: models.StateSent},
			{UserID: "u3", State: models.StateSent},
		},
	}

	mp.ExpectInputWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		if pm.Topic != "relay-events" {
			return fmt.Errorf("topic = %s", pm.Topic)
		}
		key, err := pm.Key.Encode()
		if err != nil {
			return err
		}
		// 分区键取会话 ID，保证同会话流水有序
		if string(key) != "group:g1" {
			return fmt.Errorf("key = %s", key)
		}
		value, err := pm.Value.Encode()
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		if rec.Kind != KindMessagePersisted {
			return fmt.Errorf("kind = %s", rec.Kind)
		}
		if rec.ConvID != "group:g1" || rec.MsgID != "m-001" || rec.From != "u1" {
			return fmt.Errorf("unexpected record: %+v", rec)
		}
		if len(rec.Recipients) != 2 || rec.Recipients[0] != "u2" || rec.Recipients[1] != "u3" {
			return fmt.Errorf("recipients = %v", rec.Recipients)
		}
		if !rec.At.Equal(at) {
			return fmt.Errorf("at = %v", rec.At)
		}
		return nil
	})

	j.MessagePersisted(msg)
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestStatusChangedRecord(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, sarama.NewConfig())
	j := &Journal{async: mp, topic: "relay-events"}

	at := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)

	mp.ExpectInputWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		var rec Record
		value, err := pm.Value.Encode()
		if err != nil {
			return err
		}
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		if rec.Kind != KindStatusChanged {
			return fmt.Errorf("kind = %s", rec.Kind)
		}
		if rec.ConvID != "c2c:u1:u2" || rec.MsgID != "m-001" || rec.Recipient != "u2" {
			return fmt.Errorf("unexpected record: %+v", rec)
		}
		if rec.State != models.StateRead {
			return fmt.Errorf("state = %s", rec.State)
		}
		if !rec.At.Equal(at) {
			return fmt.Errorf("at = %v", rec.At)
		}
		return nil
	})

	j.StatusChanged("c2c:u1:u2", "m-001", "u2", models.StateRead, at)
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
