// Package notify publishes episode change messages for downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Change describes one episode whose platform records were written.
type Change struct {
	PatientID  string    `json:"patient_id"`
	EpisodeID  string    `json:"episode_id"`
	CaseID     string    `json:"case_id"`
	New        bool      `json:"new"`
	Operations []string  `json:"operations"`
	Discharged bool      `json:"discharged"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, c Change) error
	Close() error
}

// Nop discards every change.
type Nop struct{}

func (Nop) Notify(context.Context, Change) error { return nil }
func (Nop) Close() error                         { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier writes one JSON message per change, keyed by patient and
// episode so a consumer sees an episode's changes in order.
type KafkaNotifier struct {
	w messageWriter
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}}
}

func (k *KafkaNotifier) Notify(ctx context.Context, c Change) error {
	value, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(c.PatientID + "/" + c.EpisodeID),
		Value: value,
		Time:  c.At,
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish change %s/%s: %w", c.PatientID, c.EpisodeID, err)
	}
	return nil
}

func (k *KafkaNotifier) Close() error { return k.w.Close() }
