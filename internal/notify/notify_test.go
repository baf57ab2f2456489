package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaNotifier(t *testing.T) {
	w := &fakeWriter{}
	n := &KafkaNotifier{w: w}
	at := time.Date(2023, 3, 31, 14, 0, 0, 0, time.UTC)

	err := n.Notify(context.Background(), Change{
		PatientID: "46542111", EpisodeID: "3", CaseID: "case-1",
		Operations: []string{"753651"}, Discharged: true, Message: "out_room_at: (empty) -> 2023-03-31 14:00:00", At: at,
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "46542111/3" {
		t.Errorf("unexpected key %s", msg.Key)
	}
	var got Change
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Discharged || got.CaseID != "case-1" || !got.At.Equal(at) {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestKafkaNotifier_WriteError(t *testing.T) {
	n := &KafkaNotifier{w: &fakeWriter{err: errors.New("broker unavailable")}}
	if err := n.Notify(context.Background(), Change{PatientID: "p", EpisodeID: "e"}); err == nil {
		t.Fatal("expected publish error")
	}
}
