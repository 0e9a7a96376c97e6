package kafka

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/quizlive/internal/domain"
)

type fakeProcessor struct {
	msgs []domain.ScoreUpdate
	err  error
}

func (p *fakeProcessor) ProcessScoreUpdate(_ context.Context, msg domain.ScoreUpdate) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func newTestConsumer(p Processor) *Consumer {
	return &Consumer{
		processor: p,
		logger:    slog.Default(),
	}
}

func TestHandleAcksProcessedMessage(t *testing.T) {
	proc := &fakeProcessor{}
	c := newTestConsumer(proc)

	payload := []byte(`{"userId":"u1","quizId":"quiz-1","score":15,"scoreIncrement":5}`)
	ack, err := c.handle(context.Background(), payload)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !ack {
		t.Fatal("expected ack for processed message")
	}

	if len(proc.msgs) != 1 {
		t.Fatalf("expected 1 processed message, got %d", len(proc.msgs))
	}
	msg := proc.msgs[0]
	if msg.UserID != "u1" || msg.QuizID != "quiz-1" || msg.Score != 15 || msg.ScoreIncrement != 5 {
		t.Fatalf("unexpected decoded message: %+v", msg)
	}
}

func TestHandleRequeuesOnProcessorFailure(t *testing.T) {
	procErr := errors.New("store unavailable")
	c := newTestConsumer(&fakeProcessor{err: procErr})

	ack, err := c.handle(context.Background(), []byte(`{"userId":"u1","quizId":"quiz-1","score":15}`))
	if !errors.Is(err, procErr) {
		t.Fatalf("expected processor error surfaced, got %v", err)
	}
	if ack {
		t.Fatal("failed message must not be acked")
	}
}

func TestHandleAcksMalformedPayload(t *testing.T) {
	proc := &fakeProcessor{}
	c := newTestConsumer(proc)

	ack, err := c.handle(context.Background(), []byte(`{not json`))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !ack {
		t.Fatal("poison message must be acked, not requeued")
	}
	if len(proc.msgs) != 0 {
		t.Fatalf("malformed payload must not reach the processor, got %d", len(proc.msgs))
	}
}

func TestHandleAcksIncompleteMessage(t *testing.T) {
	proc := &fakeProcessor{}
	c := newTestConsumer(proc)

	cases := []string{
		`{"quizId":"quiz-1","score":15}`,
		`{"userId":"u1","score":15}`,
		`{}`,
	}
	for i, payload := range cases {
		ack, err := c.handle(context.Background(), []byte(payload))
		if err != nil {
			t.Fatalf("case %d: handle: %v", i, err)
		}
		if !ack {
			t.Fatalf("case %d: incomplete message must be acked", i)
		}
	}
	if len(proc.msgs) != 0 {
		t.Fatalf("incomplete messages must not reach the processor, got %d", len(proc.msgs))
	}
}
