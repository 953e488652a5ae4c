package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lumabridge/lumabridge/internal/openai"
)

func testRequest() openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: "m-text",
		Messages: []openai.ChatMessage{
			{Role: "user", Content: openai.MessageContent{Text: "hi"}},
		},
	}
}

func TestOfferHonorsDeadline(t *testing.T) {
	q := NewPendingQueue()
	for i := 0; i < pendingCapacity; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if err := q.Offer(ctx, &PendingEntry{}); err != nil {
			t.Fatalf("Offer %d: %v", i, err)
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.Offer(ctx, &PendingEntry{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
}

func TestParkDispatchesOnceAgentConnects(t *testing.T) {
	registry := NewRegistry()
	channel := NewAgentChannel(registry, true)
	queue := NewPendingQueue()

	dispatched := make(chan openai.ChatCompletionRequest, 1)
	recovery := NewRecovery(queue, channel, registry, func(req openai.ChatCompletionRequest) (string, error) {
		dispatched <- req
		return "req-dispatched", nil
	}, 5*time.Second)
	recovery.interDelay = 0
	channel.SetOnConnect(recovery.OnPeerConnect)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recovery.Run(ctx)

	_, wsURL := newAgentServer(t, channel)

	parked := make(chan PendingResult, 1)
	go func() {
		id, err := recovery.Park(context.Background(), testRequest())
		parked <- PendingResult{RequestID: id, Err: err}
	}()

	// Give the park a moment to enqueue before the agent shows up.
	time.Sleep(50 * time.Millisecond)
	dialAgent(t, wsURL)

	select {
	case req := <-dispatched:
		if req.Model != "m-text" {
			t.Fatalf("unexpected dispatched request: %+v", req)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("request never dispatched after reconnect")
	}

	select {
	case res := <-parked:
		if res.Err != nil || res.RequestID != "req-dispatched" {
			t.Fatalf("unexpected park result: %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("park result not delivered")
	}
}
