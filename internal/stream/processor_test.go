package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lumabridge/lumabridge/internal/bridge"
)

type fakeRefresher struct {
	calls int
}

func (f *fakeRefresher) RequestRefresh() bool {
	f.calls++
	return f.calls == 1
}

func runProcessor(t *testing.T, cfg Config, frames []bridge.Frame) ([]Event, error) {
	t.Helper()
	ch := make(chan bridge.Frame, len(frames))
	for _, f := range frames {
		ch <- f
	}
	var events []Event
	proc := NewProcessor(cfg, nil, nil)
	err := proc.Run(context.Background(), "req-test", ch, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

func contentOf(events []Event) string {
	out := ""
	for _, ev := range events {
		if ev.Kind == EventContent {
			out += ev.Text
		}
	}
	return out
}

func TestTextStreamingSuccess(t *testing.T) {
	events, err := runProcessor(t, Config{}, []bridge.Frame{
		bridge.TextFrame(`a0:"Hel"`),
		bridge.TextFrame(`a0:"lo"`),
		bridge.TextFrame(`ad:{"finishReason":"stop"}`),
		bridge.DoneFrame(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := contentOf(events); got != "Hello" {
		t.Fatalf("expected content %q, got %q", "Hello", got)
	}
	var finish *Event
	for i := range events {
		if events[i].Kind == EventFinish {
			finish = &events[i]
		}
	}
	if finish == nil || finish.FinishReason != "stop" {
		t.Fatalf("expected finish event with stop, got %+v", finish)
	}
}

func TestRecordsSplitAcrossFragments(t *testing.T) {
	events, err := runProcessor(t, Config{}, []bridge.Frame{
		bridge.TextFrame(`a0:"Hel`),
		bridge.TextFrame(`lo"`),
		bridge.TextFrame("\n" + `b0:" world"`),
		bridge.DoneFrame(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := contentOf(events); got != "Hello world" {
		t.Fatalf("expected %q, got %q", "Hello world", got)
	}
}

func TestReasoningThenContent(t *testing.T) {
	cfg := Config{ReasoningEnabled: true, StreamReasoning: true}
	events, err := runProcessor(t, cfg, []bridge.Frame{
		bridge.TextFrame(`ag:"Think"`),
		bridge.TextFrame(`ag:"ing"`),
		bridge.TextFrame(`a0:"Answer"`),
		bridge.TextFrame(`ad:{"finishReason":"stop"}`),
		bridge.DoneFrame(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var kinds []EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{EventReasoning, EventReasoning, EventReasoningEnd, EventContent, EventFinish}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(kinds), kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d: expected kind %d, got %d", i, want[i], kinds[i])
		}
	}
	if events[0].Text != "Think" || events[1].Text != "ing" {
		t.Fatalf("unexpected reasoning deltas: %q %q", events[0].Text, events[1].Text)
	}
	if events[3].Text != "Answer" {
		t.Fatalf("unexpected content: %q", events[3].Text)
	}
}

func TestReasoningAggregatedWhenStreamingOff(t *testing.T) {
	cfg := Config{ReasoningEnabled: true, StreamReasoning: false}
	events, err := runProcessor(t, cfg, []bridge.Frame{
		bridge.TextFrame(`ag:"part one "`),
		bridge.TextFrame(`ag:"part two"`),
		bridge.TextFrame(`a0:"content"`),
		bridge.DoneFrame(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var complete *Event
	for i := range events {
		if events[i].Kind == EventReasoningComplete {
			if complete != nil {
				t.Fatal("expected exactly one aggregated reasoning event")
			}
			complete = &events[i]
		}
		if events[i].Kind == EventReasoning {
			t.Fatal("no reasoning deltas expected when streaming is off")
		}
	}
	if complete == nil || complete.Text != "part one part two" {
		t.Fatalf("unexpected aggregated reasoning: %+v", complete)
	}
}

func TestRetryAdvisoryThenSuccess(t *testing.T) {
	events, err := runProcessor(t, Config{}, []bridge.Frame{
		{Kind: bridge.FrameRetry, Retry: &bridge.RetryInfo{Attempt: 1, MaxAttempts: 5, Reason: "empty_response"}},
		bridge.TextFrame(`a0:"ok"`),
		bridge.TextFrame(`ad:{"finishReason":"stop"}`),
		bridge.DoneFrame(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if events[0].Kind != EventRetry || events[0].Retry.Attempt != 1 {
		t.Fatalf("expected leading retry event, got %+v", events[0])
	}
	if got := contentOf(events); got != "ok" {
		t.Fatalf("expected content %q, got %q", "ok", got)
	}
	for _, ev := range events {
		if ev.Kind == EventError {
			t.Fatalf("no error expected, got %+v", ev)
		}
	}
}

func TestErrorDescriptorTerminates(t *testing.T) {
	events, err := runProcessor(t, Config{}, []bridge.Frame{
		bridge.ErrorFrame("upstream exploded"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventError || events[0].Err != "upstream exploded" {
		t.Fatalf("expected single error event, got %+v", events)
	}
}

func TestInlineErrorRecord(t *testing.T) {
	events, err := runProcessor(t, Config{}, []bridge.Frame{
		bridge.TextFrame(`{"error": "rate limited"}`),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventError || events[0].Err != "rate limited" {
		t.Fatalf("expected error event, got %+v", events)
	}
}

func TestInterstitialTriggersSingleRefresh(t *testing.T) {
	refresher := &fakeRefresher{}
	ch := make(chan bridge.Frame, 1)
	ch <- bridge.TextFrame(`<title>Just a moment...</title>`)

	proc := NewProcessor(Config{}, nil, refresher)
	var events []Event
	if err := proc.Run(context.Background(), "req-cf", ch, func(ev Event) error {
		events = append(events, ev)
		return nil
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected exactly one refresh request, got %d", refresher.calls)
	}
	if len(events) != 2 || events[0].Kind != EventFinish || events[0].FinishReason != "content_filter" {
		t.Fatalf("expected content_filter finish event, got %+v", events)
	}
	if events[1].Kind != EventError {
		t.Fatalf("expected terminal error event, got %+v", events)
	}
}

func TestImageRecordSplicedAndDeduplicated(t *testing.T) {
	record := `a2:[{"type":"image","image":"https://example.com/cat.png"}]`
	events, err := runProcessor(t, Config{}, []bridge.Frame{
		bridge.TextFrame(record),
		bridge.TextFrame(record),
		bridge.DoneFrame(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "![Image](https://example.com/cat.png)"
	if got := contentOf(events); got != want {
		t.Fatalf("expected one spliced image %q, got %q", want, got)
	}
}

func TestMalformedEscapeSkipped(t *testing.T) {
	events, err := runProcessor(t, Config{}, []bridge.Frame{
		bridge.TextFrame(`a0:"bad\u00zz"` + "\n" + `a0:"good"`),
		bridge.DoneFrame(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := contentOf(events); got != "good" {
		t.Fatalf("expected malformed record skipped, got %q", got)
	}
}

func TestUnknownTagsIgnored(t *testing.T) {
	events, err := runProcessor(t, Config{}, []bridge.Frame{
		bridge.TextFrame(`zz:"mystery"` + "\n" + `a0:"kept"`),
		bridge.DoneFrame(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := contentOf(events); got != "kept" {
		t.Fatalf("expected only tagged content, got %q", got)
	}
}

func TestReadTimeout(t *testing.T) {
	ch := make(chan bridge.Frame)
	proc := NewProcessor(Config{ReadTimeout: 50 * time.Millisecond}, nil, nil)
	var events []Event
	err := proc.Run(context.Background(), "req-slow", ch, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	if !errors.Is(err, bridge.ErrChannelTimeout) {
		t.Fatalf("expected channel timeout, got %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventError {
		t.Fatalf("expected timeout error event, got %+v", events)
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	payloads := []string{
		`line one\nline two`,
		`quote \" inside`,
		`unicode é`,
	}
	for _, escaped := range payloads {
		decoded, err := unescape(escaped)
		if err != nil {
			t.Fatalf("unescape(%q): %v", escaped, err)
		}
		if decoded == "" {
			t.Fatalf("unescape(%q) yielded empty string", escaped)
		}
		quoted, err := json.Marshal(decoded)
		if err != nil {
			t.Fatalf("re-escape %q: %v", decoded, err)
		}
		if reescaped := string(quoted[1 : len(quoted)-1]); reescaped != escaped {
			t.Fatalf("round trip of %q gave %q", escaped, reescaped)
		}
	}
}
