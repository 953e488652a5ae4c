package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lumabridge/lumabridge/internal/bridge"
)

// ImageResolver turns an upstream image URL into the markdown reference
// spliced into the content stream (fetching, converting, or archiving as
// configured).
type ImageResolver interface {
	ResolveImage(ctx context.Context, requestID, url string) string
}

// Refresher receives the page-refresh signal on interstitial detection.
// *bridge.AgentChannel satisfies it.
type Refresher interface {
	RequestRefresh() bool
}

// Config carries the per-process stream options.
type Config struct {
	// ReadTimeout bounds each wait for the next frame.
	ReadTimeout time.Duration
	// ReasoningEnabled controls whether reasoning reaches the client at all.
	ReasoningEnabled bool
	// StreamReasoning streams reasoning deltas as they arrive; when false
	// the reasoning is aggregated and emitted once at the end.
	StreamReasoning bool
}

// Processor is the state machine over the upstream record stream. One
// instance serves one request.
type Processor struct {
	cfg       Config
	images    ImageResolver
	refresher Refresher
}

// NewProcessor builds a processor. images and refresher may be nil; images
// then pass through as plain markdown links and interstitials only error.
func NewProcessor(cfg Config, images ImageResolver, refresher Refresher) *Processor {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 360 * time.Second
	}
	return &Processor{cfg: cfg, images: images, refresher: refresher}
}

// Run consumes the request's frame channel until the done sentinel, a
// terminal error, or the read timeout, emitting events in record order.
// Reasoning deltas precede the first content delta; images are spliced at
// the point they resolve.
func (p *Processor) Run(ctx context.Context, requestID string, frames <-chan bridge.Frame, emit func(Event) error) error {
	var (
		buffer          strings.Builder
		hasReasoning    bool
		reasoningEnded  bool
		reasoningParts  []string
		seenImages      = map[string]struct{}{}
		timer           = time.NewTimer(p.cfg.ReadTimeout)
	)
	defer timer.Stop()

	fail := func(msg string) error {
		return emit(Event{Kind: EventError, Err: msg})
	}

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.cfg.ReadTimeout)

		var frame bridge.Frame
		select {
		case <-ctx.Done():
			log.Printf("processor [%s]: cancelled", short(requestID))
			return ctx.Err()
		case <-timer.C:
			log.Printf("[WARN] processor [%s]: no upstream data for %s", short(requestID), p.cfg.ReadTimeout)
			if err := fail(fmt.Sprintf("Response timed out after %d seconds.", int(p.cfg.ReadTimeout.Seconds()))); err != nil {
				return err
			}
			return bridge.ErrChannelTimeout
		case frame = <-frames:
		}

		switch frame.Kind {
		case bridge.FrameRetry:
			log.Printf("processor [%s]: agent retry attempt=%d/%d reason=%s",
				short(requestID), frame.Retry.Attempt, frame.Retry.MaxAttempts, frame.Retry.Reason)
			if err := emit(Event{Kind: EventRetry, Retry: frame.Retry}); err != nil {
				return err
			}
			continue

		case bridge.FrameError:
			return p.handleErrorFrame(requestID, frame.ErrMessage, emit, fail)

		case bridge.FrameDone:
			return p.finish(hasReasoning, reasoningParts, emit)

		case bridge.FrameText:
			buffer.WriteString(frame.Text)
		}

		buf := buffer.String()

		if hasInterstitial(buf) {
			if err := emit(Event{Kind: EventFinish, FinishReason: "content_filter"}); err != nil {
				return err
			}
			return fail(p.interstitialMessage(requestID))
		}

		if m := errorPattern.FindStringSubmatch(buf); m != nil {
			var rec errorRecord
			if json.Unmarshal([]byte(m[1]), &rec) == nil && len(rec.Error) > 0 {
				return fail(rec.message())
			}
		}

		// Reasoning records first; the upstream closes the reasoning block
		// before the first content record.
		for {
			m := reasoningPattern.FindStringSubmatchIndex(buf)
			if m == nil {
				break
			}
			payload, err := unescape(buf[m[2]:m[3]])
			buf = buf[m[1]:]
			if err != nil {
				log.Printf("[WARN] processor [%s]: bad reasoning escape: %v", short(requestID), err)
				continue
			}
			if payload == "" {
				continue
			}
			if reasoningEnded {
				log.Printf("[WARN] processor [%s]: reasoning record after content began", short(requestID))
			}
			hasReasoning = true
			reasoningParts = append(reasoningParts, payload)
			if p.cfg.ReasoningEnabled && p.cfg.StreamReasoning {
				if err := emit(Event{Kind: EventReasoning, Text: payload}); err != nil {
					return err
				}
			}
		}

		for {
			m := textPattern.FindStringSubmatchIndex(buf)
			if m == nil {
				break
			}
			payload, err := unescape(buf[m[2]:m[3]])
			buf = buf[m[1]:]
			if err != nil {
				log.Printf("[WARN] processor [%s]: bad text escape: %v", short(requestID), err)
				continue
			}
			if payload == "" {
				continue
			}
			if hasReasoning && !reasoningEnded {
				reasoningEnded = true
				if p.cfg.ReasoningEnabled {
					if err := emit(Event{Kind: EventReasoningEnd}); err != nil {
						return err
					}
				}
			}
			if err := emit(Event{Kind: EventContent, Text: payload}); err != nil {
				return err
			}
		}

		for {
			m := imagePattern.FindStringSubmatchIndex(buf)
			if m == nil {
				break
			}
			payload := buf[m[2]:m[3]]
			buf = buf[m[1]:]
			markdown, ok := p.resolveImageRecord(ctx, requestID, payload, seenImages)
			if !ok {
				continue
			}
			if err := emit(Event{Kind: EventContent, Text: markdown}); err != nil {
				return err
			}
		}

		if m := finishPattern.FindStringSubmatchIndex(buf); m != nil {
			var rec finishRecord
			if err := json.Unmarshal([]byte(buf[m[2]:m[3]]), &rec); err == nil {
				reason := rec.FinishReason
				if reason == "" {
					reason = "stop"
				}
				if err := emit(Event{Kind: EventFinish, FinishReason: reason}); err != nil {
					return err
				}
			}
			buf = buf[m[1]:]
		}

		buffer.Reset()
		buffer.WriteString(buf)
	}
}

// finish runs on the done sentinel: aggregated reasoning (when delta
// streaming is off) is flushed before the caller emits its terminal chunk.
func (p *Processor) finish(hasReasoning bool, reasoningParts []string, emit func(Event) error) error {
	if p.cfg.ReasoningEnabled && hasReasoning && !p.cfg.StreamReasoning {
		return emit(Event{Kind: EventReasoningComplete, Text: strings.Join(reasoningParts, "")})
	}
	return nil
}

func (p *Processor) handleErrorFrame(requestID, msg string, emit func(Event) error, fail func(string) error) error {
	if strings.Contains(msg, "413") || strings.Contains(strings.ToLower(msg), "too large") {
		log.Printf("[WARN] processor [%s]: attachment rejected upstream (413)", short(requestID))
		return fail("Upload failed: the attachment exceeds the upstream size limit (around 5MB). Compress the file and retry.")
	}
	if hasInterstitial(msg) {
		if err := emit(Event{Kind: EventFinish, FinishReason: "content_filter"}); err != nil {
			return err
		}
		return fail(p.interstitialMessage(requestID))
	}
	return fail(msg)
}

func (p *Processor) interstitialMessage(requestID string) string {
	if p.refresher != nil && p.refresher.RequestRefresh() {
		log.Printf("[WARN] processor [%s]: interstitial detected, refresh issued", short(requestID))
		return "Human verification page detected; a page refresh was issued. Retry shortly."
	}
	log.Printf("processor [%s]: interstitial detected, refresh already pending", short(requestID))
	return "Waiting for human verification to complete..."
}

// resolveImageRecord parses an a2/b2 descriptor and resolves it to a
// markdown image. Duplicate URLs within one response are suppressed.
func (p *Processor) resolveImageRecord(ctx context.Context, requestID, payload string, seen map[string]struct{}) (string, bool) {
	var descriptors []imageDescriptor
	if err := json.Unmarshal([]byte(payload), &descriptors); err != nil {
		log.Printf("[WARN] processor [%s]: bad image record: %v", short(requestID), err)
		return "", false
	}
	if len(descriptors) == 0 {
		return "", false
	}
	d := descriptors[0]
	if d.Type != "image" || d.Image == "" {
		return "", false
	}
	if _, dup := seen[d.Image]; dup {
		return "", false
	}
	seen[d.Image] = struct{}{}

	if p.images == nil {
		return fmt.Sprintf("![Image](%s)", d.Image), true
	}
	return p.images.ResolveImage(ctx, requestID, d.Image), true
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
