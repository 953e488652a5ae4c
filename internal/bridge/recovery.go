package bridge

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/lumabridge/lumabridge/internal/openai"
)

// putTimeoutDefault bounds every queue put issued by the recovery engine,
// breaking the producer/consumer cycle between the peer acceptor and the
// replayer.
const putTimeoutDefault = 10 * time.Second

// DispatchFunc performs a full first dispatch of a parked request and
// returns the allocated request id. Supplied by the HTTP dispatcher.
type DispatchFunc func(req openai.ChatCompletionRequest) (string, error)

// Recovery replays parked and orphaned requests when the agent reconnects.
// There is exactly one consumer task (Run); producers are the HTTP path
// (Park) and the peer acceptor (OnPeerConnect), both put-bounded.
type Recovery struct {
	queue    *PendingQueue
	channel  *AgentChannel
	registry *Registry
	dispatch DispatchFunc

	putTimeout   time.Duration
	retryTimeout time.Duration
	// interDelay spaces successive replays so a reconnecting agent is not
	// flooded with every parked request at once.
	interDelay time.Duration
}

// NewRecovery wires the recovery engine. retryTimeout is the
// retry_timeout_seconds window parked callers wait for.
func NewRecovery(queue *PendingQueue, channel *AgentChannel, registry *Registry, dispatch DispatchFunc, retryTimeout time.Duration) *Recovery {
	return &Recovery{
		queue:        queue,
		channel:      channel,
		registry:     registry,
		dispatch:     dispatch,
		putTimeout:   putTimeoutDefault,
		retryTimeout: retryTimeout,
		interDelay:   time.Second,
	}
}

// SetDispatch installs the dispatcher callback. The HTTP server provides
// it after construction; the two reference each other.
func (r *Recovery) SetDispatch(fn DispatchFunc) { r.dispatch = fn }

// SetReplayDelay overrides the spacing between successive replays.
func (r *Recovery) SetReplayDelay(d time.Duration) { r.interDelay = d }

// Park holds a fresh request until the agent reconnects and the replayer
// dispatches it, or the retry window closes. Returns the allocated request
// id on success.
func (r *Recovery) Park(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.retryTimeout)
	defer cancel()

	entry := &PendingEntry{
		Request:  req,
		Result:   make(chan PendingResult, 1),
		Deadline: time.Now().Add(r.retryTimeout),
	}
	if err := r.queue.Offer(ctx, entry); err != nil {
		return "", err
	}
	log.Printf("recovery: request parked, backlog=%d", r.queue.Len())

	select {
	case res := <-entry.Result:
		return res.RequestID, res.Err
	case <-ctx.Done():
		return "", ErrRecoveryTimeout
	}
}

// OnPeerConnect re-offers every in-flight request whose agent connection
// dropped. Requests without a stored task frame are drained with a single
// error and [DONE]; so are requests whose re-offer times out.
func (r *Recovery) OnPeerConnect() {
	open := r.registry.OpenIDs()
	if len(open) == 0 {
		return
	}
	log.Printf("recovery: %d in-flight requests to replay", len(open))

	for _, id := range open {
		meta, ok := r.registry.Meta(id)
		if !ok || len(meta.TaskFrame) == 0 {
			log.Printf("[WARN] recovery: no payload recorded for %s, draining", shortID(id))
			r.registry.Drain(id, "request data lost during reconnection")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.putTimeout)
		err := r.queue.Offer(ctx, &PendingEntry{
			ReplayID: id,
			Deadline: time.Now().Add(r.retryTimeout),
		})
		cancel()
		if err != nil {
			log.Printf("[WARN] recovery: replay offer for %s timed out, draining", shortID(id))
			r.registry.Drain(id, "recovery queue saturated during reconnection")
		}
	}
}

// Run is the single replayer task. It activates whenever a peer is
// present and processes entries in arrival order.
func (r *Recovery) Run(ctx context.Context) {
	for {
		var entry *PendingEntry
		select {
		case <-ctx.Done():
			return
		case entry = <-r.queue.ch:
		}
		r.process(ctx, entry)
		if r.interDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.interDelay):
			}
		}
	}
}

func (r *Recovery) process(ctx context.Context, entry *PendingEntry) {
	wait := time.Until(entry.Deadline)
	if wait < 0 {
		wait = 0
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	stop := make(chan struct{})
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-deadline.C:
		case <-ctx.Done():
		case <-finished:
		}
		close(stop)
	}()

	if err := r.channel.AwaitPeer(stop); err != nil {
		r.fail(entry, err)
		return
	}

	if entry.ReplayID != "" {
		r.replay(entry)
		return
	}

	id, err := r.dispatch(entry.Request)
	if errors.Is(err, ErrNoPeer) && time.Now().Before(entry.Deadline) {
		// Peer vanished between the await and the send; requeue within the
		// entry's own deadline.
		offerCtx, cancel := context.WithTimeout(ctx, r.putTimeout)
		defer cancel()
		if r.queue.Offer(offerCtx, entry) == nil {
			return
		}
	}
	select {
	case entry.Result <- PendingResult{RequestID: id, Err: err}:
	default:
	}
}

func (r *Recovery) replay(entry *PendingEntry) {
	meta, ok := r.registry.Meta(entry.ReplayID)
	if !ok {
		// Completed or swept while queued; nothing to do.
		return
	}
	if err := r.channel.Send(meta.TaskFrame); err != nil {
		log.Printf("[WARN] recovery: replay send for %s failed: %v", shortID(entry.ReplayID), err)
		r.registry.Drain(entry.ReplayID, "replay failed: "+err.Error())
		return
	}
	log.Printf("recovery: replayed request %s", shortID(entry.ReplayID))
}

func (r *Recovery) fail(entry *PendingEntry, err error) {
	if entry.ReplayID != "" {
		r.registry.Drain(entry.ReplayID, "agent did not reconnect in time")
		return
	}
	select {
	case entry.Result <- PendingResult{Err: err}:
	default:
	}
}
