// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

// Package hub provides inter-plugin messaging: priority-queued delivery,
// broadcast, request/response with correlation ids, and a service
// registry for direct calls.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/oklog/ulid/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/samber/oops"
)

// BroadcastTopic addresses every subscription regardless of topic.
const BroadcastTopic = "*"

// Message is one unit of inter-plugin communication.
type Message struct {
	ID            ulid.ULID
	Topic         string
	Sender        string
	Target        string // non-empty restricts delivery to one plugin
	Priority      int    // higher drains first
	Payload       []byte
	CorrelationID string // set on requests and their replies
	Error         string // set on failed request replies
	Timestamp     time.Time
}

// Handler consumes a delivered message. The returned payload answers the
// request when the message carries a correlation id; it is discarded for
// plain publishes.
type Handler func(ctx context.Context, msg Message) ([]byte, error)

// subscription routes one topic to one plugin's handler.
type subscription struct {
	pluginID string
	topic    string
	handler  Handler
}

// pendingReply tracks one in-flight request so the waiter can be failed
// when its owner deregisters.
type pendingReply struct {
	requester string
	ch        chan Message
}

// queued adapts Message to the priority queue. Higher priority drains
// first; equal priorities keep FIFO order via the enqueue sequence.
type queued struct {
	msg Message
	seq uint64
}

// Compare implements queue.Item. Negative means this item drains first.
func (q *queued) Compare(other queue.Item) int {
	o, ok := other.(*queued)
	if !ok {
		return 0
	}
	if q.msg.Priority != o.msg.Priority {
		if q.msg.Priority > o.msg.Priority {
			return -1
		}
		return 1
	}
	switch {
	case q.seq < o.seq:
		return -1
	case q.seq > o.seq:
		return 1
	default:
		return 0
	}
}

// Options configures a Hub.
type Options struct {
	// Workers sizes the delivery pool. Defaults to 4.
	Workers int
	// QueueHint pre-sizes the priority queue. Defaults to 64.
	QueueHint int
	// RequestTimeout bounds Request when the caller's context carries no
	// deadline. Defaults to 5s.
	RequestTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueHint <= 0 {
		o.QueueHint = 64
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	return o
}

// Hub is the communication fabric between plugins and the host. One
// dispatcher goroutine drains the priority queue and hands deliveries to
// a worker pool. Safe for concurrent use.
type Hub struct {
	opts  Options
	queue *queue.PriorityQueue
	pool  *ants.Pool

	mu       sync.RWMutex
	subs     map[string][]subscription // topic -> subscriptions
	services map[string]*Service
	pending  map[string]pendingReply // correlation id -> waiter

	seq    atomic.Uint64
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates and starts a hub.
func New(opts Options) (*Hub, error) {
	opts = opts.withDefaults()

	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, oops.In("hub").Code("EXECUTION_FAILED").Hint("failed to create worker pool").Wrap(err)
	}

	h := &Hub{
		opts:     opts,
		queue:    queue.NewPriorityQueue(opts.QueueHint, false),
		pool:     pool,
		subs:     make(map[string][]subscription),
		services: make(map[string]*Service),
		pending:  make(map[string]pendingReply),
	}

	h.wg.Add(1)
	go h.dispatch()
	return h, nil
}

// Close stops the dispatcher, releases the pool, and fails pending
// requests. Idempotent.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.queue.Dispose()
	h.wg.Wait()
	h.pool.Release()

	h.mu.Lock()
	for id, p := range h.pending {
		close(p.ch)
		delete(h.pending, id)
	}
	h.mu.Unlock()
}

// Subscribe registers a handler for a plugin on one topic. Subscribing
// to BroadcastTopic receives everything.
func (h *Hub) Subscribe(pluginID, topic string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[topic] = append(h.subs[topic], subscription{pluginID: pluginID, topic: topic, handler: fn})
}

// Unsubscribe removes a plugin's subscription from one topic.
func (h *Hub) Unsubscribe(pluginID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[topic]
	kept := subs[:0]
	for _, s := range subs {
		if s.pluginID != pluginID {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(h.subs, topic)
	} else {
		h.subs[topic] = kept
	}
}

// Publish enqueues a message for all subscribers of its topic.
func (h *Hub) Publish(msg Message) error {
	return h.enqueue(msg)
}

// Broadcast enqueues a message for every subscription.
func (h *Hub) Broadcast(msg Message) error {
	msg.Topic = BroadcastTopic
	return h.enqueue(msg)
}

// Request sends a message to the target plugin and waits for its reply
// or a timeout. The reply payload comes from the target handler's return
// value; correlation is by ULID.
func (h *Hub) Request(ctx context.Context, target string, msg Message) (Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.RequestTimeout)
		defer cancel()
	}

	corr := ulid.Make().String()
	msg.Target = target
	msg.CorrelationID = corr

	reply := make(chan Message, 1)
	h.mu.Lock()
	h.pending[corr] = pendingReply{requester: msg.Sender, ch: reply}
	h.mu.Unlock()

	cleanup := func() {
		h.mu.Lock()
		delete(h.pending, corr)
		h.mu.Unlock()
	}

	if err := h.enqueue(msg); err != nil {
		cleanup()
		return Message{}, err
	}

	select {
	case <-ctx.Done():
		cleanup()
		return Message{}, oops.In("hub").
			Code("REQUEST_TIMEOUT").
			With("target", target).
			With("correlation_id", corr).
			Wrap(ctx.Err())
	case resp, ok := <-reply:
		cleanup()
		if !ok {
			return Message{}, oops.In("hub").Code("EXECUTION_FAILED").New("hub closed while waiting for reply")
		}
		if resp.Error != "" {
			return resp, oops.In("hub").
				Code("EXECUTION_FAILED").
				With("target", target).
				New(resp.Error)
		}
		return resp, nil
	}
}

// enqueue stamps and queues a message.
func (h *Hub) enqueue(msg Message) error {
	if h.closed.Load() {
		return oops.In("hub").Code("EXECUTION_FAILED").New("hub is closed")
	}
	msg.ID = ulid.Make()
	msg.Timestamp = time.Now()

	item := &queued{msg: msg, seq: h.seq.Add(1)}
	if err := h.queue.Put(item); err != nil {
		return oops.In("hub").Code("EXECUTION_FAILED").Hint("failed to enqueue message").Wrap(err)
	}
	return nil
}

// dispatch drains the priority queue until disposal, delegating each
// delivery to the worker pool.
func (h *Hub) dispatch() {
	defer h.wg.Done()
	for {
		items, err := h.queue.Get(1)
		if err != nil {
			return // disposed
		}
		for _, it := range items {
			q, ok := it.(*queued)
			if !ok {
				continue
			}
			msg := q.msg
			if submitErr := h.pool.Submit(func() { h.deliver(msg) }); submitErr != nil {
				// Pool released during shutdown; deliver inline so the
				// message is not lost.
				h.deliver(msg)
			}
		}
	}
}

// deliver fans one message out to matching subscriptions.
func (h *Hub) deliver(msg Message) {
	h.mu.RLock()
	var targets []subscription
	if msg.Topic == BroadcastTopic {
		for _, subs := range h.subs {
			targets = append(targets, subs...)
		}
	} else {
		targets = append(targets, h.subs[msg.Topic]...)
		targets = append(targets, h.subs[BroadcastTopic]...)
	}
	h.mu.RUnlock()

	delivered := false
	for _, sub := range targets {
		if msg.Target != "" && sub.pluginID != msg.Target {
			continue
		}
		delivered = true
		h.invoke(sub, msg)
		if msg.CorrelationID != "" {
			return // first responder answers a request
		}
	}

	if !delivered && msg.CorrelationID != "" {
		h.replyTo(msg.CorrelationID, Message{
			Topic:         msg.Topic,
			CorrelationID: msg.CorrelationID,
			Error:         "no subscriber for target " + msg.Target,
		})
	}
}

// invoke runs one handler, routing its result back for requests.
func (h *Hub) invoke(sub subscription, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.RequestTimeout)
	defer cancel()

	payload, err := sub.handler(ctx, msg)
	if msg.CorrelationID == "" {
		if err != nil {
			slog.Warn("message handler failed",
				"plugin", sub.pluginID,
				"topic", msg.Topic,
				"message_id", msg.ID.String(),
				"error", err)
		}
		return
	}

	reply := Message{
		Topic:         msg.Topic,
		Sender:        sub.pluginID,
		Target:        msg.Sender,
		CorrelationID: msg.CorrelationID,
		Payload:       payload,
	}
	if err != nil {
		reply.Error = err.Error()
	}
	h.replyTo(msg.CorrelationID, reply)
}

// replyTo completes a pending request if the waiter is still there.
func (h *Hub) replyTo(corr string, reply Message) {
	h.mu.RLock()
	p, ok := h.pending[corr]
	h.mu.RUnlock()
	if !ok {
		return // requester gave up
	}
	reply.ID = ulid.Make()
	reply.Timestamp = time.Now()
	select {
	case p.ch <- reply:
	default:
	}
}

// DeregisterPlugin atomically removes a plugin's subscriptions and
// services and fails its in-flight requests. Called by the lifecycle
// Cleanup phase on unload.
func (h *Hub) DeregisterPlugin(pluginID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for topic, subs := range h.subs {
		kept := subs[:0]
		for _, s := range subs {
			if s.pluginID != pluginID {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(h.subs, topic)
		} else {
			h.subs[topic] = kept
		}
	}

	for name, svc := range h.services {
		if svc.PluginID == pluginID {
			delete(h.services, name)
		}
	}

	for corr, p := range h.pending {
		if p.requester != pluginID {
			continue
		}
		delete(h.pending, corr)
		select {
		case p.ch <- Message{CorrelationID: corr, Error: "requester " + pluginID + " deregistered"}:
		default:
		}
	}
}

// Topics returns the topics with at least one subscription.
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.subs))
	for t := range h.subs {
		out = append(out, t)
	}
	return out
}
