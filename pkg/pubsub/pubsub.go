package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	"github.com/cuemby/nimbusdb/pkg/metrics"
)

// Message is one delivery to a subscriber: the topic it matched (including
// any database namespace prefix applied by the caller) and the published
// payload.
type Message struct {
	Topic   []byte
	Payload []byte
}

// subscriber owns an unbounded, durable in-memory queue of messages
// matched by topic. Messages accumulate in queue under mu; ready signals a
// waiting Receive that queue is non-empty.
type subscriber struct {
	mu     sync.Mutex
	queue  []Message
	ready  chan struct{}
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ready: make(chan struct{}, 1)}
}

func (s *subscriber) enqueue(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, msg)
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *subscriber) dequeue() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Message{}, false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Relay routes published messages to the subscribers currently subscribed
// to the matching topic. One Relay instance is shared by every database
// hosted in the same process; database isolation is achieved entirely by
// topic namespacing at the caller (pkg/database prefixes every topic with
// `database || 0x00 || `).
type Relay struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	topics      map[string]map[uint64]struct{}
	nextID      uint64
}

// New returns an empty Relay.
func New() *Relay {
	return &Relay{
		subscribers: make(map[uint64]*subscriber),
		topics:      make(map[string]map[uint64]struct{}),
	}
}

// CreateSubscriber registers a new subscriber with no topic subscriptions
// and returns its id.
func (r *Relay) CreateSubscriber() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.subscribers[id] = newSubscriber()
	metrics.PubSubSubscribersTotal.Inc()
	return id
}

// Subscribe adds topic to id's subscription set.
func (r *Relay) Subscribe(id uint64, topic []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[id]; !ok {
		return dberr.New("pubsub.Subscribe", dberr.KindInvalidArgument, fmt.Errorf("subscriber %d not registered", id))
	}
	key := string(topic)
	set, ok := r.topics[key]
	if !ok {
		set = make(map[uint64]struct{})
		r.topics[key] = set
	}
	set[id] = struct{}{}
	return nil
}

// Unsubscribe removes topic from id's subscription set. Unsubscribing from
// a topic id was never subscribed to is not an error.
func (r *Relay) Unsubscribe(id uint64, topic []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[id]; !ok {
		return dberr.New("pubsub.Unsubscribe", dberr.KindInvalidArgument, fmt.Errorf("subscriber %d not registered", id))
	}
	key := string(topic)
	if set, ok := r.topics[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.topics, key)
		}
	}
	return nil
}

// Publish delivers one Message{Topic: topic, Payload: payload} to every
// subscriber currently subscribed to topic.
func (r *Relay) Publish(topic, payload []byte) {
	r.deliver(topic, payload)
}

// PublishToAll delivers payload once per (subscriber, topic) pair across
// topics: a subscriber subscribed to two of the listed topics receives two
// distinct messages, each carrying the same payload but a different Topic
// field.
func (r *Relay) PublishToAll(topics [][]byte, payload []byte) {
	for _, topic := range topics {
		r.deliver(topic, payload)
	}
}

func (r *Relay) deliver(topic, payload []byte) {
	r.mu.RLock()
	set := r.topics[string(topic)]
	targets := make([]*subscriber, 0, len(set))
	for id := range set {
		targets = append(targets, r.subscribers[id])
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	msg := Message{Topic: topic, Payload: payload}
	for _, sub := range targets {
		sub.enqueue(msg)
	}
	metrics.PubSubMessagesTotal.WithLabelValues(topicDatabase(topic)).Add(float64(len(targets)))
}

// topicDatabase extracts the database-name prefix pkg/database applies to
// every topic (up to the first 0x00 byte), for metrics labeling only; a
// topic with no namespace separator is labeled with its own full bytes.
func topicDatabase(topic []byte) string {
	for i, b := range topic {
		if b == 0 {
			return string(topic[:i])
		}
	}
	return string(topic)
}

// Unregister drops id's subscriber and its queue, and removes it from
// every topic's subscription set.
func (r *Relay) Unregister(id uint64) {
	r.mu.Lock()
	sub, ok := r.subscribers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.subscribers, id)
	for topic, set := range r.topics {
		delete(set, id)
		if len(set) == 0 {
			delete(r.topics, topic)
		}
	}
	r.mu.Unlock()

	sub.close()
	metrics.PubSubSubscribersTotal.Dec()
}

// Receive blocks until a message is queued for id, ctx is done, or id is
// unregistered, whichever happens first.
func (r *Relay) Receive(ctx context.Context, id uint64) (Message, error) {
	r.mu.RLock()
	sub, ok := r.subscribers[id]
	r.mu.RUnlock()
	if !ok {
		return Message{}, dberr.New("pubsub.Receive", dberr.KindInvalidArgument, fmt.Errorf("subscriber %d not registered", id))
	}

	for {
		if msg, ok := sub.dequeue(); ok {
			return msg, nil
		}
		sub.mu.Lock()
		closed := sub.closed
		sub.mu.Unlock()
		if closed {
			return Message{}, dberr.New("pubsub.Receive", dberr.KindDisconnected, fmt.Errorf("subscriber %d unregistered", id))
		}
		select {
		case <-sub.ready:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}
