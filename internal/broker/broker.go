// Package broker is the in-process topic transport: named topics, wildcard
// subscriptions and bounded queues on both sides. It stands in for the
// deployment's messaging substrate at the same contract (at-least-once,
// per-topic ordering to a given subscriber).
package broker

import (
	"encoding/json"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"worldplane.dev/internal/metrics"
)

// TopicWarnings carries unauthorized-publish policy alerts.
const TopicWarnings = "warnings.unauthorized_publish"

type Event struct {
	Topic   string
	Payload json.RawMessage
}

type Broker struct {
	log *log.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	// One queue per fanout worker, sharded by topic hash so per-topic order
	// survives the worker pool.
	queues          []chan Event
	subscriberQueue int
	wg              sync.WaitGroup
	closed          atomic.Bool
}

type Subscription struct {
	mu       sync.Mutex
	patterns [][]string
	ch       chan Event
	shed     atomic.Uint64
}

func New(workers, queueSize, subscriberQueue int, logger *log.Logger) *Broker {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	b := &Broker{
		log:    logger,
		subs:   make(map[*Subscription]struct{}),
		queues: make([]chan Event, workers),
	}
	if subscriberQueue <= 0 {
		subscriberQueue = 64
	}
	b.subscriberQueue = subscriberQueue
	for i := range b.queues {
		b.queues[i] = make(chan Event, queueSize)
		b.wg.Add(1)
		go func(q chan Event) {
			defer b.wg.Done()
			for ev := range q {
				b.fanout(ev)
			}
		}(b.queues[i])
	}
	return b
}

func (b *Broker) Close() {
	if b.closed.Swap(true) {
		return
	}
	for _, q := range b.queues {
		close(q)
	}
	b.wg.Wait()
	b.mu.Lock()
	for s := range b.subs {
		close(s.ch)
	}
	b.subs = map[*Subscription]struct{}{}
	b.mu.Unlock()
}

// Publish marshals v and routes it to every matching subscriber. It never
// blocks on a slow consumer; the enqueue into the sharded fanout queue blocks
// only when the broker itself is saturated.
func (b *Broker) Publish(topic string, v any) {
	if b.closed.Load() {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		if b.log != nil {
			b.log.Printf("publish %s: marshal: %v", topic, err)
		}
		return
	}
	metrics.BrokerPublished.WithLabelValues(topicClass(topic)).Inc()
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	q := b.queues[int(h.Sum32())%len(b.queues)]
	q <- Event{Topic: topic, Payload: payload}
}

func (b *Broker) fanout(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.matches(ev.Topic) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Slow consumer: shed the oldest queued event, keep the new one.
			select {
			case <-s.ch:
				s.shed.Add(1)
				metrics.SubscriberShed.Inc()
			default:
			}
			select {
			case s.ch <- ev:
			default:
				s.shed.Add(1)
				metrics.SubscriberShed.Inc()
			}
		}
	}
}

func (b *Broker) Subscribe(patterns ...string) *Subscription {
	s := &Subscription{ch: make(chan Event, b.subscriberQueue)}
	s.Add(patterns...)
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Broker) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
	b.mu.Unlock()
}

func (s *Subscription) C() <-chan Event { return s.ch }

// Shed reports how many events were dropped because this subscriber fell
// behind.
func (s *Subscription) Shed() uint64 { return s.shed.Load() }

func (s *Subscription) Add(patterns ...string) {
	s.mu.Lock()
	for _, p := range patterns {
		if p == "" {
			continue
		}
		s.patterns = append(s.patterns, strings.Split(p, "."))
	}
	s.mu.Unlock()
}

func (s *Subscription) Remove(patterns ...string) {
	s.mu.Lock()
	for _, p := range patterns {
		want := strings.Split(p, ".")
		for i, have := range s.patterns {
			if equalTokens(have, want) {
				s.patterns = append(s.patterns[:i], s.patterns[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
}

func (s *Subscription) matches(topic string) bool {
	tokens := strings.Split(topic, ".")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patterns {
		if MatchTokens(p, tokens) {
			return true
		}
	}
	return false
}

// MatchTokens implements the subject-pattern rules: `*` matches exactly one
// token, `>` matches one or more trailing tokens.
func MatchTokens(pattern, topic []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return i < len(topic)
		}
		if i >= len(topic) {
			return false
		}
		if p != "*" && p != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func topicClass(topic string) string {
	i := strings.IndexByte(topic, '.')
	if i < 0 {
		return topic
	}
	return topic[:i]
}
