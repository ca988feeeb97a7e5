package bybit

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// maxTopicsPerRequest is the venue limit on args per subscribe frame.
	maxTopicsPerRequest = 50
	// maxTopicFailures drops a topic after this many rejected subscribes.
	maxTopicFailures = 5

	klineTopicPrefix = "kline." + IntervalMinute + "."
)

// KlineTopic builds the public kline topic for a symbol.
func KlineTopic(symbol string) string {
	return klineTopicPrefix + symbol
}

// SymbolFromTopic extracts the symbol from a kline topic, or "" when the
// topic is not a minute kline.
func SymbolFromTopic(topic string) string {
	if !strings.HasPrefix(topic, klineTopicPrefix) {
		return ""
	}
	return topic[len(klineTopicPrefix):]
}

// SubscriptionCounts is a point-in-time view of subscription bookkeeping.
// Pending covers topics queued or requested but without data yet.
type SubscriptionCounts struct {
	Desired    int `json:"desired"`
	Subscribed int `json:"subscribed"`
	Pending    int `json:"pending"`
}

// subscriptionSet tracks each desired kline topic through three stages:
// queued (not yet sent), requested (sent, no data yet), and subscribed
// (first data tick seen). It is owned by the stream goroutine and must not
// be shared.
type subscriptionSet struct {
	desired    map[string]bool
	queued     map[string]bool
	requested  map[string]bool
	subscribed map[string]bool
	failures   map[string]int
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{
		desired:    make(map[string]bool),
		queued:     make(map[string]bool),
		requested:  make(map[string]bool),
		subscribed: make(map[string]bool),
		failures:   make(map[string]int),
	}
}

// SetDesired replaces the desired symbol set. New symbols are queued for
// subscribing; the returned slice lists topics that must be unsubscribed.
func (s *subscriptionSet) SetDesired(symbols []string) (toUnsubscribe []string) {
	next := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		if ValidSymbol(sym) {
			next[KlineTopic(sym)] = true
		}
	}

	for topic := range next {
		if !s.desired[topic] {
			if !s.subscribed[topic] && !s.requested[topic] {
				s.queued[topic] = true
			}
			delete(s.failures, topic)
		}
	}
	for topic := range s.desired {
		if !next[topic] {
			if s.subscribed[topic] || s.requested[topic] {
				toUnsubscribe = append(toUnsubscribe, topic)
			}
			delete(s.subscribed, topic)
			delete(s.requested, topic)
			delete(s.queued, topic)
			delete(s.failures, topic)
		}
	}

	s.desired = next
	sort.Strings(toUnsubscribe)
	return toUnsubscribe
}

// NextBatch moves up to maxTopicsPerRequest queued topics into the
// requested stage and returns them for one subscribe frame. It returns nil
// when nothing is queued.
func (s *subscriptionSet) NextBatch() []string {
	if len(s.queued) == 0 {
		return nil
	}
	batch := make([]string, 0, maxTopicsPerRequest)
	for topic := range s.queued {
		batch = append(batch, topic)
		if len(batch) == maxTopicsPerRequest {
			break
		}
	}
	sort.Strings(batch)
	for _, topic := range batch {
		delete(s.queued, topic)
		s.requested[topic] = true
	}
	return batch
}

// MarkData records the first data tick for a symbol, promoting its topic to
// subscribed. It reports whether anything changed.
func (s *subscriptionSet) MarkData(symbol string) bool {
	topic := KlineTopic(symbol)
	if !s.desired[topic] || s.subscribed[topic] {
		return false
	}
	s.subscribed[topic] = true
	delete(s.requested, topic)
	delete(s.queued, topic)
	delete(s.failures, topic)
	return true
}

// MarkFailed re-queues a rejected batch. Topics that keep failing are
// dropped and reported back so the caller can log them.
func (s *subscriptionSet) MarkFailed(topics []string) (dropped []string) {
	for _, topic := range topics {
		delete(s.requested, topic)
		if !s.desired[topic] {
			continue
		}
		s.failures[topic]++
		if s.failures[topic] >= maxTopicFailures {
			delete(s.desired, topic)
			delete(s.queued, topic)
			delete(s.failures, topic)
			dropped = append(dropped, topic)
			continue
		}
		s.queued[topic] = true
	}
	sort.Strings(dropped)
	return dropped
}

// ResetForReconnect clears delivery state so every desired topic is
// re-subscribed on the next session.
func (s *subscriptionSet) ResetForReconnect() {
	s.subscribed = make(map[string]bool)
	s.requested = make(map[string]bool)
	s.queued = make(map[string]bool, len(s.desired))
	for topic := range s.desired {
		s.queued[topic] = true
	}
}

// Counts summarizes the set for status reporting.
func (s *subscriptionSet) Counts() SubscriptionCounts {
	return SubscriptionCounts{
		Desired:    len(s.desired),
		Subscribed: len(s.subscribed),
		Pending:    len(s.queued) + len(s.requested),
	}
}

func (s *subscriptionSet) String() string {
	c := s.Counts()
	return fmt.Sprintf("desired=%d subscribed=%d pending=%d", c.Desired, c.Subscribed, c.Pending)
}
