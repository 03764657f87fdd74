package streaming

import (
	"sync"

	"github.com/KevinKickass/iotdserver/internal/types"
)

const subscriberBuffer = 100

// RecordEvent is one record as fanned out to stream subscribers.
type RecordEvent struct {
	Device types.DeviceID
	Record types.Record
}

type subscriber struct {
	ch     chan RecordEvent
	filter map[types.DeviceID]bool
}

// EventStreamer fans records out to subscribers. Slow subscribers miss
// records rather than blocking the publisher.
type EventStreamer struct {
	mu          sync.RWMutex
	subscribers map[<-chan RecordEvent]*subscriber
	closed      bool
}

func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[<-chan RecordEvent]*subscriber),
	}
}

// Subscribe returns a channel receiving records of the given devices, or of
// all devices when none are given. The channel is closed by Unsubscribe or
// Close.
func (s *EventStreamer) Subscribe(devices ...types.DeviceID) <-chan RecordEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan RecordEvent, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch
	}

	sub := &subscriber{ch: ch}
	if len(devices) > 0 {
		sub.filter = make(map[types.DeviceID]bool, len(devices))
		for _, id := range devices {
			sub.filter[id] = true
		}
	}
	s.subscribers[ch] = sub
	return ch
}

func (s *EventStreamer) Unsubscribe(ch <-chan RecordEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(sub.ch)
	}
}

// Publish delivers a record to every matching subscriber. It reports how
// many subscribers had to skip it.
func (s *EventStreamer) Publish(device types.DeviceID, rec types.Record) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	skipped := 0
	event := RecordEvent{Device: device, Record: rec}
	for _, sub := range s.subscribers {
		if sub.filter != nil && !sub.filter[device] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			skipped++
		}
	}
	return skipped
}

func (s *EventStreamer) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Close ends every subscription. Later subscriptions get a closed channel
// until Reopen.
func (s *EventStreamer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for ch, sub := range s.subscribers {
		delete(s.subscribers, ch)
		close(sub.ch)
	}
}

func (s *EventStreamer) Reopen() {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
}
