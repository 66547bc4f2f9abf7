// Package orchestrator drives crawls end to end: kickoff discovery and
// fan-out, per-page scrape jobs, completion detection and consolidation,
// and ad-hoc URL batches.
package orchestrator

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Caia-Tech/caia-crawl/pkg/scrape"
)

// DiscoveryStream fans url-discovered and url-crawled events out to
// observers over bounded buffered channels. A slow observer drops events
// rather than stalling discovery.
type DiscoveryStream struct {
	mu          sync.RWMutex
	subscribers map[int]chan scrape.DiscoveryEvent
	nextID      int
	bufferSize  int
	published   int64
	dropped     int64
}

// NewDiscoveryStream creates a stream with the given per-subscriber buffer.
func NewDiscoveryStream(bufferSize int) *DiscoveryStream {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &DiscoveryStream{
		subscribers: make(map[int]chan scrape.DiscoveryEvent),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a receive channel and a cancel function. Cancel closes
// the channel and releases the slot.
func (s *DiscoveryStream) Subscribe() (<-chan scrape.DiscoveryEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan scrape.DiscoveryEvent, s.bufferSize)
	s.subscribers[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber, dropping on full buffers.
func (s *DiscoveryStream) Publish(event scrape.DiscoveryEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.published++
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			s.dropped++
			log.Debug().
				Str("type", string(event.Type)).
				Str("url", event.URL).
				Msg("Discovery event dropped, observer buffer full")
		}
	}
}

// Close releases every subscriber channel.
func (s *DiscoveryStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}
