package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
)

// Service is the in-process bus between the scanner, the session slot and
// the websocket feed
type Service struct {
	mu          sync.RWMutex
	subscribers map[interfaces.EventType][]interfaces.EventHandler
	published   map[interfaces.EventType]*atomic.Int64
	logger      arbor.ILogger
}

func NewService(logger arbor.ILogger) *Service {
	return &Service{
		subscribers: make(map[interfaces.EventType][]interfaces.EventHandler),
		published:   make(map[interfaces.EventType]*atomic.Int64),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers[eventType] = append(s.subscribers[eventType], handler)
	if s.published[eventType] == nil {
		s.published[eventType] = &atomic.Int64{}
	}

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.subscribers[eventType])).
		Msg("Event handler subscribed")
	return nil
}

// Publish fans the event out without waiting. Handlers run detached from
// the caller's cancellation since most events are published at the end of
// a request.
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	handlers := s.take(event.Type)
	if len(handlers) == 0 {
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	for _, h := range handlers {
		common.SafeGo(s.logger, "event:"+string(event.Type), func() {
			s.invoke(ctx, h, event)
		})
	}
	return nil
}

// PublishSync runs every handler and waits; handler errors and panics are joined
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	handlers := s.take(event.Type)
	if len(handlers) == 0 {
		return nil
	}

	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if perr := common.AsPanicError(recover()); perr != nil {
					errs[i] = perr
				}
			}()
			errs[i] = s.invoke(ctx, h, event)
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s handlers failed: %w", event.Type, err)
	}
	return nil
}

// Published reports how many events of each subscribed type went out
func (s *Service) Published() map[interfaces.EventType]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[interfaces.EventType]int64, len(s.published))
	for t, n := range s.published {
		counts[t] = n.Load()
	}
	return counts
}

// Close drops every subscriber
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = make(map[interfaces.EventType][]interfaces.EventHandler)
	s.logger.Debug().Msg("Event service closed")
	return nil
}

// take snapshots the handlers for eventType and counts the publish
func (s *Service) take(eventType interfaces.EventType) []interfaces.EventHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	handlers := s.subscribers[eventType]
	if len(handlers) == 0 {
		s.logger.Trace().Str("event_type", string(eventType)).Msg("No subscribers for event")
		return nil
	}
	s.published[eventType].Add(1)
	return append([]interfaces.EventHandler(nil), handlers...)
}

func (s *Service) invoke(ctx context.Context, h interfaces.EventHandler, event interfaces.Event) error {
	err := h(ctx, event)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("event_type", string(event.Type)).
			Msg("Event handler failed")
	}
	return err
}
