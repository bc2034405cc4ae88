/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package eventbus provides the in-process topic-pattern publish/subscribe
// hub that decouples protocol handlers from transport and from each other.
package eventbus

import (
	"context"
	"regexp"
	"sync"

	"github.com/hyperledger/aries-framework-go/component/log"
)

var logger = log.New("didcomm-mediation/eventbus")

// Event is a single notification published on the bus. Payload types are
// opaque to the bus; consumers downcast by topic convention.
type Event struct {
	Topic   string
	Payload interface{}
}

// Handler processes a published event. Errors returned by a handler are
// logged by the bus and never propagated to the publisher.
type Handler func(ctx context.Context, event *Event) error

type subscriber struct {
	id      uint64
	handler Handler
}

type subscription struct {
	key         string
	pattern     *regexp.Regexp
	subscribers []subscriber
}

// Bus fans published events out to every subscriber whose topic pattern
// matches the event topic. Fan-out preserves registration order within a
// pattern and pattern-registration order across patterns.
type Bus struct {
	mu            sync.RWMutex
	nextID        uint64
	subscriptions []*subscription
}

// New returns an event bus with no subscribers.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers handler for every topic matching pattern and returns
// the func that removes the registration. Unsubscribing more than once is a
// no-op.
func (b *Bus) Subscribe(pattern *regexp.Regexp, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++

	id := b.nextID
	key := pattern.String()

	var sub *subscription

	for _, s := range b.subscriptions {
		if s.key == key {
			sub = s
			break
		}
	}

	if sub == nil {
		sub = &subscription{key: key, pattern: pattern}
		b.subscriptions = append(b.subscriptions, sub)
	}

	sub.subscribers = append(sub.subscribers, subscriber{id: id, handler: handler})

	logger.Debugf("subscribed: pattern=%s id=%d", key, id)

	return func() {
		b.remove(key, id)
	}
}

func (b *Bus) remove(key string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscriptions {
		if sub.key != key {
			continue
		}

		for j, entry := range sub.subscribers {
			if entry.id == id {
				sub.subscribers = append(sub.subscribers[:j], sub.subscribers[j+1:]...)

				logger.Debugf("unsubscribed: pattern=%s id=%d", key, id)

				break
			}
		}

		if len(sub.subscribers) == 0 {
			b.subscriptions = append(b.subscriptions[:i], b.subscriptions[i+1:]...)
		}

		return
	}
}

// Publish delivers event to every matching subscriber in sequence. A
// subscriber's error or panic is logged and does not prevent the remaining
// subscribers from being notified, nor does it surface to the publisher.
func (b *Bus) Publish(ctx context.Context, event *Event) {
	b.mu.RLock()

	var matched []Handler

	for _, sub := range b.subscriptions {
		if sub.pattern.MatchString(event.Topic) {
			for _, entry := range sub.subscribers {
				matched = append(matched, entry.handler)
			}
		}
	}

	b.mu.RUnlock()

	logger.Debugf("publishing topic=%s to %d subscriber(s)", event.Topic, len(matched))

	for _, handler := range matched {
		b.invoke(ctx, handler, event)
	}
}

func (b *Bus) invoke(ctx context.Context, handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("subscriber panicked while processing topic %s: %v", event.Topic, r)
		}
	}()

	if err := handler(ctx, event); err != nil {
		logger.Errorf("subscriber failed while processing topic %s: %s", event.Topic, err)
	}
}

// WaitForEvent registers a one-shot subscription for the first event that
// matches pattern and is accepted by filter (a nil filter accepts every
// matching event). It returns a channel holding at most one event and the
// cancel func tearing the subscription down; callers must invoke cancel on
// every exit path, including timeout.
func (b *Bus) WaitForEvent(pattern *regexp.Regexp, filter func(*Event) bool) (<-chan *Event, func()) {
	events := make(chan *Event, 1)

	var once sync.Once

	unsubscribe := b.Subscribe(pattern, func(_ context.Context, event *Event) error {
		if filter != nil && !filter(event) {
			return nil
		}

		once.Do(func() {
			events <- event
		})

		return nil
	})

	return events, unsubscribe
}
