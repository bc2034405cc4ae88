/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package transport

import (
	"context"
	"errors"

	"github.com/hyperledger/aries-framework-go/component/log"
)

var logger = log.New("didcomm-mediation/transport")

// ErrQueueFull is returned when the in-memory queue cannot accept more
// messages.
var ErrQueueFull = errors.New("outbound queue full")

// MemQueue buffers outbound messages in memory. It stands in for a wire
// transport queue in tests and single-process deployments; a durable broker
// belongs behind the OutboundQueue interface in production.
type MemQueue struct {
	messages chan *OutboundMessage
}

// NewMemQueue returns an in-memory queue holding up to size messages.
func NewMemQueue(size int) *MemQueue {
	if size <= 0 {
		size = 1
	}

	return &MemQueue{messages: make(chan *OutboundMessage, size)}
}

// Enqueue accepts msg without blocking; a full queue is a delivery failure.
func (q *MemQueue) Enqueue(_ context.Context, msg *OutboundMessage) (SendStatus, error) {
	select {
	case q.messages <- msg:
		logger.Debugf("queued outbound message for connection %s", msg.ConnectionID)

		return SendStatusQueuedForDelivery, nil
	default:
		return SendStatusUndeliverable, ErrQueueFull
	}
}

// Messages exposes the queued messages for the consuming transport.
func (q *MemQueue) Messages() <-chan *OutboundMessage {
	return q.messages
}

// Len reports the number of queued messages.
func (q *MemQueue) Len() int {
	return len(q.messages)
}
