/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package outbound routes outbound messages to an open inbound session, the
// transport queue, or a pickup hold, and publishes the delivery status of
// every attempt.
package outbound

import (
	"context"
	"fmt"

	"github.com/hyperledger/aries-framework-go/component/log"

	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/common/eventbus"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/common/service"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/transport"
)

var logger = log.New("didcomm-mediation/dispatcher")

type provider interface {
	EventBus() *eventbus.Bus
	SessionRouter() transport.SessionRouter
	OutboundQueue() transport.OutboundQueue
}

// Dispatcher decides how each outbound message leaves the agent. Delivery
// decisions run as a bus subscriber so that senders are decoupled from
// status handling.
type Dispatcher struct {
	bus         *eventbus.Bus
	sessions    transport.SessionRouter
	queue       transport.OutboundQueue
	unsubscribe func()
}

// NewOutbound returns a dispatcher subscribed to the outbound message topic.
// The session router and outbound queue collaborators are optional; a nil
// collaborator removes the corresponding delivery path.
func NewOutbound(prov provider) *Dispatcher {
	d := &Dispatcher{
		bus:      prov.EventBus(),
		sessions: prov.SessionRouter(),
		queue:    prov.OutboundQueue(),
	}

	d.unsubscribe = d.bus.Subscribe(transport.OutboundMessagePattern, d.handleOutbound)

	return d
}

// Send publishes msg for delivery. When msg is a reply without a resolved
// target, the receipt of the inbound message being answered binds the reply
// to the session that produced it.
func (d *Dispatcher) Send(ctx context.Context, msg *transport.OutboundMessage, receipt *service.MessageReceipt) error {
	if msg == nil {
		return fmt.Errorf("outbound message is required")
	}

	if receipt != nil && msg.Target == nil && len(msg.TargetList) == 0 &&
		msg.ReplyToVerkey != "" && msg.ReplyFromVerkey == "" {
		msg.ReplyFromVerkey = receipt.RecipientVerkey

		if msg.ReplySessionID == "" {
			msg.ReplySessionID = receipt.SessionID
		}

		if msg.ReplyThreadID == "" {
			msg.ReplyThreadID = receipt.ThreadID
		}
	}

	d.bus.Publish(ctx, transport.NewOutboundMessageEvent(msg))

	return nil
}

// Close removes the dispatcher's bus subscription.
func (d *Dispatcher) Close() {
	d.unsubscribe()
}

func (d *Dispatcher) handleOutbound(ctx context.Context, event *eventbus.Event) error {
	msg, ok := event.Payload.(*transport.OutboundMessage)
	if !ok {
		return fmt.Errorf("unexpected payload type %T on topic %s", event.Payload, event.Topic)
	}

	d.publishStatus(ctx, d.deliver(ctx, msg), msg)

	return nil
}

// deliver resolves exactly one status for msg. A reply without a resolved
// target is offered to the session layer first; transport queueing is skipped
// for session-only messages.
func (d *Dispatcher) deliver(ctx context.Context, msg *transport.OutboundMessage) transport.SendStatus {
	if d.sessions != nil && msg.Target == nil && len(msg.TargetList) == 0 && msg.ReplyToVerkey != "" {
		matched, err := d.sessions.RouteToSession(ctx, msg)
		if err != nil {
			logger.Errorf("session routing failed for connection %s: %s", msg.ConnectionID, err)
		} else if matched {
			return transport.SendStatusSentToSession
		}
	}

	if !msg.ToSessionOnly && d.queue != nil {
		status, err := d.queue.Enqueue(ctx, msg)
		if err != nil {
			logger.Errorf("outbound queue rejected message for connection %s: %s", msg.ConnectionID, err)
		}

		if status == "" {
			status = transport.SendStatusUndeliverable
		}

		return status
	}

	if d.sessions != nil {
		held, err := d.sessions.HoldForPickup(ctx, msg)
		if err != nil {
			logger.Errorf("pickup hold failed for connection %s: %s", msg.ConnectionID, err)
		} else if held {
			return transport.SendStatusWaitingForPickup
		}
	}

	return transport.SendStatusUndeliverable
}

func (d *Dispatcher) publishStatus(ctx context.Context, status transport.SendStatus, msg *transport.OutboundMessage) {
	logger.Debugf("outbound message for connection %s resolved to status %s", msg.ConnectionID, status)

	d.bus.Publish(ctx, transport.NewStatusEvent(status, msg))
}
