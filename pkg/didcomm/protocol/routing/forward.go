/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package routing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/common/eventbus"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/common/service"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/transport"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/store/connection"
)

// TopicForwardReceived carries *ForwardReceived payloads describing the
// outcome of every processed forward message.
const TopicForwardReceived = "didcomm::forward::received"

// DefaultStatusWait bounds how long the forward handler waits for the
// delivery status of a relayed payload.
const DefaultStatusWait = time.Second

// ForwardReceivedPattern matches TopicForwardReceived.
var ForwardReceivedPattern = regexp.MustCompile(`^didcomm::forward::received$`)

// ForwardReceived is the observability payload published after each forward,
// delivered or not.
type ForwardReceived struct {
	ConnectionID string               `json:"connection_id,omitempty"`
	Status       transport.SendStatus `json:"status"`
	RecipientKey string               `json:"recipient_key"`
}

type recipientResolver interface {
	GetRecipient(recipientKey string) (*RouteRecord, error)
}

type connectionLookup interface {
	GetConnectionRecord(connectionID string) (*connection.Record, error)
}

type outboundSender interface {
	Send(ctx context.Context, msg *transport.OutboundMessage, receipt *service.MessageReceipt) error
}

// ForwardHandler consumes inbound forward messages, relaying the opaque
// payload to the registered recipient's connection.
type ForwardHandler struct {
	routes      recipientResolver
	connections connectionLookup
	outbound    outboundSender
	bus         *eventbus.Bus
	statusWait  time.Duration
}

// NewForwardHandler returns a forward handler waiting up to statusWait for a
// delivery status; zero statusWait applies DefaultStatusWait.
func NewForwardHandler(routes recipientResolver, connections connectionLookup, outbound outboundSender,
	bus *eventbus.Bus, statusWait time.Duration) *ForwardHandler {
	if statusWait <= 0 {
		statusWait = DefaultStatusWait
	}

	return &ForwardHandler{
		routes:      routes,
		connections: connections,
		outbound:    outbound,
		bus:         bus,
		statusWait:  statusWait,
	}
}

// HandleForward relays the forward's payload to the recipient registered for
// its "to" key. A receipt without a recipient verkey is transport corruption
// and fails fast; an unregistered recipient key drops the forward without
// signalling the sender. Every invocation ends with a published
// ForwardReceived notification.
func (h *ForwardHandler) HandleForward(ctx context.Context, msg service.DIDCommMsgMap,
	receipt *service.MessageReceipt) error {
	if receipt == nil || receipt.RecipientVerkey == "" {
		return errors.New("forward message receipt has no recipient verkey")
	}

	var fwd Forward

	if err := msg.Decode(&fwd); err != nil {
		return fmt.Errorf("decode forward message: %w", err)
	}

	if fwd.To == "" {
		return errors.New("forward message has no recipient key")
	}

	route, err := h.routes.GetRecipient(fwd.To)
	if err != nil {
		if errors.Is(err, ErrRecipientNotFound) {
			logger.Infof("dropping forward for unregistered recipient key %s", fwd.To)

			h.notify(ctx, "", transport.SendStatusUndeliverable, fwd.To)

			return nil
		}

		return fmt.Errorf("resolve forward recipient: %w", err)
	}

	outboundMsg := &transport.OutboundMessage{
		ConnectionID: route.ConnectionID,
		Payload:      fwd.Msg,
		TargetList:   h.targetsForConnection(route.ConnectionID),
	}

	status := h.sendAndAwaitStatus(ctx, outboundMsg)

	h.notify(ctx, route.ConnectionID, status, fwd.To)

	return nil
}

// sendAndAwaitStatus dispatches the relayed payload and waits, bounded, for
// the matching status event. The wait subscription is torn down on every
// exit path; an expired wait yields the unknown status, not an error.
func (h *ForwardHandler) sendAndAwaitStatus(ctx context.Context, msg *transport.OutboundMessage) transport.SendStatus {
	payload := msg.Payload

	events, cancel := h.bus.WaitForEvent(transport.StatusPattern, func(event *eventbus.Event) bool {
		status, ok := event.Payload.(*transport.StatusEventPayload)

		return ok && status.Outbound != nil && bytes.Equal(status.Outbound.Payload, payload)
	})
	defer cancel()

	if err := h.outbound.Send(ctx, msg, nil); err != nil {
		logger.Errorf("failed to dispatch forwarded payload for connection %s: %s", msg.ConnectionID, err)

		return transport.SendStatusUndeliverable
	}

	select {
	case event := <-events:
		return event.Payload.(*transport.StatusEventPayload).Status
	case <-time.After(h.statusWait):
		logger.Debugf("no delivery status for forwarded payload within %s", h.statusWait)

		return transport.SendStatusUnknown
	case <-ctx.Done():
		return transport.SendStatusUnknown
	}
}

func (h *ForwardHandler) targetsForConnection(connectionID string) []*transport.ConnectionTarget {
	record, err := h.connections.GetConnectionRecord(connectionID)
	if err != nil {
		logger.Debugf("no connection targets resolved for %s: %s", connectionID, err)

		return nil
	}

	return []*transport.ConnectionTarget{{
		DID:           record.TheirDID,
		Endpoint:      record.ServiceEndpoint,
		Label:         record.TheirLabel,
		RecipientKeys: record.RecipientKeys,
		RoutingKeys:   record.RoutingKeys,
	}}
}

func (h *ForwardHandler) notify(ctx context.Context, connectionID string, status transport.SendStatus,
	recipientKey string) {
	h.bus.Publish(ctx, &eventbus.Event{
		Topic: TopicForwardReceived,
		Payload: &ForwardReceived{
			ConnectionID: connectionID,
			Status:       status,
			RecipientKey: recipientKey,
		},
	})
}
