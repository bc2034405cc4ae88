/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package transport

import (
	"regexp"

	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/common/eventbus"
)

// Event topics for outbound delivery coordination.
const (
	// TopicOutboundMessage carries *OutboundMessage payloads awaiting a
	// delivery decision.
	TopicOutboundMessage = "didcomm::outbound::message"
	// StatusTopicRoot prefixes the per-status delivery outcome topics.
	StatusTopicRoot = "didcomm::outbound::status::"
)

// Patterns matching the outbound topics.
var (
	OutboundMessagePattern = regexp.MustCompile(`^didcomm::outbound::message$`)
	StatusPattern          = regexp.MustCompile(`^didcomm::outbound::status::`)
)

// StatusEventPayload reports the outcome of handling one outbound message.
type StatusEventPayload struct {
	Status   SendStatus
	Outbound *OutboundMessage
}

// NewOutboundMessageEvent wraps msg for publication on the bus.
func NewOutboundMessageEvent(msg *OutboundMessage) *eventbus.Event {
	return &eventbus.Event{Topic: TopicOutboundMessage, Payload: msg}
}

// NewStatusEvent builds the delivery outcome event for msg.
func NewStatusEvent(status SendStatus, msg *OutboundMessage) *eventbus.Event {
	return &eventbus.Event{
		Topic:   StatusTopicRoot + string(status),
		Payload: &StatusEventPayload{Status: status, Outbound: msg},
	}
}
