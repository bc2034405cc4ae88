/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package transport defines the outbound delivery model shared by the
// outbound router, the forward handler and the scheduled message store:
// the outbound message, its resolved targets, the delivery status taxonomy
// and the collaborator interfaces toward the wire transports. Wire-level
// framing and envelope packing live outside this module.
package transport

import (
	"context"
)

// ConnectionTarget is one resolved delivery target: an endpoint plus the
// recipient and routing keys to address it with.
type ConnectionTarget struct {
	DID           string   `json:"did,omitempty"`
	Endpoint      string   `json:"endpoint,omitempty"`
	Label         string   `json:"label,omitempty"`
	RecipientKeys []string `json:"recipient_keys,omitempty"`
	RoutingKeys   []string `json:"routing_keys,omitempty"`
}

// OutboundMessage is one unit of outbound delivery work. It is ephemeral,
// constructed per send, and persisted only when captured inside a scheduled
// message.
type OutboundMessage struct {
	ConnectionID    string              `json:"connection_id,omitempty"`
	Payload         []byte              `json:"payload,omitempty"`
	EncPayload      string              `json:"enc_payload,omitempty"`
	Target          *ConnectionTarget   `json:"target,omitempty"`
	TargetList      []*ConnectionTarget `json:"target_list,omitempty"`
	ReplyToVerkey   string              `json:"reply_to_verkey,omitempty"`
	ReplyFromVerkey string              `json:"reply_from_verkey,omitempty"`
	ReplySessionID  string              `json:"reply_session_id,omitempty"`
	ReplyThreadID   string              `json:"reply_thread_id,omitempty"`
	ToSessionOnly   bool                `json:"to_session_only,omitempty"`
}

// SendStatus is the outcome of one outbound delivery attempt.
type SendStatus string

// Delivery outcomes. Every attempt resolves to exactly one of these; a
// message is never dropped without a published status.
const (
	SendStatusSentToSession     SendStatus = "sent_to_session"
	SendStatusQueuedForDelivery SendStatus = "queued_for_delivery"
	SendStatusWaitingForPickup  SendStatus = "waiting_for_pickup"
	SendStatusUndeliverable     SendStatus = "undeliverable"
	// SendStatusUnknown models an expired confirmation wait, which is not
	// an error condition.
	SendStatusUnknown SendStatus = "unknown"
)

// OutboundQueue hands messages to a wire transport for eventual delivery.
type OutboundQueue interface {
	// Enqueue accepts msg for delivery and reports the queued status.
	Enqueue(ctx context.Context, msg *OutboundMessage) (SendStatus, error)
}

// SessionRouter is the inbound-session layer consulted for reply delivery
// over an already-open transport session.
type SessionRouter interface {
	// RouteToSession reports whether an open inbound session matched msg
	// and accepted it.
	RouteToSession(ctx context.Context, msg *OutboundMessage) (bool, error)
	// HoldForPickup reports whether msg was parked for later pickup by the
	// recipient.
	HoldForPickup(ctx context.Context, msg *OutboundMessage) (bool, error)
}
