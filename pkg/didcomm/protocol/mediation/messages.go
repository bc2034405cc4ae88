/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mediation

import (
	"github.com/google/uuid"

	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/common/service"
)

// Coordinate-mediation protocol message types.
// https://github.com/hyperledger/aries-rfcs/tree/main/features/0211-route-coordination
const (
	// Coordination is the protocol name.
	Coordination = "coordinate-mediation"

	// CoordinationSpec is the type URI prefix of the protocol.
	CoordinationSpec = "https://didcomm.org/coordinate-mediation/1.0/"

	// RequestMsgType asks a mediator to set up mediation.
	RequestMsgType = CoordinationSpec + "mediate-request"

	// GrantMsgType accepts a mediation request, carrying the mediator's
	// endpoint and routing keys.
	GrantMsgType = CoordinationSpec + "mediate-grant"

	// DenyMsgType rejects a mediation request.
	DenyMsgType = CoordinationSpec + "mediate-deny"

	// KeylistUpdateMsgType carries recipient key add/remove instructions.
	KeylistUpdateMsgType = CoordinationSpec + "keylist-update"

	// KeylistUpdateResponseMsgType reports the per-rule outcomes of a
	// keylist update.
	KeylistUpdateResponseMsgType = CoordinationSpec + "keylist-update-response"

	// KeylistQueryMsgType asks the mediator for the current keylist.
	KeylistQueryMsgType = CoordinationSpec + "keylist-query"

	// KeylistMsgType answers a keylist query.
	KeylistMsgType = CoordinationSpec + "keylist"
)

// Keylist update actions.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

// Keylist update results. A malformed key yields ResultClientError, a
// storage failure ResultServerError; adding an already-routed key or
// removing an absent one yields ResultNoChange.
const (
	ResultSuccess     = "success"
	ResultNoChange    = "no_change"
	ResultClientError = "client_error"
	ResultServerError = "server_error"
)

// Request is the mediate-request message.
type Request struct {
	Type           string   `json:"@type,omitempty"`
	ID             string   `json:"@id,omitempty"`
	MediatorTerms  []string `json:"mediator_terms,omitempty"`
	RecipientTerms []string `json:"recipient_terms,omitempty"`
}

// Grant is the mediate-grant message.
type Grant struct {
	Type        string          `json:"@type,omitempty"`
	ID          string          `json:"@id,omitempty"`
	Thread      *service.Thread `json:"~thread,omitempty"`
	Endpoint    string          `json:"endpoint,omitempty"`
	RoutingKeys []string        `json:"routing_keys,omitempty"`
}

// Deny is the mediate-deny message.
type Deny struct {
	Type           string          `json:"@type,omitempty"`
	ID             string          `json:"@id,omitempty"`
	Thread         *service.Thread `json:"~thread,omitempty"`
	MediatorTerms  []string        `json:"mediator_terms,omitempty"`
	RecipientTerms []string        `json:"recipient_terms,omitempty"`
}

// Update is one pending keylist instruction.
type Update struct {
	RecipientKey string `json:"recipient_key,omitempty"`
	Action       string `json:"action,omitempty"`
}

// UpdateResult is the reported outcome of one keylist instruction.
type UpdateResult struct {
	RecipientKey string `json:"recipient_key,omitempty"`
	Action       string `json:"action,omitempty"`
	Result       string `json:"result,omitempty"`
}

// KeylistUpdate is the keylist-update message.
type KeylistUpdate struct {
	Type    string   `json:"@type,omitempty"`
	ID      string   `json:"@id,omitempty"`
	Updates []Update `json:"updates,omitempty"`
}

// NewKeylistUpdate builds a keylist-update message carrying updates.
func NewKeylistUpdate(updates []Update) *KeylistUpdate {
	return &KeylistUpdate{
		Type:    KeylistUpdateMsgType,
		ID:      uuid.New().String(),
		Updates: updates,
	}
}

// KeylistUpdateResponse is the keylist-update-response message.
type KeylistUpdateResponse struct {
	Type    string          `json:"@type,omitempty"`
	ID      string          `json:"@id,omitempty"`
	Thread  *service.Thread `json:"~thread,omitempty"`
	Updated []UpdateResult  `json:"updated,omitempty"`
}

// KeylistQuery is the keylist-query message.
type KeylistQuery struct {
	Type string `json:"@type,omitempty"`
	ID   string `json:"@id,omitempty"`
}

// NewKeylistQuery builds a keylist-query message.
func NewKeylistQuery() *KeylistQuery {
	return &KeylistQuery{
		Type: KeylistQueryMsgType,
		ID:   uuid.New().String(),
	}
}

// KeylistKey is one entry of a keylist message.
type KeylistKey struct {
	RecipientKey string `json:"recipient_key,omitempty"`
}

// Keylist is the keylist message answering a query.
type Keylist struct {
	Type   string          `json:"@type,omitempty"`
	ID     string          `json:"@id,omitempty"`
	Thread *service.Thread `json:"~thread,omitempty"`
	Keys   []KeylistKey    `json:"keys,omitempty"`
}
