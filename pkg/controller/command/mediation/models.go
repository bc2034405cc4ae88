/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mediation

import (
	mediationsvc "github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/protocol/mediation"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/protocol/routing"
	mediationstore "github.com/sicpa-dlab/didcomm-mediation-go/pkg/store/mediation"
)

// MediationsRequest model
//
// Filters for listing mediation records.
type MediationsRequest struct {
	State string `json:"state,omitempty"`
	Role  string `json:"role,omitempty"`
}

// MediationsResponse model
//
// Mediation records matching a list request.
type MediationsResponse struct {
	Results []*mediationstore.Record `json:"results"`
}

// MediationRequest model
//
// Identifies one mediation record.
type MediationRequest struct {
	MediationID string `json:"mediation_id"`
}

// MediationResponse model
//
// A single mediation record.
type MediationResponse struct {
	Result *mediationstore.Record `json:"result"`
}

// ConnectionRequest model
//
// Identifies mediation state by connection.
type ConnectionRequest struct {
	ConnectionID string `json:"connection_id"`
}

// DenyMediationRequest model
//
// Denies a pending mediation request, optionally renegotiating terms.
type DenyMediationRequest struct {
	MediationID    string   `json:"mediation_id"`
	MediatorTerms  []string `json:"mediator_terms,omitempty"`
	RecipientTerms []string `json:"recipient_terms,omitempty"`
}

// RequestMediationRequest model
//
// Asks a remote mediator for mediation over the given connection.
type RequestMediationRequest struct {
	ConnectionID   string   `json:"connection_id"`
	MediatorTerms  []string `json:"mediator_terms,omitempty"`
	RecipientTerms []string `json:"recipient_terms,omitempty"`
}

// KeylistResponse model
//
// Route records held for a connection.
type KeylistResponse struct {
	Keys []*routing.RouteRecord `json:"keys"`
}

// KeylistUpdateRequest model
//
// Sends keylist update instructions to the connection's mediator.
type KeylistUpdateRequest struct {
	ConnectionID string                `json:"connection_id"`
	Updates      []mediationsvc.Update `json:"updates"`
}
