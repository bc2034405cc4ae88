/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package service

import (
	"github.com/google/uuid"

	"github.com/hyperledger/aries-framework-go/component/log"
)

var logger = log.New("didcomm-mediation/common/service")

// ProblemReportMsgType is the generic failure signal sent back to a peer
// when a requested operation cannot proceed.
const ProblemReportMsgType = "https://didcomm.org/notification/1.0/problem-report"

// MessageReceipt carries the delivery metadata of an inbound message.
type MessageReceipt struct {
	// ConnectionID of the secure channel the message arrived on, empty for
	// connection-less traffic such as mediator forwards.
	ConnectionID string
	// SenderVerkey is the peer's verification key.
	SenderVerkey string
	// RecipientVerkey is the local key the envelope was addressed to.
	RecipientVerkey string
	// ThreadID of the inbound message.
	ThreadID string
	// SessionID identifies the inbound transport session, when one is open.
	SessionID string
}

// ProblemReport is the peer-facing explanation for a rejected operation.
type ProblemReport struct {
	Type        string  `json:"@type,omitempty"`
	ID          string  `json:"@id,omitempty"`
	Thread      *Thread `json:"~thread,omitempty"`
	ExplainLtxt string  `json:"explain-ltxt,omitempty"`
}

// NewProblemReport builds a problem report with a human-readable explanation.
func NewProblemReport(explain string) *ProblemReport {
	return &ProblemReport{
		Type:        ProblemReportMsgType,
		ID:          uuid.New().String(),
		ExplainLtxt: explain,
	}
}
