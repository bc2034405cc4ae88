/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/common/service"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/transport"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/internal/logutil"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/store/scheduled"
)

// Problem report explanations sent to peers.
const (
	problemMediationExists     = "mediation request already exists from this connection"
	problemMediationNotGranted = "mediation has not been granted for this connection"
)

type outboundSender interface {
	Send(ctx context.Context, msg *transport.OutboundMessage, receipt *service.MessageReceipt) error
}

type connectionUpdater interface {
	UpdateState(connectionID, state string) error
}

type handlerFunc func(ctx context.Context, msg service.DIDCommMsgMap, receipt *service.MessageReceipt) error

// ServiceConfig collects the service's collaborators.
type ServiceConfig struct {
	Manager     *Manager
	Scheduled   *scheduled.Store
	Connections connectionUpdater
	Outbound    outboundSender
	// AutoGrant grants inbound mediate-requests immediately instead of
	// leaving them pending for an administrative decision.
	AutoGrant bool
}

// Service consumes inbound coordinate-mediation messages, dispatching each
// type to its handler and replying over the outbound sender.
type Service struct {
	manager     *Manager
	scheduled   *scheduled.Store
	connections connectionUpdater
	outbound    outboundSender
	autoGrant   bool
	handlers    map[string]handlerFunc
}

// NewService returns the coordinate-mediation message service.
func NewService(cfg *ServiceConfig) (*Service, error) {
	if cfg.Manager == nil {
		return nil, errors.New("mediation manager is required")
	}

	if cfg.Outbound == nil {
		return nil, errors.New("outbound sender is required")
	}

	s := &Service{
		manager:     cfg.Manager,
		scheduled:   cfg.Scheduled,
		connections: cfg.Connections,
		outbound:    cfg.Outbound,
		autoGrant:   cfg.AutoGrant,
	}

	s.handlers = map[string]handlerFunc{
		RequestMsgType:               s.handleRequest,
		GrantMsgType:                 s.handleGrant,
		DenyMsgType:                  s.handleDeny,
		KeylistUpdateMsgType:         s.handleKeylistUpdate,
		KeylistUpdateResponseMsgType: s.handleKeylistUpdateResponse,
		KeylistQueryMsgType:          s.handleKeylistQuery,
	}

	return s, nil
}

// Name of the service.
func (s *Service) Name() string {
	return Coordination
}

// Accept checks whether the service handles the message type.
func (s *Service) Accept(msgType string) bool {
	_, ok := s.handlers[msgType]

	return ok
}

// HandleInbound dispatches msg to the handler registered for its type.
func (s *Service) HandleInbound(ctx context.Context, msg service.DIDCommMsgMap,
	receipt *service.MessageReceipt) (string, error) {
	handler, ok := s.handlers[msg.Type()]
	if !ok {
		return "", fmt.Errorf("unsupported message type %s", msg.Type())
	}

	if receipt == nil || receipt.ConnectionID == "" {
		return "", errors.New("message receipt with a connection ID is required")
	}

	err := handler(ctx, msg, receipt)
	if err != nil {
		logutil.LogError(logger, Coordination, "handleInbound", err.Error(),
			logutil.CreateKeyValueString("msgType", msg.Type()),
			logutil.CreateKeyValueString("msgID", msg.ID()),
			logutil.CreateKeyValueString("connectionID", receipt.ConnectionID))

		return "", err
	}

	logutil.LogDebug(logger, Coordination, "handleInbound", "success",
		logutil.CreateKeyValueString("msgType", msg.Type()),
		logutil.CreateKeyValueString("msgID", msg.ID()),
		logutil.CreateKeyValueString("connectionID", receipt.ConnectionID))

	return msg.ID(), nil
}

// ScheduleMessage holds message until the reply on triggerThreadID arrives.
// The held message is released by the keylist-update-response handler.
func (s *Service) ScheduleMessage(triggerThreadID, connectionID, newState string, message json.RawMessage) error {
	if s.scheduled == nil {
		return errors.New("no scheduled message store configured")
	}

	return s.scheduled.Save(&scheduled.Message{
		MessageID:          uuid.New().String(),
		TriggerThreadID:    triggerThreadID,
		ConnectionID:       connectionID,
		Message:            message,
		State:              scheduled.StatePending,
		NewConnectionState: newState,
		CreatedAt:          time.Now().UTC(),
	})
}

func (s *Service) handleRequest(ctx context.Context, msg service.DIDCommMsgMap,
	receipt *service.MessageReceipt) error {
	var request Request

	if err := msg.Decode(&request); err != nil {
		return fmt.Errorf("decode mediate-request: %w", err)
	}

	record, err := s.manager.ReceiveRequest(receipt.ConnectionID, request.MediatorTerms, request.RecipientTerms)
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return s.problemReport(ctx, problemMediationExists, msg.ID(), receipt)
		}

		return err
	}

	if !s.autoGrant {
		return nil
	}

	grant, err := s.manager.GrantRequest(record)
	if err != nil {
		return err
	}

	grant.Thread = &service.Thread{ID: msg.ID()}

	return s.reply(ctx, grant, receipt)
}

func (s *Service) handleGrant(_ context.Context, msg service.DIDCommMsgMap,
	receipt *service.MessageReceipt) error {
	var grant Grant

	if err := msg.Decode(&grant); err != nil {
		return fmt.Errorf("decode mediate-grant: %w", err)
	}

	_, err := s.manager.GrantReceived(receipt.ConnectionID, &grant)

	return err
}

func (s *Service) handleDeny(_ context.Context, msg service.DIDCommMsgMap,
	receipt *service.MessageReceipt) error {
	var deny Deny

	if err := msg.Decode(&deny); err != nil {
		return fmt.Errorf("decode mediate-deny: %w", err)
	}

	_, err := s.manager.DenyReceived(receipt.ConnectionID, &deny)

	return err
}

func (s *Service) handleKeylistUpdate(ctx context.Context, msg service.DIDCommMsgMap,
	receipt *service.MessageReceipt) error {
	var update KeylistUpdate

	if err := msg.Decode(&update); err != nil {
		return fmt.Errorf("decode keylist-update: %w", err)
	}

	record, err := s.manager.RecordForConnection(receipt.ConnectionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.problemReport(ctx, problemMediationNotGranted, msg.ID(), receipt)
		}

		return err
	}

	response, err := s.manager.UpdateKeylist(record, update.Updates)
	if err != nil {
		if errors.Is(err, ErrNotGranted) {
			return s.problemReport(ctx, problemMediationNotGranted, msg.ID(), receipt)
		}

		return err
	}

	response.Thread = &service.Thread{ID: msg.ID()}

	return s.reply(ctx, response, receipt)
}

func (s *Service) handleKeylistUpdateResponse(ctx context.Context, msg service.DIDCommMsgMap,
	receipt *service.MessageReceipt) error {
	var response KeylistUpdateResponse

	if err := msg.Decode(&response); err != nil {
		return fmt.Errorf("decode keylist-update-response: %w", err)
	}

	if err := s.manager.StoreUpdateResults(receipt.ConnectionID, response.Updated); err != nil {
		return err
	}

	threadID, err := msg.ThreadID()
	if err != nil {
		return fmt.Errorf("keylist-update-response thread ID: %w", err)
	}

	s.releaseScheduled(ctx, threadID)

	return nil
}

func (s *Service) handleKeylistQuery(ctx context.Context, msg service.DIDCommMsgMap,
	receipt *service.MessageReceipt) error {
	var query KeylistQuery

	if err := msg.Decode(&query); err != nil {
		return fmt.Errorf("decode keylist-query: %w", err)
	}

	routes, err := s.manager.KeylistForConnection(receipt.ConnectionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotGranted) {
			return s.problemReport(ctx, problemMediationNotGranted, msg.ID(), receipt)
		}

		return err
	}

	keys := make([]KeylistKey, 0, len(routes))

	for _, route := range routes {
		keys = append(keys, KeylistKey{RecipientKey: route.RecipientKey})
	}

	keylist := &Keylist{
		Type:   KeylistMsgType,
		ID:     uuid.New().String(),
		Thread: &service.Thread{ID: msg.ID()},
		Keys:   keys,
	}

	return s.reply(ctx, keylist, receipt)
}

// releaseScheduled sends every pending message waiting on threadID. Failures
// are logged per message; the batch keeps going.
func (s *Service) releaseScheduled(ctx context.Context, threadID string) {
	if s.scheduled == nil {
		return
	}

	messages, err := s.scheduled.PendingByTriggerThreadID(threadID)
	if err != nil {
		logger.Errorf("failed to load scheduled messages for thread %s: %s", threadID, err)

		return
	}

	for _, msg := range messages {
		outbound := &transport.OutboundMessage{
			ConnectionID: msg.ConnectionID,
			Payload:      msg.Message,
		}

		if err := s.outbound.Send(ctx, outbound, nil); err != nil {
			logger.Errorf("failed to send scheduled message %s: %s", msg.MessageID, err)

			continue
		}

		if err := s.scheduled.MarkSent(msg.MessageID); err != nil {
			logger.Errorf("failed to mark scheduled message %s sent: %s", msg.MessageID, err)
		}

		if msg.NewConnectionState != "" && s.connections != nil {
			if err := s.connections.UpdateState(msg.ConnectionID, msg.NewConnectionState); err != nil {
				logger.Warnf("could not move connection %s to state %s: %s",
					msg.ConnectionID, msg.NewConnectionState, err)
			}
		}
	}
}

func (s *Service) problemReport(ctx context.Context, explain, threadID string,
	receipt *service.MessageReceipt) error {
	report := service.NewProblemReport(explain)
	report.Thread = &service.Thread{ID: threadID}

	logger.Infof("replying with problem report to connection %s: %s", receipt.ConnectionID, explain)

	return s.reply(ctx, report, receipt)
}

func (s *Service) reply(ctx context.Context, message interface{}, receipt *service.MessageReceipt) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}

	return s.outbound.Send(ctx, &transport.OutboundMessage{
		ConnectionID:  receipt.ConnectionID,
		Payload:       payload,
		ReplyToVerkey: receipt.SenderVerkey,
	}, receipt)
}
