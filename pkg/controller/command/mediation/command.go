/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package mediation exposes the administrative command surface over
// mediation records and keylists: list, retrieve, grant, deny, remove,
// request mediation from a remote mediator, and keylist inspection, query
// and update.
package mediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hyperledger/aries-framework-go/component/log"

	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/controller/command"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/controller/internal/cmdutil"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/common/service"
	mediationsvc "github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/protocol/mediation"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/transport"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/internal/logutil"
)

var logger = log.New("didcomm-mediation/command/mediation")

// Error codes.
const (
	// InvalidRequestErrorCode for invalid requests.
	InvalidRequestErrorCode = command.Code(iota + command.Mediation)

	// MissingMediationIDCode for mediation ID validation error.
	MissingMediationIDCode

	// MissingConnectionIDCode for connection ID validation error.
	MissingConnectionIDCode

	// ListMediationsErrorCode for list mediations error.
	ListMediationsErrorCode

	// GetMediationErrorCode for get mediation error.
	GetMediationErrorCode

	// GrantMediationErrorCode for grant mediation error.
	GrantMediationErrorCode

	// DenyMediationErrorCode for deny mediation error.
	DenyMediationErrorCode

	// RemoveMediationErrorCode for remove mediation error.
	RemoveMediationErrorCode

	// RequestMediationErrorCode for request mediation error.
	RequestMediationErrorCode

	// KeylistErrorCode for keylist retrieval error.
	KeylistErrorCode

	// KeylistUpdateErrorCode for keylist update error.
	KeylistUpdateErrorCode

	// KeylistQueryErrorCode for keylist query error.
	KeylistQueryErrorCode
)

// constants for the mediation controller.
const (
	// command name.
	CommandName = "mediation"

	// command methods.
	MediationsCommandMethod        = "Mediations"
	MediationCommandMethod         = "Mediation"
	MediationForConnectionMethod   = "MediationForConnection"
	GrantCommandMethod             = "Grant"
	DenyCommandMethod              = "Deny"
	RemoveCommandMethod            = "Remove"
	RequestCommandMethod           = "Request"
	KeylistCommandMethod           = "Keylist"
	SendKeylistUpdateCommandMethod = "SendKeylistUpdate"
	SendKeylistQueryCommandMethod  = "SendKeylistQuery"

	// log constants.
	connectionIDKey = "connectionID"
	mediationIDKey  = "mediationID"
	successString   = "success"
)

type outboundSender interface {
	Send(ctx context.Context, msg *transport.OutboundMessage, receipt *service.MessageReceipt) error
}

// Command contains command operations provided by the mediation controller.
type Command struct {
	manager  *mediationsvc.Manager
	outbound outboundSender
}

// New returns new mediation controller command instance.
func New(manager *mediationsvc.Manager, outbound outboundSender) (*Command, error) {
	if manager == nil {
		return nil, errors.New("mediation manager is required")
	}

	if outbound == nil {
		return nil, errors.New("outbound sender is required")
	}

	return &Command{manager: manager, outbound: outbound}, nil
}

// GetHandlers returns list of all commands supported by this controller command.
func (o *Command) GetHandlers() []command.Handler {
	return []command.Handler{
		cmdutil.NewCommandHandler(CommandName, MediationsCommandMethod, o.Mediations),
		cmdutil.NewCommandHandler(CommandName, MediationCommandMethod, o.Mediation),
		cmdutil.NewCommandHandler(CommandName, MediationForConnectionMethod, o.MediationForConnection),
		cmdutil.NewCommandHandler(CommandName, GrantCommandMethod, o.Grant),
		cmdutil.NewCommandHandler(CommandName, DenyCommandMethod, o.Deny),
		cmdutil.NewCommandHandler(CommandName, RemoveCommandMethod, o.Remove),
		cmdutil.NewCommandHandler(CommandName, RequestCommandMethod, o.Request),
		cmdutil.NewCommandHandler(CommandName, KeylistCommandMethod, o.Keylist),
		cmdutil.NewCommandHandler(CommandName, SendKeylistUpdateCommandMethod, o.SendKeylistUpdate),
		cmdutil.NewCommandHandler(CommandName, SendKeylistQueryCommandMethod, o.SendKeylistQuery),
	}
}

// Mediations lists mediation records, optionally filtered by state and role.
func (o *Command) Mediations(ctx context.Context, rw io.Writer, req io.Reader) command.Error {
	var request MediationsRequest

	err := json.NewDecoder(req).Decode(&request)
	if err != nil && !errors.Is(err, io.EOF) {
		logutil.LogInfo(logger, CommandName, MediationsCommandMethod, err.Error())
		return command.NewValidationError(InvalidRequestErrorCode, fmt.Errorf("request decode : %w", err))
	}

	records, err := o.manager.Records(request.State, request.Role)
	if err != nil {
		logutil.LogError(logger, CommandName, MediationsCommandMethod, err.Error())
		return command.NewExecuteError(ListMediationsErrorCode, err)
	}

	command.WriteNillableResponse(rw, &MediationsResponse{Results: records}, logger)

	logutil.LogDebug(logger, CommandName, MediationsCommandMethod, successString)

	return nil
}

// Mediation retrieves one mediation record by ID.
func (o *Command) Mediation(ctx context.Context, rw io.Writer, req io.Reader) command.Error {
	var request MediationRequest

	err := json.NewDecoder(req).Decode(&request)
	if err != nil {
		logutil.LogInfo(logger, CommandName, MediationCommandMethod, err.Error())
		return command.NewValidationError(InvalidRequestErrorCode, fmt.Errorf("request decode : %w", err))
	}

	if request.MediationID == "" {
		logutil.LogDebug(logger, CommandName, MediationCommandMethod, "missing mediationID")
		return command.NewValidationError(MissingMediationIDCode, errors.New("mediationID is mandatory"))
	}

	record, err := o.manager.Record(request.MediationID)
	if err != nil {
		logutil.LogError(logger, CommandName, MediationCommandMethod, err.Error(),
			logutil.CreateKeyValueString(mediationIDKey, request.MediationID))
		return command.NewExecuteError(GetMediationErrorCode, err)
	}

	command.WriteNillableResponse(rw, &MediationResponse{Result: record}, logger)

	logutil.LogDebug(logger, CommandName, MediationCommandMethod, successString,
		logutil.CreateKeyValueString(mediationIDKey, request.MediationID))

	return nil
}

// MediationForConnection retrieves the active mediation record of a connection.
func (o *Command) MediationForConnection(ctx context.Context, rw io.Writer, req io.Reader) command.Error {
	var request ConnectionRequest

	err := json.NewDecoder(req).Decode(&request)
	if err != nil {
		logutil.LogInfo(logger, CommandName, MediationForConnectionMethod, err.Error())
		return command.NewValidationError(InvalidRequestErrorCode, fmt.Errorf("request decode : %w", err))
	}

	if request.ConnectionID == "" {
		logutil.LogDebug(logger, CommandName, MediationForConnectionMethod, "missing connectionID")
		return command.NewValidationError(MissingConnectionIDCode, errors.New("connectionID is mandatory"))
	}

	record, err := o.manager.RecordForConnection(request.ConnectionID)
	if err != nil {
		logutil.LogError(logger, CommandName, MediationForConnectionMethod, err.Error(),
			logutil.CreateKeyValueString(connectionIDKey, request.ConnectionID))
		return command.NewExecuteError(GetMediationErrorCode, err)
	}

	command.WriteNillableResponse(rw, &MediationResponse{Result: record}, logger)

	logutil.LogDebug(logger, CommandName, MediationForConnectionMethod, successString,
		logutil.CreateKeyValueString(connectionIDKey, request.ConnectionID))

	return nil
}

// Grant grants a pending mediation request and sends the mediate-grant
// message to the peer.
func (o *Command) Grant(ctx context.Context, rw io.Writer, req io.Reader) command.Error {
	var request MediationRequest

	err := json.NewDecoder(req).Decode(&request)
	if err != nil {
		logutil.LogInfo(logger, CommandName, GrantCommandMethod, err.Error())
		return command.NewValidationError(InvalidRequestErrorCode, fmt.Errorf("request decode : %w", err))
	}

	if request.MediationID == "" {
		logutil.LogDebug(logger, CommandName, GrantCommandMethod, "missing mediationID")
		return command.NewValidationError(MissingMediationIDCode, errors.New("mediationID is mandatory"))
	}

	record, err := o.manager.Record(request.MediationID)
	if err != nil {
		logutil.LogError(logger, CommandName, GrantCommandMethod, err.Error(),
			logutil.CreateKeyValueString(mediationIDKey, request.MediationID))
		return command.NewExecuteError(GetMediationErrorCode, err)
	}

	grant, err := o.manager.GrantRequest(record)
	if err != nil {
		logutil.LogError(logger, CommandName, GrantCommandMethod, err.Error(),
			logutil.CreateKeyValueString(mediationIDKey, request.MediationID))
		return command.NewExecuteError(GrantMediationErrorCode, err)
	}

	if err := o.send(ctx, record.ConnectionID, grant); err != nil {
		logutil.LogError(logger, CommandName, GrantCommandMethod, err.Error(),
			logutil.CreateKeyValueString(mediationIDKey, request.MediationID))
		return command.NewExecuteError(GrantMediationErrorCode, err)
	}

	command.WriteNillableResponse(rw, &MediationResponse{Result: record}, logger)

	logutil.LogDebug(logger, CommandName, GrantCommandMethod, successString,
		logutil.CreateKeyValueString(mediationIDKey, request.MediationID))

	return nil
}

// Deny denies a pending mediation request and sends the mediate-deny message
// to the peer.
func (o *Command) Deny(ctx context.Context, rw io.Writer, req io.Reader) command.Error {
	var request DenyMediationRequest

	err := json.NewDecoder(req).Decode(&request)
	if err != nil {
		logutil.LogInfo(logger, CommandName, DenyCommandMethod, err.Error())
		return command.NewValidationError(InvalidRequestErrorCode, fmt.Errorf("request decode : %w", err))
	}

	if request.MediationID == "" {
		logutil.LogDebug(logger, CommandName, DenyCommandMethod, "missing mediationID")
		return command.NewValidationError(MissingMediationIDCode, errors.New("mediationID is mandatory"))
	}

	record, err := o.manager.Record(request.MediationID)
	if err != nil {
		logutil.LogError(logger, CommandName, DenyCommandMethod, err.Error(),
			logutil.CreateKeyValueString(mediationIDKey, request.MediationID))
		return command.NewExecuteError(GetMediationErrorCode, err)
	}

	deny, err := o.manager.DenyRequest(record, request.MediatorTerms, request.RecipientTerms)
	if err != nil {
		logutil.LogError(logger, CommandName, DenyCommandMethod, err.Error(),
			logutil.CreateKeyValueString(mediationIDKey, request.MediationID))
		return command.NewExecuteError(DenyMediationErrorCode, err)
	}

	if err := o.send(ctx, record.ConnectionID, deny); err != nil {
		logutil.LogError(logger, CommandName, DenyCommandMethod, err.Error(),
			logutil.CreateKeyValueString(mediationIDKey, request.MediationID))
		return command.NewExecuteError(DenyMediationErrorCode, err)
	}

	command.WriteNillableResponse(rw, &MediationResponse{Result: record}, logger)

	logutil.LogDebug(logger, CommandName, DenyCommandMethod, successString,
		logutil.CreateKeyValueString(mediationIDKey, request.MediationID))

	return nil
}

// Remove deletes a connection's mediation records together with their
// keylist registrations.
func (o *Command) Remove(ctx context.Context, rw io.Writer, req io.Reader) command.Error {
	var request ConnectionRequest

	err := json.NewDecoder(req).Decode(&request)
	if err != nil {
		logutil.LogInfo(logger, CommandName, RemoveCommandMethod, err.Error())
		return command.NewValidationError(InvalidRequestErrorCode, fmt.Errorf("request decode : %w", err))
	}

	if request.ConnectionID == "" {
		logutil.LogDebug(logger, CommandName, RemoveCommandMethod, "missing connectionID")
		return command.NewValidationError(MissingConnectionIDCode, errors.New("connectionID is mandatory"))
	}

	if err := o.manager.DeleteMediation(request.ConnectionID); err != nil {
		logutil.LogError(logger, CommandName, RemoveCommandMethod, err.Error(),
			logutil.CreateKeyValueString(connectionIDKey, request.ConnectionID))
		return command.NewExecuteError(RemoveMediationErrorCode, err)
	}

	command.WriteNillableResponse(rw, nil, logger)

	logutil.LogDebug(logger, CommandName, RemoveCommandMethod, successString,
		logutil.CreateKeyValueString(connectionIDKey, request.ConnectionID))

	return nil
}

// Request asks the mediator on the other end of the connection for mediation.
func (o *Command) Request(ctx context.Context, rw io.Writer, req io.Reader) command.Error {
	var request RequestMediationRequest

	err := json.NewDecoder(req).Decode(&request)
	if err != nil {
		logutil.LogInfo(logger, CommandName, RequestCommandMethod, err.Error())
		return command.NewValidationError(InvalidRequestErrorCode, fmt.Errorf("request decode : %w", err))
	}

	if request.ConnectionID == "" {
		logutil.LogDebug(logger, CommandName, RequestCommandMethod, "missing connectionID")
		return command.NewValidationError(MissingConnectionIDCode, errors.New("connectionID is mandatory"))
	}

	record, msg, err := o.manager.RequestMediation(request.ConnectionID,
		request.MediatorTerms, request.RecipientTerms)
	if err != nil {
		logutil.LogError(logger, CommandName, RequestCommandMethod, err.Error(),
			logutil.CreateKeyValueString(connectionIDKey, request.ConnectionID))
		return command.NewExecuteError(RequestMediationErrorCode, err)
	}

	if err := o.send(ctx, request.ConnectionID, msg); err != nil {
		logutil.LogError(logger, CommandName, RequestCommandMethod, err.Error(),
			logutil.CreateKeyValueString(connectionIDKey, request.ConnectionID))
		return command.NewExecuteError(RequestMediationErrorCode, err)
	}

	command.WriteNillableResponse(rw, &MediationResponse{Result: record}, logger)

	logutil.LogDebug(logger, CommandName, RequestCommandMethod, successString,
		logutil.CreateKeyValueString(connectionIDKey, request.ConnectionID))

	return nil
}

// Keylist lists the route records held for a connection's granted mediation.
func (o *Command) Keylist(ctx context.Context, rw io.Writer, req io.Reader) command.Error {
	var request ConnectionRequest

	err := json.NewDecoder(req).Decode(&request)
	if err != nil {
		logutil.LogInfo(logger, CommandName, KeylistCommandMethod, err.Error())
		return command.NewValidationError(InvalidRequestErrorCode, fmt.Errorf("request decode : %w", err))
	}

	if request.ConnectionID == "" {
		logutil.LogDebug(logger, CommandName, KeylistCommandMethod, "missing connectionID")
		return command.NewValidationError(MissingConnectionIDCode, errors.New("connectionID is mandatory"))
	}

	keys, err := o.manager.KeylistForConnection(request.ConnectionID)
	if err != nil {
		logutil.LogError(logger, CommandName, KeylistCommandMethod, err.Error(),
			logutil.CreateKeyValueString(connectionIDKey, request.ConnectionID))
		return command.NewExecuteError(KeylistErrorCode, err)
	}

	command.WriteNillableResponse(rw, &KeylistResponse{Keys: keys}, logger)

	logutil.LogDebug(logger, CommandName, KeylistCommandMethod, successString,
		logutil.CreateKeyValueString(connectionIDKey, request.ConnectionID))

	return nil
}

// SendKeylistUpdate sends keylist update instructions to the connection's
// mediator.
func (o *Command) SendKeylistUpdate(ctx context.Context, rw io.Writer, req io.Reader) command.Error {
	var request KeylistUpdateRequest

	err := json.NewDecoder(req).Decode(&request)
	if err != nil {
		logutil.LogInfo(logger, CommandName, SendKeylistUpdateCommandMethod, err.Error())
		return command.NewValidationError(InvalidRequestErrorCode, fmt.Errorf("request decode : %w", err))
	}

	if request.ConnectionID == "" {
		logutil.LogDebug(logger, CommandName, SendKeylistUpdateCommandMethod, "missing connectionID")
		return command.NewValidationError(MissingConnectionIDCode, errors.New("connectionID is mandatory"))
	}

	if len(request.Updates) == 0 {
		logutil.LogDebug(logger, CommandName, SendKeylistUpdateCommandMethod, "missing updates")
		return command.NewValidationError(InvalidRequestErrorCode, errors.New("at least one update is required"))
	}

	// the record must exist before instructing its mediator
	if _, err := o.manager.RecordForConnection(request.ConnectionID); err != nil {
		logutil.LogError(logger, CommandName, SendKeylistUpdateCommandMethod, err.Error(),
			logutil.CreateKeyValueString(connectionIDKey, request.ConnectionID))
		return command.NewExecuteError(KeylistUpdateErrorCode, err)
	}

	update := mediationsvc.NewKeylistUpdate(request.Updates)

	if err := o.send(ctx, request.ConnectionID, update); err != nil {
		logutil.LogError(logger, CommandName, SendKeylistUpdateCommandMethod, err.Error(),
			logutil.CreateKeyValueString(connectionIDKey, request.ConnectionID))
		return command.NewExecuteError(KeylistUpdateErrorCode, err)
	}

	command.WriteNillableResponse(rw, update, logger)

	logutil.LogDebug(logger, CommandName, SendKeylistUpdateCommandMethod, successString,
		logutil.CreateKeyValueString(connectionIDKey, request.ConnectionID))

	return nil
}

// SendKeylistQuery asks the connection's mediator for the current keylist.
func (o *Command) SendKeylistQuery(ctx context.Context, rw io.Writer, req io.Reader) command.Error {
	var request ConnectionRequest

	err := json.NewDecoder(req).Decode(&request)
	if err != nil {
		logutil.LogInfo(logger, CommandName, SendKeylistQueryCommandMethod, err.Error())
		return command.NewValidationError(InvalidRequestErrorCode, fmt.Errorf("request decode : %w", err))
	}

	if request.ConnectionID == "" {
		logutil.LogDebug(logger, CommandName, SendKeylistQueryCommandMethod, "missing connectionID")
		return command.NewValidationError(MissingConnectionIDCode, errors.New("connectionID is mandatory"))
	}

	if _, err := o.manager.RecordForConnection(request.ConnectionID); err != nil {
		logutil.LogError(logger, CommandName, SendKeylistQueryCommandMethod, err.Error(),
			logutil.CreateKeyValueString(connectionIDKey, request.ConnectionID))
		return command.NewExecuteError(KeylistQueryErrorCode, err)
	}

	query := mediationsvc.NewKeylistQuery()

	if err := o.send(ctx, request.ConnectionID, query); err != nil {
		logutil.LogError(logger, CommandName, SendKeylistQueryCommandMethod, err.Error(),
			logutil.CreateKeyValueString(connectionIDKey, request.ConnectionID))
		return command.NewExecuteError(KeylistQueryErrorCode, err)
	}

	command.WriteNillableResponse(rw, query, logger)

	logutil.LogDebug(logger, CommandName, SendKeylistQueryCommandMethod, successString,
		logutil.CreateKeyValueString(connectionIDKey, request.ConnectionID))

	return nil
}

func (o *Command) send(ctx context.Context, connectionID string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	return o.outbound.Send(ctx, &transport.OutboundMessage{
		ConnectionID: connectionID,
		Payload:      payload,
	}, nil)
}
