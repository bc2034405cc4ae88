/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mediation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/hyperledger/aries-framework-go/spi/storage"
	"github.com/stretchr/testify/require"

	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/controller/command"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/common/service"
	mediationsvc "github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/protocol/mediation"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/protocol/routing"
	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/transport"
	mediationstore "github.com/sicpa-dlab/didcomm-mediation-go/pkg/store/mediation"
)

const (
	testEndpoint = "https://mediator.example/in"
	testKey      = "Hx9kSsEaLKt5jvdZjXeGdBwW6mN1tRpavPz9mTnUv6Cx"
)

type mockProvider struct {
	provider    storage.Provider
	endpoint    string
	routingKeys []string
}

func (p *mockProvider) StorageProvider() storage.Provider { return p.provider }
func (p *mockProvider) RouterEndpoint() string            { return p.endpoint }
func (p *mockProvider) RoutingKeys() []string             { return p.routingKeys }

type mockOutbound struct {
	sent    []*transport.OutboundMessage
	lastCtx context.Context
	err     error
}

func (m *mockOutbound) Send(ctx context.Context, msg *transport.OutboundMessage,
	_ *service.MessageReceipt) error {
	m.lastCtx = ctx

	if m.err != nil {
		return m.err
	}

	m.sent = append(m.sent, msg)

	return nil
}

type commandFixture struct {
	cmd      *Command
	manager  *mediationsvc.Manager
	outbound *mockOutbound
}

func newFixture(t *testing.T) *commandFixture {
	t.Helper()

	prov := &mockProvider{
		provider:    mem.NewProvider(),
		endpoint:    testEndpoint,
		routingKeys: []string{testKey},
	}

	routes, err := routing.NewManager(prov)
	require.NoError(t, err)

	manager, err := mediationsvc.NewManager(prov, routes)
	require.NoError(t, err)

	outbound := &mockOutbound{}

	cmd, err := New(manager, outbound)
	require.NoError(t, err)

	return &commandFixture{cmd: cmd, manager: manager, outbound: outbound}
}

func sentType(t *testing.T, msg *transport.OutboundMessage) string {
	t.Helper()

	var envelope struct {
		Type string `json:"@type"`
	}

	require.NoError(t, json.Unmarshal(msg.Payload, &envelope))

	return envelope.Type
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fixture := newFixture(t)
		require.Len(t, fixture.cmd.GetHandlers(), 10)
	})

	t.Run("missing manager", func(t *testing.T) {
		_, err := New(nil, &mockOutbound{})
		require.EqualError(t, err, "mediation manager is required")
	})

	t.Run("missing outbound sender", func(t *testing.T) {
		fixture := newFixture(t)

		_, err := New(fixture.manager, nil)
		require.EqualError(t, err, "outbound sender is required")
	})
}

func TestCommand_Mediations(t *testing.T) {
	t.Run("empty request lists everything", func(t *testing.T) {
		fixture := newFixture(t)

		_, err := fixture.manager.ReceiveRequest("conn-1", nil, nil)
		require.NoError(t, err)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Mediations(context.Background(), &b, bytes.NewReader(nil))
		require.NoError(t, cmdErr)

		var response MediationsResponse
		require.NoError(t, json.Unmarshal(b.Bytes(), &response))
		require.Len(t, response.Results, 1)
		require.Equal(t, "conn-1", response.Results[0].ConnectionID)
	})

	t.Run("filters by state", func(t *testing.T) {
		fixture := newFixture(t)

		record, err := fixture.manager.ReceiveRequest("conn-1", nil, nil)
		require.NoError(t, err)

		_, err = fixture.manager.GrantRequest(record)
		require.NoError(t, err)

		_, err = fixture.manager.ReceiveRequest("conn-2", nil, nil)
		require.NoError(t, err)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Mediations(context.Background(), &b, bytes.NewBufferString(`{"state":"granted"}`))
		require.NoError(t, cmdErr)

		var response MediationsResponse
		require.NoError(t, json.Unmarshal(b.Bytes(), &response))
		require.Len(t, response.Results, 1)
		require.Equal(t, mediationstore.StateGranted, response.Results[0].State)
	})

	t.Run("invalid request", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Mediations(context.Background(), &b, bytes.NewBufferString("--"))
		require.Error(t, cmdErr)
		require.Equal(t, command.ValidationError, cmdErr.Type())
		require.Equal(t, InvalidRequestErrorCode, cmdErr.Code())
	})
}

func TestCommand_Mediation(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fixture := newFixture(t)

		record, err := fixture.manager.ReceiveRequest("conn-1", nil, nil)
		require.NoError(t, err)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Mediation(context.Background(), &b,
			bytes.NewBufferString(fmt.Sprintf(`{"mediation_id":%q}`, record.MediationID)))
		require.NoError(t, cmdErr)

		var response MediationResponse
		require.NoError(t, json.Unmarshal(b.Bytes(), &response))
		require.Equal(t, record.MediationID, response.Result.MediationID)
	})

	t.Run("missing mediation ID", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Mediation(context.Background(), &b, bytes.NewBufferString("{}"))
		require.Error(t, cmdErr)
		require.Equal(t, command.ValidationError, cmdErr.Type())
		require.Equal(t, MissingMediationIDCode, cmdErr.Code())
	})

	t.Run("record not found", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Mediation(context.Background(), &b, bytes.NewBufferString(`{"mediation_id":"nope"}`))
		require.Error(t, cmdErr)
		require.Equal(t, command.ExecuteError, cmdErr.Type())
		require.Equal(t, GetMediationErrorCode, cmdErr.Code())
	})
}

func TestCommand_MediationForConnection(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fixture := newFixture(t)

		record, err := fixture.manager.ReceiveRequest("conn-1", nil, nil)
		require.NoError(t, err)

		var b bytes.Buffer
		cmdErr := fixture.cmd.MediationForConnection(context.Background(), &b,
			bytes.NewBufferString(`{"connection_id":"conn-1"}`))
		require.NoError(t, cmdErr)

		var response MediationResponse
		require.NoError(t, json.Unmarshal(b.Bytes(), &response))
		require.Equal(t, record.MediationID, response.Result.MediationID)
	})

	t.Run("missing connection ID", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.MediationForConnection(context.Background(), &b, bytes.NewBufferString("{}"))
		require.Error(t, cmdErr)
		require.Equal(t, MissingConnectionIDCode, cmdErr.Code())
	})

	t.Run("no record for connection", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.MediationForConnection(context.Background(), &b,
			bytes.NewBufferString(`{"connection_id":"conn-1"}`))
		require.Error(t, cmdErr)
		require.Equal(t, command.ExecuteError, cmdErr.Type())
		require.Equal(t, GetMediationErrorCode, cmdErr.Code())
	})
}

func TestCommand_Grant(t *testing.T) {
	t.Run("grants and sends mediate-grant", func(t *testing.T) {
		fixture := newFixture(t)

		record, err := fixture.manager.ReceiveRequest("conn-1", nil, nil)
		require.NoError(t, err)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Grant(context.Background(), &b,
			bytes.NewBufferString(fmt.Sprintf(`{"mediation_id":%q}`, record.MediationID)))
		require.NoError(t, cmdErr)

		stored, err := fixture.manager.Record(record.MediationID)
		require.NoError(t, err)
		require.Equal(t, mediationstore.StateGranted, stored.State)

		require.Len(t, fixture.outbound.sent, 1)
		require.Equal(t, "conn-1", fixture.outbound.sent[0].ConnectionID)
		require.Equal(t, mediationsvc.GrantMsgType, sentType(t, fixture.outbound.sent[0]))
	})

	t.Run("denied record cannot be granted", func(t *testing.T) {
		fixture := newFixture(t)

		record, err := fixture.manager.ReceiveRequest("conn-1", nil, nil)
		require.NoError(t, err)

		_, err = fixture.manager.DenyRequest(record, nil, nil)
		require.NoError(t, err)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Grant(context.Background(), &b,
			bytes.NewBufferString(fmt.Sprintf(`{"mediation_id":%q}`, record.MediationID)))
		require.Error(t, cmdErr)
		require.Equal(t, GrantMediationErrorCode, cmdErr.Code())
		require.Empty(t, fixture.outbound.sent)
	})

	t.Run("send failure", func(t *testing.T) {
		fixture := newFixture(t)
		fixture.outbound.err = errors.New("transport down")

		record, err := fixture.manager.ReceiveRequest("conn-1", nil, nil)
		require.NoError(t, err)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Grant(context.Background(), &b,
			bytes.NewBufferString(fmt.Sprintf(`{"mediation_id":%q}`, record.MediationID)))
		require.Error(t, cmdErr)
		require.Equal(t, command.ExecuteError, cmdErr.Type())
		require.Equal(t, GrantMediationErrorCode, cmdErr.Code())
	})

	t.Run("missing mediation ID", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Grant(context.Background(), &b, bytes.NewBufferString("{}"))
		require.Error(t, cmdErr)
		require.Equal(t, MissingMediationIDCode, cmdErr.Code())
	})

	t.Run("caller context reaches the outbound sender", func(t *testing.T) {
		fixture := newFixture(t)

		record, err := fixture.manager.ReceiveRequest("conn-1", nil, nil)
		require.NoError(t, err)

		type ctxKey struct{}

		ctx := context.WithValue(context.Background(), ctxKey{}, "marker")

		var b bytes.Buffer
		cmdErr := fixture.cmd.Grant(ctx, &b,
			bytes.NewBufferString(fmt.Sprintf(`{"mediation_id":%q}`, record.MediationID)))
		require.NoError(t, cmdErr)
		require.Equal(t, "marker", fixture.outbound.lastCtx.Value(ctxKey{}))
	})
}

func TestCommand_Deny(t *testing.T) {
	t.Run("denies and sends mediate-deny", func(t *testing.T) {
		fixture := newFixture(t)

		record, err := fixture.manager.ReceiveRequest("conn-1", nil, nil)
		require.NoError(t, err)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Deny(context.Background(), &b, bytes.NewBufferString(
			fmt.Sprintf(`{"mediation_id":%q,"mediator_terms":["no-storage"]}`, record.MediationID)))
		require.NoError(t, cmdErr)

		stored, err := fixture.manager.Record(record.MediationID)
		require.NoError(t, err)
		require.Equal(t, mediationstore.StateDenied, stored.State)
		require.Equal(t, []string{"no-storage"}, stored.MediatorTerms)

		require.Len(t, fixture.outbound.sent, 1)
		require.Equal(t, mediationsvc.DenyMsgType, sentType(t, fixture.outbound.sent[0]))
	})

	t.Run("granted record cannot be denied", func(t *testing.T) {
		fixture := newFixture(t)

		record, err := fixture.manager.ReceiveRequest("conn-1", nil, nil)
		require.NoError(t, err)

		_, err = fixture.manager.GrantRequest(record)
		require.NoError(t, err)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Deny(context.Background(), &b,
			bytes.NewBufferString(fmt.Sprintf(`{"mediation_id":%q}`, record.MediationID)))
		require.Error(t, cmdErr)
		require.Equal(t, DenyMediationErrorCode, cmdErr.Code())
		require.Empty(t, fixture.outbound.sent)
	})
}

func TestCommand_Remove(t *testing.T) {
	t.Run("removes records and routes", func(t *testing.T) {
		fixture := newFixture(t)

		record, err := fixture.manager.ReceiveRequest("conn-1", nil, nil)
		require.NoError(t, err)

		_, err = fixture.manager.GrantRequest(record)
		require.NoError(t, err)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Remove(context.Background(), &b, bytes.NewBufferString(`{"connection_id":"conn-1"}`))
		require.NoError(t, cmdErr)

		_, err = fixture.manager.Record(record.MediationID)
		require.ErrorIs(t, err, mediationsvc.ErrNotFound)
	})

	t.Run("nothing to remove", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Remove(context.Background(), &b, bytes.NewBufferString(`{"connection_id":"conn-1"}`))
		require.Error(t, cmdErr)
		require.Equal(t, RemoveMediationErrorCode, cmdErr.Code())
	})

	t.Run("missing connection ID", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Remove(context.Background(), &b, bytes.NewBufferString("{}"))
		require.Error(t, cmdErr)
		require.Equal(t, MissingConnectionIDCode, cmdErr.Code())
	})
}

func TestCommand_Request(t *testing.T) {
	t.Run("creates record and sends mediate-request", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Request(context.Background(), &b,
			bytes.NewBufferString(`{"connection_id":"conn-1","mediator_terms":["t"]}`))
		require.NoError(t, cmdErr)

		var response MediationResponse
		require.NoError(t, json.Unmarshal(b.Bytes(), &response))
		require.Equal(t, mediationstore.RoleRecipient, response.Result.Role)
		require.Equal(t, mediationstore.StateRequestReceived, response.Result.State)

		require.Len(t, fixture.outbound.sent, 1)
		require.Equal(t, mediationsvc.RequestMsgType, sentType(t, fixture.outbound.sent[0]))
	})

	t.Run("duplicate request conflicts", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Request(context.Background(), &b, bytes.NewBufferString(`{"connection_id":"conn-1"}`))
		require.NoError(t, cmdErr)

		cmdErr = fixture.cmd.Request(context.Background(), &b, bytes.NewBufferString(`{"connection_id":"conn-1"}`))
		require.Error(t, cmdErr)
		require.Equal(t, RequestMediationErrorCode, cmdErr.Code())
	})

	t.Run("missing connection ID", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Request(context.Background(), &b, bytes.NewBufferString("{}"))
		require.Error(t, cmdErr)
		require.Equal(t, MissingConnectionIDCode, cmdErr.Code())
	})
}

func TestCommand_Keylist(t *testing.T) {
	t.Run("lists routes of a granted mediation", func(t *testing.T) {
		fixture := newFixture(t)

		record, err := fixture.manager.ReceiveRequest("conn-1", nil, nil)
		require.NoError(t, err)

		_, err = fixture.manager.GrantRequest(record)
		require.NoError(t, err)

		_, err = fixture.manager.UpdateKeylist(record, []mediationsvc.Update{
			{RecipientKey: testKey, Action: mediationsvc.ActionAdd},
		})
		require.NoError(t, err)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Keylist(context.Background(), &b, bytes.NewBufferString(`{"connection_id":"conn-1"}`))
		require.NoError(t, cmdErr)

		var response KeylistResponse
		require.NoError(t, json.Unmarshal(b.Bytes(), &response))
		require.Len(t, response.Keys, 1)
		require.Equal(t, testKey, response.Keys[0].RecipientKey)
	})

	t.Run("mediation not granted", func(t *testing.T) {
		fixture := newFixture(t)

		_, err := fixture.manager.ReceiveRequest("conn-1", nil, nil)
		require.NoError(t, err)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Keylist(context.Background(), &b, bytes.NewBufferString(`{"connection_id":"conn-1"}`))
		require.Error(t, cmdErr)
		require.Equal(t, KeylistErrorCode, cmdErr.Code())
	})
}

func TestCommand_SendKeylistUpdate(t *testing.T) {
	t.Run("sends keylist-update to the mediator", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Request(context.Background(), &b, bytes.NewBufferString(`{"connection_id":"conn-1"}`))
		require.NoError(t, cmdErr)

		b.Reset()
		cmdErr = fixture.cmd.SendKeylistUpdate(context.Background(), &b, bytes.NewBufferString(
			fmt.Sprintf(`{"connection_id":"conn-1","updates":[{"recipient_key":%q,"action":"add"}]}`, testKey)))
		require.NoError(t, cmdErr)

		require.Len(t, fixture.outbound.sent, 2)
		require.Equal(t, mediationsvc.KeylistUpdateMsgType, sentType(t, fixture.outbound.sent[1]))

		var update mediationsvc.KeylistUpdate
		require.NoError(t, json.Unmarshal(b.Bytes(), &update))
		require.NotEmpty(t, update.ID)
		require.Len(t, update.Updates, 1)
		require.Equal(t, testKey, update.Updates[0].RecipientKey)
	})

	t.Run("no mediation record", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.SendKeylistUpdate(context.Background(), &b, bytes.NewBufferString(
			fmt.Sprintf(`{"connection_id":"conn-1","updates":[{"recipient_key":%q,"action":"add"}]}`, testKey)))
		require.Error(t, cmdErr)
		require.Equal(t, command.ExecuteError, cmdErr.Type())
		require.Equal(t, KeylistUpdateErrorCode, cmdErr.Code())
	})

	t.Run("requires updates", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.SendKeylistUpdate(context.Background(), &b,
			bytes.NewBufferString(`{"connection_id":"conn-1","updates":[]}`))
		require.Error(t, cmdErr)
		require.Equal(t, InvalidRequestErrorCode, cmdErr.Code())
	})

	t.Run("missing connection ID", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.SendKeylistUpdate(context.Background(), &b, bytes.NewBufferString("{}"))
		require.Error(t, cmdErr)
		require.Equal(t, MissingConnectionIDCode, cmdErr.Code())
	})
}

func TestCommand_SendKeylistQuery(t *testing.T) {
	t.Run("sends keylist-query to the mediator", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.Request(context.Background(), &b, bytes.NewBufferString(`{"connection_id":"conn-1"}`))
		require.NoError(t, cmdErr)

		b.Reset()
		cmdErr = fixture.cmd.SendKeylistQuery(context.Background(), &b, bytes.NewBufferString(`{"connection_id":"conn-1"}`))
		require.NoError(t, cmdErr)

		require.Len(t, fixture.outbound.sent, 2)
		require.Equal(t, mediationsvc.KeylistQueryMsgType, sentType(t, fixture.outbound.sent[1]))
	})

	t.Run("no mediation record", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.SendKeylistQuery(context.Background(), &b, bytes.NewBufferString(`{"connection_id":"conn-1"}`))
		require.Error(t, cmdErr)
		require.Equal(t, KeylistQueryErrorCode, cmdErr.Code())
	})

	t.Run("missing connection ID", func(t *testing.T) {
		fixture := newFixture(t)

		var b bytes.Buffer
		cmdErr := fixture.cmd.SendKeylistQuery(context.Background(), &b, bytes.NewBufferString("{}"))
		require.Error(t, cmdErr)
		require.Equal(t, MissingConnectionIDCode, cmdErr.Code())
	})
}
