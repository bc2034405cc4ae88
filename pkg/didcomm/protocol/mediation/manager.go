/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package mediation implements the coordinate-mediation protocol for both
// the mediator and the recipient role: the mediation record state machine,
// keylist synchronization against the routing registry, and the inbound
// message service dispatching protocol messages to it.
package mediation

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/didcomm/protocol/routing"
	mediationstore "github.com/sicpa-dlab/didcomm-mediation-go/pkg/store/mediation"
)

var logger = log.New("didcomm-mediation/mediation")

// Errors surfaced by mediation operations. Callers translate these into
// problem reports toward the peer or structured admin errors.
var (
	// ErrInvalidState rejects a transition the record's state does not
	// allow.
	ErrInvalidState = errors.New("mediation record is in an incompatible state")

	// ErrNotGranted rejects keylist operations against a mediation that was
	// never granted.
	ErrNotGranted = errors.New("mediation has not been granted for this connection")

	// ErrAlreadyExists reports a second mediation request on a connection
	// whose earlier request was not denied.
	ErrAlreadyExists = mediationstore.ErrAlreadyExists

	// ErrNotFound reports an absent mediation record.
	ErrNotFound = mediationstore.ErrMediationNotFound
)

// grantPollInterval is the constant backoff between grant polls in AwaitGrant.
const grantPollInterval = time.Second

type provider interface {
	StorageProvider() storage.Provider
	RouterEndpoint() string
	RoutingKeys() []string
}

type routeRegistry interface {
	CreateRouteRecord(recipientKey, connectionID, walletID string) (*routing.RouteRecord, bool, error)
	RemoveRouteRecord(recipientKey string) (bool, error)
	RoutesForConnection(connectionID string) ([]*routing.RouteRecord, error)
}

// Manager drives the mediation record state machine and keeps the routing
// registry and the records' mirrored keylists in step.
type Manager struct {
	store  *mediationstore.Store
	routes routeRegistry
	config *Config
}

// NewManager returns a mediation manager backed by prov's storage and the
// given route registry.
func NewManager(prov provider, routes routeRegistry) (*Manager, error) {
	store, err := mediationstore.NewStore(prov)
	if err != nil {
		return nil, fmt.Errorf("init mediation store: %w", err)
	}

	return &Manager{
		store:  store,
		routes: routes,
		config: NewConfig(prov.RouterEndpoint(), prov.RoutingKeys()),
	}, nil
}

// ReceiveRequest records an inbound mediate-request for connectionID. A
// connection may hold at most one non-denied record; a denied leftover is
// superseded by the new request.
func (m *Manager) ReceiveRequest(connectionID string, mediatorTerms,
	recipientTerms []string) (*mediationstore.Record, error) {
	return m.createRecord(connectionID, mediationstore.RoleMediator, mediatorTerms, recipientTerms)
}

// RequestMediation creates the recipient-side record for connectionID and
// returns the mediate-request message to send to the mediator.
func (m *Manager) RequestMediation(connectionID string, mediatorTerms,
	recipientTerms []string) (*mediationstore.Record, *Request, error) {
	record, err := m.createRecord(connectionID, mediationstore.RoleRecipient, mediatorTerms, recipientTerms)
	if err != nil {
		return nil, nil, err
	}

	request := &Request{
		Type:           RequestMsgType,
		ID:             uuid.New().String(),
		MediatorTerms:  mediatorTerms,
		RecipientTerms: recipientTerms,
	}

	return record, request, nil
}

func (m *Manager) createRecord(connectionID, role string, mediatorTerms,
	recipientTerms []string) (*mediationstore.Record, error) {
	if connectionID == "" {
		return nil, errors.New("connection ID is required")
	}

	var record *mediationstore.Record

	err := m.store.WithConnectionLock(connectionID, func() error {
		existing, err := m.store.ForConnection(connectionID)
		if err != nil {
			return err
		}

		for _, rec := range existing {
			if rec.State != mediationstore.StateDenied {
				return fmt.Errorf("connection %s: %w", connectionID, ErrAlreadyExists)
			}

			// a denied record is superseded by the new request
			if err := m.store.Delete(rec.MediationID); err != nil {
				return err
			}
		}

		record = &mediationstore.Record{
			MediationID:    uuid.New().String(),
			ConnectionID:   connectionID,
			Role:           role,
			State:          mediationstore.StateRequestReceived,
			MediatorTerms:  mediatorTerms,
			RecipientTerms: recipientTerms,
			CreatedAt:      time.Now().UTC(),
		}

		return m.store.Save(record)
	})
	if err != nil {
		return nil, err
	}

	logger.Debugf("created %s mediation record %s for connection %s", role, record.MediationID, connectionID)

	return record, nil
}

// GrantRequest transitions the record to granted and returns the
// mediate-grant message carrying the mediator's endpoint and routing keys.
// Re-granting an already-granted record re-issues the current endpoint and
// keys. The record is re-read and written under the connection lock so the
// state check and the write cannot interleave with a concurrent mutation of
// the same record; the caller's copy is refreshed from the stored state.
func (m *Manager) GrantRequest(record *mediationstore.Record) (*Grant, error) {
	err := m.store.WithConnectionLock(record.ConnectionID, func() error {
		current, err := m.store.Get(record.MediationID)
		if err != nil {
			return err
		}

		if current.State == mediationstore.StateDenied {
			return fmt.Errorf("grant from state %s: %w", current.State, ErrInvalidState)
		}

		current.State = mediationstore.StateGranted
		current.Endpoint = m.config.Endpoint()
		current.RoutingKeys = m.config.Keys()

		if err := m.store.Save(current); err != nil {
			return fmt.Errorf("persist granted record: %w", err)
		}

		*record = *current

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Grant{
		Type:        GrantMsgType,
		ID:          uuid.New().String(),
		Endpoint:    m.config.Endpoint(),
		RoutingKeys: m.config.Keys(),
	}, nil
}

// DenyRequest transitions the record to denied, storing the possibly
// renegotiated terms, and returns the mediate-deny message. Like
// GrantRequest, it re-reads the record under the connection lock so a stale
// caller copy cannot deny a record another handler granted in the meantime.
func (m *Manager) DenyRequest(record *mediationstore.Record, mediatorTerms,
	recipientTerms []string) (*Deny, error) {
	err := m.store.WithConnectionLock(record.ConnectionID, func() error {
		current, err := m.store.Get(record.MediationID)
		if err != nil {
			return err
		}

		if current.State != mediationstore.StateRequestReceived {
			return fmt.Errorf("deny from state %s: %w", current.State, ErrInvalidState)
		}

		current.State = mediationstore.StateDenied
		current.MediatorTerms = mediatorTerms
		current.RecipientTerms = recipientTerms

		if err := m.store.Save(current); err != nil {
			return fmt.Errorf("persist denied record: %w", err)
		}

		*record = *current

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Deny{
		Type:           DenyMsgType,
		ID:             uuid.New().String(),
		MediatorTerms:  mediatorTerms,
		RecipientTerms: recipientTerms,
	}, nil
}

// UpdateKeylist applies updates against the routing registry in submitted
// order and reports one outcome per rule. The record's mirrored recipient
// keys change only for rules that succeed, and the record is persisted once
// after the whole batch. The batch runs on a fresh read of the record under
// the connection lock, so two concurrent batches cannot overwrite each
// other's mirror; the caller's copy is refreshed from the stored state.
func (m *Manager) UpdateKeylist(record *mediationstore.Record, updates []Update) (*KeylistUpdateResponse, error) {
	updated := make([]UpdateResult, 0, len(updates))

	err := m.store.WithConnectionLock(record.ConnectionID, func() error {
		current, err := m.store.Get(record.MediationID)
		if err != nil {
			return err
		}

		if current.State != mediationstore.StateGranted {
			return fmt.Errorf("keylist update on connection %s: %w", current.ConnectionID, ErrNotGranted)
		}

		for _, update := range updates {
			updated = append(updated, UpdateResult{
				RecipientKey: update.RecipientKey,
				Action:       update.Action,
				Result:       m.applyUpdate(current, update),
			})
		}

		if err := m.store.Save(current); err != nil {
			return fmt.Errorf("persist record after keylist update: %w", err)
		}

		*record = *current

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &KeylistUpdateResponse{
		Type:    KeylistUpdateResponseMsgType,
		ID:      uuid.New().String(),
		Updated: updated,
	}, nil
}

func (m *Manager) applyUpdate(record *mediationstore.Record, update Update) string {
	if update.RecipientKey == "" || len(base58.Decode(update.RecipientKey)) == 0 {
		return ResultClientError
	}

	switch update.Action {
	case ActionAdd:
		_, created, err := m.routes.CreateRouteRecord(update.RecipientKey, record.ConnectionID, "")
		if err != nil {
			logger.Errorf("failed to register route for key %s: %s", update.RecipientKey, err)

			return ResultServerError
		}

		if !created {
			return ResultNoChange
		}

		record.RecipientKeys = appendKey(record.RecipientKeys, update.RecipientKey)

		return ResultSuccess
	case ActionRemove:
		removed, err := m.routes.RemoveRouteRecord(update.RecipientKey)
		if err != nil {
			logger.Errorf("failed to unregister route for key %s: %s", update.RecipientKey, err)

			return ResultServerError
		}

		if !removed {
			return ResultNoChange
		}

		record.RecipientKeys = removeKey(record.RecipientKeys, update.RecipientKey)

		return ResultSuccess
	default:
		return ResultClientError
	}
}

// StoreUpdateResults mirrors the mediator's reported keylist outcomes onto
// the recipient-side record for connectionID, holding the connection lock
// across the read-modify-write. A missing record is an error: receiving a
// response implies a request existed.
func (m *Manager) StoreUpdateResults(connectionID string, updated []UpdateResult) error {
	return m.store.WithConnectionLock(connectionID, func() error {
		record, err := m.store.ActiveForConnection(connectionID)
		if err != nil {
			return fmt.Errorf("store keylist update results: %w", err)
		}

		for _, result := range updated {
			if result.Result != ResultSuccess {
				continue
			}

			switch result.Action {
			case ActionAdd:
				record.RecipientKeys = appendKey(record.RecipientKeys, result.RecipientKey)
			case ActionRemove:
				record.RecipientKeys = removeKey(record.RecipientKeys, result.RecipientKey)
			}
		}

		return m.store.Save(record)
	})
}

// GrantReceived applies an inbound mediate-grant to the recipient-side
// record for connectionID.
func (m *Manager) GrantReceived(connectionID string, grant *Grant) (*mediationstore.Record, error) {
	var record *mediationstore.Record

	err := m.store.WithConnectionLock(connectionID, func() error {
		current, err := m.store.ActiveForConnection(connectionID)
		if err != nil {
			return fmt.Errorf("handle grant: %w", err)
		}

		current.State = mediationstore.StateGranted
		current.Endpoint = grant.Endpoint
		current.RoutingKeys = grant.RoutingKeys

		if err := m.store.Save(current); err != nil {
			return fmt.Errorf("persist granted record: %w", err)
		}

		record = current

		return nil
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// DenyReceived applies an inbound mediate-deny to the recipient-side record
// for connectionID.
func (m *Manager) DenyReceived(connectionID string, deny *Deny) (*mediationstore.Record, error) {
	var record *mediationstore.Record

	err := m.store.WithConnectionLock(connectionID, func() error {
		current, err := m.store.ActiveForConnection(connectionID)
		if err != nil {
			return fmt.Errorf("handle deny: %w", err)
		}

		current.State = mediationstore.StateDenied
		current.MediatorTerms = deny.MediatorTerms
		current.RecipientTerms = deny.RecipientTerms

		if err := m.store.Save(current); err != nil {
			return fmt.Errorf("persist denied record: %w", err)
		}

		record = current

		return nil
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// AwaitGrant polls the record until the mediator's grant lands or timeout
// expires. A denied record aborts the wait.
func (m *Manager) AwaitGrant(record *mediationstore.Record, timeout time.Duration) (*mediationstore.Record, error) {
	var current *mediationstore.Record

	err := backoff.Retry(func() error {
		rec, err := m.store.Get(record.MediationID)
		if err != nil {
			return backoff.Permanent(err)
		}

		switch rec.State {
		case mediationstore.StateGranted:
			current = rec

			return nil
		case mediationstore.StateDenied:
			return backoff.Permanent(fmt.Errorf("mediation %s was denied", rec.MediationID))
		default:
			return fmt.Errorf("mediation %s not granted yet", rec.MediationID)
		}
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(grantPollInterval), uint64(timeout/grantPollInterval)))
	if err != nil {
		return nil, fmt.Errorf("await grant: %w", err)
	}

	return current, nil
}

// KeylistForConnection lists the route records a granted mediation holds for
// connectionID.
func (m *Manager) KeylistForConnection(connectionID string) ([]*routing.RouteRecord, error) {
	record, err := m.store.ActiveForConnection(connectionID)
	if err != nil {
		return nil, err
	}

	if record.State != mediationstore.StateGranted {
		return nil, fmt.Errorf("keylist for connection %s: %w", connectionID, ErrNotGranted)
	}

	return m.routes.RoutesForConnection(connectionID)
}

// DeleteMediation removes the connection's mediation records together with
// their keylist registrations.
func (m *Manager) DeleteMediation(connectionID string) error {
	return m.store.WithConnectionLock(connectionID, func() error {
		records, err := m.store.ForConnection(connectionID)
		if err != nil {
			return err
		}

		if len(records) == 0 {
			return fmt.Errorf("delete mediation for connection %s: %w", connectionID, ErrNotFound)
		}

		routes, err := m.routes.RoutesForConnection(connectionID)
		if err != nil {
			return err
		}

		for _, route := range routes {
			if _, err := m.routes.RemoveRouteRecord(route.RecipientKey); err != nil {
				return err
			}
		}

		for _, record := range records {
			if err := m.store.Delete(record.MediationID); err != nil {
				return err
			}
		}

		return nil
	})
}

// RecordForConnection returns the connection's non-denied mediation record.
func (m *Manager) RecordForConnection(connectionID string) (*mediationstore.Record, error) {
	return m.store.ActiveForConnection(connectionID)
}

// Record returns the mediation record with the given ID.
func (m *Manager) Record(mediationID string) (*mediationstore.Record, error) {
	return m.store.Get(mediationID)
}

// Records lists mediation records filtered by state and role; empty filters
// match everything.
func (m *Manager) Records(state, role string) ([]*mediationstore.Record, error) {
	return m.store.Query(state, role)
}

func appendKey(keys []string, key string) []string {
	for _, k := range keys {
		if k == key {
			return keys
		}
	}

	return append(keys, key)
}

func removeKey(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}

	return keys
}
