/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package routing owns the recipient key to connection mapping a mediator
// routes inbound forwards with, and the handler consuming forward messages.
package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/internal/keymutex"
)

const (
	// Namespace is the store name for route records.
	Namespace = "routeRecord"

	keyPattern      = "route_%s"
	tagRecipientKey = "recipientKey"
	tagConnectionID = "connectionID"

	recipientCacheSize = 256
	lockStripes        = 32
)

var logger = log.New("didcomm-mediation/routing")

// ErrRecipientNotFound is returned when no route record exists for a
// recipient key.
var ErrRecipientNotFound = errors.New("recipient key not registered")

type provider interface {
	StorageProvider() storage.Provider
}

// RouteRecord maps one recipient key to the connection that owns it. At most
// one record exists per recipient key.
type RouteRecord struct {
	RouteID      string    `json:"route_id"`
	RecipientKey string    `json:"recipient_key"`
	ConnectionID string    `json:"connection_id"`
	WalletID     string    `json:"wallet_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Manager maintains route records. Mutations for the same recipient key are
// serialized so concurrent add/remove cannot leave duplicates, and lookups go
// through a bounded LRU cache.
type Manager struct {
	store      storage.Store
	recipients gcache.Cache
	locks      *keymutex.Mutex
}

// NewManager opens the route record store and returns a routing manager.
func NewManager(prov provider) (*Manager, error) {
	store, err := prov.StorageProvider().OpenStore(Namespace)
	if err != nil {
		return nil, fmt.Errorf("open route record store: %w", err)
	}

	err = prov.StorageProvider().SetStoreConfig(Namespace,
		storage.StoreConfiguration{TagNames: []string{tagRecipientKey, tagConnectionID}})
	if err != nil {
		return nil, fmt.Errorf("set route record store config: %w", err)
	}

	return &Manager{
		store:      store,
		recipients: gcache.New(recipientCacheSize).LRU().Build(),
		locks:      keymutex.New(lockStripes),
	}, nil
}

// CreateRouteRecord registers recipientKey as routed to connectionID. The
// call is idempotent by recipient key: an existing record is returned
// unchanged and created reports false.
func (m *Manager) CreateRouteRecord(recipientKey, connectionID, walletID string) (*RouteRecord, bool, error) {
	if recipientKey == "" {
		return nil, false, errors.New("recipient key is required")
	}

	m.locks.Lock(recipientKey)
	defer m.locks.Unlock(recipientKey)

	existing, err := m.getRecipient(recipientKey)
	if err == nil {
		return existing, false, nil
	}

	if !errors.Is(err, ErrRecipientNotFound) {
		return nil, false, err
	}

	record := &RouteRecord{
		RouteID:      uuid.New().String(),
		RecipientKey: recipientKey,
		ConnectionID: connectionID,
		WalletID:     walletID,
		CreatedAt:    time.Now().UTC(),
	}

	if err := m.save(record); err != nil {
		return nil, false, err
	}

	logger.Debugf("registered route for recipient key %s on connection %s", recipientKey, connectionID)

	return record, true, nil
}

// RemoveRouteRecord unregisters recipientKey. Removing an absent key is a
// no-op and reports false.
func (m *Manager) RemoveRouteRecord(recipientKey string) (bool, error) {
	m.locks.Lock(recipientKey)
	defer m.locks.Unlock(recipientKey)

	record, err := m.getRecipient(recipientKey)
	if err != nil {
		if errors.Is(err, ErrRecipientNotFound) {
			return false, nil
		}

		return false, err
	}

	if err := m.store.Delete(routeKey(record.RouteID)); err != nil {
		return false, fmt.Errorf("delete route record for key %s: %w", recipientKey, err)
	}

	m.recipients.Remove(recipientKey)

	logger.Debugf("removed route for recipient key %s", recipientKey)

	return true, nil
}

// GetRecipient resolves recipientKey to its route record, failing with
// ErrRecipientNotFound when unregistered.
func (m *Manager) GetRecipient(recipientKey string) (*RouteRecord, error) {
	return m.getRecipient(recipientKey)
}

// RoutesForConnection lists the route records owned by connectionID.
func (m *Manager) RoutesForConnection(connectionID string) ([]*RouteRecord, error) {
	return m.query(fmt.Sprintf("%s:%s", tagConnectionID, connectionID))
}

// Routes lists every route record.
func (m *Manager) Routes() ([]*RouteRecord, error) {
	return m.query(tagRecipientKey)
}

func (m *Manager) getRecipient(recipientKey string) (*RouteRecord, error) {
	if cached, err := m.recipients.Get(recipientKey); err == nil {
		return cached.(*RouteRecord), nil
	}

	records, err := m.query(fmt.Sprintf("%s:%s", tagRecipientKey, recipientKey))
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("resolve recipient key %s: %w", recipientKey, ErrRecipientNotFound)
	}

	record := records[0]

	if err := m.recipients.Set(recipientKey, record); err != nil {
		logger.Warnf("failed to cache route record for key %s: %s", recipientKey, err)
	}

	return record, nil
}

func (m *Manager) save(record *RouteRecord) error {
	bytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal route record: %w", err)
	}

	err = m.store.Put(routeKey(record.RouteID), bytes,
		storage.Tag{Name: tagRecipientKey, Value: record.RecipientKey},
		storage.Tag{Name: tagConnectionID, Value: record.ConnectionID},
	)
	if err != nil {
		return fmt.Errorf("save route record: %w", err)
	}

	if err := m.recipients.Set(record.RecipientKey, record); err != nil {
		logger.Warnf("failed to cache route record for key %s: %s", record.RecipientKey, err)
	}

	return nil
}

func (m *Manager) query(expression string) ([]*RouteRecord, error) {
	itr, err := m.store.Query(expression)
	if err != nil {
		return nil, fmt.Errorf("query route records: %w", err)
	}

	defer storage.Close(itr, nil)

	var records []*RouteRecord

	more, err := itr.Next()
	if err != nil {
		return nil, fmt.Errorf("iterate route records: %w", err)
	}

	for more {
		value, err := itr.Value()
		if err != nil {
			return nil, fmt.Errorf("read route record: %w", err)
		}

		var record RouteRecord

		if err := json.Unmarshal(value, &record); err != nil {
			return nil, fmt.Errorf("unmarshal route record: %w", err)
		}

		records = append(records, &record)

		more, err = itr.Next()
		if err != nil {
			return nil, fmt.Errorf("iterate route records: %w", err)
		}
	}

	return records, nil
}

func routeKey(routeID string) string {
	return fmt.Sprintf(keyPattern, routeID)
}
