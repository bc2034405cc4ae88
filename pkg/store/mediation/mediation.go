/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package mediation persists mediation records tracking the lifecycle of
// coordinate-mediation requests, one side per record.
package mediation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/sicpa-dlab/didcomm-mediation-go/pkg/internal/keymutex"
)

const (
	// Namespace is the store name for mediation records.
	Namespace = "mediation"

	keyPattern      = "med_%s"
	tagConnectionID = "connectionID"
	tagState        = "mediationState"

	lockStripes = 32
)

// Mediation record states.
const (
	StateRequestReceived = "request_received"
	StateGranted         = "granted"
	StateDenied          = "denied"
)

// Roles an agent can play in a mediation relationship.
const (
	RoleMediator  = "mediator"
	RoleRecipient = "recipient"
)

// Errors returned by the mediation store.
var (
	ErrMediationNotFound = errors.New("mediation record not found")
	ErrAlreadyExists     = errors.New("mediation record already exists for connection")
)

type provider interface {
	StorageProvider() storage.Provider
}

// Record tracks one mediation relationship for a connection.
type Record struct {
	MediationID    string    `json:"mediation_id"`
	ConnectionID   string    `json:"connection_id"`
	Role           string    `json:"role"`
	State          string    `json:"state"`
	RecipientKeys  []string  `json:"recipient_keys,omitempty"`
	RoutingKeys    []string  `json:"routing_keys,omitempty"`
	Endpoint       string    `json:"endpoint,omitempty"`
	MediatorTerms  []string  `json:"mediator_terms,omitempty"`
	RecipientTerms []string  `json:"recipient_terms,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists mediation records.
type Store struct {
	store storage.Store
	locks *keymutex.Mutex
}

// NewStore opens the mediation store using the given provider.
func NewStore(p provider) (*Store, error) {
	store, err := p.StorageProvider().OpenStore(Namespace)
	if err != nil {
		return nil, fmt.Errorf("open mediation store: %w", err)
	}

	err = p.StorageProvider().SetStoreConfig(Namespace,
		storage.StoreConfiguration{TagNames: []string{tagConnectionID, tagState}})
	if err != nil {
		return nil, fmt.Errorf("set mediation store config: %w", err)
	}

	return &Store{store: store, locks: keymutex.New(lockStripes)}, nil
}

// WithConnectionLock runs fn while holding the lock for connectionID,
// serializing read-modify-write cycles on the connection's records.
func (s *Store) WithConnectionLock(connectionID string, fn func() error) error {
	s.locks.Lock(connectionID)
	defer s.locks.Unlock(connectionID)

	return fn()
}

// Save stores record, replacing any existing record with the same mediation ID.
func (s *Store) Save(record *Record) error {
	if record.MediationID == "" {
		return errors.New("mediation ID is required")
	}

	bytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal mediation record: %w", err)
	}

	return s.store.Put(mediationKey(record.MediationID), bytes,
		storage.Tag{Name: tagConnectionID, Value: record.ConnectionID},
		storage.Tag{Name: tagState, Value: record.State},
	)
}

// Get returns the record with the given mediation ID.
func (s *Store) Get(mediationID string) (*Record, error) {
	bytes, err := s.store.Get(mediationKey(mediationID))
	if err != nil {
		if errors.Is(err, storage.ErrDataNotFound) {
			return nil, fmt.Errorf("get mediation record %s: %w", mediationID, ErrMediationNotFound)
		}

		return nil, fmt.Errorf("get mediation record %s: %w", mediationID, err)
	}

	var record Record

	if err := json.Unmarshal(bytes, &record); err != nil {
		return nil, fmt.Errorf("unmarshal mediation record: %w", err)
	}

	return &record, nil
}

// ForConnection returns all mediation records for connectionID, denied ones
// included.
func (s *Store) ForConnection(connectionID string) ([]*Record, error) {
	return s.query(fmt.Sprintf("%s:%s", tagConnectionID, connectionID))
}

// ActiveForConnection returns the connection's non-denied record, if any.
func (s *Store) ActiveForConnection(connectionID string) (*Record, error) {
	records, err := s.ForConnection(connectionID)
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		if record.State != StateDenied {
			return record, nil
		}
	}

	return nil, fmt.Errorf("active mediation for connection %s: %w", connectionID, ErrMediationNotFound)
}

// Query returns records filtered by state and role; an empty filter matches
// everything.
func (s *Store) Query(state, role string) ([]*Record, error) {
	expression := tagConnectionID
	if state != "" {
		expression = fmt.Sprintf("%s:%s", tagState, state)
	}

	records, err := s.query(expression)
	if err != nil {
		return nil, err
	}

	if role == "" {
		return records, nil
	}

	filtered := records[:0]

	for _, record := range records {
		if record.Role == role {
			filtered = append(filtered, record)
		}
	}

	return filtered, nil
}

// Delete removes the record with the given mediation ID.
func (s *Store) Delete(mediationID string) error {
	if err := s.store.Delete(mediationKey(mediationID)); err != nil {
		return fmt.Errorf("delete mediation record %s: %w", mediationID, err)
	}

	return nil
}

func (s *Store) query(expression string) ([]*Record, error) {
	itr, err := s.store.Query(expression)
	if err != nil {
		return nil, fmt.Errorf("query mediation records: %w", err)
	}

	defer storage.Close(itr, nil)

	var records []*Record

	more, err := itr.Next()
	if err != nil {
		return nil, fmt.Errorf("iterate mediation records: %w", err)
	}

	for more {
		value, err := itr.Value()
		if err != nil {
			return nil, fmt.Errorf("read mediation record: %w", err)
		}

		var record Record

		if err := json.Unmarshal(value, &record); err != nil {
			return nil, fmt.Errorf("unmarshal mediation record: %w", err)
		}

		records = append(records, &record)

		more, err = itr.Next()
		if err != nil {
			return nil, fmt.Errorf("iterate mediation records: %w", err)
		}
	}

	return records, nil
}

func mediationKey(mediationID string) string {
	return fmt.Sprintf(keyPattern, mediationID)
}
