/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package connection persists connection records and provides lookups used
// when routing and mediation decisions need connection metadata.
package connection

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperledger/aries-framework-go/spi/storage"
)

const (
	// Namespace is the store name for connection records.
	Namespace = "connection"

	keyPattern      = "conn_%s"
	tagConnectionID = "connectionID"
	tagState        = "connState"
)

// ErrConnectionNotFound is returned when no record exists for a connection ID.
var ErrConnectionNotFound = errors.New("connection record not found")

type provider interface {
	StorageProvider() storage.Provider
}

// Record holds the metadata of one DIDComm connection.
type Record struct {
	ConnectionID    string   `json:"connection_id"`
	State           string   `json:"state"`
	TheirLabel      string   `json:"their_label,omitempty"`
	TheirDID        string   `json:"their_did,omitempty"`
	MyDID           string   `json:"my_did,omitempty"`
	ServiceEndpoint string   `json:"service_endpoint,omitempty"`
	RecipientKeys   []string `json:"recipient_keys,omitempty"`
	RoutingKeys     []string `json:"routing_keys,omitempty"`
	MyVerkey        string   `json:"my_verkey,omitempty"`
	TheirVerkey     string   `json:"their_verkey,omitempty"`
}

// Store persists connection records.
type Store struct {
	store storage.Store
}

// NewStore opens the connection store using the given provider.
func NewStore(p provider) (*Store, error) {
	store, err := p.StorageProvider().OpenStore(Namespace)
	if err != nil {
		return nil, fmt.Errorf("open connection store: %w", err)
	}

	err = p.StorageProvider().SetStoreConfig(Namespace,
		storage.StoreConfiguration{TagNames: []string{tagConnectionID, tagState}})
	if err != nil {
		return nil, fmt.Errorf("set connection store config: %w", err)
	}

	return &Store{store: store}, nil
}

// SaveConnectionRecord stores record, replacing any existing record with the
// same connection ID.
func (s *Store) SaveConnectionRecord(record *Record) error {
	if record.ConnectionID == "" {
		return errors.New("connection ID is required")
	}

	bytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal connection record: %w", err)
	}

	return s.store.Put(connectionKey(record.ConnectionID), bytes,
		storage.Tag{Name: tagConnectionID, Value: record.ConnectionID},
		storage.Tag{Name: tagState, Value: record.State},
	)
}

// GetConnectionRecord returns the record for connectionID.
func (s *Store) GetConnectionRecord(connectionID string) (*Record, error) {
	bytes, err := s.store.Get(connectionKey(connectionID))
	if err != nil {
		if errors.Is(err, storage.ErrDataNotFound) {
			return nil, fmt.Errorf("get connection record %s: %w", connectionID, ErrConnectionNotFound)
		}

		return nil, fmt.Errorf("get connection record %s: %w", connectionID, err)
	}

	var record Record

	if err := json.Unmarshal(bytes, &record); err != nil {
		return nil, fmt.Errorf("unmarshal connection record: %w", err)
	}

	return &record, nil
}

// UpdateState sets the state of an existing record.
func (s *Store) UpdateState(connectionID, state string) error {
	record, err := s.GetConnectionRecord(connectionID)
	if err != nil {
		return err
	}

	record.State = state

	return s.SaveConnectionRecord(record)
}

// QueryByState returns all records currently in the given state.
func (s *Store) QueryByState(state string) ([]*Record, error) {
	itr, err := s.store.Query(fmt.Sprintf("%s:%s", tagState, state))
	if err != nil {
		return nil, fmt.Errorf("query connection records: %w", err)
	}

	defer storage.Close(itr, nil)

	var records []*Record

	more, err := itr.Next()
	if err != nil {
		return nil, fmt.Errorf("iterate connection records: %w", err)
	}

	for more {
		value, err := itr.Value()
		if err != nil {
			return nil, fmt.Errorf("read connection record: %w", err)
		}

		var record Record

		if err := json.Unmarshal(value, &record); err != nil {
			return nil, fmt.Errorf("unmarshal connection record: %w", err)
		}

		records = append(records, &record)

		more, err = itr.Next()
		if err != nil {
			return nil, fmt.Errorf("iterate connection records: %w", err)
		}
	}

	return records, nil
}

func connectionKey(connectionID string) string {
	return fmt.Sprintf(keyPattern, connectionID)
}
