/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package scheduled persists messages held back until a triggering reply
// arrives, correlated by the thread ID of the message that must complete
// first.
package scheduled

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hyperledger/aries-framework-go/spi/storage"
)

const (
	// Namespace is the store name for scheduled messages.
	Namespace = "scheduledmessage"

	keyPattern         = "sched_%s"
	tagTriggerThreadID = "triggerThreadID"
	tagConnectionID    = "connectionID"
	tagState           = "scheduledState"
)

// Scheduled message states.
const (
	StatePending = "pending"
	StateSent    = "sent"
)

// ErrMessageNotFound is returned when no scheduled message matches a lookup.
var ErrMessageNotFound = errors.New("scheduled message not found")

type provider interface {
	StorageProvider() storage.Provider
}

// Message is a DIDComm message waiting for its trigger thread to complete.
type Message struct {
	MessageID       string          `json:"message_id"`
	TriggerThreadID string          `json:"trigger_thread_id"`
	ConnectionID    string          `json:"connection_id"`
	Message         json.RawMessage `json:"message"`
	State           string          `json:"state"`
	// NewConnectionState, when set, is applied to the connection record
	// after the message is released.
	NewConnectionState string    `json:"new_connection_state,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Store persists scheduled messages.
type Store struct {
	store storage.Store
}

// NewStore opens the scheduled message store using the given provider.
func NewStore(p provider) (*Store, error) {
	store, err := p.StorageProvider().OpenStore(Namespace)
	if err != nil {
		return nil, fmt.Errorf("open scheduled message store: %w", err)
	}

	err = p.StorageProvider().SetStoreConfig(Namespace,
		storage.StoreConfiguration{TagNames: []string{tagTriggerThreadID, tagConnectionID, tagState}})
	if err != nil {
		return nil, fmt.Errorf("set scheduled message store config: %w", err)
	}

	return &Store{store: store}, nil
}

// Save stores msg, replacing any existing message with the same ID.
func (s *Store) Save(msg *Message) error {
	if msg.MessageID == "" {
		return errors.New("message ID is required")
	}

	if msg.TriggerThreadID == "" {
		return errors.New("trigger thread ID is required")
	}

	bytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal scheduled message: %w", err)
	}

	return s.store.Put(scheduledKey(msg.MessageID), bytes,
		storage.Tag{Name: tagTriggerThreadID, Value: msg.TriggerThreadID},
		storage.Tag{Name: tagConnectionID, Value: msg.ConnectionID},
		storage.Tag{Name: tagState, Value: msg.State},
	)
}

// PendingByTriggerThreadID returns the pending messages waiting on the given
// thread ID, oldest first.
func (s *Store) PendingByTriggerThreadID(threadID string) ([]*Message, error) {
	itr, err := s.store.Query(fmt.Sprintf("%s:%s&&%s:%s",
		tagTriggerThreadID, threadID, tagState, StatePending))
	if err != nil {
		return nil, fmt.Errorf("query scheduled messages: %w", err)
	}

	defer storage.Close(itr, nil)

	var messages []*Message

	more, err := itr.Next()
	if err != nil {
		return nil, fmt.Errorf("iterate scheduled messages: %w", err)
	}

	for more {
		value, err := itr.Value()
		if err != nil {
			return nil, fmt.Errorf("read scheduled message: %w", err)
		}

		var msg Message

		if err := json.Unmarshal(value, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal scheduled message: %w", err)
		}

		messages = append(messages, &msg)

		more, err = itr.Next()
		if err != nil {
			return nil, fmt.Errorf("iterate scheduled messages: %w", err)
		}
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	return messages, nil
}

// MarkSent transitions the message to the sent state.
func (s *Store) MarkSent(messageID string) error {
	msg, err := s.get(messageID)
	if err != nil {
		return err
	}

	msg.State = StateSent

	return s.Save(msg)
}

func (s *Store) get(messageID string) (*Message, error) {
	bytes, err := s.store.Get(scheduledKey(messageID))
	if err != nil {
		if errors.Is(err, storage.ErrDataNotFound) {
			return nil, fmt.Errorf("get scheduled message %s: %w", messageID, ErrMessageNotFound)
		}

		return nil, fmt.Errorf("get scheduled message %s: %w", messageID, err)
	}

	var msg Message

	if err := json.Unmarshal(bytes, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal scheduled message: %w", err)
	}

	return &msg, nil
}

func scheduledKey(messageID string) string {
	return fmt.Sprintf(keyPattern, messageID)
}
