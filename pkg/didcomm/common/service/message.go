/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package service holds the message representation shared by the protocol
// services: the decoded-JSON message map, threading decorator, inbound
// message receipt and the problem-report model.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

const (
	jsonID     = "@id"
	jsonType   = "@type"
	jsonThread = "~thread"
	jsonThid   = "thid"
)

// ErrInvalidMessage is returned when a message map is missing the fields
// required to process it.
var ErrInvalidMessage = errors.New("invalid DIDComm message")

// Thread is the DIDComm v1 threading decorator.
type Thread struct {
	ID       string `json:"thid,omitempty"`
	ParentID string `json:"pthid,omitempty"`
}

// DIDCommMsgMap is a DIDComm message represented as its decoded JSON map.
// Messages arrive pre-decrypted; this core never sees envelopes.
type DIDCommMsgMap map[string]interface{}

// NewDIDCommMsgMap converts a message struct into its map form through a
// JSON round trip, so the map mirrors the wire representation.
func NewDIDCommMsgMap(v interface{}) DIDCommMsgMap {
	msg := DIDCommMsgMap{}

	src, err := json.Marshal(v)
	if err != nil {
		logger.Errorf("failed to marshal message: %s", err)

		return msg
	}

	if err := json.Unmarshal(src, &msg); err != nil {
		logger.Errorf("failed to unmarshal message: %s", err)
	}

	return msg
}

// ParseDIDCommMsgMap parses raw message bytes.
func ParseDIDCommMsgMap(payload []byte) (DIDCommMsgMap, error) {
	msg := DIDCommMsgMap{}

	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("parse DIDComm message: %w", err)
	}

	return msg, nil
}

// ID returns the message id.
func (m DIDCommMsgMap) ID() string {
	if id, ok := m[jsonID].(string); ok {
		return id
	}

	return ""
}

// SetID sets the message id.
func (m DIDCommMsgMap) SetID(id string) {
	m[jsonID] = id
}

// Type returns the message type URI.
func (m DIDCommMsgMap) Type() string {
	if msgType, ok := m[jsonType].(string); ok {
		return msgType
	}

	return ""
}

// ThreadID returns the thread id from the threading decorator, falling back
// to the message id when the decorator is absent.
func (m DIDCommMsgMap) ThreadID() (string, error) {
	if thread, ok := m[jsonThread].(map[string]interface{}); ok {
		if thid, ok := thread[jsonThid].(string); ok && thid != "" {
			return thid, nil
		}
	}

	if id := m.ID(); id != "" {
		return id, nil
	}

	return "", fmt.Errorf("no thread id: %w", ErrInvalidMessage)
}

// Clone returns a shallow copy of the message map.
func (m DIDCommMsgMap) Clone() DIDCommMsgMap {
	if m == nil {
		return nil
	}

	clone := DIDCommMsgMap{}

	for k, v := range m {
		clone[k] = v
	}

	return clone
}

// Decode fills v from the message map, honoring json struct tags. Nested
// values destined for json.RawMessage fields are re-marshalled, so opaque
// payloads (e.g. a forward's msg) survive the trip intact.
func (m DIDCommMsgMap) Decode(v interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: rawMessageHookFunc(),
		TagName:    "json",
		Result:     v,
	})
	if err != nil {
		return fmt.Errorf("create message decoder: %w", err)
	}

	if err := decoder.Decode(map[string]interface{}(m)); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	return nil
}

func rawMessageHookFunc() mapstructure.DecodeHookFuncType {
	rawMessageType := reflect.TypeOf(json.RawMessage(nil))

	return func(_, t reflect.Type, data interface{}) (interface{}, error) {
		if t != rawMessageType {
			return data, nil
		}

		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}

		return json.RawMessage(raw), nil
	}
}
