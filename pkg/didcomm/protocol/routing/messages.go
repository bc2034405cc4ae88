/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package routing

import "encoding/json"

// ForwardMsgType is the type URI of the routing forward message.
const ForwardMsgType = "https://didcomm.org/routing/1.0/forward"

// Forward relays an opaque, still-encrypted message to a registered
// recipient. The payload is never interpreted here.
type Forward struct {
	Type string          `json:"@type,omitempty"`
	ID   string          `json:"@id,omitempty"`
	To   string          `json:"to,omitempty"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}
