/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package command

import (
	"encoding/json"
	"io"

	"github.com/hyperledger/aries-framework-go/component/log"
)

// WriteNillableResponse encodes v to rw as JSON, substituting an empty
// object when v is nil so callers always receive a valid body. A failed
// write is logged rather than returned; the command outcome has already
// been decided by the time the response is written.
func WriteNillableResponse(rw io.Writer, v interface{}, logger *log.Log) {
	obj := v
	if v == nil {
		obj = struct{}{}
	}

	if err := json.NewEncoder(rw).Encode(obj); err != nil {
		logger.Errorf("failed to write command response: %s", err)
	}
}
