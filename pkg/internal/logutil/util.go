/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package logutil renders controller log lines with a uniform
// command/action prefix followed by optional key=[value] pairs.
package logutil

import (
	"strings"

	"github.com/hyperledger/aries-framework-go/component/log"
)

// LogError writes an error-level command log line.
func LogError(logger *log.Log, command, action, errMsg string, data ...string) {
	logger.Errorf("%s", line(command, action, "errMsg", errMsg, data))
}

// LogInfo writes an info-level command log line.
func LogInfo(logger *log.Log, command, action, msg string, data ...string) {
	logger.Infof("%s", line(command, action, "msg", msg, data))
}

// LogDebug writes a debug-level command log line.
func LogDebug(logger *log.Log, command, action, msg string, data ...string) {
	logger.Debugf("%s", line(command, action, "msg", msg, data))
}

// CreateKeyValueString renders one key=[value] pair for the data section of
// a log line.
func CreateKeyValueString(key, val string) string {
	return key + "=[" + val + "]"
}

func line(command, action, msgKey, msg string, data []string) string {
	parts := make([]string, 0, len(data)+3)
	parts = append(parts,
		CreateKeyValueString("command", command),
		CreateKeyValueString("action", action))
	parts = append(parts, data...)
	parts = append(parts, CreateKeyValueString(msgKey, msg))

	return strings.Join(parts, " ")
}
