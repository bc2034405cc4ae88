/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package keymutex provides a striped mutex keyed by string, used to
// serialize read-modify-write cycles on a single stored record.
package keymutex

import (
	"hash/fnv"
	"sync"
)

// Mutex serializes operations per key over a fixed set of lock stripes.
// Two distinct keys may share a stripe; a key always maps to the same one.
type Mutex struct {
	stripes []sync.Mutex
}

// New returns a keyed mutex with n stripes (minimum one).
func New(n int) *Mutex {
	if n < 1 {
		n = 1
	}

	return &Mutex{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe for key.
func (m *Mutex) Lock(key string) {
	m.stripe(key).Lock()
}

// Unlock releases the stripe for key.
func (m *Mutex) Unlock(key string) {
	m.stripe(key).Unlock()
}

func (m *Mutex) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))

	return &m.stripes[h.Sum32()%uint32(len(m.stripes))]
}
