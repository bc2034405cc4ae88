/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemQueue_Enqueue(t *testing.T) {
	t.Run("accepts until full", func(t *testing.T) {
		queue := NewMemQueue(1)

		status, err := queue.Enqueue(context.Background(), &OutboundMessage{ConnectionID: "conn-1"})
		require.NoError(t, err)
		require.Equal(t, SendStatusQueuedForDelivery, status)
		require.Equal(t, 1, queue.Len())

		status, err = queue.Enqueue(context.Background(), &OutboundMessage{ConnectionID: "conn-2"})
		require.ErrorIs(t, err, ErrQueueFull)
		require.Equal(t, SendStatusUndeliverable, status)
	})

	t.Run("consumer drains in order", func(t *testing.T) {
		queue := NewMemQueue(2)

		_, err := queue.Enqueue(context.Background(), &OutboundMessage{ConnectionID: "conn-1"})
		require.NoError(t, err)
		_, err = queue.Enqueue(context.Background(), &OutboundMessage{ConnectionID: "conn-2"})
		require.NoError(t, err)

		require.Equal(t, "conn-1", (<-queue.Messages()).ConnectionID)
		require.Equal(t, "conn-2", (<-queue.Messages()).ConnectionID)
	})
}
