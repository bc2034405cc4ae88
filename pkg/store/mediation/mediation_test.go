/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package mediation

import (
	"testing"
	"time"

	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/hyperledger/aries-framework-go/spi/storage"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	provider storage.Provider
}

func (p *mockProvider) StorageProvider() storage.Provider {
	return p.provider
}

func newStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(&mockProvider{provider: mem.NewProvider()})
	require.NoError(t, err)

	return store
}

func TestStore_SaveAndGet(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		store := newStore(t)

		err := store.Save(&Record{
			MediationID:  "med-1",
			ConnectionID: "conn-1",
			Role:         RoleMediator,
			State:        StateRequestReceived,
			CreatedAt:    time.Now().UTC(),
		})
		require.NoError(t, err)

		record, err := store.Get("med-1")
		require.NoError(t, err)
		require.Equal(t, "conn-1", record.ConnectionID)
		require.Equal(t, StateRequestReceived, record.State)
	})

	t.Run("missing mediation ID", func(t *testing.T) {
		store := newStore(t)

		require.EqualError(t, store.Save(&Record{}), "mediation ID is required")
	})

	t.Run("not found", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get("nope")
		require.ErrorIs(t, err, ErrMediationNotFound)
	})
}

func TestStore_ActiveForConnection(t *testing.T) {
	t.Run("skips denied records", func(t *testing.T) {
		store := newStore(t)

		require.NoError(t, store.Save(&Record{
			MediationID: "med-1", ConnectionID: "conn-1", State: StateDenied,
		}))
		require.NoError(t, store.Save(&Record{
			MediationID: "med-2", ConnectionID: "conn-1", State: StateGranted,
		}))

		record, err := store.ActiveForConnection("conn-1")
		require.NoError(t, err)
		require.Equal(t, "med-2", record.MediationID)
	})

	t.Run("only denied record", func(t *testing.T) {
		store := newStore(t)

		require.NoError(t, store.Save(&Record{
			MediationID: "med-1", ConnectionID: "conn-1", State: StateDenied,
		}))

		_, err := store.ActiveForConnection("conn-1")
		require.ErrorIs(t, err, ErrMediationNotFound)
	})

	t.Run("no records", func(t *testing.T) {
		store := newStore(t)

		_, err := store.ActiveForConnection("conn-1")
		require.ErrorIs(t, err, ErrMediationNotFound)
	})
}

func TestStore_Query(t *testing.T) {
	store := newStore(t)

	require.NoError(t, store.Save(&Record{
		MediationID: "med-1", ConnectionID: "conn-1", Role: RoleMediator, State: StateGranted,
	}))
	require.NoError(t, store.Save(&Record{
		MediationID: "med-2", ConnectionID: "conn-2", Role: RoleRecipient, State: StateGranted,
	}))
	require.NoError(t, store.Save(&Record{
		MediationID: "med-3", ConnectionID: "conn-3", Role: RoleMediator, State: StateDenied,
	}))

	all, err := store.Query("", "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	granted, err := store.Query(StateGranted, "")
	require.NoError(t, err)
	require.Len(t, granted, 2)

	grantedMediator, err := store.Query(StateGranted, RoleMediator)
	require.NoError(t, err)
	require.Len(t, grantedMediator, 1)
	require.Equal(t, "med-1", grantedMediator[0].MediationID)
}

func TestStore_Delete(t *testing.T) {
	store := newStore(t)

	require.NoError(t, store.Save(&Record{MediationID: "med-1", ConnectionID: "conn-1"}))
	require.NoError(t, store.Delete("med-1"))

	_, err := store.Get("med-1")
	require.ErrorIs(t, err, ErrMediationNotFound)
}

func TestStore_WithConnectionLock(t *testing.T) {
	store := newStore(t)

	called := false

	err := store.WithConnectionLock("conn-1", func() error {
		called = true

		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
}
