// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badgerstore

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpenInMemoryRoundTrip(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("session/abc"), []byte("payload"))
	})
	require.NoError(t, err)

	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("session/abc"))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("payload"), val)
			return nil
		})
	})
	require.NoError(t, err)
}

func TestOpenPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("lockout/client"), []byte{3})
	}))
	require.NoError(t, db.Close())

	db, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer db.Close()

	err = db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("lockout/client"))
		return err
	})
	assert.NoError(t, err)
}
