// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package errlog

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "nested", "errors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_InsertAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		kind := KindServerError
		if i%2 == 0 {
			kind = KindTimeout
		}
		err := s.Insert(ctx, Entry{
			ID:        fmt.Sprintf("e%d", i),
			Kind:      kind,
			Message:   fmt.Sprintf("failure %d", i),
			Err:       errors.New("boom"),
			Severity:  SeverityHigh,
			Context:   map[string]string{"url": "https://api.example.com"},
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	got, err := s.Recent(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "e4", got[0].ID)
	require.Equal(t, "e3", got[1].ID)
	require.Equal(t, "boom", got[0].Detail())
	require.Equal(t, "https://api.example.com", got[0].Context["url"])
	require.True(t, got[0].Timestamp.Equal(base.Add(4*time.Second)))

	timeouts, err := s.Recent(ctx, 10, KindTimeout)
	require.NoError(t, err)
	require.Len(t, timeouts, 3)
	for _, e := range timeouts {
		require.Equal(t, KindTimeout, e.Kind)
	}
}

func TestStore_Prune(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Insert(ctx, Entry{
			ID:        fmt.Sprintf("e%d", i),
			Kind:      KindNetworkError,
			Message:   "reset",
			Severity:  SeverityMedium,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	removed, err := s.Prune(ctx, 4)
	require.NoError(t, err)
	require.EqualValues(t, 6, removed)

	got, err := s.Recent(ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, "e9", got[0].ID)
	require.Equal(t, "e6", got[3].ID)
}

func TestStore_Closed(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	err := s.Insert(t.Context(), Entry{ID: "x"})
	require.ErrorIs(t, err, ErrStoreClosed)

	_, err = s.Count(t.Context())
	require.ErrorIs(t, err, ErrStoreClosed)

	require.NoError(t, s.Close())
}
