/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package challenge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()

	// A long sweep interval keeps the background purge out of the way of
	// tests that override the clock.
	opts = append([]Option{WithSweepInterval(time.Hour)}, opts...)

	m, err := NewManager(opts...)
	require.NoError(t, err)

	t.Cleanup(m.Stop)

	return m
}

func TestGenerate(t *testing.T) {
	t.Run("without options", func(t *testing.T) {
		m := newTestManager(t)

		c, err := m.Generate(nil)
		require.NoError(t, err)
		require.NotEmpty(t, c.ID)
		require.NotEmpty(t, c.Challenge)
		require.True(t, c.ExpiresAt.Equal(c.CreatedAt.Add(DefaultTTL)))
	})

	t.Run("nonces are unique", func(t *testing.T) {
		m := newTestManager(t)

		seen := map[string]struct{}{}

		for i := 0; i < 32; i++ {
			c, err := m.Generate(nil)
			require.NoError(t, err)

			_, dup := seen[c.Challenge]
			require.False(t, dup)

			seen[c.Challenge] = struct{}{}
		}
	})

	t.Run("with bindings and per-call ttl", func(t *testing.T) {
		m := newTestManager(t, WithTTL(time.Hour))

		c, err := m.Generate(&Options{
			TTL:       time.Minute,
			HolderDID: "did:example:holder",
			Domain:    "example.com",
			Metadata:  map[string]interface{}{"threadId": "thread-1"},
		})
		require.NoError(t, err)
		require.Equal(t, "did:example:holder", c.HolderDID)
		require.Equal(t, "example.com", c.Domain)
		require.Equal(t, "thread-1", c.Metadata["threadId"])
		require.True(t, c.ExpiresAt.Equal(c.CreatedAt.Add(time.Minute)))
	})
}

func TestGet(t *testing.T) {
	t.Run("missing id", func(t *testing.T) {
		m := newTestManager(t)

		require.Nil(t, m.Get("no-such-id"))
	})

	t.Run("live challenge", func(t *testing.T) {
		m := newTestManager(t)

		c, err := m.Generate(nil)
		require.NoError(t, err)

		got := m.Get(c.ID)
		require.NotNil(t, got)
		require.Equal(t, c.Challenge, got.Challenge)
	})

	t.Run("expired challenge is deleted on read", func(t *testing.T) {
		m := newTestManager(t)

		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		m.now = func() time.Time { return now }

		c, err := m.Generate(nil)
		require.NoError(t, err)

		m.now = func() time.Time { return now.Add(DefaultTTL + time.Second) }

		require.Nil(t, m.Get(c.ID))
		require.Zero(t, m.Count())
	})
}

func TestValidate(t *testing.T) {
	t.Run("matching value", func(t *testing.T) {
		m := newTestManager(t)

		c, err := m.Generate(nil)
		require.NoError(t, err)

		got, err := m.Validate(c.ID, c.Challenge)
		require.NoError(t, err)
		require.Equal(t, c.ID, got.ID)
	})

	t.Run("wrong value", func(t *testing.T) {
		m := newTestManager(t)

		c, err := m.Generate(nil)
		require.NoError(t, err)

		got, err := m.Validate(c.ID, "not-the-nonce")
		require.ErrorIs(t, err, ErrMismatch)
		require.NotNil(t, got)
	})

	t.Run("unknown id", func(t *testing.T) {
		m := newTestManager(t)

		got, err := m.Validate("no-such-id", "anything")
		require.ErrorIs(t, err, ErrNotFound)
		require.Nil(t, got)
	})

	t.Run("expired challenge never validates", func(t *testing.T) {
		m := newTestManager(t)

		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		m.now = func() time.Time { return now }

		c, err := m.Generate(&Options{TTL: time.Minute})
		require.NoError(t, err)

		m.now = func() time.Time { return now.Add(2 * time.Minute) }

		_, err = m.Validate(c.ID, c.Challenge)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConsume(t *testing.T) {
	m := newTestManager(t)

	c, err := m.Generate(nil)
	require.NoError(t, err)

	require.True(t, m.Consume(c.ID))

	// Single use: a consumed challenge is gone for good.
	require.False(t, m.Consume(c.ID))

	_, err = m.Validate(c.ID, c.Challenge)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSweep(t *testing.T) {
	m := newTestManager(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_, err := m.Generate(&Options{TTL: time.Minute})
	require.NoError(t, err)

	live, err := m.Generate(&Options{TTL: time.Hour})
	require.NoError(t, err)

	m.now = func() time.Time { return now.Add(10 * time.Minute) }
	m.sweep()

	require.Equal(t, 1, m.Count())
	require.NotNil(t, m.Get(live.ID))
}

func TestStopIdempotent(t *testing.T) {
	m, err := NewManager()
	require.NoError(t, err)

	m.Stop()
	m.Stop()
}
