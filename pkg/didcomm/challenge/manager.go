/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package challenge issues and tracks short-lived, single-use nonces binding
// presentation requests to their responses.
package challenge

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/pkg/errors"
)

const (
	// DefaultTTL is the challenge lifetime used when neither the manager nor
	// the call specifies one.
	DefaultTTL = 5 * time.Minute

	// DefaultSweepInterval is how often expired challenges are purged,
	// independent of read traffic.
	DefaultSweepInterval = time.Minute

	nonceSize = 32
)

var logger = log.New("agent-go/challenge")

var (
	// ErrNotFound is returned when a challenge does not exist or has expired.
	ErrNotFound = errors.New("challenge not found or expired")
	// ErrMismatch is returned when a challenge exists but the provided value
	// does not match its nonce.
	ErrMismatch = errors.New("challenge mismatch")
)

// Challenge is a single-use nonce with optional responder/domain binding.
type Challenge struct {
	ID        string                 `json:"id"`
	Challenge string                 `json:"challenge"`
	CreatedAt time.Time              `json:"createdAt"`
	ExpiresAt time.Time              `json:"expiresAt"`
	HolderDID string                 `json:"holderDid,omitempty"`
	Domain    string                 `json:"domain,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Options bind a generated challenge to an expected responder or domain, or
// override the manager's TTL for this one challenge.
type Options struct {
	TTL       time.Duration
	HolderDID string
	Domain    string
	Metadata  map[string]interface{}
}

// Manager owns the set of outstanding challenges. Expiry is enforced both
// lazily on read and by a periodic sweep; neither mechanism replaces the
// other, so a just-expired entry can never validate while awaiting the sweep.
type Manager struct {
	entries       map[string]*Challenge
	lock          sync.Mutex
	ttl           time.Duration
	sweepInterval time.Duration
	cron          *gocron.Scheduler
	stopOnce      sync.Once
	now           func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the default challenge lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithSweepInterval sets the interval of the background purge.
func WithSweepInterval(interval time.Duration) Option {
	return func(m *Manager) {
		m.sweepInterval = interval
	}
}

// NewManager creates a challenge manager and starts its background sweep.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		entries:       make(map[string]*Challenge),
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		cron:          gocron.NewScheduler(time.UTC),
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	if _, err := m.cron.Every(m.sweepInterval).SingletonMode().Do(m.sweep); err != nil {
		return nil, fmt.Errorf("schedule challenge sweep: %w", err)
	}

	m.cron.StartAsync()

	return m, nil
}

// Generate creates a new challenge with a cryptographically random nonce.
func (m *Manager) Generate(opts *Options) (*Challenge, error) {
	nonce := make([]byte, nonceSize)

	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate challenge nonce: %w", err)
	}

	now := m.now()
	ttl := m.ttl

	c := &Challenge{
		ID:        uuid.New().String(),
		Challenge: base64.RawURLEncoding.EncodeToString(nonce),
		CreatedAt: now,
	}

	if opts != nil {
		if opts.TTL > 0 {
			ttl = opts.TTL
		}

		c.HolderDID = opts.HolderDID
		c.Domain = opts.Domain
		c.Metadata = opts.Metadata
	}

	c.ExpiresAt = now.Add(ttl)

	m.lock.Lock()
	m.entries[c.ID] = c
	m.lock.Unlock()

	return c, nil
}

// Get returns the challenge with the given id, or nil when it does not exist
// or has expired. An expired entry is deleted on read.
func (m *Manager) Get(id string) *Challenge {
	m.lock.Lock()
	defer m.lock.Unlock()

	c, ok := m.entries[id]
	if !ok {
		return nil
	}

	if m.now().After(c.ExpiresAt) {
		delete(m.entries, id)
		return nil
	}

	return c
}

// Validate checks the provided value against the stored nonce. It returns
// ErrNotFound when the challenge is absent or expired, and ErrMismatch (along
// with the stored challenge, for diagnostics) when the values differ.
func (m *Manager) Validate(id, provided string) (*Challenge, error) {
	c := m.Get(id)
	if c == nil {
		return nil, ErrNotFound
	}

	if c.Challenge != provided {
		return c, ErrMismatch
	}

	return c, nil
}

// Consume deletes the challenge unconditionally and reports whether an entry
// existed. Callers invoke this exactly once, after successful validation;
// there is no path back from consumed to valid.
func (m *Manager) Consume(id string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	_, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}

	return ok
}

// Count returns the number of outstanding challenges, expired or not.
func (m *Manager) Count() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return len(m.entries)
}

// Stop halts the background sweep. It is idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(m.cron.Stop)
}

func (m *Manager) sweep() {
	now := m.now()

	m.lock.Lock()
	defer m.lock.Unlock()

	swept := 0

	for id, c := range m.entries {
		if now.After(c.ExpiresAt) {
			delete(m.entries, id)

			swept++
		}
	}

	if swept > 0 {
		logger.Debugf("challenge sweep purged %d expired entries", swept)
	}
}
