/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package msgqueue implements the durable queue of inbound and outbound
// protocol messages, with retry bookkeeping and two-phase expiry.
package msgqueue

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/hyperledger/aries-framework-go/component/log"
	spi "github.com/hyperledger/aries-framework-go/spi/storage"
	"github.com/pkg/errors"
)

// Namespace is the name of the underlying message store.
const Namespace = "msgqueue"

// Tag values must not contain ':' characters, so DID and type-URI columns are
// not tagged; filters on them are applied in memory.
const (
	tagStatus      = "status"
	tagDirection   = "direction"
	tagThreadID    = "threadID"
	tagCreatedAt   = "createdAt"
	tagNextRetryAt = "nextRetryAt"
)

const (
	// DefaultMaxRetries is the number of delivery attempts before a message
	// fails terminally, unless the message specifies its own limit.
	DefaultMaxRetries = 3

	// DefaultRetention is how long an expired message remains visible before
	// it becomes eligible for physical deletion.
	DefaultRetention = 7 * 24 * time.Hour
)

var logger = log.New("agent-go/msgqueue")

// Direction tells whether a queued message was received or is to be sent.
type Direction string

// Message directions.
const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Status is the delivery lifecycle state of a queued message.
type Status string

// Message statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

var (
	// ErrIDRequired is returned when a message without an id is stored.
	ErrIDRequired = errors.New("message id is required")
	// ErrNotFound is returned by mutating operations on a missing message.
	ErrNotFound = errors.New("message not found")
	// ErrRetriesExhausted is returned by IncrementRetry once the retry count
	// has reached the message's limit.
	ErrRetriesExhausted = errors.New("max retries exceeded")
)

// StorageError indicates that the underlying persistence failed. It is fatal
// for the enclosing operation but not for the process.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("msgqueue: %s: %s", e.Op, e.Err)
}

// Unwrap returns the underlying storage failure.
func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// QueuedMessage is one protocol message in flight. The opaque packed payload
// lives in Message; the remaining fields exist for scheduling and correlation.
type QueuedMessage struct {
	ID          string                 `json:"id"`
	Direction   Direction              `json:"direction"`
	Status      Status                 `json:"status"`
	Message     string                 `json:"message"`
	MessageType string                 `json:"message_type,omitempty"`
	ThreadID    string                 `json:"thread_id,omitempty"`
	FromDID     string                 `json:"from_did,omitempty"`
	ToDID       string                 `json:"to_did,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
	SentAt      *time.Time             `json:"sent_at,omitempty"`
	DeliveredAt *time.Time             `json:"delivered_at,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	NextRetryAt *time.Time             `json:"next_retry_at,omitempty"`
	LastError   string                 `json:"last_error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Filter selects queued messages in Query. Zero-valued fields do not
// constrain the result.
type Filter struct {
	Status        []Status
	Direction     Direction
	FromDID       string
	ToDID         string
	MessageType   string
	ThreadID      string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// Store is the durable message table. All access goes through single-row
// upserts and updates; there are no multi-row transactions.
type Store struct {
	store      spi.Store
	retention  time.Duration
	messageTTL time.Duration
	maxRetries int
	now        func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRetention sets how long expired messages are retained before physical
// deletion.
func WithRetention(d time.Duration) StoreOption {
	return func(s *Store) {
		s.retention = d
	}
}

// WithMessageTTL sets a default expiry applied to stored messages that do not
// carry their own.
func WithMessageTTL(d time.Duration) StoreOption {
	return func(s *Store) {
		s.messageTTL = d
	}
}

// WithMaxRetries sets the delivery attempt limit applied to stored messages
// that do not carry their own.
func WithMaxRetries(n int) StoreOption {
	return func(s *Store) {
		s.maxRetries = n
	}
}

// NewStore opens the message table on the given storage provider.
func NewStore(provider spi.Provider, opts ...StoreOption) (*Store, error) {
	store, err := provider.OpenStore(Namespace)
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}

	err = provider.SetStoreConfig(Namespace, spi.StoreConfiguration{TagNames: []string{
		tagStatus, tagDirection, tagThreadID, tagCreatedAt, tagNextRetryAt,
	}})
	if err != nil {
		return nil, fmt.Errorf("set message store config: %w", err)
	}

	s := &Store{
		store:      store,
		retention:  DefaultRetention,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Now returns the store's notion of the current time, shared with callers
// that schedule against it.
func (s *Store) Now() time.Time {
	return s.now()
}

// Put upserts the message by id. New messages default to status pending and
// the store's retry and expiry defaults.
func (s *Store) Put(msg *QueuedMessage) error {
	if msg.ID == "" {
		return ErrIDRequired
	}

	now := s.now()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	msg.UpdatedAt = now

	if msg.Status == "" {
		msg.Status = StatusPending
	}

	if msg.MaxRetries == 0 {
		msg.MaxRetries = s.maxRetries
	}

	if msg.ExpiresAt == nil && s.messageTTL > 0 {
		expiresAt := msg.CreatedAt.Add(s.messageTTL)
		msg.ExpiresAt = &expiresAt
	}

	return s.save(msg)
}

// Get returns the message with the given id, or nil when it does not exist.
func (s *Store) Get(id string) (*QueuedMessage, error) {
	raw, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, spi.ErrDataNotFound) {
			return nil, nil
		}

		return nil, storageErr("get", err)
	}

	msg := &QueuedMessage{}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, storageErr("get", err)
	}

	return msg, nil
}

// Query returns messages matching the filter, ordered by creation time
// descending.
func (s *Store) Query(f *Filter) ([]*QueuedMessage, error) {
	if f == nil {
		f = &Filter{}
	}

	msgs, err := s.queryBy(queryExpression(f))
	if err != nil {
		return nil, err
	}

	matched := make([]*QueuedMessage, 0, len(msgs))

	for _, msg := range msgs {
		if matches(msg, f) {
			matched = append(matched, msg)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}

		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return paginate(matched, f.Offset, f.Limit), nil
}

// UpdateStatus sets the message status, stamping the sent/delivered times
// where applicable. A non-empty lastError is recorded; an empty one never
// clears a previously recorded error.
func (s *Store) UpdateStatus(id string, status Status, lastError string) error {
	msg, err := s.Get(id)
	if err != nil {
		return err
	}

	if msg == nil {
		return ErrNotFound
	}

	now := s.now()
	msg.Status = status
	msg.UpdatedAt = now

	switch status { //nolint:exhaustive
	case StatusSent:
		msg.SentAt = &now
	case StatusDelivered:
		msg.DeliveredAt = &now
	}

	if status != StatusPending {
		msg.NextRetryAt = nil
	}

	if lastError != "" {
		msg.LastError = lastError
	}

	return s.save(msg)
}

// IncrementRetry bumps the retry count, moves the message back to pending and
// schedules the next attempt. It refuses to re-arm a message whose retry
// count has reached its limit.
func (s *Store) IncrementRetry(id string, nextRetryAt time.Time, lastError string) error {
	msg, err := s.Get(id)
	if err != nil {
		return err
	}

	if msg == nil {
		return ErrNotFound
	}

	if msg.RetryCount >= msg.MaxRetries {
		return ErrRetriesExhausted
	}

	msg.RetryCount++
	msg.Status = StatusPending
	msg.NextRetryAt = &nextRetryAt
	msg.UpdatedAt = s.now()

	if lastError != "" {
		msg.LastError = lastError
	}

	return s.save(msg)
}

// MessagesForRetry returns all pending messages whose scheduled retry time
// has elapsed and that still have attempts left, earliest due first.
func (s *Store) MessagesForRetry() ([]*QueuedMessage, error) {
	msgs, err := s.queryBy(tagStatus + ":" + string(StatusPending))
	if err != nil {
		return nil, err
	}

	now := s.now()
	due := make([]*QueuedMessage, 0, len(msgs))

	for _, msg := range msgs {
		if msg.RetryCount >= msg.MaxRetries {
			continue
		}

		if msg.NextRetryAt == nil || msg.NextRetryAt.After(now) {
			continue
		}

		due = append(due, msg)
	}

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})

	return due, nil
}

// DeleteExpired first marks overdue messages as expired, then purges messages
// that have been expired longer than the retention window. Marking and
// reaping are separate phases so that every expired message stays observable
// for at least one retention window.
func (s *Store) DeleteExpired() (marked, purged int, err error) {
	msgs, err := s.queryBy(tagStatus)
	if err != nil {
		return 0, 0, err
	}

	now := s.now()

	for _, msg := range msgs {
		if msg.Status == StatusExpired {
			continue
		}

		if msg.ExpiresAt != nil && now.After(*msg.ExpiresAt) {
			msg.Status = StatusExpired
			msg.NextRetryAt = nil
			msg.UpdatedAt = now

			if err := s.save(msg); err != nil {
				return marked, purged, err
			}

			marked++
		}
	}

	for _, msg := range msgs {
		if msg.Status != StatusExpired {
			continue
		}

		if now.Sub(msg.UpdatedAt) > s.retention {
			if err := s.store.Delete(msg.ID); err != nil {
				return marked, purged, storageErr("delete expired", err)
			}

			purged++
		}
	}

	if marked > 0 || purged > 0 {
		logger.Debugf("expiry sweep: %d marked, %d purged", marked, purged)
	}

	return marked, purged, nil
}

// DeleteOldDelivered purges delivered messages whose delivery time is older
// than the given window.
func (s *Store) DeleteOldDelivered(olderThan time.Duration) (int, error) {
	msgs, err := s.queryBy(tagStatus + ":" + string(StatusDelivered))
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-olderThan)
	purged := 0

	for _, msg := range msgs {
		if msg.DeliveredAt == nil || msg.DeliveredAt.After(cutoff) {
			continue
		}

		if err := s.store.Delete(msg.ID); err != nil {
			return purged, storageErr("delete delivered", err)
		}

		purged++
	}

	return purged, nil
}

func (s *Store) save(msg *QueuedMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return storageErr("marshal", err)
	}

	if err := s.store.Put(msg.ID, raw, tags(msg)...); err != nil {
		return storageErr("put", err)
	}

	return nil
}

func (s *Store) queryBy(expression string) ([]*QueuedMessage, error) {
	it, err := s.store.Query(expression)
	if err != nil {
		return nil, storageErr("query", err)
	}

	defer spi.Close(it, logger)

	var msgs []*QueuedMessage

	for {
		more, err := it.Next()
		if err != nil {
			return nil, storageErr("query", err)
		}

		if !more {
			break
		}

		raw, err := it.Value()
		if err != nil {
			return nil, storageErr("query", err)
		}

		msg := &QueuedMessage{}

		if err := json.Unmarshal(raw, msg); err != nil {
			return nil, storageErr("query", err)
		}

		msgs = append(msgs, msg)
	}

	return msgs, nil
}

// queryExpression picks the most selective tag expression the filter allows;
// the remaining predicates are applied in memory.
func queryExpression(f *Filter) string {
	switch {
	case len(f.Status) == 1:
		return tagStatus + ":" + string(f.Status[0])
	case f.ThreadID != "":
		return tagThreadID + ":" + f.ThreadID
	case f.Direction != "":
		return tagDirection + ":" + string(f.Direction)
	default:
		return tagStatus
	}
}

func matches(msg *QueuedMessage, f *Filter) bool {
	if len(f.Status) > 0 && !containsStatus(f.Status, msg.Status) {
		return false
	}

	if f.Direction != "" && msg.Direction != f.Direction {
		return false
	}

	if f.FromDID != "" && msg.FromDID != f.FromDID {
		return false
	}

	if f.ToDID != "" && msg.ToDID != f.ToDID {
		return false
	}

	if f.MessageType != "" && msg.MessageType != f.MessageType {
		return false
	}

	if f.ThreadID != "" && msg.ThreadID != f.ThreadID {
		return false
	}

	if f.CreatedAfter != nil && msg.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}

	if f.CreatedBefore != nil && msg.CreatedAt.After(*f.CreatedBefore) {
		return false
	}

	return true
}

func containsStatus(statuses []Status, status Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}

	return false
}

func paginate(msgs []*QueuedMessage, offset, limit int) []*QueuedMessage {
	if offset > 0 {
		if offset >= len(msgs) {
			return nil
		}

		msgs = msgs[offset:]
	}

	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}

	return msgs
}

func tags(msg *QueuedMessage) []spi.Tag {
	msgTags := []spi.Tag{
		{Name: tagStatus, Value: string(msg.Status)},
		{Name: tagDirection, Value: string(msg.Direction)},
		{Name: tagCreatedAt, Value: strconv.FormatInt(msg.CreatedAt.UnixNano(), 10)},
	}

	if msg.ThreadID != "" {
		msgTags = append(msgTags, spi.Tag{Name: tagThreadID, Value: msg.ThreadID})
	}

	if msg.NextRetryAt != nil {
		msgTags = append(msgTags, spi.Tag{Name: tagNextRetryAt, Value: strconv.FormatInt(msg.NextRetryAt.UnixNano(), 10)})
	}

	return msgTags
}
