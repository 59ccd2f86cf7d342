/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package agent assembles the messaging core into a running agent: message
// queue, retry scheduler, protocol router, challenge manager, verification
// engine and the credential protocol services, wired over a shared storage
// provider.
package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	spi "github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/credmesh/agent-go/pkg/didcomm/challenge"
	"github.com/credmesh/agent-go/pkg/didcomm/dispatcher"
	"github.com/credmesh/agent-go/pkg/didcomm/msgqueue"
	"github.com/credmesh/agent-go/pkg/didcomm/protocol/issuecredential"
	"github.com/credmesh/agent-go/pkg/didcomm/protocol/presentproof"
	"github.com/credmesh/agent-go/pkg/didcomm/service"
	"github.com/credmesh/agent-go/pkg/didcomm/transport"
	"github.com/credmesh/agent-go/pkg/doc/verification"
	"github.com/credmesh/agent-go/pkg/framework/didresolver"
	"github.com/credmesh/agent-go/pkg/store/wallet"
)

var logger = log.New("agent-go/framework")

// ErrNoPackager is returned by New when no packager was supplied. The agent
// cannot open or seal messages without one.
var ErrNoPackager = errors.New("packager is required")

// ErrNoTransport is reported on delivery attempts when the agent was built
// without an outbound transport. Affected messages stay in the queue and
// retry until a transport-backed agent picks them up or they exhaust.
var ErrNoTransport = errors.New("no outbound transport configured")

// Agent hosts the messaging core. Use New to construct one and Close to
// release its background workers.
type Agent struct {
	storeProvider     spi.Provider
	packager          transport.Packager
	outboundTransport transport.OutboundTransport
	resolver          didresolver.Resolver

	queue      *msgqueue.Store
	scheduler  *msgqueue.Scheduler
	router     *dispatcher.Router
	outbound   *dispatcher.Outbound
	challenges *challenge.Manager
	verifier   *verification.Engine
	wallet     *wallet.Store

	presentProof    *presentproof.Service
	issueCredential *issuecredential.Service

	queueOpts     []msgqueue.StoreOption
	schedulerOpts []msgqueue.SchedulerOption
	challengeOpts []challenge.Option
	policy        verification.Policy
	policySet     bool
}

// Option configures the agent during construction.
type Option func(*Agent) error

// WithStorageProvider sets the storage provider backing the message queue and
// the wallet. An in-memory provider is used when none is supplied.
func WithStorageProvider(provider spi.Provider) Option {
	return func(a *Agent) error {
		a.storeProvider = provider
		return nil
	}
}

// WithPackager sets the packager used to seal outbound and open inbound
// messages. Required.
func WithPackager(packager transport.Packager) Option {
	return func(a *Agent) error {
		a.packager = packager
		return nil
	}
}

// WithOutboundTransport sets the transport the retry scheduler delivers
// packed messages over.
func WithOutboundTransport(t transport.OutboundTransport) Option {
	return func(a *Agent) error {
		a.outboundTransport = t
		return nil
	}
}

// WithDIDResolver sets the resolver exposed to protocol services.
func WithDIDResolver(resolver didresolver.Resolver) Option {
	return func(a *Agent) error {
		a.resolver = resolver
		return nil
	}
}

// WithMessageTTL sets the lifetime applied to queued messages that have no
// explicit expiry.
func WithMessageTTL(d time.Duration) Option {
	return func(a *Agent) error {
		a.queueOpts = append(a.queueOpts, msgqueue.WithMessageTTL(d))
		return nil
	}
}

// WithRetention sets how long expired messages remain visible before they
// are purged.
func WithRetention(d time.Duration) Option {
	return func(a *Agent) error {
		a.queueOpts = append(a.queueOpts, msgqueue.WithRetention(d))
		return nil
	}
}

// WithMaxRetries sets the delivery attempt limit for queued messages.
func WithMaxRetries(n int) Option {
	return func(a *Agent) error {
		a.queueOpts = append(a.queueOpts, msgqueue.WithMaxRetries(n))
		return nil
	}
}

// WithRetryPolicy sets the backoff curve used between delivery attempts.
func WithRetryPolicy(policy msgqueue.RetryPolicy) Option {
	return func(a *Agent) error {
		a.schedulerOpts = append(a.schedulerOpts, msgqueue.WithRetryPolicy(policy))
		return nil
	}
}

// WithSchedulerInterval sets how often the retry scheduler scans the queue.
func WithSchedulerInterval(d time.Duration) Option {
	return func(a *Agent) error {
		a.schedulerOpts = append(a.schedulerOpts, msgqueue.WithSchedulerInterval(d))
		return nil
	}
}

// WithChallengeTTL sets the lifetime of generated challenges.
func WithChallengeTTL(d time.Duration) Option {
	return func(a *Agent) error {
		a.challengeOpts = append(a.challengeOpts, challenge.WithTTL(d))
		return nil
	}
}

// WithChallengeSweepInterval sets how often expired challenges are purged.
func WithChallengeSweepInterval(d time.Duration) Option {
	return func(a *Agent) error {
		a.challengeOpts = append(a.challengeOpts, challenge.WithSweepInterval(d))
		return nil
	}
}

// WithVerificationPolicy sets the initial credential verification policy.
func WithVerificationPolicy(policy verification.Policy) Option {
	return func(a *Agent) error {
		a.policy = policy
		a.policySet = true
		return nil
	}
}

// New builds an agent from the supplied options, wires the credential
// protocol services onto the router and starts the retry scheduler.
func New(opts ...Option) (*Agent, error) {
	a := &Agent{}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("agent option failed: %w", err)
		}
	}

	if a.packager == nil {
		return nil, ErrNoPackager
	}

	if a.storeProvider == nil {
		a.storeProvider = mem.NewProvider()
	}

	if !a.policySet {
		a.policy = verification.DefaultPolicy()
	}

	queue, err := msgqueue.NewStore(a.storeProvider, a.queueOpts...)
	if err != nil {
		return nil, fmt.Errorf("create message queue: %w", err)
	}

	a.queue = queue
	a.router = dispatcher.NewRouter()
	a.outbound = dispatcher.NewOutbound(a.queue, a.packager)

	a.challenges, err = challenge.NewManager(a.challengeOpts...)
	if err != nil {
		return nil, fmt.Errorf("create challenge manager: %w", err)
	}

	a.verifier = verification.NewEngine(a.challenges, a.policy)

	a.wallet, err = wallet.New(a.storeProvider)
	if err != nil {
		return nil, fmt.Errorf("create wallet store: %w", err)
	}

	a.presentProof, err = presentproof.New(a)
	if err != nil {
		return nil, fmt.Errorf("create present-proof service: %w", err)
	}

	a.issueCredential, err = issuecredential.New(a)
	if err != nil {
		return nil, fmt.Errorf("create issue-credential service: %w", err)
	}

	a.scheduler = msgqueue.NewScheduler(a.queue, msgqueue.DelivererFunc(a.deliver),
		a.schedulerOpts...)

	if err := a.scheduler.Start(); err != nil {
		return nil, fmt.Errorf("start retry scheduler: %w", err)
	}

	return a, nil
}

// deliver hands a queued message to the outbound transport.
func (a *Agent) deliver(msg *msgqueue.QueuedMessage) error {
	if a.outboundTransport == nil {
		return ErrNoTransport
	}

	return a.outboundTransport.Send(msg.Message, msg.ToDID)
}

// Router returns the protocol router.
func (a *Agent) Router() *dispatcher.Router {
	return a.router
}

// MessageQueue returns the persistent message queue.
func (a *Agent) MessageQueue() *msgqueue.Store {
	return a.queue
}

// OutboundSender returns the outbound sender.
func (a *Agent) OutboundSender() *dispatcher.Outbound {
	return a.outbound
}

// Challenges returns the challenge manager.
func (a *Agent) Challenges() *challenge.Manager {
	return a.challenges
}

// Verifier returns the verification engine.
func (a *Agent) Verifier() *verification.Engine {
	return a.verifier
}

// Wallet returns the credential wallet store.
func (a *Agent) Wallet() *wallet.Store {
	return a.wallet
}

// Scheduler returns the retry scheduler.
func (a *Agent) Scheduler() *msgqueue.Scheduler {
	return a.scheduler
}

// DIDResolver returns the configured resolver, or nil when none was set.
func (a *Agent) DIDResolver() didresolver.Resolver {
	return a.resolver
}

// PresentProof returns the present-proof protocol service.
func (a *Agent) PresentProof() *presentproof.Service {
	return a.presentProof
}

// IssueCredential returns the issue-credential protocol service.
func (a *Agent) IssueCredential() *issuecredential.Service {
	return a.issueCredential
}

// ReceiveMessage unpacks a packed inbound message, records it in the queue
// and routes it to the registered protocol handler. The queued row is marked
// failed when the handler errors.
func (a *Agent) ReceiveMessage(packed string) (interface{}, error) {
	env, err := a.packager.Unpack(packed)
	if err != nil {
		return nil, fmt.Errorf("unpack inbound message: %w", err)
	}

	msg, err := service.ParseMsg(env.Message)
	if err != nil {
		return nil, fmt.Errorf("parse inbound message: %w", err)
	}

	now := a.queue.Now()

	queued := &msgqueue.QueuedMessage{
		ID:          uuid.New().String(),
		Direction:   msgqueue.Inbound,
		Status:      msgqueue.StatusDelivered,
		Message:     string(env.Message),
		MessageType: msg.Type(),
		ThreadID:    msg.ThreadID(),
		FromDID:     env.FromDID,
		ToDID:       env.ToDID,
		DeliveredAt: &now,
	}

	if err := a.queue.Put(queued); err != nil {
		return nil, fmt.Errorf("record inbound message: %w", err)
	}

	result, err := a.router.Route(msg)
	if err != nil {
		if updateErr := a.queue.UpdateStatus(queued.ID, msgqueue.StatusFailed,
			err.Error()); updateErr != nil {
			logger.Warnf("mark inbound message %s failed: %v", queued.ID, updateErr)
		}

		return nil, err
	}

	return result, nil
}

// ReceiveMany processes a batch of packed messages. Each message is handled
// independently; a failure, including a panicking handler, never stops the
// rest of the batch. The returned outcomes are positional.
func (a *Agent) ReceiveMany(packed []string) []dispatcher.Outcome {
	outcomes := make([]dispatcher.Outcome, 0, len(packed))

	for _, p := range packed {
		result, err := a.receiveSafe(p)
		if err != nil {
			outcomes = append(outcomes, dispatcher.Outcome{Error: err.Error()})
			continue
		}

		outcomes = append(outcomes, dispatcher.Outcome{Success: true, Result: result})
	}

	return outcomes
}

// receiveSafe converts a panicking handler into an error for ReceiveMany.
func (a *Agent) receiveSafe(packed string) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("recovered panic while receiving message: %v", r)
			err = fmt.Errorf("panic while handling message: %v", r)
		}
	}()

	return a.ReceiveMessage(packed)
}

// SendMessage packs and enqueues a message for delivery, returning the queued
// message id.
func (a *Agent) SendMessage(msg service.Msg, toDID, fromDID string) (string, error) {
	return a.outbound.Send(msg, toDID, fromDID, nil)
}

// Close stops the background workers and closes the storage provider.
func (a *Agent) Close() error {
	a.scheduler.Stop()
	a.challenges.Stop()

	if err := a.storeProvider.Close(); err != nil {
		return fmt.Errorf("close storage provider: %w", err)
	}

	return nil
}
