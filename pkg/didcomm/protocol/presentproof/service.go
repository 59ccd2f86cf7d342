/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package presentproof implements the present-proof/3.0 protocol over the
// message router: the verifier side issues challenge-bound presentation
// requests and verifies the returned presentations, the holder side answers
// requests from its wallet.
package presentproof

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/pkg/errors"

	"github.com/credmesh/agent-go/pkg/didcomm/challenge"
	"github.com/credmesh/agent-go/pkg/didcomm/dispatcher"
	"github.com/credmesh/agent-go/pkg/didcomm/msgqueue"
	"github.com/credmesh/agent-go/pkg/didcomm/service"
	"github.com/credmesh/agent-go/pkg/doc/presentation"
	"github.com/credmesh/agent-go/pkg/doc/verification"
	"github.com/credmesh/agent-go/pkg/store/wallet"
)

const (
	// Name defines the protocol name.
	Name = "present-proof"
	// Version defines the protocol version.
	Version = "3.0"
	// Protocol is the router registration key prefix.
	Protocol = Name + "/" + Version
	// Spec defines the protocol spec.
	Spec = "https://didcomm.org/" + Protocol + "/"
	// ProposePresentationMsgType defines the protocol propose-presentation message type.
	ProposePresentationMsgType = Spec + "propose-presentation"
	// RequestPresentationMsgType defines the protocol request-presentation message type.
	RequestPresentationMsgType = Spec + "request-presentation"
	// PresentationMsgType defines the protocol presentation message type.
	PresentationMsgType = Spec + "presentation"
	// AckMsgType defines the protocol ack message type.
	AckMsgType = Spec + "ack"
	// ProblemReportMsgType defines the protocol problem-report message type.
	ProblemReportMsgType = Spec + "problem-report"
)

const metadataChallengeID = "challengeId"

var logger = log.New("agent-go/presentproof")

// ErrMissingPresentation is returned when a presentation message carries no
// presentation document.
var ErrMissingPresentation = errors.New("message carries no presentation")

type provider interface {
	Router() *dispatcher.Router
	MessageQueue() *msgqueue.Store
	OutboundSender() *dispatcher.Outbound
	Challenges() *challenge.Manager
	Verifier() *verification.Engine
	Wallet() *wallet.Store
}

// Service is the present-proof protocol service. It acts as verifier and as
// holder, depending on which message arrives.
type Service struct {
	router     *dispatcher.Router
	queue      *msgqueue.Store
	outbound   *dispatcher.Outbound
	challenges *challenge.Manager
	verifier   *verification.Engine
	wallet     *wallet.Store
}

// New creates the present-proof service and registers its handlers on the
// router.
func New(prov provider) (*Service, error) {
	s := &Service{
		router:     prov.Router(),
		queue:      prov.MessageQueue(),
		outbound:   prov.OutboundSender(),
		challenges: prov.Challenges(),
		verifier:   prov.Verifier(),
		wallet:     prov.Wallet(),
	}

	routes := []dispatcher.Route{
		{Protocol: Protocol, MessageType: "request-presentation", Handler: s.handleRequestPresentation,
			Description: "answer a presentation request from the wallet"},
		{Protocol: Protocol, MessageType: "presentation", Handler: s.handlePresentation,
			Description: "verify a received presentation"},
		{Protocol: Protocol, MessageType: "ack", Handler: s.handleAck,
			Description: "settle the thread's outbound presentation"},
		{Protocol: Protocol, MessageType: "problem-report", Handler: s.handleProblemReport,
			Description: "record a counterparty failure"},
	}

	for _, route := range routes {
		if err := s.router.Register(route); err != nil {
			return nil, fmt.Errorf("register %s handler: %w", route.MessageType, err)
		}
	}

	return s, nil
}

// RequestOptions state what the verifier requires from the holder.
type RequestOptions struct {
	CredentialTypes []string
	Fields          []string
	TrustedIssuers  []string
	Domain          string
}

// RequestPresentation generates a challenge bound to the holder and enqueues
// a request-presentation message carrying the requirements. The challenge id
// is recorded on the queued message so the returned presentation can be
// matched to it by thread.
func (s *Service) RequestPresentation(holderDID, verifierDID string, opts *RequestOptions) (*challenge.Challenge, string, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	c, err := s.challenges.Generate(&challenge.Options{
		HolderDID: holderDID,
		Domain:    opts.Domain,
	})
	if err != nil {
		return nil, "", err
	}

	id := uuid.New().String()

	body := map[string]interface{}{"challenge": c.Challenge}

	if len(opts.CredentialTypes) > 0 {
		body["credential_types"] = opts.CredentialTypes
	}

	if len(opts.Fields) > 0 {
		body["fields"] = opts.Fields
	}

	if len(opts.TrustedIssuers) > 0 {
		body["trusted_issuers"] = opts.TrustedIssuers
	}

	if opts.Domain != "" {
		body["domain"] = opts.Domain
	}

	msg := service.Msg{
		"@id":   id,
		"@type": RequestPresentationMsgType,
		"thid":  id,
		"from":  verifierDID,
		"to":    []string{holderDID},
		"body":  body,
	}

	msgID, err := s.outbound.Send(msg, holderDID, verifierDID,
		map[string]interface{}{metadataChallengeID: c.ID})
	if err != nil {
		return nil, "", err
	}

	return c, msgID, nil
}

// handleRequestPresentation is the holder side: build a presentation from the
// wallet satisfying the request and enqueue it on the same thread.
func (s *Service) handleRequestPresentation(msg service.Msg, md dispatcher.Metadata) (interface{}, error) {
	creds, err := s.wallet.Credentials()
	if err != nil {
		return nil, err
	}

	pres, err := presentation.CreatePresentationFromRequest(md.To, msg, creds)
	if err != nil {
		return nil, err
	}

	doc, err := pres.Map()
	if err != nil {
		return nil, err
	}

	reply := service.Msg{
		"@type": PresentationMsgType,
		"thid":  threadOf(msg, md),
		"from":  md.To,
		"to":    []string{md.From},
		"body":  map[string]interface{}{"presentation": doc},
	}

	msgID, err := s.outbound.Send(reply, md.From, md.To, nil)
	if err != nil {
		return nil, err
	}

	logger.Debugf("presentation for thread %s enqueued as %s", md.ThreadID, msgID)

	return msgID, nil
}

// handlePresentation is the verifier side: resolve the thread's challenge,
// verify the presentation, consume the challenge only on success and answer
// with an ack or a problem report.
func (s *Service) handlePresentation(msg service.Msg, md dispatcher.Metadata) (interface{}, error) {
	doc := presentationDoc(msg)
	if doc == nil {
		return nil, ErrMissingPresentation
	}

	challengeID, err := s.challengeForThread(threadOf(msg, md))
	if err != nil {
		return nil, err
	}

	var result *verification.Result

	if challengeID != "" {
		result = s.verifier.VerifyPresentationWithChallenge(doc, challengeID)
		if result.Verified {
			s.challenges.Consume(challengeID)
		}
	} else {
		result = s.verifier.VerifyPresentation(doc, nil)
	}

	replyType := AckMsgType
	body := map[string]interface{}{"status": "OK"}

	if !result.Verified {
		replyType = ProblemReportMsgType
		body = map[string]interface{}{"code": "presentation-verification-failed", "errors": result.Errors}
	}

	reply := service.Msg{
		"@type": replyType,
		"thid":  threadOf(msg, md),
		"from":  md.To,
		"to":    []string{md.From},
		"body":  body,
	}

	if _, err := s.outbound.Send(reply, md.From, md.To, nil); err != nil {
		return nil, err
	}

	return result, nil
}

// handleAck settles the thread: the outbound presentation the ack answers is
// marked delivered.
func (s *Service) handleAck(_ service.Msg, md dispatcher.Metadata) (interface{}, error) {
	sent, err := s.queue.Query(&msgqueue.Filter{
		ThreadID:    md.ThreadID,
		Direction:   msgqueue.Outbound,
		MessageType: PresentationMsgType,
	})
	if err != nil {
		return nil, err
	}

	for _, queued := range sent {
		if err := s.queue.UpdateStatus(queued.ID, msgqueue.StatusDelivered, ""); err != nil {
			return nil, err
		}
	}

	return len(sent), nil
}

func (s *Service) handleProblemReport(msg service.Msg, md dispatcher.Metadata) (interface{}, error) {
	logger.Warnf("problem report on thread %s from %s", md.ThreadID, md.From)

	return msg.Body(), nil
}

// challengeForThread finds the challenge id recorded on the thread's original
// request-presentation message, if any.
func (s *Service) challengeForThread(threadID string) (string, error) {
	if threadID == "" {
		return "", nil
	}

	requests, err := s.queue.Query(&msgqueue.Filter{
		ThreadID:    threadID,
		Direction:   msgqueue.Outbound,
		MessageType: RequestPresentationMsgType,
	})
	if err != nil {
		return "", err
	}

	for _, req := range requests {
		if id, ok := req.Metadata[metadataChallengeID].(string); ok {
			return id, nil
		}
	}

	return "", nil
}

// presentationDoc extracts the presentation document from the message body,
// falling back to the first attachment.
func presentationDoc(msg service.Msg) map[string]interface{} {
	if body := msg.Body(); body != nil {
		if doc, ok := body["presentation"].(map[string]interface{}); ok {
			return doc
		}
	}

	attachments, ok := msg["attachments"].([]interface{})
	if !ok || len(attachments) == 0 {
		return nil
	}

	att, ok := attachments[0].(map[string]interface{})
	if !ok {
		return nil
	}

	data, ok := att["data"].(map[string]interface{})
	if !ok {
		return nil
	}

	doc, _ := data["json"].(map[string]interface{})

	return doc
}

func threadOf(msg service.Msg, md dispatcher.Metadata) string {
	if md.ThreadID != "" {
		return md.ThreadID
	}

	return msg.ID()
}
