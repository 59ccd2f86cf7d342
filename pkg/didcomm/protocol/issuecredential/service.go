/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package issuecredential implements the holder side of the
// issue-credential/3.0 protocol over the message router: offers are answered
// with credential requests, issued credentials land in the wallet.
package issuecredential

import (
	"fmt"

	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/pkg/errors"

	"github.com/credmesh/agent-go/pkg/didcomm/dispatcher"
	"github.com/credmesh/agent-go/pkg/didcomm/service"
	"github.com/credmesh/agent-go/pkg/store/wallet"
)

const (
	// Name defines the protocol name.
	Name = "issue-credential"
	// Version defines the protocol version.
	Version = "3.0"
	// Protocol is the router registration key prefix.
	Protocol = Name + "/" + Version
	// Spec defines the protocol spec.
	Spec = "https://didcomm.org/" + Protocol + "/"
	// ProposeCredentialMsgType defines the protocol propose-credential message type.
	ProposeCredentialMsgType = Spec + "propose-credential"
	// OfferCredentialMsgType defines the protocol offer-credential message type.
	OfferCredentialMsgType = Spec + "offer-credential"
	// RequestCredentialMsgType defines the protocol request-credential message type.
	RequestCredentialMsgType = Spec + "request-credential"
	// IssueCredentialMsgType defines the protocol issue-credential message type.
	IssueCredentialMsgType = Spec + "issue-credential"
	// AckMsgType defines the protocol ack message type.
	AckMsgType = Spec + "ack"
	// ProblemReportMsgType defines the protocol problem-report message type.
	ProblemReportMsgType = Spec + "problem-report"
)

var logger = log.New("agent-go/issuecredential")

// ErrNoCredentials is returned when an issue-credential message carries no
// credential documents.
var ErrNoCredentials = errors.New("message carries no credentials")

type provider interface {
	Router() *dispatcher.Router
	OutboundSender() *dispatcher.Outbound
	Wallet() *wallet.Store
}

// Service is the holder-side issue-credential protocol service.
type Service struct {
	router   *dispatcher.Router
	outbound *dispatcher.Outbound
	wallet   *wallet.Store
}

// New creates the issue-credential service and registers its handlers on the
// router.
func New(prov provider) (*Service, error) {
	s := &Service{
		router:   prov.Router(),
		outbound: prov.OutboundSender(),
		wallet:   prov.Wallet(),
	}

	routes := []dispatcher.Route{
		{Protocol: Protocol, MessageType: "offer-credential", Handler: s.handleOffer,
			Description: "answer a credential offer with a request"},
		{Protocol: Protocol, MessageType: "issue-credential", Handler: s.handleIssue,
			Description: "store issued credentials in the wallet"},
	}

	for _, route := range routes {
		if err := s.router.Register(route); err != nil {
			return nil, fmt.Errorf("register %s handler: %w", route.MessageType, err)
		}
	}

	return s, nil
}

// handleOffer accepts every offer by requesting the offered credential on the
// same thread.
func (s *Service) handleOffer(msg service.Msg, md dispatcher.Metadata) (interface{}, error) {
	reply := service.Msg{
		"@type": RequestCredentialMsgType,
		"thid":  threadOf(msg, md),
		"from":  md.To,
		"to":    []string{md.From},
		"body":  map[string]interface{}{},
	}

	msgID, err := s.outbound.Send(reply, md.From, md.To, nil)
	if err != nil {
		return nil, err
	}

	logger.Debugf("credential request for thread %s enqueued as %s", md.ThreadID, msgID)

	return msgID, nil
}

// handleIssue stores every credential the message carries and acks the
// thread.
func (s *Service) handleIssue(msg service.Msg, md dispatcher.Metadata) (interface{}, error) {
	creds := credentialDocs(msg)
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}

	stored := make([]string, 0, len(creds))

	for _, cred := range creds {
		key, err := s.wallet.Put(cred)
		if err != nil {
			return nil, err
		}

		stored = append(stored, key)
	}

	ack := service.Msg{
		"@type": AckMsgType,
		"thid":  threadOf(msg, md),
		"from":  md.To,
		"to":    []string{md.From},
		"body":  map[string]interface{}{"status": "OK"},
	}

	if _, err := s.outbound.Send(ack, md.From, md.To, nil); err != nil {
		return nil, err
	}

	return stored, nil
}

// credentialDocs extracts the credential documents from the message body,
// falling back to attachments.
func credentialDocs(msg service.Msg) []map[string]interface{} {
	var docs []map[string]interface{}

	if body := msg.Body(); body != nil {
		if raw, ok := body["credentials"].([]interface{}); ok {
			for _, item := range raw {
				if cred, ok := item.(map[string]interface{}); ok {
					docs = append(docs, cred)
				}
			}
		}

		if cred, ok := body["credential"].(map[string]interface{}); ok {
			docs = append(docs, cred)
		}
	}

	if len(docs) > 0 {
		return docs
	}

	attachments, _ := msg["attachments"].([]interface{})

	for _, item := range attachments {
		att, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		data, ok := att["data"].(map[string]interface{})
		if !ok {
			continue
		}

		if cred, ok := data["json"].(map[string]interface{}); ok {
			docs = append(docs, cred)
		}
	}

	return docs
}

func threadOf(msg service.Msg, md dispatcher.Metadata) string {
	if md.ThreadID != "" {
		return md.ThreadID
	}

	return msg.ID()
}
