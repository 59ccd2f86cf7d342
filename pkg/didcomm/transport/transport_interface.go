/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package transport declares the external collaborator boundary of the
// messaging core: cryptographic packing of messages and outbound delivery.
// The core never depends on a specific wire transport.
package transport

// Envelope is the unpacked form of a packed message: the plaintext plus the
// sender/recipient metadata recovered during unpacking.
type Envelope struct {
	Message []byte
	FromDID string
	ToDID   string
}

// Packager seals plaintext messages for a recipient and opens packed ones.
// The cryptography behind both operations lives outside this module.
type Packager interface {
	// Pack seals the plaintext from senderDID to recipientDID and returns
	// the packed representation.
	Pack(recipientDID, senderDID string, plaintext []byte) (string, error)

	// Unpack opens a packed message, returning the plaintext and the party
	// metadata recovered from the envelope.
	Unpack(packed string) (*Envelope, error)
}

// OutboundTransport performs delivery of a packed message to a destination.
// This is the client side of the agent.
type OutboundTransport interface {
	Send(packed string, destination string) error
}

// InboundMessageHandler handles the inbound requests. The transport unpacks
// the payload prior to the message handler invocation.
type InboundMessageHandler func(payload []byte) error
