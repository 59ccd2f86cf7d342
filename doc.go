/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package agentgo is a DIDComm messaging substrate for credential protocols:
// a durable message queue with scheduled retry delivery, a typed protocol
// router, challenge-bound presentation exchange and policy-driven credential
// verification.
//
// Packages for end developer usage
//
// pkg/framework/agent: Assembles the messaging core into a running agent from
// provider options and hosts the credential protocol services.
//
// pkg/didcomm/msgqueue: The durable queue of inbound and outbound protocol
// messages with retry bookkeeping and two-phase expiry.
//
// pkg/doc/verification: Applies a configurable trust policy to credentials
// and presentations.
//
// pkg/doc/presentation: Builds presentations from a holder's wallet with
// selective disclosure.
//
// Basic workflow
//
//	1) Instantiate an agent using provider options (a packager is required).
//	2) Feed inbound packed messages to agent.ReceiveMessage.
//	3) Drive protocols through the agent's services, e.g.
//	   agent.PresentProof().RequestPresentation.
//	4) Call agent.Close() to release resources.
package agentgo
