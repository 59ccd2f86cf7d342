/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package verification applies a configurable trust policy to credentials and
// presentations, producing an aggregated pass/fail result with every violated
// rule, not just the first.
package verification

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hyperledger/aries-framework-go/component/log"

	"github.com/credmesh/agent-go/pkg/didcomm/challenge"
)

// Base markers required in the type list of credentials and presentations.
const (
	CredentialType   = "VerifiableCredential"
	PresentationType = "VerifiablePresentation"
)

var logger = log.New("agent-go/verification")

// Policy configures which checks the engine applies. Changing the policy
// affects subsequent verifications only.
type Policy struct {
	CheckExpiration         bool
	CheckProof              bool
	CheckChallenge          bool
	CheckDomain             bool
	TrustedIssuers          []string
	RequiredCredentialTypes []string
}

// DefaultPolicy enables every check and trusts any issuer and credential type.
func DefaultPolicy() Policy {
	return Policy{
		CheckExpiration: true,
		CheckProof:      true,
		CheckChallenge:  true,
		CheckDomain:     true,
	}
}

// Result is the aggregated outcome of a verification. Verified is true only
// when no enabled check was violated. A failed verification is a normal
// value, not an error.
type Result struct {
	Verified bool     `json:"verified"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// PresentationOptions bind a presentation verification to an expected
// challenge and domain.
type PresentationOptions struct {
	Challenge string
	Domain    string
}

// Engine verifies credentials and presentations against its policy. It is
// stateless over its inputs; the policy is the only mutable state.
type Engine struct {
	policy     Policy
	lock       sync.RWMutex
	challenges *challenge.Manager
}

// NewEngine creates a verification engine. The challenge manager may be nil
// if VerifyPresentationWithChallenge is never used.
func NewEngine(challenges *challenge.Manager, policy Policy) *Engine {
	return &Engine{
		policy:     policy,
		challenges: challenges,
	}
}

// PolicyOption is one field of a policy update.
type PolicyOption func(*Policy)

// WithCheckExpiration toggles credential expiry checking.
func WithCheckExpiration(check bool) PolicyOption {
	return func(p *Policy) {
		p.CheckExpiration = check
	}
}

// WithCheckProof toggles the (delegated) proof check.
func WithCheckProof(check bool) PolicyOption {
	return func(p *Policy) {
		p.CheckProof = check
	}
}

// WithCheckChallenge toggles challenge binding verification.
func WithCheckChallenge(check bool) PolicyOption {
	return func(p *Policy) {
		p.CheckChallenge = check
	}
}

// WithCheckDomain toggles domain binding verification.
func WithCheckDomain(check bool) PolicyOption {
	return func(p *Policy) {
		p.CheckDomain = check
	}
}

// WithTrustedIssuers replaces the trusted-issuer allowlist. An empty list
// trusts any issuer.
func WithTrustedIssuers(issuers ...string) PolicyOption {
	return func(p *Policy) {
		p.TrustedIssuers = issuers
	}
}

// WithRequiredCredentialTypes replaces the required-type list. An empty list
// accepts any credential type.
func WithRequiredCredentialTypes(types ...string) PolicyOption {
	return func(p *Policy) {
		p.RequiredCredentialTypes = types
	}
}

// UpdatePolicy applies the given fields to the engine policy, leaving the
// rest unchanged.
func (e *Engine) UpdatePolicy(opts ...PolicyOption) {
	e.lock.Lock()
	defer e.lock.Unlock()

	for _, opt := range opts {
		opt(&e.policy)
	}
}

// GetPolicy returns a copy of the current policy. Mutating the returned value
// does not affect the engine.
func (e *Engine) GetPolicy() Policy {
	e.lock.RLock()
	defer e.lock.RUnlock()

	p := e.policy
	p.TrustedIssuers = append([]string(nil), e.policy.TrustedIssuers...)
	p.RequiredCredentialTypes = append([]string(nil), e.policy.RequiredCredentialTypes...)

	return p
}

// VerifyCredential checks the credential against every enabled rule. All
// structural rules run regardless of earlier failures, so the result carries
// the complete list of violations.
func (e *Engine) VerifyCredential(cred map[string]interface{}) *Result {
	policy := e.GetPolicy()
	result := &Result{}

	if _, ok := cred["@context"]; !ok {
		result.addError("Missing @context")
	}

	types := stringList(cred["type"])
	if types == nil || !contains(types, CredentialType) {
		result.addError("Missing or invalid type: must include " + CredentialType)
	}

	issuer, hasIssuer := issuerID(cred["issuer"])
	if !hasIssuer {
		result.addError("Missing issuer")
	}

	if _, ok := cred["credentialSubject"]; !ok {
		result.addError("Missing credentialSubject")
	}

	if _, ok := cred["issuanceDate"]; !ok {
		result.addError("Missing issuanceDate")
	}

	if policy.CheckExpiration {
		checkExpiration(cred, result)
	}

	if len(policy.TrustedIssuers) > 0 && hasIssuer && !contains(policy.TrustedIssuers, issuer) {
		result.addError("Issuer not trusted: " + issuer)
	}

	if len(policy.RequiredCredentialTypes) > 0 && !overlaps(types, policy.RequiredCredentialTypes) {
		result.addError("Credential type must include one of: " + strings.Join(policy.RequiredCredentialTypes, ", "))
	}

	if policy.CheckProof {
		// signature verification is delegated to an external collaborator and
		// not yet implemented; this must stay a warning, never a silent pass
		// nor a hard failure
		result.Warnings = append(result.Warnings, "Proof check not implemented - skipping cryptographic verification")
	}

	result.Verified = len(result.Errors) == 0

	return result
}

// VerifyPresentation checks the presentation envelope, every embedded
// credential, and (when enabled and supplied) the challenge and domain
// binding of its proof.
func (e *Engine) VerifyPresentation(pres map[string]interface{}, opts *PresentationOptions) *Result {
	policy := e.GetPolicy()
	result := &Result{}

	if opts == nil {
		opts = &PresentationOptions{}
	}

	if _, ok := pres["@context"]; !ok {
		result.addError("Missing @context")
	}

	types := stringList(pres["type"])
	if types == nil || !contains(types, PresentationType) {
		result.addError("Missing or invalid type: must include " + PresentationType)
	}

	if holder, ok := pres["holder"].(string); !ok || holder == "" {
		result.addError("Missing holder")
	}

	creds, ok := pres["verifiableCredential"].([]interface{})
	if !ok {
		result.addError("Missing or invalid verifiableCredential: must be an array")
	}

	for i, raw := range creds {
		cred, ok := raw.(map[string]interface{})
		if !ok {
			result.addError(fmt.Sprintf("Credential %d verification failed: invalid credential format", i+1))
			continue
		}

		credResult := e.VerifyCredential(cred)

		for _, credErr := range credResult.Errors {
			result.addError(fmt.Sprintf("Credential %d verification failed: %s", i+1, credErr))
		}

		result.Warnings = append(result.Warnings, credResult.Warnings...)
	}

	proof, _ := pres["proof"].(map[string]interface{})

	if policy.CheckChallenge && opts.Challenge != "" {
		switch {
		case proof == nil:
			result.addError("Missing proof for challenge verification")
		case proof["challenge"] != opts.Challenge:
			result.addError("Challenge mismatch")
		}
	}

	if policy.CheckDomain && opts.Domain != "" {
		switch {
		case proof == nil:
			result.addError("Missing proof for domain verification")
		case proof["domain"] != opts.Domain:
			result.addError("Domain mismatch")
		}
	}

	result.Verified = len(result.Errors) == 0

	if !result.Verified {
		logger.Debugf("presentation verification failed with %d errors", len(result.Errors))
	}

	return result
}

// VerifyPresentationWithChallenge resolves the challenge by id and verifies
// the presentation against its nonce and bound domain. An absent or expired
// challenge yields a failed result. The caller remains responsible for
// consuming the challenge, and only on success.
func (e *Engine) VerifyPresentationWithChallenge(pres map[string]interface{}, challengeID string) *Result {
	c := e.challenges.Get(challengeID)
	if c == nil {
		return &Result{Errors: []string{"Challenge not found or expired"}}
	}

	return e.VerifyPresentation(pres, &PresentationOptions{
		Challenge: c.Challenge,
		Domain:    c.Domain,
	})
}

// ExtractClaims merges the credentialSubject fields of every embedded
// credential into one flat map, excluding the subject id. Later credentials
// overwrite earlier ones on key collision.
func ExtractClaims(pres map[string]interface{}) map[string]interface{} {
	claims := make(map[string]interface{})

	creds, _ := pres["verifiableCredential"].([]interface{})

	for _, raw := range creds {
		cred, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		subject, ok := cred["credentialSubject"].(map[string]interface{})
		if !ok {
			continue
		}

		for key, value := range subject {
			if key == "id" {
				continue
			}

			claims[key] = value
		}
	}

	return claims
}

func (r *Result) addError(msg string) {
	r.Errors = append(r.Errors, msg)
}

func checkExpiration(cred map[string]interface{}, result *Result) {
	raw, ok := cred["expirationDate"].(string)
	if !ok {
		return
	}

	expiresAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		result.addError("Invalid expirationDate format")
		return
	}

	if time.Now().After(expiresAt) {
		result.addError("Credential expired")
	}
}

// issuerID extracts the issuer identifier from either its string form or the
// {id} object form.
func issuerID(issuer interface{}) (string, bool) {
	switch v := issuer.(type) {
	case string:
		if v != "" {
			return v, true
		}
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok && id != "" {
			return id, true
		}
	}

	return "", false
}

func stringList(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}

	list := make([]string, 0, len(raw))

	for _, item := range raw {
		if s, ok := item.(string); ok {
			list = append(list, s)
		}
	}

	return list
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}

	return false
}

func overlaps(a, b []string) bool {
	for _, item := range b {
		if contains(a, item) {
			return true
		}
	}

	return false
}
