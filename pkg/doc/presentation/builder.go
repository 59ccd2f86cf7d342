/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package presentation assembles verifiable presentations: it filters a
// holder's credentials against a verifier's stated requirements, applies
// field-level selective disclosure and builds the presentation envelope.
package presentation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

const (
	// ContextV1 is the base W3C credentials context.
	ContextV1 = "https://www.w3.org/2018/credentials/v1"

	// Type is the base presentation type marker.
	Type = "VerifiablePresentation"

	// RequestPresentationType is the message type a presentation request must
	// declare.
	RequestPresentationType = "https://didcomm.org/present-proof/3.0/request-presentation"
)

var (
	// ErrHolderRequired is returned when a presentation is built without a
	// holder DID.
	ErrHolderRequired = errors.New("holder DID is required")
	// ErrNoCredentials is returned when a presentation is built from an empty
	// credential list.
	ErrNoCredentials = errors.New("at least one credential is required")
	// ErrNoMatchingCredentials is returned when no candidate credential
	// satisfies a request's requirements.
	ErrNoMatchingCredentials = errors.New("no credentials match the presentation requirements")
	// ErrInvalidRequestType is returned when a presentation request does not
	// declare the expected message type.
	ErrInvalidRequestType = errors.New("invalid presentation request type")
)

// Presentation is the holder-assembled envelope submitted to a verifier.
type Presentation struct {
	Context              []string                 `json:"@context"`
	ID                   string                   `json:"id"`
	Type                 []string                 `json:"type"`
	Holder               string                   `json:"holder"`
	VerifiableCredential []map[string]interface{} `json:"verifiableCredential"`
	Proof                *Proof                   `json:"proof,omitempty"`
}

// Proof is the authentication proof stub attached when the presentation is
// bound to a challenge or domain. No signature is computed here; signing is
// delegated to the external packing collaborator.
type Proof struct {
	Created            string `json:"created"`
	ProofPurpose       string `json:"proofPurpose"`
	VerificationMethod string `json:"verificationMethod"`
	Challenge          string `json:"challenge,omitempty"`
	Domain             string `json:"domain,omitempty"`
}

// Map returns the presentation as a schema-flexible document, the form the
// verification engine consumes.
func (p *Presentation) Map() (map[string]interface{}, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal presentation: %w", err)
	}

	var doc map[string]interface{}

	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal presentation: %w", err)
	}

	return doc, nil
}

// CreateOptions configure CreatePresentation.
type CreateOptions struct {
	HolderDID   string
	Credentials []map[string]interface{}
	Challenge   string
	Domain      string
	Types       []string
}

// CreatePresentation assembles a presentation envelope carrying the given
// credentials verbatim. A proof stub is attached only when a challenge or
// domain binding was requested.
func CreatePresentation(opts *CreateOptions) (*Presentation, error) {
	if opts == nil || opts.HolderDID == "" {
		return nil, ErrHolderRequired
	}

	if len(opts.Credentials) == 0 {
		return nil, ErrNoCredentials
	}

	pres := &Presentation{
		Context:              []string{ContextV1},
		ID:                   "urn:uuid:" + uuid.New().String(),
		Type:                 append([]string{Type}, opts.Types...),
		Holder:               opts.HolderDID,
		VerifiableCredential: opts.Credentials,
	}

	if opts.Challenge != "" || opts.Domain != "" {
		pres.Proof = &Proof{
			Created:            time.Now().UTC().Format(time.RFC3339),
			ProofPurpose:       "authentication",
			VerificationMethod: opts.HolderDID + "#key-1",
			Challenge:          opts.Challenge,
			Domain:             opts.Domain,
		}
	}

	return pres, nil
}

// DisclosureOptions select which credentialSubject fields survive selective
// disclosure. When both are given the include filter runs first.
type DisclosureOptions struct {
	Fields        []string
	ExcludeFields []string
}

// ApplySelectiveDisclosure returns a deep copy of the credential with its
// subject reduced to the requested fields. The subject id is always retained.
func ApplySelectiveDisclosure(cred map[string]interface{}, opts *DisclosureOptions) (map[string]interface{}, error) {
	copied, err := deepCopy(cred)
	if err != nil {
		return nil, err
	}

	if opts == nil {
		return copied, nil
	}

	subject, ok := copied["credentialSubject"].(map[string]interface{})
	if !ok {
		return copied, nil
	}

	if len(opts.Fields) > 0 {
		filtered := make(map[string]interface{})

		if id, ok := subject["id"]; ok {
			filtered["id"] = id
		}

		for _, field := range opts.Fields {
			if value, ok := subject[field]; ok {
				filtered[field] = value
			}
		}

		subject = filtered
	}

	for _, field := range opts.ExcludeFields {
		delete(subject, field)
	}

	copied["credentialSubject"] = subject

	return copied, nil
}

// Requirements are the narrowed, typed form of a presentation request.
type Requirements struct {
	CredentialTypes []string
	Fields          []string
	Issuers         []string
	Challenge       string
	Domain          string
}

// attachment is the embedded-attachment shape a request may carry its options
// in.
type attachment struct {
	Data struct {
		JSON map[string]interface{} `mapstructure:"json"`
	} `mapstructure:"data"`
}

// ExtractRequirements reads the requirements from a presentation-request
// message. The protocol tolerates multiple historical field-name spellings;
// each category accepts all of them. The challenge is resolved from the body,
// then the message root, then the first attachment's options, in that order.
func ExtractRequirements(request map[string]interface{}) *Requirements {
	body, _ := request["body"].(map[string]interface{})

	req := &Requirements{
		CredentialTypes: stringsAt(body, request, "credential_types", "credentialTypes"),
		Fields:          stringsAt(body, request, "fields", "requested_attributes"),
		Issuers:         stringsAt(body, request, "trusted_issuers", "issuers"),
		Challenge:       stringAt(body, request, "challenge"),
		Domain:          stringAt(body, request, "domain"),
	}

	if req.Challenge == "" {
		req.Challenge = attachmentChallenge(request)
	}

	return req
}

// FilterCredentialsByRequirements returns the credentials satisfying every
// stated requirement category. An absent category places no constraint on
// that axis.
func FilterCredentialsByRequirements(creds []map[string]interface{}, req *Requirements) []map[string]interface{} {
	if req == nil {
		return creds
	}

	matched := make([]map[string]interface{}, 0, len(creds))

	for _, cred := range creds {
		if satisfies(cred, req) {
			matched = append(matched, cred)
		}
	}

	return matched
}

// CreatePresentationFromRequest builds a presentation answering the given
// request: it validates the request type, filters the holder's credentials
// against the extracted requirements and applies selective disclosure when
// specific fields were requested.
func CreatePresentationFromRequest(holderDID string, request map[string]interface{},
	creds []map[string]interface{}) (*Presentation, error) {
	declaredType, _ := request["@type"].(string)
	if declaredType != RequestPresentationType {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRequestType, declaredType)
	}

	req := ExtractRequirements(request)

	matched := FilterCredentialsByRequirements(creds, req)
	if len(matched) == 0 {
		return nil, ErrNoMatchingCredentials
	}

	if len(req.Fields) > 0 {
		disclosed := make([]map[string]interface{}, 0, len(matched))

		for _, cred := range matched {
			reduced, err := ApplySelectiveDisclosure(cred, &DisclosureOptions{Fields: req.Fields})
			if err != nil {
				return nil, err
			}

			disclosed = append(disclosed, reduced)
		}

		matched = disclosed
	}

	return CreatePresentation(&CreateOptions{
		HolderDID:   holderDID,
		Credentials: matched,
		Challenge:   req.Challenge,
		Domain:      req.Domain,
	})
}

func satisfies(cred map[string]interface{}, req *Requirements) bool {
	if len(req.CredentialTypes) > 0 && !overlaps(credentialTypes(cred), req.CredentialTypes) {
		return false
	}

	if len(req.Issuers) > 0 {
		issuer, ok := issuerID(cred["issuer"])
		if !ok || !contains(req.Issuers, issuer) {
			return false
		}
	}

	if len(req.Fields) > 0 {
		subject, _ := cred["credentialSubject"].(map[string]interface{})

		for _, field := range req.Fields {
			// the subject id is structurally guaranteed and treated as
			// always present
			if field == "id" {
				continue
			}

			if _, ok := subject[field]; !ok {
				return false
			}
		}
	}

	return true
}

func attachmentChallenge(request map[string]interface{}) string {
	raw, ok := request["attachments"].([]interface{})
	if !ok || len(raw) == 0 {
		return ""
	}

	var att attachment

	if err := mapstructure.Decode(raw[0], &att); err != nil {
		return ""
	}

	options, ok := att.Data.JSON["options"].(map[string]interface{})
	if !ok {
		return ""
	}

	c, _ := options["challenge"].(string)

	return c
}

func deepCopy(doc map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("copy credential: %w", err)
	}

	var copied map[string]interface{}

	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, fmt.Errorf("copy credential: %w", err)
	}

	return copied, nil
}

// stringAt reads the first non-empty string among the given keys, preferring
// the body over the message root.
func stringAt(body, root map[string]interface{}, keys ...string) string {
	for _, scope := range []map[string]interface{}{body, root} {
		if scope == nil {
			continue
		}

		for _, key := range keys {
			if s, ok := scope[key].(string); ok && s != "" {
				return s
			}
		}
	}

	return ""
}

// stringsAt reads the first non-empty string list among the given keys,
// preferring the body over the message root.
func stringsAt(body, root map[string]interface{}, keys ...string) []string {
	for _, scope := range []map[string]interface{}{body, root} {
		if scope == nil {
			continue
		}

		for _, key := range keys {
			if list := toStrings(scope[key]); len(list) > 0 {
				return list
			}
		}
	}

	return nil
}

func toStrings(v interface{}) []string {
	switch raw := v.(type) {
	case []string:
		return raw
	case []interface{}:
		list := make([]string, 0, len(raw))

		for _, item := range raw {
			if s, ok := item.(string); ok {
				list = append(list, s)
			}
		}

		return list
	default:
		return nil
	}
}

func credentialTypes(cred map[string]interface{}) []string {
	return toStrings(cred["type"])
}

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
