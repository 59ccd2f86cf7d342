/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package service provides the schema-flexible DIDComm message value type
// shared by the router, the protocol services and the framework.
package service

import (
	"encoding/json"
	"errors"
)

const (
	jsonID             = "@id"
	jsonType           = "@type"
	jsonThreadID       = "thid"
	jsonThread         = "~thread"
	jsonThreadIDLegacy = "thid"
	jsonFrom           = "from"
	jsonTo             = "to"
	jsonBody           = "body"
)

// ErrInvalidPayload is returned by ParseMsg when the payload is not a JSON object.
var ErrInvalidPayload = errors.New("invalid payload data format")

// Msg is a schema-flexible DIDComm message. Messages arriving from other
// agents carry arbitrary JSON; typed views are obtained with Decode at the
// point where the structure is actually needed.
type Msg map[string]interface{}

// ParseMsg parses a plaintext DIDComm message from its JSON encoding.
func ParseMsg(payload []byte) (Msg, error) {
	var msg Msg

	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, ErrInvalidPayload
	}

	return msg, nil
}

// ID returns the message `@id`.
func (m Msg) ID() string {
	return m.stringEntry(jsonID)
}

// SetID sets the message `@id`.
func (m Msg) SetID(id string) {
	m[jsonID] = id
}

// Type returns the message `@type`.
func (m Msg) Type() string {
	return m.stringEntry(jsonType)
}

// ThreadID returns the thread id correlating this message with its
// request/response counterpart. The top-level `thid` field takes precedence,
// with the v1 `~thread` decorator as fallback.
func (m Msg) ThreadID() string {
	if thid := m.stringEntry(jsonThreadID); thid != "" {
		return thid
	}

	thread, ok := m[jsonThread].(map[string]interface{})
	if !ok {
		return ""
	}

	if thid, ok := thread[jsonThreadIDLegacy].(string); ok {
		return thid
	}

	return ""
}

// From returns the sender identifier, if the message carries one.
func (m Msg) From() string {
	return m.stringEntry(jsonFrom)
}

// To returns the recipient identifiers, if the message carries any.
func (m Msg) To() []string {
	raw, ok := m[jsonTo].([]interface{})
	if !ok {
		// tolerate a single recipient given as a plain string
		if to := m.stringEntry(jsonTo); to != "" {
			return []string{to}
		}

		return nil
	}

	to := make([]string, 0, len(raw))

	for _, v := range raw {
		if s, ok := v.(string); ok {
			to = append(to, s)
		}
	}

	return to
}

// Body returns the message body object, or nil when absent.
func (m Msg) Body() map[string]interface{} {
	body, ok := m[jsonBody].(map[string]interface{})
	if !ok {
		return nil
	}

	return body
}

// Clone returns a deep copy of the message.
func (m Msg) Clone() Msg {
	if m == nil {
		return nil
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}

	var clone Msg

	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil
	}

	return clone
}

// Decode narrows the message into the given typed structure.
func (m Msg) Decode(v interface{}) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}

	return json.Unmarshal(raw, v)
}

func (m Msg) stringEntry(key string) string {
	if m == nil {
		return ""
	}

	if s, ok := m[key].(string); ok {
		return s
	}

	return ""
}
