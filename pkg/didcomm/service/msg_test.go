/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package service

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMsg(t *testing.T) {
	t.Run("valid message", func(t *testing.T) {
		msg, err := ParseMsg([]byte(`{
			"@id": "msg-1",
			"@type": "https://didcomm.org/trust-ping/2.0/ping",
			"from": "did:example:alice",
			"to": ["did:example:bob"],
			"body": {"comment": "ping"}
		}`))
		require.NoError(t, err)
		require.Equal(t, "msg-1", msg.ID())
		require.Equal(t, "https://didcomm.org/trust-ping/2.0/ping", msg.Type())
		require.Equal(t, "did:example:alice", msg.From())
		require.Equal(t, []string{"did:example:bob"}, msg.To())
		require.Equal(t, "ping", msg.Body()["comment"])
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseMsg([]byte("not json"))
		require.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("json but not an object", func(t *testing.T) {
		_, err := ParseMsg([]byte(`["array"]`))
		require.ErrorIs(t, err, ErrInvalidPayload)
	})
}

func TestThreadID(t *testing.T) {
	tests := []struct {
		name string
		msg  Msg
		want string
	}{
		{
			name: "top level thid",
			msg:  Msg{"thid": "thread-1"},
			want: "thread-1",
		},
		{
			name: "thread decorator fallback",
			msg:  Msg{"~thread": map[string]interface{}{"thid": "thread-2"}},
			want: "thread-2",
		},
		{
			name: "top level wins over decorator",
			msg: Msg{
				"thid":    "thread-1",
				"~thread": map[string]interface{}{"thid": "thread-2"},
			},
			want: "thread-1",
		},
		{
			name: "absent",
			msg:  Msg{"@id": "msg-1"},
			want: "",
		},
		{
			name: "malformed decorator",
			msg:  Msg{"~thread": "not-an-object"},
			want: "",
		},
	}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.msg.ThreadID())
		})
	}
}

func TestTo(t *testing.T) {
	t.Run("array form", func(t *testing.T) {
		msg := Msg{"to": []interface{}{"did:example:bob", "did:example:carol"}}
		require.Equal(t, []string{"did:example:bob", "did:example:carol"}, msg.To())
	})

	t.Run("single string form", func(t *testing.T) {
		msg := Msg{"to": "did:example:bob"}
		require.Equal(t, []string{"did:example:bob"}, msg.To())
	})

	t.Run("absent", func(t *testing.T) {
		require.Nil(t, Msg{}.To())
	})

	t.Run("non-string entries are skipped", func(t *testing.T) {
		msg := Msg{"to": []interface{}{"did:example:bob", 42}}
		require.Equal(t, []string{"did:example:bob"}, msg.To())
	})
}

func TestSetID(t *testing.T) {
	msg := Msg{}
	require.Empty(t, msg.ID())

	msg.SetID("msg-1")
	require.Equal(t, "msg-1", msg.ID())
}

func TestClone(t *testing.T) {
	msg := Msg{
		"@id":  "msg-1",
		"body": map[string]interface{}{"comment": "ping"},
	}

	clone := msg.Clone()
	clone["@id"] = "msg-2"
	clone.Body()["comment"] = "pong"

	require.Equal(t, "msg-1", msg.ID())
	require.Equal(t, "ping", msg.Body()["comment"])
}

func TestDecode(t *testing.T) {
	msg := Msg{
		"@id": "msg-1",
		"body": map[string]interface{}{
			"comment": "ping",
		},
	}

	var typed struct {
		ID   string `json:"@id"`
		Body struct {
			Comment string `json:"comment"`
		} `json:"body"`
	}

	require.NoError(t, msg.Decode(&typed))
	require.Equal(t, "msg-1", typed.ID)
	require.Equal(t, "ping", typed.Body.Comment)
}
