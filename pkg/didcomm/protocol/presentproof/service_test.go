/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package presentproof

import (
	"testing"
	"time"

	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/stretchr/testify/require"

	"github.com/credmesh/agent-go/pkg/didcomm/challenge"
	"github.com/credmesh/agent-go/pkg/didcomm/dispatcher"
	"github.com/credmesh/agent-go/pkg/didcomm/msgqueue"
	"github.com/credmesh/agent-go/pkg/didcomm/service"
	"github.com/credmesh/agent-go/pkg/didcomm/transport"
	"github.com/credmesh/agent-go/pkg/doc/verification"
	"github.com/credmesh/agent-go/pkg/store/wallet"
)

type testProvider struct {
	router     *dispatcher.Router
	queue      *msgqueue.Store
	outbound   *dispatcher.Outbound
	challenges *challenge.Manager
	verifier   *verification.Engine
	wallet     *wallet.Store
}

func (p *testProvider) Router() *dispatcher.Router { return p.router }
func (p *testProvider) MessageQueue() *msgqueue.Store { return p.queue }
func (p *testProvider) OutboundSender() *dispatcher.Outbound { return p.outbound }
func (p *testProvider) Challenges() *challenge.Manager { return p.challenges }
func (p *testProvider) Verifier() *verification.Engine { return p.verifier }
func (p *testProvider) Wallet() *wallet.Store { return p.wallet }

type plaintextPackager struct{}

func (plaintextPackager) Pack(recipientDID, senderDID string, plaintext []byte) (string, error) {
	return string(plaintext), nil
}

func (plaintextPackager) Unpack(packed string) (*transport.Envelope, error) {
	return &transport.Envelope{Message: []byte(packed)}, nil
}

func newTestProvider(t *testing.T) *testProvider {
	t.Helper()

	storage := mem.NewProvider()

	queue, err := msgqueue.NewStore(storage)
	require.NoError(t, err)

	challenges, err := challenge.NewManager(challenge.WithSweepInterval(time.Hour))
	require.NoError(t, err)

	t.Cleanup(challenges.Stop)

	wlt, err := wallet.New(storage)
	require.NoError(t, err)

	return &testProvider{
		router:     dispatcher.NewRouter(),
		queue:      queue,
		outbound:   dispatcher.NewOutbound(queue, plaintextPackager{}),
		challenges: challenges,
		verifier:   verification.NewEngine(challenges, verification.DefaultPolicy()),
		wallet:     wlt,
	}
}

func newTestService(t *testing.T) (*Service, *testProvider) {
	t.Helper()

	prov := newTestProvider(t)

	svc, err := New(prov)
	require.NoError(t, err)

	return svc, prov
}

func degreeCredential() map[string]interface{} {
	return map[string]interface{}{
		"@context":     []interface{}{"https://www.w3.org/2018/credentials/v1"},
		"type":         []interface{}{"VerifiableCredential", "UniversityDegreeCredential"},
		"issuer":       "did:example:university",
		"issuanceDate": "2026-01-01T00:00:00Z",
		"credentialSubject": map[string]interface{}{
			"id":     "did:example:holder",
			"degree": "BSc",
		},
	}
}

func TestNew(t *testing.T) {
	_, prov := newTestService(t)

	require.Len(t, prov.router.Routes(), 4)
}

func TestRequestPresentation(t *testing.T) {
	svc, prov := newTestService(t)

	c, msgID, err := svc.RequestPresentation("did:example:holder", "did:example:verifier",
		&RequestOptions{
			CredentialTypes: []string{"UniversityDegreeCredential"},
			Fields:          []string{"degree"},
			Domain:          "example.com",
		})
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, "did:example:holder", c.HolderDID)
	require.Equal(t, "example.com", c.Domain)

	queued, err := prov.queue.Get(msgID)
	require.NoError(t, err)
	require.NotNil(t, queued)
	require.Equal(t, msgqueue.Outbound, queued.Direction)
	require.Equal(t, RequestPresentationMsgType, queued.MessageType)
	require.Equal(t, "did:example:holder", queued.ToDID)
	require.Equal(t, c.ID, queued.Metadata["challengeId"])

	request, err := service.ParseMsg([]byte(queued.Message))
	require.NoError(t, err)

	body := request.Body()
	require.Equal(t, c.Challenge, body["challenge"])
	require.Equal(t, "example.com", body["domain"])
	require.Equal(t, []interface{}{"UniversityDegreeCredential"}, body["credential_types"])
}

func TestHandleRequestPresentation(t *testing.T) {
	t.Run("answers from the wallet on the same thread", func(t *testing.T) {
		_, prov := newTestService(t)

		_, err := prov.wallet.Put(degreeCredential())
		require.NoError(t, err)

		request := service.Msg{
			"@id":   "req-1",
			"@type": RequestPresentationMsgType,
			"thid":  "thread-1",
			"from":  "did:example:verifier",
			"to":    []interface{}{"did:example:holder"},
			"body": map[string]interface{}{
				"credential_types": []interface{}{"UniversityDegreeCredential"},
				"challenge":        "nonce-1",
			},
		}

		result, err := prov.router.Route(request)
		require.NoError(t, err)

		queued, err := prov.queue.Get(result.(string))
		require.NoError(t, err)
		require.NotNil(t, queued)
		require.Equal(t, PresentationMsgType, queued.MessageType)
		require.Equal(t, "thread-1", queued.ThreadID)
		require.Equal(t, "did:example:verifier", queued.ToDID)
		require.Equal(t, "did:example:holder", queued.FromDID)

		reply, err := service.ParseMsg([]byte(queued.Message))
		require.NoError(t, err)

		doc, ok := reply.Body()["presentation"].(map[string]interface{})
		require.True(t, ok)
		require.Equal(t, "did:example:holder", doc["holder"])

		proof, ok := doc["proof"].(map[string]interface{})
		require.True(t, ok)
		require.Equal(t, "nonce-1", proof["challenge"])
	})

	t.Run("no matching credentials fails the handler", func(t *testing.T) {
		_, prov := newTestService(t)

		request := service.Msg{
			"@id":   "req-1",
			"@type": RequestPresentationMsgType,
			"from":  "did:example:verifier",
			"to":    []interface{}{"did:example:holder"},
			"body": map[string]interface{}{
				"credential_types": []interface{}{"PassportCredential"},
			},
		}

		_, err := prov.router.Route(request)
		require.Error(t, err)
	})
}

func TestHandlePresentation(t *testing.T) {
	presentationMsg := func(thid string, proof map[string]interface{}) service.Msg {
		doc := map[string]interface{}{
			"@context":             []interface{}{"https://www.w3.org/2018/credentials/v1"},
			"type":                 []interface{}{"VerifiablePresentation"},
			"holder":               "did:example:holder",
			"verifiableCredential": []interface{}{degreeCredential()},
		}

		if proof != nil {
			doc["proof"] = proof
		}

		return service.Msg{
			"@id":   "pres-1",
			"@type": PresentationMsgType,
			"thid":  thid,
			"from":  "did:example:holder",
			"to":    []interface{}{"did:example:verifier"},
			"body":  map[string]interface{}{"presentation": doc},
		}
	}

	t.Run("valid presentation is acked and consumes the challenge", func(t *testing.T) {
		svc, prov := newTestService(t)

		c, msgID, err := svc.RequestPresentation("did:example:holder", "did:example:verifier", nil)
		require.NoError(t, err)

		request, err := prov.queue.Get(msgID)
		require.NoError(t, err)

		result, err := prov.router.Route(presentationMsg(request.ThreadID,
			map[string]interface{}{"challenge": c.Challenge}))
		require.NoError(t, err)

		verified, ok := result.(*verification.Result)
		require.True(t, ok)
		require.True(t, verified.Verified)

		require.Nil(t, prov.challenges.Get(c.ID))

		acks, err := prov.queue.Query(&msgqueue.Filter{MessageType: AckMsgType})
		require.NoError(t, err)
		require.Len(t, acks, 1)
		require.Equal(t, request.ThreadID, acks[0].ThreadID)
	})

	t.Run("wrong nonce draws a problem report and keeps the challenge", func(t *testing.T) {
		svc, prov := newTestService(t)

		c, msgID, err := svc.RequestPresentation("did:example:holder", "did:example:verifier", nil)
		require.NoError(t, err)

		request, err := prov.queue.Get(msgID)
		require.NoError(t, err)

		result, err := prov.router.Route(presentationMsg(request.ThreadID,
			map[string]interface{}{"challenge": "stale-nonce"}))
		require.NoError(t, err)

		verified := result.(*verification.Result)
		require.False(t, verified.Verified)
		require.Contains(t, verified.Errors, "Challenge mismatch")

		require.NotNil(t, prov.challenges.Get(c.ID))

		reports, err := prov.queue.Query(&msgqueue.Filter{MessageType: ProblemReportMsgType})
		require.NoError(t, err)
		require.Len(t, reports, 1)
	})

	t.Run("unsolicited presentation verifies without a challenge", func(t *testing.T) {
		_, prov := newTestService(t)

		result, err := prov.router.Route(presentationMsg("unknown-thread", nil))
		require.NoError(t, err)

		verified := result.(*verification.Result)
		require.True(t, verified.Verified)
	})

	t.Run("missing presentation document", func(t *testing.T) {
		_, prov := newTestService(t)

		msg := service.Msg{
			"@id":   "pres-1",
			"@type": PresentationMsgType,
			"from":  "did:example:holder",
			"to":    []interface{}{"did:example:verifier"},
			"body":  map[string]interface{}{},
		}

		_, err := prov.router.Route(msg)
		require.ErrorIs(t, err, ErrMissingPresentation)
	})

	t.Run("presentation in an attachment", func(t *testing.T) {
		_, prov := newTestService(t)

		doc := map[string]interface{}{
			"@context":             []interface{}{"https://www.w3.org/2018/credentials/v1"},
			"type":                 []interface{}{"VerifiablePresentation"},
			"holder":               "did:example:holder",
			"verifiableCredential": []interface{}{degreeCredential()},
		}

		msg := service.Msg{
			"@id":   "pres-1",
			"@type": PresentationMsgType,
			"from":  "did:example:holder",
			"to":    []interface{}{"did:example:verifier"},
			"attachments": []interface{}{
				map[string]interface{}{
					"data": map[string]interface{}{"json": doc},
				},
			},
		}

		result, err := prov.router.Route(msg)
		require.NoError(t, err)
		require.True(t, result.(*verification.Result).Verified)
	})
}

func TestHandleAck(t *testing.T) {
	_, prov := newTestService(t)

	sent, err := prov.outbound.Send(service.Msg{
		"@type": PresentationMsgType,
		"thid":  "thread-1",
	}, "did:example:verifier", "did:example:holder", nil)
	require.NoError(t, err)

	ack := service.Msg{
		"@id":   "ack-1",
		"@type": AckMsgType,
		"thid":  "thread-1",
		"from":  "did:example:verifier",
		"to":    []interface{}{"did:example:holder"},
		"body":  map[string]interface{}{"status": "OK"},
	}

	settled, err := prov.router.Route(ack)
	require.NoError(t, err)
	require.Equal(t, 1, settled)

	queued, err := prov.queue.Get(sent)
	require.NoError(t, err)
	require.Equal(t, msgqueue.StatusDelivered, queued.Status)
}

func TestHandleProblemReport(t *testing.T) {
	_, prov := newTestService(t)

	report := service.Msg{
		"@id":   "report-1",
		"@type": ProblemReportMsgType,
		"thid":  "thread-1",
		"from":  "did:example:verifier",
		"body":  map[string]interface{}{"code": "presentation-verification-failed"},
	}

	result, err := prov.router.Route(report)
	require.NoError(t, err)
	require.Equal(t, "presentation-verification-failed",
		result.(map[string]interface{})["code"])
}
