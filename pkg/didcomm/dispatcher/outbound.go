/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/credmesh/agent-go/pkg/didcomm/msgqueue"
	"github.com/credmesh/agent-go/pkg/didcomm/service"
	"github.com/credmesh/agent-go/pkg/didcomm/transport"
)

// Outbound packs protocol messages and enqueues them for delivery. Actual
// sending is driven by the retry scheduler scanning the queue.
type Outbound struct {
	queue    *msgqueue.Store
	packager transport.Packager
}

// NewOutbound creates an outbound sender over the given queue and packager.
func NewOutbound(queue *msgqueue.Store, packager transport.Packager) *Outbound {
	return &Outbound{queue: queue, packager: packager}
}

// Send packs the message for the recipient and enqueues it as pending, due
// immediately. It returns the queued message id.
func (o *Outbound) Send(msg service.Msg, toDID, fromDID string,
	metadata map[string]interface{}) (string, error) {
	if msg.ID() == "" {
		msg.SetID(uuid.New().String())
	}

	plaintext, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal outbound message: %w", err)
	}

	packed, err := o.packager.Pack(toDID, fromDID, plaintext)
	if err != nil {
		return "", fmt.Errorf("pack outbound message: %w", err)
	}

	now := o.queue.Now()

	queued := &msgqueue.QueuedMessage{
		ID:          uuid.New().String(),
		Direction:   msgqueue.Outbound,
		Status:      msgqueue.StatusPending,
		Message:     packed,
		MessageType: msg.Type(),
		ThreadID:    msg.ThreadID(),
		FromDID:     fromDID,
		ToDID:       toDID,
		NextRetryAt: &now,
		Metadata:    metadata,
	}

	if err := o.queue.Put(queued); err != nil {
		return "", err
	}

	logger.Debugf("enqueued outbound %s message %s", msg.Type(), queued.ID)

	return queued.ID, nil
}
