// Package queue is the asynchronous fanout work queue.
//
// A message carries one chunk of estuary ids plus the payload to copy into
// them. Delivery is at-least-once: the consumer acknowledges a message only
// once every non-stale write has succeeded, and duplicate deliveries are
// harmless because the sink dedups on producer headers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/durable-streams/fanout/core"
)

// ProducerHeaders is the wire form of the producer identity.
type ProducerHeaders struct {
	ProducerID    string `json:"producerId"`
	ProducerEpoch string `json:"producerEpoch"`
	ProducerSeq   string `json:"producerSeq"`
}

// Message is the queue wire format. Payload is base64 on the wire via the
// standard JSON encoding of byte slices.
type Message struct {
	ProjectID   string          `json:"projectId"`
	StreamID    string          `json:"streamId"`
	EstuaryIDs  []string        `json:"estuaryIds"`
	Payload     []byte          `json:"payload"`
	ContentType string          `json:"contentType"`
	Producer    ProducerHeaders `json:"producerHeaders"`
}

// NewMessage converts one fanout payload chunk into its wire form.
func NewMessage(p core.FanoutPayload) Message {
	return Message{
		ProjectID:   p.Project,
		StreamID:    p.SourceStream,
		EstuaryIDs:  p.EstuaryIDs,
		Payload:     p.Body,
		ContentType: p.ContentType,
		Producer: ProducerHeaders{
			ProducerID:    p.Producer.ID,
			ProducerEpoch: p.Producer.Epoch,
			ProducerSeq:   p.Producer.Seq,
		},
	}
}

// Fanout converts the message back into dispatchable work.
func (m Message) Fanout() core.FanoutPayload {
	return core.FanoutPayload{
		Project:      m.ProjectID,
		SourceStream: m.StreamID,
		EstuaryIDs:   m.EstuaryIDs,
		Body:         m.Payload,
		ContentType:  m.ContentType,
		Producer: core.ProducerHeaders{
			ID:    m.Producer.ProducerID,
			Epoch: m.Producer.ProducerEpoch,
			Seq:   m.Producer.ProducerSeq,
		},
	}
}

// SourceKey is the source stream the message fanned out from.
func (m Message) SourceKey() core.StreamKey {
	return core.StreamKey{Project: m.ProjectID, Stream: m.StreamID}
}

// Validate checks the message is well formed before it is enqueued.
func (m Message) Validate() error {
	if m.ProjectID == "" || m.StreamID == "" {
		return fmt.Errorf("queue message is missing its source key")
	}
	if len(m.EstuaryIDs) == 0 {
		return fmt.Errorf("queue message carries no estuary ids")
	}
	return nil
}

func encodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// Delivery is one dequeued message awaiting ack or retry.
type Delivery struct {
	// ID identifies the in-flight delivery.
	ID string

	// Message is the decoded payload. Undefined when DecodeErr is set.
	Message Message

	// DecodeErr is set when the raw bytes did not parse; the consumer
	// retries such deliveries whole.
	DecodeErr error

	// raw is the stored envelope, kept so implementations can settle the
	// exact bytes they dequeued.
	raw []byte
}

// Queue is a durable at-least-once work queue.
type Queue interface {
	// Enqueue appends a message.
	Enqueue(ctx context.Context, msg Message) error

	// Dequeue blocks until a message is available or ctx is done. The
	// delivery stays in-flight until settled with Ack or Retry; an
	// unsettled delivery is redelivered after restart.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Ack settles a delivery as done.
	Ack(ctx context.Context, d *Delivery) error

	// Retry returns a delivery to the queue for redelivery.
	Retry(ctx context.Context, d *Delivery) error

	Close() error
}
