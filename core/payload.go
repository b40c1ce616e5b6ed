package core

import "strconv"

// Producer header names on stream-core writes. Sinks that implement dedup
// use (Producer-Id, Producer-Epoch, Producer-Seq) as the dedup key.
const (
	HeaderProducerID    = "Producer-Id"
	HeaderProducerEpoch = "Producer-Epoch"
	HeaderProducerSeq   = "Producer-Seq"
)

// fanoutProducerEpoch is fixed: the fanout engine never fences itself.
const fanoutProducerEpoch = "1"

// ProducerHeaders identifies a producer session on an append. The zero value
// means "no producer headers".
type ProducerHeaders struct {
	ID    string
	Epoch string
	Seq   string
}

// IsZero reports whether no producer headers are set.
func (p ProducerHeaders) IsZero() bool {
	return p.ID == "" && p.Epoch == "" && p.Seq == ""
}

// FanoutProducer builds the producer headers attached to every fanout write
// from a given source: ("fanout:<sourceStreamId>", "1", <seq>).
func FanoutProducer(sourceStreamID string, seq uint64) ProducerHeaders {
	return ProducerHeaders{
		ID:    "fanout:" + sourceStreamID,
		Epoch: fanoutProducerEpoch,
		Seq:   strconv.FormatUint(seq, 10),
	}
}

// FanoutPayload is one unit of fanout work: a payload to copy into a set of
// estuary streams under a single producer sequence. The body is shared
// read-only across all writes.
type FanoutPayload struct {
	Project      string
	SourceStream string
	EstuaryIDs   []string
	Body         []byte
	ContentType  string
	Producer     ProducerHeaders
}

// Chunk splits ids into groups of at most size, preserving order. A size of
// zero or less yields a single chunk.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 || len(ids) <= size {
		if len(ids) == 0 {
			return nil
		}
		return [][]string{ids}
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
