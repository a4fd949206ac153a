package stream

import (
	"encoding/binary"

	"github.com/Aidin1998/fixgate/common/errors"
)

// Message kinds carried on the gateway streams.
const (
	KindAdmin    byte = 1
	KindBusiness byte = 2
	KindControl  byte = 3
)

// Protocol tags for envelope payloads.
const (
	ProtoFix  byte = 1
	ProtoFixP byte = 2
)

// EnvelopeLength prefixes every session fragment on the carrier with the
// metadata the indexer needs without re-parsing wire bytes.
const EnvelopeLength = 24

// Envelope is the per-fragment metadata header.
type Envelope struct {
	Protocol       byte
	Kind           byte
	SequenceNumber int32
	SequenceIndex  int32
	SendingTimeNs  int64
}

// EncodeEnvelope writes the envelope into the first EnvelopeLength bytes of
// buf.
func EncodeEnvelope(buf []byte, e *Envelope) {
	buf[0] = e.Protocol
	buf[1] = e.Kind
	buf[2] = 0
	buf[3] = 0
	binary.LittleEndian.PutUint32(buf[4:], uint32(e.SequenceNumber))
	binary.LittleEndian.PutUint32(buf[8:], uint32(e.SequenceIndex))
	binary.LittleEndian.PutUint64(buf[12:], uint64(e.SendingTimeNs))
	binary.LittleEndian.PutUint32(buf[20:], 0)
}

// DecodeEnvelope splits a fragment into its envelope and wire payload.
func DecodeEnvelope(buf []byte) (Envelope, []byte, error) {
	if len(buf) < EnvelopeLength {
		return Envelope{}, nil, errors.Protocolf("fragment of %d bytes shorter than envelope", len(buf))
	}
	e := Envelope{
		Protocol:       buf[0],
		Kind:           buf[1],
		SequenceNumber: int32(binary.LittleEndian.Uint32(buf[4:])),
		SequenceIndex:  int32(binary.LittleEndian.Uint32(buf[8:])),
		SendingTimeNs:  int64(binary.LittleEndian.Uint64(buf[12:])),
	}
	return e, buf[EnvelopeLength:], nil
}

// BeginPosition recovers the stream position of a fragment's first byte from
// its header and payload length.
func BeginPosition(h Header, payloadLen int) int64 {
	return h.Position - int64(Align(payloadLen+HeaderLength))
}
