// Package fixp implements the Binary Entry Point acceptor: the SOFH-framed
// binary codec and the negotiate/establish session state machine.
package fixp

import (
	"encoding/binary"

	"github.com/Aidin1998/fixgate/common/errors"
)

// Simple Open Framing Header: message length then encoding type, both
// big-endian.
const (
	SOFHLength            = 4
	SOFHEncoding   uint16 = 0xCB01
	SBEHeaderLength       = 8

	SchemaID      uint16 = 1
	SchemaVersion uint16 = 1
)

// Template ids of the session-layer messages. Anything at or above
// TemplateBusinessBase is an application message the engine passes through.
const (
	TemplateNegotiate         uint16 = 1
	TemplateNegotiateResponse uint16 = 2
	TemplateNegotiateReject   uint16 = 3
	TemplateEstablish         uint16 = 4
	TemplateEstablishAck      uint16 = 5
	TemplateEstablishReject   uint16 = 6
	TemplateSequence          uint16 = 7
	TemplateNotApplied        uint16 = 8
	TemplateRetransmitRequest uint16 = 9
	TemplateRetransmission    uint16 = 10
	TemplateRetransmitReject  uint16 = 11
	TemplateFinishedSending   uint16 = 12
	TemplateFinishedReceiving uint16 = 13
	TemplateTerminate         uint16 = 14

	TemplateBusinessBase uint16 = 100
)

// NegotiationRejectCode values.
type NegotiationRejectCode uint8

const (
	NegotiateRejectUnspecified NegotiationRejectCode = 0
	NegotiateRejectCredentials NegotiationRejectCode = 1
	NegotiateRejectDuplicateID NegotiationRejectCode = 3
)

// EstablishRejectCode values.
type EstablishRejectCode uint8

const (
	EstablishRejectUnspecified        EstablishRejectCode = 0
	EstablishRejectCredentials        EstablishRejectCode = 1
	EstablishRejectUnnegotiated       EstablishRejectCode = 2
	EstablishRejectAlreadyEstablished EstablishRejectCode = 3
	EstablishRejectKeepaliveInterval  EstablishRejectCode = 5
)

// RetransmitRejectCode values.
type RetransmitRejectCode uint8

const (
	RetransmitRejectOutOfRange           RetransmitRejectCode = 0
	RetransmitRejectInvalidSession       RetransmitRejectCode = 1
	RetransmitRejectRequestLimitExceeded RetransmitRejectCode = 2
)

// TerminationCode values.
type TerminationCode uint8

const (
	TerminateFinished    TerminationCode = 0
	TerminateUnspecified TerminationCode = 1
)

// Message is any decoded session-layer message.
type Message interface {
	templateID() uint16
	blockLength() int
	encodeBlock(buf []byte)
}

// Negotiate opens a session version.
type Negotiate struct {
	SessionID    uint64
	SessionVerID uint64
	Timestamp    uint64 // nanoseconds
	EnteringFirm uint32
	Credentials  []byte
}

// NegotiateResponse accepts a Negotiate.
type NegotiateResponse struct {
	SessionID        uint64
	SessionVerID     uint64
	RequestTimestamp uint64
	EnteringFirm     uint32
}

// NegotiateReject refuses a Negotiate.
type NegotiateReject struct {
	SessionID        uint64
	SessionVerID     uint64
	RequestTimestamp uint64
	Code             NegotiationRejectCode
}

// Establish binds a negotiated session version to this connection.
type Establish struct {
	SessionID         uint64
	SessionVerID      uint64
	Timestamp         uint64
	KeepAliveInterval uint64 // milliseconds
	NextSeqNo         uint32
	Credentials       []byte
}

// EstablishAck confirms an Establish with both sides' sequence expectations.
type EstablishAck struct {
	SessionID         uint64
	SessionVerID      uint64
	RequestTimestamp  uint64
	KeepAliveInterval uint64
	NextRecvSeqNo     uint32
	NextSentSeqNo     uint32
}

// EstablishReject refuses an Establish.
type EstablishReject struct {
	SessionID        uint64
	SessionVerID     uint64
	RequestTimestamp uint64
	Code             EstablishRejectCode
}

// Sequence declares the sender's next business sequence number.
type Sequence struct {
	NextSeqNo uint32
}

// NotApplied reports an inbound gap to the counterparty.
type NotApplied struct {
	FromSeqNo uint32
	Count     uint32
}

// RetransmitRequest asks for a finite resend of business messages.
type RetransmitRequest struct {
	SessionID uint64
	Timestamp uint64
	FromSeqNo uint32
	Count     uint32
}

// Retransmission precedes the resent burst.
type Retransmission struct {
	SessionID        uint64
	RequestTimestamp uint64
	NextSeqNo        uint32
	Count            uint32
}

// RetransmitReject refuses a RetransmitRequest.
type RetransmitReject struct {
	SessionID        uint64
	RequestTimestamp uint64
	Code             RetransmitRejectCode
}

// FinishedSending announces no further business messages from the sender.
type FinishedSending struct {
	SessionID    uint64
	SessionVerID uint64
	LastSeqNo    uint32
}

// FinishedReceiving acknowledges a FinishedSending.
type FinishedReceiving struct {
	SessionID    uint64
	SessionVerID uint64
}

// Terminate closes the connection.
type Terminate struct {
	SessionID    uint64
	SessionVerID uint64
	Code         TerminationCode
}

// Business wraps an application-level message the engine passes through
// untouched.
type Business struct {
	TemplateID uint16
	Block      []byte
}

func (*Negotiate) templateID() uint16         { return TemplateNegotiate }
func (*NegotiateResponse) templateID() uint16 { return TemplateNegotiateResponse }
func (*NegotiateReject) templateID() uint16   { return TemplateNegotiateReject }
func (*Establish) templateID() uint16         { return TemplateEstablish }
func (*EstablishAck) templateID() uint16      { return TemplateEstablishAck }
func (*EstablishReject) templateID() uint16   { return TemplateEstablishReject }
func (*Sequence) templateID() uint16          { return TemplateSequence }
func (*NotApplied) templateID() uint16        { return TemplateNotApplied }
func (*RetransmitRequest) templateID() uint16 { return TemplateRetransmitRequest }
func (*Retransmission) templateID() uint16    { return TemplateRetransmission }
func (*RetransmitReject) templateID() uint16  { return TemplateRetransmitReject }
func (*FinishedSending) templateID() uint16   { return TemplateFinishedSending }
func (*FinishedReceiving) templateID() uint16 { return TemplateFinishedReceiving }
func (*Terminate) templateID() uint16         { return TemplateTerminate }
func (b *Business) templateID() uint16        { return b.TemplateID }

func (m *Negotiate) blockLength() int         { return 28 + 2 + len(m.Credentials) }
func (*NegotiateResponse) blockLength() int   { return 28 }
func (*NegotiateReject) blockLength() int     { return 25 }
func (m *Establish) blockLength() int         { return 36 + 2 + len(m.Credentials) }
func (*EstablishAck) blockLength() int        { return 40 }
func (*EstablishReject) blockLength() int     { return 25 }
func (*Sequence) blockLength() int            { return 4 }
func (*NotApplied) blockLength() int          { return 8 }
func (*RetransmitRequest) blockLength() int   { return 24 }
func (*Retransmission) blockLength() int      { return 24 }
func (*RetransmitReject) blockLength() int    { return 17 }
func (*FinishedSending) blockLength() int     { return 20 }
func (*FinishedReceiving) blockLength() int   { return 16 }
func (*Terminate) blockLength() int           { return 17 }
func (b *Business) blockLength() int          { return len(b.Block) }

func (m *Negotiate) encodeBlock(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], m.SessionID)
	binary.LittleEndian.PutUint64(buf[8:], m.SessionVerID)
	binary.LittleEndian.PutUint64(buf[16:], m.Timestamp)
	binary.LittleEndian.PutUint32(buf[24:], m.EnteringFirm)
	binary.LittleEndian.PutUint16(buf[28:], uint16(len(m.Credentials)))
	copy(buf[30:], m.Credentials)
}

func (m *NegotiateResponse) encodeBlock(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], m.SessionID)
	binary.LittleEndian.PutUint64(buf[8:], m.SessionVerID)
	binary.LittleEndian.PutUint64(buf[16:], m.RequestTimestamp)
	binary.LittleEndian.PutUint32(buf[24:], m.EnteringFirm)
}

func (m *NegotiateReject) encodeBlock(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], m.SessionID)
	binary.LittleEndian.PutUint64(buf[8:], m.SessionVerID)
	binary.LittleEndian.PutUint64(buf[16:], m.RequestTimestamp)
	buf[24] = byte(m.Code)
}

func (m *Establish) encodeBlock(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], m.SessionID)
	binary.LittleEndian.PutUint64(buf[8:], m.SessionVerID)
	binary.LittleEndian.PutUint64(buf[16:], m.Timestamp)
	binary.LittleEndian.PutUint64(buf[24:], m.KeepAliveInterval)
	binary.LittleEndian.PutUint32(buf[32:], m.NextSeqNo)
	binary.LittleEndian.PutUint16(buf[36:], uint16(len(m.Credentials)))
	copy(buf[38:], m.Credentials)
}

func (m *EstablishAck) encodeBlock(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], m.SessionID)
	binary.LittleEndian.PutUint64(buf[8:], m.SessionVerID)
	binary.LittleEndian.PutUint64(buf[16:], m.RequestTimestamp)
	binary.LittleEndian.PutUint64(buf[24:], m.KeepAliveInterval)
	binary.LittleEndian.PutUint32(buf[32:], m.NextRecvSeqNo)
	binary.LittleEndian.PutUint32(buf[36:], m.NextSentSeqNo)
}

func (m *EstablishReject) encodeBlock(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], m.SessionID)
	binary.LittleEndian.PutUint64(buf[8:], m.SessionVerID)
	binary.LittleEndian.PutUint64(buf[16:], m.RequestTimestamp)
	buf[24] = byte(m.Code)
}

func (m *Sequence) encodeBlock(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], m.NextSeqNo)
}

func (m *NotApplied) encodeBlock(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], m.FromSeqNo)
	binary.LittleEndian.PutUint32(buf[4:], m.Count)
}

func (m *RetransmitRequest) encodeBlock(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], m.SessionID)
	binary.LittleEndian.PutUint64(buf[8:], m.Timestamp)
	binary.LittleEndian.PutUint32(buf[16:], m.FromSeqNo)
	binary.LittleEndian.PutUint32(buf[20:], m.Count)
}

func (m *Retransmission) encodeBlock(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], m.SessionID)
	binary.LittleEndian.PutUint64(buf[8:], m.RequestTimestamp)
	binary.LittleEndian.PutUint32(buf[16:], m.NextSeqNo)
	binary.LittleEndian.PutUint32(buf[20:], m.Count)
}

func (m *RetransmitReject) encodeBlock(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], m.SessionID)
	binary.LittleEndian.PutUint64(buf[8:], m.RequestTimestamp)
	buf[16] = byte(m.Code)
}

func (m *FinishedSending) encodeBlock(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], m.SessionID)
	binary.LittleEndian.PutUint64(buf[8:], m.SessionVerID)
	binary.LittleEndian.PutUint32(buf[16:], m.LastSeqNo)
}

func (m *FinishedReceiving) encodeBlock(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], m.SessionID)
	binary.LittleEndian.PutUint64(buf[8:], m.SessionVerID)
}

func (m *Terminate) encodeBlock(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], m.SessionID)
	binary.LittleEndian.PutUint64(buf[8:], m.SessionVerID)
	buf[16] = byte(m.Code)
}

func (b *Business) encodeBlock(buf []byte) {
	copy(buf, b.Block)
}

// Frame encodes a message with its SOFH and SBE header.
func Frame(m Message) []byte {
	blockLen := m.blockLength()
	total := SOFHLength + SBEHeaderLength + blockLen
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:], uint16(total))
	binary.BigEndian.PutUint16(buf[2:], SOFHEncoding)
	binary.LittleEndian.PutUint16(buf[4:], uint16(blockLen))
	binary.LittleEndian.PutUint16(buf[6:], m.templateID())
	binary.LittleEndian.PutUint16(buf[8:], SchemaID)
	binary.LittleEndian.PutUint16(buf[10:], SchemaVersion)
	m.encodeBlock(buf[SOFHLength+SBEHeaderLength:])
	return buf
}

// FrameLength reads the SOFH of a buffered frame, reporting 0 when more
// bytes are needed.
func FrameLength(buf []byte) (int, error) {
	if len(buf) < SOFHLength {
		return 0, nil
	}
	if binary.BigEndian.Uint16(buf[2:]) != SOFHEncoding {
		return 0, errors.Protocolf("unknown SOFH encoding %#04x", binary.BigEndian.Uint16(buf[2:]))
	}
	length := int(binary.BigEndian.Uint16(buf[0:]))
	if length < SOFHLength+SBEHeaderLength {
		return 0, errors.Protocolf("frame length %d shorter than headers", length)
	}
	return length, nil
}

// Decode parses one complete frame into its message. Unknown session-layer
// templates are errors; templates at or above TemplateBusinessBase decode as
// Business.
func Decode(frame []byte) (Message, error) {
	if len(frame) < SOFHLength+SBEHeaderLength {
		return nil, errors.Protocolf("frame of %d bytes too short", len(frame))
	}
	blockLen := int(binary.LittleEndian.Uint16(frame[4:]))
	templateID := binary.LittleEndian.Uint16(frame[6:])
	if binary.LittleEndian.Uint16(frame[8:]) != SchemaID {
		return nil, errors.Protocolf("unknown schema id %d", binary.LittleEndian.Uint16(frame[8:]))
	}
	block := frame[SOFHLength+SBEHeaderLength:]
	if len(block) < blockLen {
		return nil, errors.Protocolf("frame truncated: block %d of %d bytes", len(block), blockLen)
	}
	block = block[:blockLen]

	if templateID >= TemplateBusinessBase {
		return &Business{TemplateID: templateID, Block: block}, nil
	}

	need := func(n int) error {
		if len(block) < n {
			return errors.Protocolf("template %d block %d bytes, need %d", templateID, len(block), n)
		}
		return nil
	}
	minSizes := map[uint16]int{
		TemplateNegotiateResponse: 28,
		TemplateNegotiateReject:   25,
		TemplateEstablishAck:      40,
		TemplateEstablishReject:   25,
		TemplateSequence:          4,
		TemplateNotApplied:        8,
		TemplateRetransmitRequest: 24,
		TemplateRetransmission:    24,
		TemplateRetransmitReject:  17,
		TemplateFinishedSending:   20,
		TemplateFinishedReceiving: 16,
		TemplateTerminate:         17,
	}
	if n, ok := minSizes[templateID]; ok {
		if err := need(n); err != nil {
			return nil, err
		}
	}

	switch templateID {
	case TemplateNegotiate:
		if len(block) < 30 {
			return nil, errors.Protocolf("negotiate block too short")
		}
		credLen := int(binary.LittleEndian.Uint16(block[28:]))
		if len(block) < 30+credLen {
			return nil, errors.Protocolf("negotiate credentials truncated")
		}
		return &Negotiate{
			SessionID:    binary.LittleEndian.Uint64(block[0:]),
			SessionVerID: binary.LittleEndian.Uint64(block[8:]),
			Timestamp:    binary.LittleEndian.Uint64(block[16:]),
			EnteringFirm: binary.LittleEndian.Uint32(block[24:]),
			Credentials:  append([]byte(nil), block[30:30+credLen]...),
		}, nil
	case TemplateNegotiateResponse:
		return &NegotiateResponse{
			SessionID:        binary.LittleEndian.Uint64(block[0:]),
			SessionVerID:     binary.LittleEndian.Uint64(block[8:]),
			RequestTimestamp: binary.LittleEndian.Uint64(block[16:]),
			EnteringFirm:     binary.LittleEndian.Uint32(block[24:]),
		}, nil
	case TemplateNegotiateReject:
		return &NegotiateReject{
			SessionID:        binary.LittleEndian.Uint64(block[0:]),
			SessionVerID:     binary.LittleEndian.Uint64(block[8:]),
			RequestTimestamp: binary.LittleEndian.Uint64(block[16:]),
			Code:             NegotiationRejectCode(block[24]),
		}, nil
	case TemplateEstablish:
		if len(block) < 38 {
			return nil, errors.Protocolf("establish block too short")
		}
		credLen := int(binary.LittleEndian.Uint16(block[36:]))
		if len(block) < 38+credLen {
			return nil, errors.Protocolf("establish credentials truncated")
		}
		return &Establish{
			SessionID:         binary.LittleEndian.Uint64(block[0:]),
			SessionVerID:      binary.LittleEndian.Uint64(block[8:]),
			Timestamp:         binary.LittleEndian.Uint64(block[16:]),
			KeepAliveInterval: binary.LittleEndian.Uint64(block[24:]),
			NextSeqNo:         binary.LittleEndian.Uint32(block[32:]),
			Credentials:       append([]byte(nil), block[38:38+credLen]...),
		}, nil
	case TemplateEstablishAck:
		return &EstablishAck{
			SessionID:         binary.LittleEndian.Uint64(block[0:]),
			SessionVerID:      binary.LittleEndian.Uint64(block[8:]),
			RequestTimestamp:  binary.LittleEndian.Uint64(block[16:]),
			KeepAliveInterval: binary.LittleEndian.Uint64(block[24:]),
			NextRecvSeqNo:     binary.LittleEndian.Uint32(block[32:]),
			NextSentSeqNo:     binary.LittleEndian.Uint32(block[36:]),
		}, nil
	case TemplateEstablishReject:
		return &EstablishReject{
			SessionID:        binary.LittleEndian.Uint64(block[0:]),
			SessionVerID:     binary.LittleEndian.Uint64(block[8:]),
			RequestTimestamp: binary.LittleEndian.Uint64(block[16:]),
			Code:             EstablishRejectCode(block[24]),
		}, nil
	case TemplateSequence:
		return &Sequence{NextSeqNo: binary.LittleEndian.Uint32(block[0:])}, nil
	case TemplateNotApplied:
		return &NotApplied{
			FromSeqNo: binary.LittleEndian.Uint32(block[0:]),
			Count:     binary.LittleEndian.Uint32(block[4:]),
		}, nil
	case TemplateRetransmitRequest:
		return &RetransmitRequest{
			SessionID: binary.LittleEndian.Uint64(block[0:]),
			Timestamp: binary.LittleEndian.Uint64(block[8:]),
			FromSeqNo: binary.LittleEndian.Uint32(block[16:]),
			Count:     binary.LittleEndian.Uint32(block[20:]),
		}, nil
	case TemplateRetransmission:
		return &Retransmission{
			SessionID:        binary.LittleEndian.Uint64(block[0:]),
			RequestTimestamp: binary.LittleEndian.Uint64(block[8:]),
			NextSeqNo:        binary.LittleEndian.Uint32(block[16:]),
			Count:            binary.LittleEndian.Uint32(block[20:]),
		}, nil
	case TemplateRetransmitReject:
		return &RetransmitReject{
			SessionID:        binary.LittleEndian.Uint64(block[0:]),
			RequestTimestamp: binary.LittleEndian.Uint64(block[8:]),
			Code:             RetransmitRejectCode(block[16]),
		}, nil
	case TemplateFinishedSending:
		return &FinishedSending{
			SessionID:    binary.LittleEndian.Uint64(block[0:]),
			SessionVerID: binary.LittleEndian.Uint64(block[8:]),
			LastSeqNo:    binary.LittleEndian.Uint32(block[16:]),
		}, nil
	case TemplateFinishedReceiving:
		return &FinishedReceiving{
			SessionID:    binary.LittleEndian.Uint64(block[0:]),
			SessionVerID: binary.LittleEndian.Uint64(block[8:]),
		}, nil
	case TemplateTerminate:
		return &Terminate{
			SessionID:    binary.LittleEndian.Uint64(block[0:]),
			SessionVerID: binary.LittleEndian.Uint64(block[8:]),
			Code:         TerminationCode(block[16]),
		}, nil
	}
	return nil, errors.Protocolf("unknown template id %d", templateID)
}
