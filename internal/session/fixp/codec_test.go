package fixp

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCarriesSOFH(t *testing.T) {
	frame := Frame(&Sequence{NextSeqNo: 9})

	require.GreaterOrEqual(t, len(frame), SOFHLength+SBEHeaderLength)
	assert.Equal(t, uint16(len(frame)), binary.BigEndian.Uint16(frame[0:]))
	assert.Equal(t, SOFHEncoding, binary.BigEndian.Uint16(frame[2:]))

	length, err := FrameLength(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), length)
}

func TestFrameLengthNeedsMoreBytes(t *testing.T) {
	frame := Frame(&Sequence{NextSeqNo: 9})
	length, err := FrameLength(frame[:2])
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestFrameLengthRejectsUnknownEncoding(t *testing.T) {
	frame := Frame(&Sequence{NextSeqNo: 9})
	frame[2] = 0x00
	frame[3] = 0x01
	_, err := FrameLength(frame)
	require.Error(t, err)
}

func TestSessionMessagesRoundTrip(t *testing.T) {
	cases := []Message{
		&Negotiate{SessionID: 1, SessionVerID: 2, Timestamp: 3, EnteringFirm: 4, Credentials: []byte("tok")},
		&NegotiateResponse{SessionID: 1, SessionVerID: 2, RequestTimestamp: 3, EnteringFirm: 4},
		&NegotiateReject{SessionID: 1, SessionVerID: 2, RequestTimestamp: 3, Code: NegotiateRejectDuplicateID},
		&Establish{SessionID: 1, SessionVerID: 2, Timestamp: 3, KeepAliveInterval: 10000, NextSeqNo: 5, Credentials: []byte{}},
		&EstablishAck{SessionID: 1, SessionVerID: 2, RequestTimestamp: 3, KeepAliveInterval: 10000, NextRecvSeqNo: 5, NextSentSeqNo: 6},
		&EstablishReject{SessionID: 1, SessionVerID: 2, RequestTimestamp: 3, Code: EstablishRejectKeepaliveInterval},
		&Sequence{NextSeqNo: 7},
		&NotApplied{FromSeqNo: 2, Count: 2},
		&RetransmitRequest{SessionID: 1, Timestamp: 3, FromSeqNo: 2, Count: 2},
		&Retransmission{SessionID: 1, RequestTimestamp: 3, NextSeqNo: 2, Count: 2},
		&RetransmitReject{SessionID: 1, RequestTimestamp: 3, Code: RetransmitRejectOutOfRange},
		&FinishedSending{SessionID: 1, SessionVerID: 2, LastSeqNo: 9},
		&FinishedReceiving{SessionID: 1, SessionVerID: 2},
		&Terminate{SessionID: 1, SessionVerID: 2, Code: TerminateFinished},
	}
	for _, m := range cases {
		decoded, err := Decode(Frame(m))
		require.NoError(t, err)
		assert.IsType(t, m, decoded)
	}

	negotiate, err := Decode(Frame(cases[0]))
	require.NoError(t, err)
	assert.Equal(t, cases[0], negotiate)

	ack, err := Decode(Frame(cases[4]))
	require.NoError(t, err)
	assert.Equal(t, cases[4], ack)
}

func TestBusinessTemplatePassesThrough(t *testing.T) {
	m := &Business{TemplateID: TemplateBusinessBase + 7, Block: []byte{1, 2, 3}}
	decoded, err := Decode(Frame(m))
	require.NoError(t, err)
	business, ok := decoded.(*Business)
	require.True(t, ok)
	assert.Equal(t, m.TemplateID, business.TemplateID)
	assert.Equal(t, m.Block, business.Block)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	frame := Frame(&EstablishAck{SessionID: 1})
	_, err := Decode(frame[:SOFHLength+SBEHeaderLength+4])
	require.Error(t, err)
}
