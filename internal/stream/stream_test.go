package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/fixgate/common/errors"
)

func TestOfferAndPoll(t *testing.T) {
	st := NewStream(1, 1<<20)
	sub := st.Subscribe()
	pub := NewPublication(st, 7)

	pos1, err := pub.TryOffer([]byte("hello"))
	require.NoError(t, err)
	pos2, err := pub.TryOffer([]byte("world"))
	require.NoError(t, err)
	assert.Greater(t, pos2, pos1)

	var got []string
	n := sub.Poll(func(buf []byte, header Header) bool {
		got = append(got, string(buf))
		assert.Equal(t, int64(7), header.SessionID)
		assert.Equal(t, int32(1), header.StreamID)
		return true
	}, 10)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"hello", "world"}, got)
	assert.Equal(t, pos2, sub.Position())
}

func TestClaimAbortPublishesNothing(t *testing.T) {
	st := NewStream(1, 1<<20)
	sub := st.Subscribe()
	pub := NewPublication(st, 7)

	claim, err := pub.TryClaim(16)
	require.NoError(t, err)
	claim.Abort()

	n := sub.Poll(func([]byte, Header) bool { return true }, 10)
	assert.Zero(t, n)
}

func TestBackpressureWhenReaderStalls(t *testing.T) {
	st := NewStream(1, 256)
	_ = st.Subscribe() // never polled
	pub := NewPublication(st, 7)

	var err error
	for i := 0; i < 100; i++ {
		_, err = pub.TryOffer(make([]byte, 64))
		if err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBackPressured)
}

func TestHandlerFalsePausesRedelivery(t *testing.T) {
	st := NewStream(1, 1<<20)
	sub := st.Subscribe()
	pub := NewPublication(st, 7)

	_, err := pub.TryOffer([]byte("one"))
	require.NoError(t, err)
	_, err = pub.TryOffer([]byte("two"))
	require.NoError(t, err)

	n := sub.Poll(func(buf []byte, _ Header) bool { return false }, 10)
	assert.Zero(t, n)

	var got []string
	n = sub.Poll(func(buf []byte, _ Header) bool {
		got = append(got, string(buf))
		return true
	}, 10)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestStreamResumesAtPosition(t *testing.T) {
	st := NewStreamAt(1, 1<<20, 4096)
	pub := NewPublication(st, 7)
	pos, err := pub.TryOffer([]byte("resumed"))
	require.NoError(t, err)
	assert.Greater(t, pos, int64(4096))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	e := Envelope{
		Protocol:       ProtoFix,
		Kind:           KindBusiness,
		SequenceNumber: 42,
		SequenceIndex:  3,
		SendingTimeNs:  1234567890,
	}
	buf := make([]byte, EnvelopeLength+5)
	EncodeEnvelope(buf, &e)
	copy(buf[EnvelopeLength:], "vroom")

	decoded, payload, err := DecodeEnvelope(buf)
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
	assert.Equal(t, []byte("vroom"), payload)
}

func TestBeginPosition(t *testing.T) {
	st := NewStream(1, 1<<20)
	sub := st.Subscribe()
	pub := NewPublication(st, 7)
	_, err := pub.TryOffer([]byte("abcdef"))
	require.NoError(t, err)

	sub.Poll(func(buf []byte, header Header) bool {
		assert.Equal(t, int64(0), BeginPosition(header, len(buf)))
		return true
	}, 1)
}
