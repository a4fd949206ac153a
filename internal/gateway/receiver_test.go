package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/fixgate/internal/session/fix"
)

func TestExtractFixFrame(t *testing.T) {
	one := fix.Encode(fix.MsgTypeHeartbeat, []fix.Field{{Tag: fix.TagMsgSeqNum, Value: "1"}})
	two := fix.Encode(fix.MsgTypeHeartbeat, []fix.Field{{Tag: fix.TagMsgSeqNum, Value: "2"}})

	buf := append(append([]byte(nil), one...), two...)

	frame, rest, err := extractFixFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, one, frame)
	assert.Equal(t, two, rest)

	frame, rest, err = extractFixFrame(rest)
	require.NoError(t, err)
	assert.Equal(t, two, frame)
	assert.Empty(t, rest)
}

func TestExtractFixFrameWaitsForMoreBytes(t *testing.T) {
	one := fix.Encode(fix.MsgTypeHeartbeat, []fix.Field{{Tag: fix.TagMsgSeqNum, Value: "1"}})

	frame, _, err := extractFixFrame(one[:len(one)-3])
	require.NoError(t, err)
	assert.Nil(t, frame)
}

func TestExtractFixFrameRejectsBrokenBodyLength(t *testing.T) {
	buf := []byte("8=FIX.4.4\x019=banana\x0135=0\x0110=000\x01")
	_, _, err := extractFixFrame(buf)
	require.Error(t, err)
}
