// Package fix implements the tag=value session layer: wire codec, session
// state machine, and the retransmission path.
package fix

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/Aidin1998/fixgate/common/errors"
	"github.com/Aidin1998/fixgate/internal/infrastructure/config"
)

// SOH delimits tag=value pairs on the wire.
const SOH = byte(0x01)

// BeginString spoken by the acceptor.
const BeginString = "FIX.4.4"

// Tags read or written by the engine.
const (
	TagBeginString     = 8
	TagBodyLength      = 9
	TagCheckSum        = 10
	TagMsgSeqNum       = 34
	TagMsgType         = 35
	TagNewSeqNo        = 36
	TagOrigSendingTime = 122
	TagPossDupFlag     = 43
	TagRefSeqNum       = 45
	TagSenderCompID    = 49
	TagSendingTime     = 52
	TagTargetCompID    = 56
	TagText            = 58
	TagRawDataLength   = 95
	TagRawData         = 96
	TagEncryptMethod   = 98
	TagHeartBtInt      = 108
	TagTestReqID       = 112
	TagGapFillFlag     = 123
	TagResetSeqNumFlag = 141
	TagBeginSeqNo      = 7
	TagEndSeqNo        = 16
	TagUsername        = 553
	TagPassword        = 554
	TagNewPassword     = 925
	TagSessionRejectReason = 373

	TagClOrdID      = 11
	TagOrderQty     = 38
	TagOrdType      = 40
	TagPrice        = 44
	TagSide         = 54
	TagSymbol       = 55
	TagTransactTime = 60
)

// Message types.
const (
	MsgTypeHeartbeat       = "0"
	MsgTypeTestRequest     = "1"
	MsgTypeResendRequest   = "2"
	MsgTypeReject          = "3"
	MsgTypeSequenceReset   = "4"
	MsgTypeLogout          = "5"
	MsgTypeLogon           = "A"
	MsgTypeNewOrderSingle  = "D"
	MsgTypeExecutionReport = "8"
	MsgTypeUserRequest     = "BE"
)

// Session reject reasons used by the engine.
const (
	RejectReasonCompIDProblem       = 9
	RejectReasonSendingTimeAccuracy = 10
)

// IsAdminMsgType reports whether msgType is a session-level message. Admin
// stretches are gap-filled rather than resent verbatim.
func IsAdminMsgType(msgType string) bool {
	switch msgType {
	case MsgTypeHeartbeat, MsgTypeTestRequest, MsgTypeResendRequest,
		MsgTypeReject, MsgTypeSequenceReset, MsgTypeLogout, MsgTypeLogon:
		return true
	}
	return false
}

// Field is one ordered tag=value pair.
type Field struct {
	Tag   int
	Value string
}

// Message is a parsed FIX message retaining field order for re-encoding.
type Message struct {
	MsgType string
	Fields  []Field
	Raw     []byte
}

// Get returns the first value of tag, with ok=false when absent.
func (m *Message) Get(tag int) (string, bool) {
	for _, f := range m.Fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return "", false
}

// GetInt parses the first value of tag as an int.
func (m *Message) GetInt(tag int) (int, bool) {
	v, ok := m.Get(tag)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SeqNum returns MsgSeqNum (34).
func (m *Message) SeqNum() (int32, bool) {
	n, ok := m.GetInt(TagMsgSeqNum)
	return int32(n), ok
}

// PossDup reports PossDupFlag (43) == Y.
func (m *Message) PossDup() bool {
	v, _ := m.Get(TagPossDupFlag)
	return v == "Y"
}

// Parse validates framing and checksum and splits raw into ordered fields.
// The returned message aliases raw.
func Parse(raw []byte) (*Message, error) {
	if !bytes.HasPrefix(raw, []byte("8=FIX")) {
		return nil, errors.Protocolf("message does not start with BeginString")
	}
	msg := &Message{Raw: raw}
	rest := raw
	for len(rest) > 0 {
		eq := bytes.IndexByte(rest, '=')
		if eq < 0 {
			return nil, errors.Protocolf("malformed field %q", truncate(rest))
		}
		tag, err := strconv.Atoi(string(rest[:eq]))
		if err != nil {
			return nil, errors.Protocolf("non-numeric tag %q", truncate(rest[:eq]))
		}
		soh := bytes.IndexByte(rest[eq+1:], SOH)
		if soh < 0 {
			return nil, errors.Protocolf("unterminated field %d", tag)
		}
		value := string(rest[eq+1 : eq+1+soh])
		msg.Fields = append(msg.Fields, Field{Tag: tag, Value: value})
		rest = rest[eq+1+soh+1:]
	}
	if len(msg.Fields) < 4 {
		return nil, errors.Protocolf("too few fields")
	}
	if msg.Fields[len(msg.Fields)-1].Tag != TagCheckSum {
		return nil, errors.Protocolf("message does not end with CheckSum")
	}
	bodyEnd := bytes.LastIndex(raw, []byte("\x0110="))
	sum := checksum(raw[:bodyEnd+1])
	if fmt.Sprintf("%03d", sum) != msg.Fields[len(msg.Fields)-1].Value {
		return nil, errors.Protocolf("checksum mismatch, computed %03d got %s",
			sum, msg.Fields[len(msg.Fields)-1].Value)
	}
	if v, ok := msg.Get(TagMsgType); ok {
		msg.MsgType = v
	} else {
		return nil, errors.Protocolf("missing MsgType")
	}
	return msg, nil
}

func truncate(b []byte) string {
	if len(b) > 32 {
		b = b[:32]
	}
	return string(b)
}

func checksum(b []byte) int {
	sum := 0
	for _, c := range b {
		sum += int(c)
	}
	return sum % 256
}

// Encode builds a complete framed message. Header fields BeginString,
// BodyLength and the trailing CheckSum are computed; body carries the fields
// in the given order, MsgType first.
func Encode(msgType string, body []Field) []byte {
	var payload bytes.Buffer
	writeField(&payload, TagMsgType, msgType)
	for _, f := range body {
		writeField(&payload, f.Tag, f.Value)
	}

	var out bytes.Buffer
	writeField(&out, TagBeginString, BeginString)
	writeField(&out, TagBodyLength, strconv.Itoa(payload.Len()))
	out.Write(payload.Bytes())
	writeField(&out, TagCheckSum, fmt.Sprintf("%03d", checksum(out.Bytes())))
	return out.Bytes()
}

// Reencode rebuilds a message from ordered fields, recomputing BodyLength
// and CheckSum. Used when the resend path mutates archived bytes.
func Reencode(fields []Field) []byte {
	var body []Field
	msgType := ""
	for _, f := range fields {
		switch f.Tag {
		case TagBeginString, TagBodyLength, TagCheckSum:
		case TagMsgType:
			msgType = f.Value
		default:
			body = append(body, f)
		}
	}
	return Encode(msgType, body)
}

func writeField(buf *bytes.Buffer, tag int, value string) {
	buf.WriteString(strconv.Itoa(tag))
	buf.WriteByte('=')
	buf.WriteString(value)
	buf.WriteByte(SOH)
}

const (
	timestampSecondsLayout = "20060102-15:04:05"
	timestampMillisLayout  = "20060102-15:04:05.000"
	timestampMicrosLayout  = "20060102-15:04:05.000000"
	timestampNanosLayout   = "20060102-15:04:05.000000000"
)

// FormatSendingTime encodes a UTC timestamp at the configured precision.
func FormatSendingTime(t time.Time, precision config.SendingTimePrecision) string {
	t = t.UTC()
	switch precision {
	case config.PrecisionSeconds:
		return t.Format(timestampSecondsLayout)
	case config.PrecisionMicros:
		return t.Format(timestampMicrosLayout)
	case config.PrecisionNanos:
		return t.Format(timestampNanosLayout)
	default:
		return t.Format(timestampMillisLayout)
	}
}

// ParseSendingTime accepts any of the supported precisions.
func ParseSendingTime(v string) (time.Time, error) {
	for _, layout := range []string{
		timestampNanosLayout,
		timestampMicrosLayout,
		timestampMillisLayout,
		timestampSecondsLayout,
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Protocolf("unparseable SendingTime %q", v)
}

// WipePasswords overwrites credential values in place so they never reach
// the archive. The checksum of the mutated copy is stale; wiped messages are
// gap-filled on resend, never replayed verbatim.
func WipePasswords(raw []byte) {
	for _, tag := range []int{TagRawData, TagPassword, TagNewPassword} {
		wipeField(raw, tag)
	}
}

func wipeField(raw []byte, tag int) {
	marker := append([]byte(strconv.Itoa(tag)), '=')
	search := raw
	base := 0
	for {
		i := bytes.Index(search, marker)
		if i < 0 {
			return
		}
		// Must start a field: preceded by SOH or start of message.
		abs := base + i
		if abs == 0 || raw[abs-1] == SOH {
			start := abs + len(marker)
			end := start
			for end < len(raw) && raw[end] != SOH {
				raw[end] = '*'
				end++
			}
			return
		}
		base = abs + 1
		search = raw[base:]
	}
}
