package fix

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNewOrderSingle(t *testing.T) {
	raw := Encode(MsgTypeNewOrderSingle, []Field{
		{TagMsgSeqNum, "2"},
		{TagSenderCompID, "INIT"},
		{TagSendingTime, "20260805-12:00:00.000"},
		{TagTargetCompID, "ACC"},
		{TagClOrdID, "42"},
		{TagSymbol, "BTCUSD"},
		{TagSide, SideBuy},
		{TagOrderQty, "0.25"},
		{TagPrice, "64250.10"},
	})
	msg, err := Parse(raw)
	require.NoError(t, err)

	order, err := ParseNewOrderSingle(msg)
	require.NoError(t, err)
	assert.Equal(t, "42", order.ClOrdID)
	assert.Equal(t, "BTCUSD", order.Symbol)
	assert.True(t, order.Price.Equal(decimal.RequireFromString("64250.10")))
	assert.True(t, order.OrderQty.Equal(decimal.RequireFromString("0.25")))
}

func TestParseNewOrderSingleRejectsBadPrice(t *testing.T) {
	raw := Encode(MsgTypeNewOrderSingle, []Field{
		{TagMsgSeqNum, "2"},
		{TagSenderCompID, "INIT"},
		{TagSendingTime, "20260805-12:00:00.000"},
		{TagTargetCompID, "ACC"},
		{TagClOrdID, "42"},
		{TagPrice, "not-a-price"},
	})
	msg, err := Parse(raw)
	require.NoError(t, err)

	_, err = ParseNewOrderSingle(msg)
	require.Error(t, err)
}

func TestExecutionReportFieldsRoundTrip(t *testing.T) {
	report := &ExecutionReport{
		OrderID:   "ord-1",
		ClOrdID:   "42",
		ExecType:  "0",
		OrdStatus: "0",
		Symbol:    "BTCUSD",
		Side:      SideSell,
		Price:     decimal.RequireFromString("64250.10"),
		LastQty:   decimal.RequireFromString("0.25"),
	}
	raw := Encode(MsgTypeExecutionReport, append([]Field{
		{TagMsgSeqNum, "3"},
		{TagSenderCompID, "ACC"},
		{TagSendingTime, "20260805-12:00:00.000"},
		{TagTargetCompID, "INIT"},
	}, report.Fields()...))

	msg, err := Parse(raw)
	require.NoError(t, err)
	clOrdID, _ := msg.Get(TagClOrdID)
	assert.Equal(t, "42", clOrdID)
	price, _ := msg.Get(TagPrice)
	assert.Equal(t, "64250.1", price)
}
