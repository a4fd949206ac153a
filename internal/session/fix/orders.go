package fix

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/fixgate/common/errors"
)

// Order side values (54).
const (
	SideBuy  = "1"
	SideSell = "2"
)

// NewOrderSingle is the decoded view of an inbound order (35=D) handed to
// the application.
type NewOrderSingle struct {
	ClOrdID      string
	Symbol       string
	Side         string
	OrdType      string
	Price        decimal.Decimal
	OrderQty     decimal.Decimal
	TransactTime time.Time
}

// ParseNewOrderSingle decodes the business fields of a NewOrderSingle.
func ParseNewOrderSingle(msg *Message) (*NewOrderSingle, error) {
	if msg.MsgType != MsgTypeNewOrderSingle {
		return nil, errors.Protocolf("message type %s is not NewOrderSingle", msg.MsgType)
	}
	order := &NewOrderSingle{}
	order.ClOrdID, _ = msg.Get(TagClOrdID)
	order.Symbol, _ = msg.Get(TagSymbol)
	order.Side, _ = msg.Get(TagSide)
	order.OrdType, _ = msg.Get(TagOrdType)
	if order.ClOrdID == "" {
		return nil, errors.Protocolf("NewOrderSingle without ClOrdID")
	}

	if v, ok := msg.Get(TagPrice); ok {
		price, err := decimal.NewFromString(v)
		if err != nil {
			return nil, errors.Protocolf("unparseable Price %q", v)
		}
		order.Price = price
	}
	if v, ok := msg.Get(TagOrderQty); ok {
		qty, err := decimal.NewFromString(v)
		if err != nil {
			return nil, errors.Protocolf("unparseable OrderQty %q", v)
		}
		order.OrderQty = qty
	}
	if v, ok := msg.Get(TagTransactTime); ok {
		at, err := ParseSendingTime(v)
		if err != nil {
			return nil, err
		}
		order.TransactTime = at
	}
	return order, nil
}

// Fields encodes the order back into body fields, e.g. for store-and-forward
// sends on an offline session.
func (o *NewOrderSingle) Fields() []Field {
	fields := []Field{
		{TagClOrdID, o.ClOrdID},
		{TagSymbol, o.Symbol},
		{TagSide, o.Side},
	}
	if o.OrdType != "" {
		fields = append(fields, Field{TagOrdType, o.OrdType})
	}
	if !o.Price.IsZero() {
		fields = append(fields, Field{TagPrice, o.Price.String()})
	}
	if !o.OrderQty.IsZero() {
		fields = append(fields, Field{TagOrderQty, o.OrderQty.String()})
	}
	return fields
}

// ExecutionReport carries the application's fill/ack back to the
// counterparty (35=8).
type ExecutionReport struct {
	OrderID   string
	ClOrdID   string
	ExecType  string
	OrdStatus string
	Symbol    string
	Side      string
	Price     decimal.Decimal
	LastQty   decimal.Decimal
}

// Execution report field tags beyond the shared order tags.
const (
	TagOrderID   = 37
	TagExecType  = 150
	TagOrdStatus = 39
	TagLastQty   = 32
	TagExecID    = 17
)

// Fields encodes the report body in tag order.
func (r *ExecutionReport) Fields() []Field {
	fields := []Field{
		{TagClOrdID, r.ClOrdID},
		{TagLastQty, r.LastQty.String()},
		{TagOrderID, r.OrderID},
		{TagOrdStatus, r.OrdStatus},
		{TagPrice, r.Price.String()},
		{TagSide, r.Side},
		{TagSymbol, r.Symbol},
		{TagExecType, r.ExecType},
	}
	return fields
}
