package orders

type Status string

const (
	StatusPending        Status = "pending"
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusProcessing     Status = "processing"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
	StatusRefunded       Status = "refunded"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:        {StatusPendingPayment: true, StatusPaid: true, StatusProcessing: true, StatusCancelled: true},
	StatusPendingPayment: {StatusPaid: true, StatusProcessing: true, StatusCancelled: true},
	StatusPaid:           {StatusProcessing: true, StatusShipped: true, StatusRefunded: true},
	StatusProcessing:     {StatusShipped: true, StatusCancelled: true, StatusRefunded: true},
	StatusShipped:        {StatusDelivered: true, StatusRefunded: true},
	StatusDelivered:      {StatusRefunded: true},
	StatusCancelled:      {},
	StatusRefunded:       {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// Gateway statuses that cancel an order on their own. An order cancelled
// this way may still be paid by a later approved attempt on the same
// preference.
const (
	gatewayRejected  = "rejected"
	gatewayCancelled = "cancelled"
)

// cancelledByGateway reports whether a cancelled order was cancelled by a
// payment status rather than by checkout compensation or an operator. Such
// an order may still move to paid.
func cancelledByGateway(o *Order) bool {
	return o.Status == StatusCancelled &&
		(o.GatewayStatus == gatewayRejected || o.GatewayStatus == gatewayCancelled)
}
