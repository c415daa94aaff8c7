package events

const (
	TopicReservationCreated  = "fulfillment.reservation.created"
	TopicReservationRejected = "fulfillment.reservation.rejected"
	TopicOrderStatus         = "fulfillment.order.status"
	TopicCapacityAlert       = "fulfillment.capacity.alert"
	TopicPaymentAuthorized   = "payment.authorized"
	TopicPaymentFailed       = "payment.failed"
)

// PartitionKey keys every event of one order to the same partition so its
// history stays ordered.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
