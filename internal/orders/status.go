package orders

type Status string

const (
	StatusCart              Status = "cart"
	StatusPendingPayment    Status = "pending_payment"
	StatusPaymentProcessing Status = "payment_processing"
	StatusPaymentFailed     Status = "payment_failed"
	StatusPaymentConfirmed  Status = "payment_confirmed"
	StatusConfirmed         Status = "confirmed"
	StatusProcessing        Status = "processing"
	StatusPartiallyShipped  Status = "partially_shipped"
	StatusShipped           Status = "shipped"
	StatusDelivered         Status = "delivered"
	StatusCancelled         Status = "cancelled"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"

	// StatusAddressReview is entered only by the geocoding collaborator when
	// it cannot resolve the shipping address.
	StatusAddressReview Status = "address_review"
)

var validNext = map[Status]map[Status]bool{
	StatusCart:              {StatusPendingPayment: true, StatusCancelled: true, StatusAddressReview: true},
	StatusPendingPayment:    {StatusPaymentProcessing: true, StatusPaymentFailed: true, StatusCancelled: true, StatusAddressReview: true},
	StatusPaymentProcessing: {StatusPaymentConfirmed: true, StatusPaymentFailed: true},
	StatusPaymentFailed:     {StatusPendingPayment: true, StatusCancelled: true},
	StatusPaymentConfirmed:  {StatusConfirmed: true},
	StatusConfirmed:         {StatusProcessing: true, StatusCancelled: true},
	StatusProcessing:        {StatusPartiallyShipped: true, StatusShipped: true, StatusCancelled: true},
	StatusPartiallyShipped:  {StatusShipped: true},
	StatusShipped:           {StatusDelivered: true},
	StatusDelivered:         {StatusRefunded: true},
	StatusAddressReview:     {StatusPendingPayment: true, StatusCancelled: true},
	StatusCancelled:         {},
	StatusRefunded:          {},
	StatusPartiallyRefunded: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func Terminal(s Status) bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}
