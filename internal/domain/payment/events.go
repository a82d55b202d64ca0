package payment

const TopicPaymentResults = "payment-results"

// Result statuses carried on payment-result events. FAILURE is accepted on input
// as an alias of FAILED.
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
	ResultFailure = "FAILURE"
)

// ResultEvent reports the terminal outcome of a checkout for an order.
type ResultEvent struct {
	PaymentID     string `json:"paymentId"`
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	FailureReason string `json:"failureReason,omitempty"`
}

func NewResultEvent(p *Payment) ResultEvent {
	e := ResultEvent{PaymentID: p.ID, OrderID: p.OrderID, Status: ResultFailed, FailureReason: p.FailureReason}
	if p.Status == StatusSuccess {
		e.Status = ResultSuccess
		e.FailureReason = ""
	}
	return e
}
