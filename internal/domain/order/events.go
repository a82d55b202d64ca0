package order

import "fmt"

const TopicOrderNotifications = "order-notifications"

const (
	messagePaid   = "Your payment was successful! Thank you for your order."
	messageFailed = "Your payment failed. Please try again. Reason: %s"
)

// NotificationEvent tells the customer how their order ended.
type NotificationEvent struct {
	OrderID       string `json:"orderId"`
	CustomerEmail string `json:"customerEmail"`
	Status        Status `json:"status"`
	Amount        int64  `json:"amount"`
	Message       string `json:"message"`
}

func NewNotificationEvent(o *Order) NotificationEvent {
	msg := messagePaid
	if o.Status != StatusPaid {
		msg = fmt.Sprintf(messageFailed, o.FailureReason)
	}
	return NotificationEvent{
		OrderID:       o.ID,
		CustomerEmail: o.CustomerEmail,
		Status:        o.Status,
		Amount:        o.Amount,
		Message:       msg,
	}
}
