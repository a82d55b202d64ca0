package order

// OrderState implements the state pattern for order lifecycle transitions.
type OrderState interface {
	Status() Status
	OnPaymentSucceeded(o *Order) (OrderState, error)
	OnPaymentFailed(o *Order, reason string) (OrderState, error)
	OnSessionFailed(o *Order, reason string) (OrderState, error)
}

func stateFor(s Status) OrderState {
	switch s {
	case StatusPaid:
		return paidState{}
	case StatusFailed:
		return failedState{}
	default:
		return pendingState{}
	}
}

type pendingState struct{}

func (pendingState) Status() Status { return StatusPending }

func (pendingState) OnPaymentSucceeded(o *Order) (OrderState, error) {
	o.FailureReason = ""
	return paidState{}, nil
}

func (pendingState) OnPaymentFailed(o *Order, reason string) (OrderState, error) {
	o.FailureReason = reason
	return failedState{}, nil
}

func (pendingState) OnSessionFailed(o *Order, reason string) (OrderState, error) {
	o.FailureReason = reason
	return failedState{}, nil
}

// PAID and FAILED are terminal.

type paidState struct{}

func (paidState) Status() Status { return StatusPaid }

func (paidState) OnPaymentSucceeded(*Order) (OrderState, error) {
	return nil, ErrInvalidStateTransition
}

func (paidState) OnPaymentFailed(*Order, string) (OrderState, error) {
	return nil, ErrInvalidStateTransition
}

func (paidState) OnSessionFailed(*Order, string) (OrderState, error) {
	return nil, ErrInvalidStateTransition
}

type failedState struct{}

func (failedState) Status() Status { return StatusFailed }

func (failedState) OnPaymentSucceeded(*Order) (OrderState, error) {
	return nil, ErrInvalidStateTransition
}

func (failedState) OnPaymentFailed(*Order, string) (OrderState, error) {
	return nil, ErrInvalidStateTransition
}

func (failedState) OnSessionFailed(*Order, string) (OrderState, error) {
	return nil, ErrInvalidStateTransition
}
