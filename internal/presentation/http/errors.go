package httppresentation

import (
	"errors"
	"net/http"

	"github.com/Zhima-Mochi/minishop-saga/internal/application"
	apporder "github.com/Zhima-Mochi/minishop-saga/internal/application/order"
	apppay "github.com/Zhima-Mochi/minishop-saga/internal/application/payment"
	dominv "github.com/Zhima-Mochi/minishop-saga/internal/domain/inventory"
	domorder "github.com/Zhima-Mochi/minishop-saga/internal/domain/order"
	dompay "github.com/Zhima-Mochi/minishop-saga/internal/domain/payment"
)

// statusFor maps an error chain to a response code. Order matters: a payment
// failure caused by an open circuit is a 503, not a 502.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apppay.ErrSignatureMissing),
		errors.Is(err, apppay.ErrSignatureExpired),
		errors.Is(err, apppay.ErrSignatureInvalid):
		return http.StatusBadRequest
	case errors.Is(err, application.ErrValidation),
		errors.Is(err, dominv.ErrInvalidArgument),
		errors.Is(err, domorder.ErrInvalidAmount),
		errors.Is(err, domorder.ErrInvalidQuantity),
		errors.Is(err, domorder.ErrNoItems),
		errors.Is(err, dompay.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, domorder.ErrNotFound),
		errors.Is(err, dominv.ErrNotFound),
		errors.Is(err, dompay.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, application.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, apporder.ErrPaymentSession),
		errors.Is(err, apppay.ErrGateway):
		return http.StatusBadGateway
	case errors.Is(err, domorder.ErrConflict),
		errors.Is(err, domorder.ErrInvalidStateTransition),
		errors.Is(err, dominv.ErrConflict),
		errors.Is(err, dompay.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
