package facturador

import (
	"errors"
	"fmt"

	"github.com/josiasmc/facturador-electronico-cr/pkg/hacienda"
	"github.com/josiasmc/facturador-electronico-cr/pkg/token"
)

// Errors
var (
	ErrUnknownIssuer        = errors.New("issuer is not registered")
	ErrInvalidConsecutive   = errors.New("consecutive number must be exactly 20 digits")
	ErrSigningFailed        = errors.New("document could not be signed")
	ErrPayloadNotFound      = errors.New("archived document not found")
	ErrAuthFailure          = errors.New("authority rejected the credentials")
	ErrStructuralRejection  = errors.New("authority rejected the request")
	ErrTransientNetwork     = errors.New("authority unavailable")
	ErrQuotaExceeded        = errors.New("rate limit reached")
	ErrNoQueueEntry         = errors.New("no queue entry to reschedule")
	ErrInvalidCallbackToken = errors.New("invalid callback token")
	ErrMalformedCallback    = errors.New("malformed callback body")
	ErrDocumentNotFound     = errors.New("document not found")
	ErrDuplicateDocument    = errors.New("a document with this key was already issued")
	ErrOriginalRejected     = errors.New("the received document was rejected by the authority")
	ErrOriginalNotFound     = errors.New("the received document is not known to the authority")
	ErrSupplierSignature    = errors.New("the received document is not validly signed")
)

// classify maps an authority or token error onto the error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if se, ok := hacienda.AsStatusError(err); ok {
		switch {
		case se.IsAuth():
			return fmt.Errorf("%w: %v", ErrAuthFailure, se)
		case se.IsServer():
			return fmt.Errorf("%w: %v", ErrTransientNetwork, se)
		default:
			return fmt.Errorf("%w: %v", ErrStructuralRejection, se)
		}
	}
	switch {
	case errors.Is(err, token.ErrQuotaExceeded):
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case errors.Is(err, token.ErrRejected), errors.Is(err, token.ErrNoCredentials):
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
}

// outcome names a classified failure for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, ErrAuthFailure):
		return "auth_failure"
	case errors.Is(err, ErrStructuralRejection):
		return "rejected"
	case errors.Is(err, ErrPayloadNotFound):
		return "payload_missing"
	}
	return "unavailable"
}
