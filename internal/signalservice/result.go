package signalservice

import (
	"context"
	"errors"
	"time"
)

// FailureKind classifies a failed delivery.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureNetwork
	FailureUnregistered
	FailureUntrustedIdentity
	FailureRateLimited
	FailureProofRequired
	FailureServerRejected
	FailureCancelled
	// FailureLocal covers local store or crypto errors.
	FailureLocal
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "success"
	case FailureNetwork:
		return "network"
	case FailureUnregistered:
		return "unregistered"
	case FailureUntrustedIdentity:
		return "untrusted_identity"
	case FailureRateLimited:
		return "rate_limited"
	case FailureProofRequired:
		return "proof_required"
	case FailureServerRejected:
		return "server_rejected"
	case FailureCancelled:
		return "cancelled"
	}
	return "local"
}

// SendSuccess describes a completed delivery.
type SendSuccess struct {
	// Devices the message was encrypted for.
	Devices []int
	// Unidentified is set when the request was authorized with the
	// recipient's access key instead of our credentials.
	Unidentified bool
	// NeedsSync is set when other devices of the local account should get
	// a copy.
	NeedsSync bool
	Duration  time.Duration
}

// SendResult is the outcome of delivering to one recipient. Exactly one of
// Success and Failure is set.
type SendResult struct {
	Recipient string
	Success   *SendSuccess
	Failure   FailureKind
	Err       error
}

// OK reports whether the delivery succeeded.
func (r SendResult) OK() bool { return r.Success != nil }

// Classify maps a delivery error to its failure kind.
func Classify(err error) FailureKind {
	var (
		rateErr     *RateLimitedError
		proofErr    *ProofRequiredError
		rejectErr   *ServerRejectedError
		tooLarge    *ContentTooLargeError
		identityErr *UntrustedIdentityError
		netErr      *NetworkError
		mismatch    *mismatchedDevicesError
		stale       *staleDevicesError
		gMismatch   *groupMismatchedDevicesError
		gStale      *groupStaleDevicesError
	)
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureCancelled
	case errors.Is(err, ErrUnregistered):
		return FailureUnregistered
	case errors.As(err, &identityErr):
		return FailureUntrustedIdentity
	case errors.As(err, &rateErr):
		return FailureRateLimited
	case errors.As(err, &proofErr):
		return FailureProofRequired
	case errors.As(err, &netErr):
		return FailureNetwork
	case errors.Is(err, ErrAuthorization), errors.As(err, &rejectErr), errors.As(err, &tooLarge):
		return FailureServerRejected
	// Drift that survived every attempt is reported like a transport failure.
	case errors.Is(err, ErrPipeUnavailable),
		errors.As(err, &mismatch), errors.As(err, &stale),
		errors.As(err, &gMismatch), errors.As(err, &gStale):
		return FailureNetwork
	}
	return FailureLocal
}

// failedResult builds the result for a failed delivery.
func failedResult(recipient string, err error) SendResult {
	return SendResult{Recipient: recipient, Failure: Classify(err), Err: err}
}
