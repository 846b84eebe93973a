package sdk

import "fmt"

// AuthenticationError is returned when the Live Session Token handshake
// fails, or when a call still gets 401/410 after one re-authentication
// cycle. It is not retried beyond that single cycle.
type AuthenticationError struct {
	Endpoint string
	Err      error
}

func (e *AuthenticationError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("authentication failed for %s: %v", e.Endpoint, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransientNetworkError is surfaced once the retry budget for timeouts,
// connection errors, 429 and 5xx responses is exhausted.
type TransientNetworkError struct {
	Endpoint   string
	StatusCode int // 0 when the failure never produced a response
	Attempts   int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("request to %s failed after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
	}
	return fmt.Sprintf("request to %s failed after %d attempts (last status %d): %v",
		e.Endpoint, e.Attempts, e.StatusCode, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ClientError is returned for 400/404 (and any other non-retryable status).
// It is never retried.
type ClientError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// SafetyViolationError is returned by Connect when the client is
// configured for simulated trading but the brokerage reports a live
// account. It is always fatal and never downgraded.
type SafetyViolationError struct {
	AccountID      string
	ExpectedPrefix string
}

func (e *SafetyViolationError) Error() string {
	return fmt.Sprintf("account %s does not match expected paper account prefix %q; refusing to trade",
		e.AccountID, e.ExpectedPrefix)
}
