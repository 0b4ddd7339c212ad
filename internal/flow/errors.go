package flow

import "fmt"

// PreconditionError is a failure detected before any network call for the
// failing concern: missing broker configuration, an unsaved target, or a
// provider that needs manual client credentials which were not supplied.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "cannot start authorization: " + e.Reason
}

// MetadataError means the authorization server's endpoints could not be
// resolved, either because discovery failed or the document was incomplete.
type MetadataError struct {
	Resource string
	Err      error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("failed to resolve authorization metadata for %s: %v", e.Resource, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// SessionExpiredError means a callback arrived for a session the broker no
// longer recognizes; the user has to start the flow again.
type SessionExpiredError struct {
	State string
}

func (e *SessionExpiredError) Error() string {
	return "authorization session expired or unknown; start the connection again"
}

// ProviderError carries an error the authorization server returned on the
// redirect (error / error_description query parameters).
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider returned %s: %s", e.Code, e.Description)
	}
	return "provider returned " + e.Code
}

// ExchangeError means the broker accepted the callback but failed to
// exchange the authorization code with the provider.
type ExchangeError struct {
	SessionID string
	Err       error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("code exchange failed: %v", e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// TransportError means the broker itself was unreachable or returned an
// unexpected failure, as opposed to a structured flow outcome.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broker request %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
