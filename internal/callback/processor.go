// Package callback receives and processes the provider redirect that
// completes an authorization attempt, whether the attempt was started by
// this process, another local process, or a detached (remote) one.
package callback

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"tether/internal/broker"
	"tether/internal/flow"
	"tether/internal/pending"
	"tether/pkg/logging"
)

// Params are the query parameters of a provider redirect.
type Params struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string

	// RemoteAuth marks a redirect explicitly addressed to a detached
	// session; RemoteSessionID carries that session when known.
	RemoteAuth      bool
	RemoteSessionID string
}

// ParamsFromQuery extracts callback parameters from a redirect URL query.
func ParamsFromQuery(q url.Values) Params {
	return Params{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		RemoteAuth:       q.Get("remote_auth") == "true",
		RemoteSessionID:  q.Get("remote_auth_session_id"),
	}
}

// OutcomeKind classifies how a callback was handled.
type OutcomeKind string

const (
	// OutcomeSuccess is a completed standard attempt.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeRemoteCompleted is a completed detached attempt.
	OutcomeRemoteCompleted OutcomeKind = "remote_completed"
	// OutcomeProviderError means the provider denied the authorization.
	OutcomeProviderError OutcomeKind = "provider_error"
	// OutcomeMissingParams means the redirect lacked code or state.
	OutcomeMissingParams OutcomeKind = "missing_params"
	// OutcomeSessionExpired means no session matches the redirect anymore.
	OutcomeSessionExpired OutcomeKind = "session_expired"
	// OutcomeExchangeFailed means the broker could not redeem the code.
	OutcomeExchangeFailed OutcomeKind = "exchange_failed"
)

// Outcome is the result of processing one callback.
type Outcome struct {
	Kind      OutcomeKind
	SessionID string
	TargetID  string
	ReturnURL string
	Err       error
}

// Exchanger is the subset of the broker client the processor needs.
type Exchanger interface {
	ExchangeCode(ctx context.Context, sessionID, code, state string) error
	RemoteAuthorize(ctx context.Context, req *broker.RemoteAuthorizeRequest) (*broker.RemoteAuthorizeResponse, error)
}

// Processor turns redirect parameters into a flow outcome, completing the
// attempt against the broker and maintaining pending state.
type Processor struct {
	broker Exchanger
	store  *pending.Store
}

// NewProcessor creates a callback processor.
func NewProcessor(b Exchanger, store *pending.Store) *Processor {
	return &Processor{broker: b, store: store}
}

// Process handles one provider redirect. Redirects explicitly marked as
// remote, and redirects whose state matches no local record, are completed
// through the broker's remote-auth endpoint; everything else follows the
// standard exchange path against the locally stored session.
func (p *Processor) Process(ctx context.Context, params Params) Outcome {
	if params.RemoteAuth || params.RemoteSessionID != "" {
		return p.processRemote(ctx, params, params.RemoteSessionID)
	}

	if params.State == "" || (params.Code == "" && params.Error == "") {
		return Outcome{Kind: OutcomeMissingParams}
	}

	record := p.store.ReadByState(params.State)
	if record == nil {
		// Another device may have started this attempt; let the broker
		// resolve the session from the state alone.
		logging.Debug("Callback", "No local record for state, trying remote completion")
		return p.processRemote(ctx, params, "")
	}

	return p.processStandard(ctx, params, record)
}

func (p *Processor) processStandard(ctx context.Context, params Params, record *pending.Record) Outcome {
	outcome := Outcome{
		SessionID: record.SessionID,
		TargetID:  record.TargetID,
		ReturnURL: record.ReturnURL,
	}

	switch {
	case params.Error != "":
		// The provider already decided; nothing to exchange.
		outcome.Kind = OutcomeProviderError
		outcome.Err = &flow.ProviderError{Code: params.Error, Description: params.ErrorDescription}
	case params.Code == "":
		outcome.Kind = OutcomeMissingParams
		outcome.Err = errors.New("redirect carried no authorization code")
	default:
		if err := p.broker.ExchangeCode(ctx, record.SessionID, params.Code, params.State); err != nil {
			outcome.Kind = OutcomeExchangeFailed
			outcome.Err = &flow.ExchangeError{SessionID: record.SessionID, Err: err}
		} else {
			outcome.Kind = OutcomeSuccess
		}
	}

	// The attempt is terminal either way; the code is single-use.
	p.finish(record.SessionID, params.State, record.TargetID, outcome.Err)
	return outcome
}

func (p *Processor) processRemote(ctx context.Context, params Params, sessionID string) Outcome {
	resp, err := p.broker.RemoteAuthorize(ctx, &broker.RemoteAuthorizeRequest{
		SessionID:         sessionID,
		AuthorizationCode: params.Code,
		State:             params.State,
		Error:             params.Error,
	})
	if err != nil {
		var apiErr *broker.APIError
		switch {
		case errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone):
			// The broker no longer knows this state or session.
			return Outcome{
				Kind: OutcomeSessionExpired,
				Err:  &flow.SessionExpiredError{State: params.State},
			}
		case errors.As(err, &apiErr):
			return Outcome{
				Kind: OutcomeExchangeFailed,
				Err:  &flow.ExchangeError{SessionID: sessionID, Err: err},
			}
		default:
			return Outcome{
				Kind: OutcomeExchangeFailed,
				Err:  &flow.TransportError{Op: "remote authorize", Err: err},
			}
		}
	}

	outcome := Outcome{Kind: OutcomeRemoteCompleted, SessionID: resp.SessionID}
	if params.Error != "" {
		outcome.Kind = OutcomeProviderError
		outcome.Err = &flow.ProviderError{Code: params.Error, Description: params.ErrorDescription}
	}

	p.finish(resp.SessionID, params.State, "", outcome.Err)
	return outcome
}

// finish records the terminal completion marker and drops the pending
// record, so initiating processes stop waiting and the state nonce cannot
// be replayed.
func (p *Processor) finish(sessionID, state, targetID string, outcomeErr error) {
	errText := ""
	if outcomeErr != nil {
		errText = outcomeErr.Error()
	}

	if sessionID != "" {
		marker := &pending.Completion{
			SessionID:   sessionID,
			State:       state,
			TargetID:    targetID,
			Err:         errText,
			CompletedAt: time.Now(),
		}
		if err := p.store.MarkCompleted(marker); err != nil {
			logging.Warn("Callback", "Failed to write completion marker for session %s: %v", sessionID, err)
		}
	}

	if state != "" {
		if err := p.store.Clear(state, targetID); err != nil {
			logging.Warn("Callback", "Failed to clear pending record for state: %v", err)
		}
	}
}
