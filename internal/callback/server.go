package callback

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"tether/pkg/logging"
)

// WaitTimeout is how long a connect run waits for the provider redirect.
const WaitTimeout = 10 * time.Minute

// Server is the local HTTP server receiving provider redirects. In
// single-shot mode it handles exactly one callback and shuts down, which
// is how a connect run waits for its own redirect; the serve daemon runs
// it persistently instead.
type Server struct {
	port       int
	processor  *Processor
	singleShot bool
	successURL string

	server    *http.Server
	listener  net.Listener
	resultCh  chan Outcome
	errorCh   chan error
	once      sync.Once
	serverURL string
}

// ServerOption configures the callback server.
type ServerOption func(*Server)

// WithSuccessURL redirects completed attempts without a stored return URL
// to the given page instead of the built-in one.
func WithSuccessURL(url string) ServerOption {
	return func(s *Server) {
		s.successURL = url
	}
}

// NewSingleShot creates a server that handles one callback and stops.
func NewSingleShot(port int, processor *Processor, opts ...ServerOption) *Server {
	s := newServer(port, processor, opts...)
	s.singleShot = true
	return s
}

// NewServer creates a persistent callback server for the serve daemon.
func NewServer(port int, processor *Processor, opts ...ServerOption) *Server {
	return newServer(port, processor, opts...)
}

func newServer(port int, processor *Processor, opts ...ServerOption) *Server {
	s := &Server{
		port:      port,
		processor: processor,
		resultCh:  make(chan Outcome, 1),
		errorCh:   make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins listening and returns the redirect URI to register with the
// broker. A port of 0 picks a free one. The server stops when the context
// is cancelled.
func (s *Server) Start(ctx context.Context) (string, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start callback server on %s: %w", addr, err)
	}

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.serverURL = fmt.Sprintf("http://localhost:%d", s.port)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case s.errorCh <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	logging.Debug("Callback", "Listening for redirects on %s", s.serverURL)
	return s.RedirectURI(), nil
}

// RedirectURI returns the URI the provider should redirect to.
func (s *Server) RedirectURI() string {
	return s.serverURL + "/callback"
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	return s.port
}

// WaitForOutcome blocks until a callback has been processed, the server
// fails, or the context ends.
func (s *Server) WaitForOutcome(ctx context.Context) (Outcome, error) {
	select {
	case outcome := <-s.resultCh:
		return outcome, nil
	case err := <-s.errorCh:
		return Outcome{}, err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.singleShot {
		var handled bool
		s.once.Do(func() {
			handled = true
			s.processAndRespond(w, r)
			// Give the response time to flush before tearing down.
			go func() {
				time.Sleep(1 * time.Second)
				s.Stop()
			}()
		})
		if !handled {
			http.Error(w, "Callback already processed", http.StatusBadRequest)
		}
		return
	}

	s.processAndRespond(w, r)
}

func (s *Server) processAndRespond(w http.ResponseWriter, r *http.Request) {
	params := ParamsFromQuery(r.URL.Query())
	outcome := s.processor.Process(r.Context(), params)

	logging.Info("Callback", "Processed redirect: outcome=%s session=%s", outcome.Kind, outcome.SessionID)

	switch outcome.Kind {
	case OutcomeSuccess, OutcomeRemoteCompleted:
		switch {
		case outcome.ReturnURL != "":
			http.Redirect(w, r, outcome.ReturnURL, http.StatusSeeOther)
		case s.successURL != "":
			http.Redirect(w, r, s.successURL, http.StatusSeeOther)
		default:
			renderSuccessPage(w)
		}
	case OutcomeMissingParams:
		renderErrorPage(w, "The redirect was missing required parameters.")
	case OutcomeSessionExpired:
		renderErrorPage(w, "This authorization attempt has expired.")
	default:
		msg := "The authorization could not be completed."
		if outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		renderErrorPage(w, msg)
	}

	select {
	case s.resultCh <- outcome:
	default:
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
