package client

import (
	"context"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Phase is a state of the callback handler.
type Phase int

const (
	PhasePending Phase = iota
	PhaseExchanging
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "PENDING"
	case PhaseExchanging:
		return "EXCHANGING"
	case PhaseSucceeded:
		return "SUCCESS"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Navigation targets after a callback.
const (
	HomePath     = "/"
	FailurePath  = "/?error=oauth_processing_failed"
	FailureDelay = 3 * time.Second
)

// Status lines shown on the callback page.
const (
	StatusProcessing = "Processing GitHub login..."
	StatusSucceeded  = "Login successful! Redirecting..."
	StatusFailed     = "Login failed."
)

const (
	msgCodeMissing     = "authorization code missing"
	msgStateMissing    = "state parameter missing"
	msgBadResult       = "Failed to exchange code with backend or invalid response structure."
	msgServerTransport = "Failed to communicate with the server during login: "
	msgLoginFailed     = "Failed to save login: "
)

// Outcome is the terminal result of a callback visit.
type Outcome struct {
	Phase   Phase
	Status  string
	Error   string
	Next    string
	Delay   time.Duration
	Session *Session
}

// CallbackHandler processes one callback visit. Handle runs the exchange at
// most once; later calls return the same Outcome.
type CallbackHandler struct {
	exchanger Exchanger
	state     *AuthState
	logger    log.FieldLogger

	once    sync.Once
	mu      sync.Mutex
	phase   Phase
	outcome Outcome
}

// CallbackOption configures a CallbackHandler.
type CallbackOption func(*CallbackHandler)

// WithCallbackLogger sets the logger. nil keeps the standard logger.
func WithCallbackLogger(l log.FieldLogger) CallbackOption {
	return func(h *CallbackHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewCallbackHandler returns a handler in the PENDING phase.
func NewCallbackHandler(ex Exchanger, state *AuthState, opts ...CallbackOption) *CallbackHandler {
	h := &CallbackHandler{
		exchanger: ex,
		state:     state,
		logger:    log.StandardLogger(),
		phase:     PhasePending,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Phase returns the current phase.
func (h *CallbackHandler) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

func (h *CallbackHandler) setPhase(p Phase) {
	h.mu.Lock()
	h.phase = p
	h.mu.Unlock()
}

// Handle processes the callback query (code, state). It never retries.
func (h *CallbackHandler) Handle(ctx context.Context, query url.Values) Outcome {
	h.once.Do(func() {
		h.outcome = h.run(ctx, query)
		h.setPhase(h.outcome.Phase)
	})
	return h.outcome
}

func (h *CallbackHandler) run(ctx context.Context, query url.Values) Outcome {
	code := query.Get("code")
	state := query.Get("state")
	if code == "" {
		return h.fail(msgCodeMissing)
	}
	if state == "" {
		return h.fail(msgStateMissing)
	}

	h.setPhase(PhaseExchanging)
	result, err := h.exchanger.Exchange(ctx, code, state)
	if err != nil {
		h.logger.WithError(err).Error("error during backend code exchange")
		return h.fail(msgServerTransport + err.Error())
	}
	if result == nil || !result.Success || result.AccessToken == "" || result.User == nil {
		msg := msgBadResult
		if result != nil && result.ErrorMessage != "" {
			msg = result.ErrorMessage
		}
		h.logger.WithField("message", msg).Warn("login failed")
		return h.fail(msg)
	}

	if err := h.state.Login(ctx, *result.User, result.AccessToken); err != nil {
		h.logger.WithError(err).Error("failed to persist login")
		return h.fail(msgLoginFailed + err.Error())
	}
	sess, _ := h.state.Current()
	return Outcome{
		Phase:   PhaseSucceeded,
		Status:  StatusSucceeded,
		Next:    HomePath,
		Session: &sess,
	}
}

func (h *CallbackHandler) fail(msg string) Outcome {
	return Outcome{
		Phase:  PhaseFailed,
		Status: StatusFailed,
		Error:  msg,
		Next:   FailurePath,
		Delay:  FailureDelay,
	}
}
