package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"harborbank.org/internal/auth"
	"harborbank.org/internal/bank"
	"harborbank.org/internal/identity"
	"harborbank.org/internal/obs"
	"harborbank.org/internal/otp"
	"harborbank.org/internal/stream"
	"harborbank.org/internal/transfer"
)

const serviceName = "harbor-api"

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the services the HTTP layer dispatches to.
type Deps struct {
	Users     bank.UserStore
	Accounts  bank.AccountStore
	OTP       *otp.Manager
	Transfers *transfer.Machine
	Identity  *identity.Service
	Stream    *stream.Stream
	Ready     ReadyProbe
}

// API is the HTTP layer.
type API struct {
	deps Deps

	version    string
	rateBurst  int
	ratePerSec float64
	origins    []string
	router     chi.Router
}

type Option func(*API)

// WithRateLimit sets the per client token bucket.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

// WithAllowedOrigins replaces the default localhost CORS origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(a *API) {
		if len(origins) > 0 {
			a.origins = origins
		}
	}
}

func New(d Deps, version string, opts ...Option) *API {
	a := &API{
		deps:       d,
		version:    version,
		rateBurst:  20,
		ratePerSec: 10,
		origins:    []string{"http://localhost:*", "http://127.0.0.1:*"},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.Info)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", a.handleSignup)
			r.Post("/confirm", a.handleConfirmEmail)
			r.Post("/confirm/resend", a.handleResendConfirmation)
			r.Post("/login", a.handleLogin)
			r.Post("/login/verify", a.handleLoginVerify)
			r.Post("/password/forgot", a.handleForgotPassword)
			r.Post("/password/reset", a.handleResetPassword)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.optionalAuth)
			r.Post("/otp", a.handleIssueOTP)
			r.Post("/otp/verify", a.handleVerifyOTP)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)

			r.Get("/me", a.handleMe)
			r.Post("/me/two-factor", a.handleTwoFactor)
			r.Get("/accounts", a.handleListAccounts)

			r.Route("/transfers", func(r chi.Router) {
				r.Post("/", a.handleCreateTransfer)
				r.Get("/", a.handleListTransfers)
				r.Get("/events", a.Stream)
				r.Get("/{id}", a.handleGetTransfer)
				r.Post("/{id}/levels/{level}/code", a.handleIssueLevelCode)
				r.Post("/{id}/levels/{level}/verify", a.handleVerifyLevel)
				r.Post("/{id}/complete", a.handleCompleteTransfer)
				r.Post("/{id}/fail", a.handleCancelTransfer)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireRole(string(bank.RoleAdmin), string(bank.RoleSuperAdmin)))
				r.Post("/accounts", a.handleAdminCreateAccount)
				r.Post("/accounts/{id}/status", a.handleAdminAccountStatus)
				r.Post("/transfers/{id}/fail", a.handleAdminFailTransfer)
			})
		})
	})
	return r
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = obs.Instrument(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = a.cors(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":            serviceName,
		"time":            time.Now().UTC().Format(time.RFC3339),
		"version":         a.version,
		"security_levels": a.deps.Transfers.Levels(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps workflow errors onto status codes. Anything unrecognised is
// logged and reported as an internal error without detail.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var limited *otp.RateLimitError
	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, otp.ErrInvalidRequest),
		errors.Is(err, transfer.ErrInvalidTransferDetails),
		errors.Is(err, transfer.ErrInvalidLevel),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, identity.ErrInvalidEmail):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, otp.ErrInvalidOrExpiredCode),
		errors.Is(err, transfer.ErrSecurityCodeMismatch):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, transfer.ErrTransferNotPending),
		errors.Is(err, transfer.ErrIncompleteVerification),
		errors.Is(err, transfer.ErrInsufficientFunds),
		errors.Is(err, transfer.ErrPendingTransferExists),
		errors.Is(err, transfer.ErrLevelOutOfOrder),
		errors.Is(err, transfer.ErrBalanceMismatch),
		errors.Is(err, transfer.ErrAccountNotActive),
		errors.Is(err, transfer.ErrTransferExpired),
		errors.Is(err, bank.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, bank.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, identity.ErrEmailNotVerified):
		writeError(w, r, http.StatusForbidden, err.Error())
	default:
		obs.Logger().Error("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
