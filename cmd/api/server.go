package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"arbiterflow/arbitrator"
	"arbiterflow/auth"
	"arbiterflow/dispute"
	"arbiterflow/ledger"
)

type contextKey string

const (
	ctxKeyUserID contextKey = "userID"
	ctxKeyRole   contextKey = "role"
)

type disputeService interface {
	Create(ctx context.Context, actor dispute.Actor, p dispute.CreateParams) (dispute.Dispute, error)
	Get(ctx context.Context, id int64) (dispute.Dispute, error)
	List(ctx context.Context, f dispute.Filter) ([]dispute.Dispute, error)
	SubmitEvidence(ctx context.Context, actor dispute.Actor, id int64, p dispute.EvidenceParams) (dispute.Evidence, error)
	OpenVoting(ctx context.Context, actor dispute.Actor, id int64) (dispute.Dispute, error)
	CastVote(ctx context.Context, actor dispute.Actor, id int64, p dispute.VoteParams) (dispute.Dispute, error)
	ForceResolve(ctx context.Context, actor dispute.Actor, id int64, reason string) (dispute.Dispute, error)
	Execute(ctx context.Context, actor dispute.Actor, id int64) (dispute.Settlement, error)
	Appeal(ctx context.Context, actor dispute.Actor, id int64) (dispute.Dispute, error)
	Reject(ctx context.Context, actor dispute.Actor, id int64, reason string) (dispute.Dispute, error)
	ReopenExecution(ctx context.Context, actor dispute.Actor, id int64) (dispute.Dispute, error)
	Params() dispute.Params
	SetParams(ctx context.Context, actor dispute.Actor, p dispute.Params) (dispute.Params, error)
}

type arbitratorService interface {
	Admit(ctx context.Context, account string) (arbitrator.Record, error)
	Remove(ctx context.Context, account string) (arbitrator.Record, error)
	Get(account string) (arbitrator.Record, bool)
	List() []arbitrator.Record
}

type tokenVerifier interface {
	VerifyToken(token string) (auth.Claims, error)
}

// Server exposes the arbitration engine over HTTP.
type Server struct {
	disputeService    disputeService
	arbitratorService arbitratorService
	tokens            tokenVerifier
	ready             func(ctx context.Context) error
	log               *zap.Logger
}

func NewServer(disputes disputeService, arbitrators arbitratorService, tokens tokenVerifier, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		disputeService:    disputes,
		arbitratorService: arbitrators,
		tokens:            tokens,
		log:               log,
	}
}

// Routes mounts every endpoint on a chi router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/disputes", s.handleListDisputes)
		r.Post("/disputes", s.handleCreateDispute)
		r.Route("/disputes/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetDispute)
			r.Post("/evidence", s.handleSubmitEvidence)
			r.Post("/voting", s.handleOpenVoting)
			r.Post("/votes", s.handleCastVote)
			r.Post("/resolve", s.handleForceResolve)
			r.Post("/execute", s.handleExecute)
			r.Post("/appeal", s.handleAppeal)
			r.Post("/reject", s.handleReject)
			r.Post("/reopen", s.handleReopen)
		})

		r.Get("/arbitrators", s.handleListArbitrators)
		r.Post("/arbitrators", s.handleAdmitArbitrator)
		r.Get("/arbitrators/{account}", s.handleGetArbitrator)
		r.Delete("/arbitrators/{account}", s.handleRemoveArbitrator)

		r.Get("/params", s.handleGetParams)
		r.Put("/params", s.handleSetParams)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// authenticate resolves the bearer token into the caller's account and role.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.Account)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(r *http.Request) (dispute.Actor, bool) {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	if id == "" {
		return dispute.Actor{}, false
	}
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return dispute.Actor{ID: id, Admin: role == auth.RoleDisputeAdmin}, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispute.ErrNotFound), errors.Is(err, arbitrator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispute.ErrForbidden), errors.Is(err, dispute.ErrNotCommittee):
		return http.StatusForbidden
	case errors.Is(err, dispute.ErrInvalidInput), errors.Is(err, dispute.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, dispute.ErrInsufficientBond), errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, dispute.ErrBadPhase),
		errors.Is(err, dispute.ErrWindowClosed),
		errors.Is(err, dispute.ErrWindowNotOpen),
		errors.Is(err, dispute.ErrDuplicateVote),
		errors.Is(err, dispute.ErrPoolTooSmall),
		errors.Is(err, arbitrator.ErrAlreadyActive),
		errors.Is(err, arbitrator.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, arbitrator.ErrIneligible):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
