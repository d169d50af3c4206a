package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"arbiterflow/dispute"
)

type createDisputeRequest struct {
	Respondent   string `json:"respondent"`
	Category     string `json:"category"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	EvidenceURI  string `json:"evidenceUri"`
	EvidenceHash string `json:"evidenceHash"`
}

type evidenceRequest struct {
	Category    string `json:"category"`
	URI         string `json:"uri"`
	ContentHash string `json:"contentHash"`
	Description string `json:"description"`
}

type voteRequest struct {
	SupportsChallenger bool   `json:"supportsChallenger"`
	Rationale          string `json:"rationale"`
	Confidence         int    `json:"confidence"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type admitRequest struct {
	Account string `json:"account"`
}

func disputeID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req createDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	category, err := dispute.ParseCategory(req.Category)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.disputeService.Create(r.Context(), actor, dispute.CreateParams{
		Respondent:   req.Respondent,
		Category:     category,
		Title:        req.Title,
		Description:  req.Description,
		EvidenceURI:  req.EvidenceURI,
		EvidenceHash: req.EvidenceHash,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := disputeID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	d, err := s.disputeService.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

// handleListDisputes accepts ?account=, ?mine=true, ?phase=a,b and ?limit=.
func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	q := r.URL.Query()
	filter := dispute.Filter{Account: q.Get("account")}
	if q.Get("mine") == "true" {
		filter.Account = actor.ID
	}
	if raw := q.Get("phase"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			phase, err := dispute.ParsePhase(strings.TrimSpace(name))
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			filter.Phases = append(filter.Phases, phase)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	items, err := s.disputeService.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := make([]disputeResponse, 0, len(items))
	for _, d := range items {
		resp = append(resp, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": resp, "total": len(resp)})
}

func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.actorAndID(w, r)
	if !ok {
		return
	}
	var req evidenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	ev, err := s.disputeService.SubmitEvidence(r.Context(), actor, id, dispute.EvidenceParams{
		Category:    req.Category,
		URI:         req.URI,
		ContentHash: req.ContentHash,
		Description: req.Description,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEvidenceResponse(ev))
}

func (s *Server) handleOpenVoting(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.actorAndID(w, r)
	if !ok {
		return
	}
	d, err := s.disputeService.OpenVoting(r.Context(), actor, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.actorAndID(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	d, err := s.disputeService.CastVote(r.Context(), actor, id, dispute.VoteParams{
		SupportsChallenger: req.SupportsChallenger,
		Rationale:          req.Rationale,
		Confidence:         req.Confidence,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleForceResolve(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.actorAndID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
	}
	d, err := s.disputeService.ForceResolve(r.Context(), actor, id, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.actorAndID(w, r)
	if !ok {
		return
	}
	settlement, err := s.disputeService.Execute(r.Context(), actor, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementResponse(settlement))
}

func (s *Server) handleAppeal(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.actorAndID(w, r)
	if !ok {
		return
	}
	d, err := s.disputeService.Appeal(r.Context(), actor, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.actorAndID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	d, err := s.disputeService.Reject(r.Context(), actor, id, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := s.actorAndID(w, r)
	if !ok {
		return
	}
	d, err := s.disputeService.ReopenExecution(r.Context(), actor, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleListArbitrators(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	records := s.arbitratorService.List()
	resp := make([]arbitratorResponse, 0, len(records))
	for _, rec := range records {
		if activeOnly && !rec.Active {
			continue
		}
		resp = append(resp, toArbitratorResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": resp, "total": len(resp)})
}

func (s *Server) handleGetArbitrator(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.arbitratorService.Get(chi.URLParam(r, "account"))
	if !ok {
		writeError(w, http.StatusNotFound, "arbitrator not found")
		return
	}
	writeJSON(w, http.StatusOK, toArbitratorResponse(rec))
}

// handleAdmitArbitrator registers the caller. Admins may admit another
// account by naming it in the body.
func (s *Server) handleAdmitArbitrator(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req admitRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
	}
	account := actor.ID
	if req.Account != "" && req.Account != actor.ID {
		if !actor.Admin {
			writeError(w, http.StatusForbidden, "only admins can admit other accounts")
			return
		}
		account = req.Account
	}
	rec, err := s.arbitratorService.Admit(r.Context(), account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toArbitratorResponse(rec))
}

func (s *Server) handleRemoveArbitrator(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	account := chi.URLParam(r, "account")
	if account != actor.ID && !actor.Admin {
		writeError(w, http.StatusForbidden, "cannot remove another arbitrator")
		return
	}
	rec, err := s.arbitratorService.Remove(r.Context(), account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toArbitratorResponse(rec))
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toParamsPayload(s.disputeService.Params()))
}

func (s *Server) handleSetParams(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req paramsPayload
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	params, err := req.toParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid window duration")
		return
	}
	updated, err := s.disputeService.SetParams(r.Context(), actor, params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParamsPayload(updated))
}

func (s *Server) actorAndID(w http.ResponseWriter, r *http.Request) (dispute.Actor, int64, bool) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return dispute.Actor{}, 0, false
	}
	id, ok := disputeID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return dispute.Actor{}, 0, false
	}
	return actor, id, true
}
