package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"tradeescrow/contract"
	"tradeescrow/dispute"
	"tradeescrow/escrow"
	"tradeescrow/logger"
)

type contextKey string

const (
	ctxKeyActor     contextKey = "actor"
	ctxKeyRequestID contextKey = "request_id"
)

type contractService interface {
	CreateContract(ctx context.Context, actor escrow.Actor, p contract.CreateParams) (contract.Result, error)
	StartMilestone(ctx context.Context, actor escrow.Actor, contractID string, index int) (contract.Result, error)
	CompleteMilestone(ctx context.Context, actor escrow.Actor, contractID string, index int, deliverableHash string) (contract.Result, error)
	RejectMilestone(ctx context.Context, actor escrow.Actor, contractID string, index int, feedback string) (contract.Result, error)
	ApproveMilestone(ctx context.Context, actor escrow.Actor, contractID string, index int) (contract.Result, error)
	CancelContract(ctx context.Context, actor escrow.Actor, contractID string) (contract.Result, error)
	GetContractDetails(ctx context.Context, contractID string) (escrow.Contract, error)
	GetUserContracts(ctx context.Context, party string) ([]escrow.Contract, error)
	ListEvents(ctx context.Context, contractID string) ([]escrow.Event, error)
}

type disputeService interface {
	CreateDispute(ctx context.Context, actor escrow.Actor, p dispute.CreateParams) (dispute.Result, error)
	ResolveDispute(ctx context.Context, actor escrow.Actor, p dispute.ResolveParams) (dispute.Result, error)
	GetDisputeDetails(ctx context.Context, id string) (escrow.Dispute, error)
	ListContractDisputes(ctx context.Context, contractID string) ([]escrow.Dispute, error)
}

type tokenVerifier interface {
	Verify(token string) (escrow.Actor, error)
}

// Server exposes the escrow engines over HTTP.
type Server struct {
	contracts contractService
	disputes  disputeService
	verifier  tokenVerifier
	lggr      logger.Logger
	newID     func() string
}

func NewServer(contracts contractService, disputes disputeService, verifier tokenVerifier, lggr logger.Logger) *Server {
	return &Server{
		contracts: contracts,
		disputes:  disputes,
		verifier:  verifier,
		lggr:      lggr.Named("api"),
		newID:     uuid.NewString,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authenticate)

		api.Route("/contracts", func(cr chi.Router) {
			cr.Post("/", s.handleCreateContract)
			cr.Get("/", s.handleListContracts)
			cr.Route("/{contractID}", func(one chi.Router) {
				one.Get("/", s.handleContract)
				one.Get("/events", s.handleEvents)
				one.Get("/disputes", s.handleContractDisputes)
				one.Post("/cancel", s.handleCancel)
				one.Route("/milestones/{index}", func(ms chi.Router) {
					ms.Post("/start", s.handleStart)
					ms.Post("/complete", s.handleComplete)
					ms.Post("/approve", s.handleApprove)
					ms.Post("/reject", s.handleReject)
					ms.Post("/disputes", s.handleCreateDispute)
				})
			})
		})

		api.Get("/disputes/{disputeID}", s.handleDispute)
		api.Post("/disputes/{disputeID}/resolve", s.handleResolveDispute)
	})
	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = "req_" + s.newID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.lggr.Debugw("request", "requestID", requestIDFrom(r.Context()), "method", r.Method,
			"path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			s.writeAuthError(w, r, nil)
			return
		}
		actor, err := s.verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			s.writeAuthError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyActor, actor)))
	})
}

func actorFrom(ctx context.Context) escrow.Actor {
	actor, _ := ctx.Value(ctxKeyActor).(escrow.Actor)
	return actor
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func (s *Server) milestoneIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, r, http.StatusBadRequest, string(escrow.CodeInvalidContractParameters), "milestone index must be a non-negative integer", nil)
		return 0, false
	}
	return index, true
}

func (s *Server) badBody(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusBadRequest, string(escrow.CodeInvalidContractParameters), "invalid request body", map[string]any{"reason": err.Error()})
}

type milestoneRequest struct {
	Description string    `json:"description"`
	Amount      int64     `json:"amount"`
	DueDate     time.Time `json:"due_date"`
}

type createContractRequest struct {
	ContractID  string             `json:"contract_id"`
	Buyer       string             `json:"buyer"`
	Seller      string             `json:"seller"`
	TermsHash   string             `json:"terms_hash"`
	TotalAmount int64              `json:"total_amount"`
	Milestones  []milestoneRequest `json:"milestones"`
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var req createContractRequest
	if err := readJSON(r, &req); err != nil {
		s.badBody(w, r, err)
		return
	}
	if req.ContractID == "" {
		req.ContractID = s.newID()
	}
	params := contract.CreateParams{
		ContractID:  req.ContractID,
		Buyer:       req.Buyer,
		Seller:      req.Seller,
		TermsHash:   req.TermsHash,
		TotalAmount: req.TotalAmount,
		Milestones:  make([]contract.MilestoneSpec, 0, len(req.Milestones)),
	}
	for _, m := range req.Milestones {
		params.Milestones = append(params.Milestones, contract.MilestoneSpec{Description: m.Description, Amount: m.Amount, DueDate: m.DueDate})
	}

	res, err := s.contracts.CreateContract(r.Context(), actorFrom(r.Context()), params)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContractResponse(res.Contract, res.Path))
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	party := r.URL.Query().Get("party")
	if party == "" {
		party = actorFrom(r.Context()).PartyID
	}
	contracts, err := s.contracts.GetUserContracts(r.Context(), party)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]contractResponse, 0, len(contracts))
	for _, c := range contracts {
		items = append(items, toContractResponse(c, escrow.PathNone))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.contracts.GetContractDetails(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractResponse(c, escrow.PathNone))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.contracts.ListEvents(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, e := range events {
		items = append(items, toEventResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleContractDisputes(w http.ResponseWriter, r *http.Request) {
	disputes, err := s.disputes.ListContractDisputes(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]disputeResponse, 0, len(disputes))
	for _, d := range disputes {
		items = append(items, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.contracts.CancelContract(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "contractID"))
	s.writeResult(w, r, res, err)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	index, ok := s.milestoneIndex(w, r)
	if !ok {
		return
	}
	res, err := s.contracts.StartMilestone(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "contractID"), index)
	s.writeResult(w, r, res, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	index, ok := s.milestoneIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		DeliverableHash string `json:"deliverable_hash"`
	}
	if err := readJSON(r, &req); err != nil {
		s.badBody(w, r, err)
		return
	}
	res, err := s.contracts.CompleteMilestone(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "contractID"), index, req.DeliverableHash)
	s.writeResult(w, r, res, err)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	index, ok := s.milestoneIndex(w, r)
	if !ok {
		return
	}
	res, err := s.contracts.ApproveMilestone(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "contractID"), index)
	s.writeResult(w, r, res, err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	index, ok := s.milestoneIndex(w, r)
	if !ok {
		return
	}
	var req struct {
		Feedback string `json:"feedback"`
	}
	if err := readJSON(r, &req); err != nil {
		s.badBody(w, r, err)
		return
	}
	res, err := s.contracts.RejectMilestone(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "contractID"), index, req.Feedback)
	s.writeResult(w, r, res, err)
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res contract.Result, err error) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractResponse(res.Contract, res.Path))
}

type createDisputeRequest struct {
	Reason       string `json:"reason"`
	EvidenceHash string `json:"evidence_hash"`
}

type disputeResultResponse struct {
	Dispute        disputeResponse  `json:"dispute"`
	Contract       contractResponse `json:"contract"`
	SettlementPath string           `json:"settlement_path,omitempty"`
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	index, ok := s.milestoneIndex(w, r)
	if !ok {
		return
	}
	var req createDisputeRequest
	if err := readJSON(r, &req); err != nil {
		s.badBody(w, r, err)
		return
	}
	res, err := s.disputes.CreateDispute(r.Context(), actorFrom(r.Context()), dispute.CreateParams{
		ContractID:     chi.URLParam(r, "contractID"),
		MilestoneIndex: index,
		Reason:         req.Reason,
		EvidenceHash:   req.EvidenceHash,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, disputeResultResponse{
		Dispute:  toDisputeResponse(res.Dispute),
		Contract: toContractResponse(res.Contract, res.Path),
	})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputes.GetDisputeDetails(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

type resolveDisputeRequest struct {
	Resolution   string `json:"resolution"`
	Notes        string `json:"notes"`
	SellerAmount int64  `json:"seller_amount"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if err := readJSON(r, &req); err != nil {
		s.badBody(w, r, err)
		return
	}
	res, err := s.disputes.ResolveDispute(r.Context(), actorFrom(r.Context()), dispute.ResolveParams{
		DisputeID:    chi.URLParam(r, "disputeID"),
		Resolution:   escrow.Resolution(req.Resolution),
		Notes:        req.Notes,
		SellerAmount: req.SellerAmount,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeResultResponse{
		Dispute:        toDisputeResponse(res.Dispute),
		Contract:       toContractResponse(res.Contract, res.Path),
		SettlementPath: string(res.Path),
	})
}
