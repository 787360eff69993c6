package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"tradeescrow/auth"
	"tradeescrow/escrow"
)

type contractResponse struct {
	ID             string              `json:"id"`
	Buyer          string              `json:"buyer"`
	Seller         string              `json:"seller"`
	TotalAmount    int64               `json:"total_amount"`
	PaidAmount     int64               `json:"paid_amount"`
	RefundedAmount int64               `json:"refunded_amount"`
	Escrowed       int64               `json:"escrowed"`
	TermsHash      string              `json:"terms_hash,omitempty"`
	State          string              `json:"state"`
	HasDispute     bool                `json:"has_dispute"`
	Version        int64               `json:"version"`
	CreatedAt      string              `json:"created_at"`
	UpdatedAt      string              `json:"updated_at"`
	Milestones     []milestoneResponse `json:"milestones"`
	SettlementPath string              `json:"settlement_path,omitempty"`
}

type milestoneResponse struct {
	Index           int    `json:"index"`
	Description     string `json:"description"`
	Amount          int64  `json:"amount"`
	DueDate         string `json:"due_date,omitempty"`
	State           string `json:"state"`
	CompletedAt     string `json:"completed_at,omitempty"`
	PaidAt          string `json:"paid_at,omitempty"`
	DeliverableHash string `json:"deliverable_hash,omitempty"`
	FeedbackNotes   string `json:"feedback_notes,omitempty"`
	OpenDisputeID   string `json:"open_dispute_id,omitempty"`
	SettlementPath  string `json:"settlement_path,omitempty"`
}

type disputeResponse struct {
	ID              string `json:"id"`
	ContractID      string `json:"contract_id"`
	MilestoneIndex  int    `json:"milestone_index"`
	Initiator       string `json:"initiator"`
	Reason          string `json:"reason"`
	EvidenceHash    string `json:"evidence_hash,omitempty"`
	CreatedAt       string `json:"created_at"`
	ResolvedAt      string `json:"resolved_at,omitempty"`
	Resolution      string `json:"resolution"`
	ResolutionNotes string `json:"resolution_notes,omitempty"`
	SellerAmount    int64  `json:"seller_amount"`
	RefundAmount    int64  `json:"refund_amount"`
	SettlementPath  string `json:"settlement_path,omitempty"`
}

type eventResponse struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at"`
}

func toContractResponse(c escrow.Contract, path escrow.SettlementPath) contractResponse {
	resp := contractResponse{
		ID:             c.ID,
		Buyer:          c.Buyer,
		Seller:         c.Seller,
		TotalAmount:    c.TotalAmount,
		PaidAmount:     c.PaidAmount,
		RefundedAmount: c.RefundedAmount,
		Escrowed:       c.Escrowed(),
		TermsHash:      c.TermsHash,
		State:          string(c.DisplayState()),
		HasDispute:     c.HasDispute,
		Version:        c.Version,
		CreatedAt:      formatTime(c.CreatedAt),
		UpdatedAt:      formatTime(c.UpdatedAt),
		Milestones:     make([]milestoneResponse, 0, len(c.Milestones)),
		SettlementPath: string(path),
	}
	for _, m := range c.Milestones {
		resp.Milestones = append(resp.Milestones, milestoneResponse{
			Index:           m.Index,
			Description:     m.Description,
			Amount:          m.Amount,
			DueDate:         formatTime(m.DueDate),
			State:           string(m.State),
			CompletedAt:     formatTimePtr(m.CompletedAt),
			PaidAt:          formatTimePtr(m.PaidAt),
			DeliverableHash: m.DeliverableHash,
			FeedbackNotes:   m.FeedbackNotes,
			OpenDisputeID:   m.OpenDisputeID,
			SettlementPath:  string(m.SettlementPath),
		})
	}
	return resp
}

func toDisputeResponse(d escrow.Dispute) disputeResponse {
	return disputeResponse{
		ID:              d.ID,
		ContractID:      d.ContractID,
		MilestoneIndex:  d.MilestoneIndex,
		Initiator:       d.Initiator,
		Reason:          d.Reason,
		EvidenceHash:    d.EvidenceHash,
		CreatedAt:       formatTime(d.CreatedAt),
		ResolvedAt:      formatTimePtr(d.ResolvedAt),
		Resolution:      string(d.Resolution),
		ResolutionNotes: d.ResolutionNotes,
		SellerAmount:    d.SellerAmount,
		RefundAmount:    d.RefundAmount,
		SettlementPath:  string(d.SettlementPath),
	}
}

func toEventResponse(e escrow.Event) eventResponse {
	return eventResponse{ID: e.ID, Type: e.Type, Payload: e.Payload, CreatedAt: formatTime(e.CreatedAt)}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes the request body into dst. An empty body leaves dst untouched.
func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	RequestID string    `json:"request_id"`
	Error     errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{
		RequestID: requestIDFrom(r.Context()),
		Error:     errorBody{Code: code, Message: message, Details: details},
	})
}

// statusFor maps the engine error taxonomy onto HTTP statuses.
func statusFor(code escrow.Code) int {
	switch code {
	case escrow.CodeInvalidContractParameters:
		return http.StatusBadRequest
	case escrow.CodeInvalidStateTransition, escrow.CodeDisputeConflict, escrow.CodeDisputeAlreadyResolved:
		return http.StatusConflict
	case escrow.CodeSettlementRetryable:
		return http.StatusServiceUnavailable
	case escrow.CodeSettlementTerminal:
		return http.StatusBadGateway
	case escrow.CodeUnauthorized:
		return http.StatusForbidden
	case escrow.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := escrow.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		s.lggr.Errorw("request failed", "requestID", requestIDFrom(r.Context()), "path", r.URL.Path, "err", err)
		writeError(w, r, status, string(code), "internal error", nil)
		return
	}

	var details any
	if code == escrow.CodeSettlementRetryable || code == escrow.CodeSettlementTerminal {
		details = map[string]any{"retryable": escrow.IsRetryable(err)}
	}
	writeError(w, r, status, string(code), err.Error(), details)
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	msg := "missing bearer token"
	if errors.Is(err, auth.ErrInvalidToken) {
		msg = "invalid bearer token"
	}
	writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", msg, nil)
}
