package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tradeescrow/auth"
	"tradeescrow/contract"
	"tradeescrow/dispute"
	"tradeescrow/escrow"
	"tradeescrow/logger"
	"tradeescrow/settlement"
	"tradeescrow/store"
)

var (
	buyer      = escrow.Actor{PartyID: "acme", Role: escrow.RoleBuyer}
	seller     = escrow.Actor{PartyID: "steelco", Role: escrow.RoleSeller}
	arbitrator = escrow.Actor{PartyID: "arb-1", Role: escrow.RoleArbitrator}
)

type harness struct {
	handler  http.Handler
	issuer   *auth.Service
	primary  *settlement.MemoryBackend
	fallback *settlement.MemoryBackend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lggr := logger.Test(t)
	ledger := settlement.NewLedger()
	primary := settlement.NewMemoryBackend("sandbox-primary", ledger)
	fallback := settlement.NewMemoryBackend("sandbox-fallback", ledger)
	settler := settlement.NewDegrading(primary, fallback, settlement.Options{Attempts: 1, Delay: time.Millisecond, Timeout: time.Second}, lggr)

	st := store.NewMemoryRepository()
	locks := store.NewLocker()
	contracts := contract.NewService(st, locks, settler, lggr)
	disputes := dispute.NewService(st, locks, contracts, lggr)

	issuer, err := auth.NewService("test-secret")
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	return &harness{
		handler:  NewServer(contracts, disputes, issuer, lggr).Routes(),
		issuer:   issuer,
		primary:  primary,
		fallback: fallback,
	}
}

func (h *harness) do(t *testing.T, actor escrow.Actor, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	token, err := h.issuer.Issue(actor)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

const createBody = `{
	"contract_id": "c-1",
	"buyer": "acme",
	"seller": "steelco",
	"terms_hash": "0xterms",
	"total_amount": 1000,
	"milestones": [
		{"description": "tooling", "amount": 400},
		{"description": "delivery", "amount": 600}
	]
}`

func (h *harness) createContract(t *testing.T) contractResponse {
	t.Helper()
	rec := h.do(t, buyer, http.MethodPost, "/api/contracts", createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decodeContract(t, rec)
}

func (h *harness) completeMilestone(t *testing.T, index int) {
	t.Helper()
	base := fmt.Sprintf("/api/contracts/c-1/milestones/%d", index)
	if rec := h.do(t, seller, http.MethodPost, base+"/start", ""); rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := h.do(t, seller, http.MethodPost, base+"/complete", `{"deliverable_hash":"0xdeliv"}`); rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func decodeContract(t *testing.T, rec *httptest.ResponseRecorder) contractResponse {
	t.Helper()
	var resp contractResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode contract: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if env.RequestID == "" {
		t.Fatal("error envelope missing request_id")
	}
	return env
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthenticate_MissingAndInvalidToken(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/contracts/c-1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	if env := decodeError(t, rec); env.Error.Message != "missing bearer token" {
		t.Fatalf("unexpected message %q", env.Error.Message)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/contracts/c-1", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("invalid token: expected 401, got %d", rec.Code)
	}
	if env := decodeError(t, rec); env.Error.Message != "invalid bearer token" {
		t.Fatalf("unexpected message %q", env.Error.Message)
	}
}

func TestRequestID_Propagated(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/api/contracts/missing", nil)
	req.Header.Set("X-Request-ID", "req_fixed")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req_fixed" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
	if env := decodeError(t, rec); env.RequestID != "req_fixed" {
		t.Fatalf("expected envelope request id req_fixed, got %q", env.RequestID)
	}
}

func TestContractLifecycle(t *testing.T) {
	h := newHarness(t)

	created := h.createContract(t)
	if created.State != string(escrow.ContractActive) || created.SettlementPath != string(escrow.PathPrimary) {
		t.Fatalf("unexpected created contract: %+v", created)
	}
	if created.Escrowed != 1000 || len(created.Milestones) != 2 {
		t.Fatalf("unexpected escrow view: %+v", created)
	}

	h.completeMilestone(t, 0)
	rec := h.do(t, buyer, http.MethodPost, "/api/contracts/c-1/milestones/0/approve", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	approved := decodeContract(t, rec)
	if approved.PaidAmount != 400 || approved.Milestones[0].State != string(escrow.MilestonePaid) {
		t.Fatalf("unexpected contract after approval: %+v", approved)
	}
	if approved.SettlementPath != string(escrow.PathPrimary) {
		t.Fatalf("expected primary settlement path, got %q", approved.SettlementPath)
	}

	rec = h.do(t, seller, http.MethodGet, "/api/contracts/c-1/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", rec.Code)
	}
	var events struct {
		Items []eventResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events.Items) == 0 || events.Items[0].Type != escrow.EventContractCreated {
		t.Fatalf("unexpected events: %+v", events.Items)
	}

	rec = h.do(t, buyer, http.MethodGet, "/api/contracts", "")
	var list struct {
		Items []contractResponse `json:"items"`
		Total int                `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 || list.Items[0].ID != "c-1" {
		t.Fatalf("unexpected contract list: %+v", list)
	}

	rec = h.do(t, buyer, http.MethodPost, "/api/contracts/c-1/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	cancelled := decodeContract(t, rec)
	if cancelled.State != string(escrow.ContractCancelled) || cancelled.RefundedAmount != 600 || cancelled.Escrowed != 0 {
		t.Fatalf("unexpected cancelled contract: %+v", cancelled)
	}
}

func TestCreateContract_GeneratesID(t *testing.T) {
	h := newHarness(t)
	body := `{"buyer":"acme","seller":"steelco","total_amount":50,"milestones":[{"description":"all","amount":50}]}`

	rec := h.do(t, buyer, http.MethodPost, "/api/contracts", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeContract(t, rec); resp.ID == "" {
		t.Fatal("expected generated contract id")
	}
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)
	h.createContract(t)

	cases := []struct {
		name   string
		actor  escrow.Actor
		method string
		path   string
		body   string
		status int
		code   escrow.Code
	}{
		{"amount mismatch", buyer, http.MethodPost, "/api/contracts",
			`{"contract_id":"c-2","buyer":"acme","seller":"steelco","total_amount":10,"milestones":[{"amount":5}]}`,
			http.StatusBadRequest, escrow.CodeInvalidContractParameters},
		{"duplicate id", buyer, http.MethodPost, "/api/contracts", createBody,
			http.StatusBadRequest, escrow.CodeInvalidContractParameters},
		{"unknown field", buyer, http.MethodPost, "/api/contracts", `{"surprise":true}`,
			http.StatusBadRequest, escrow.CodeInvalidContractParameters},
		{"seller cannot approve", seller, http.MethodPost, "/api/contracts/c-1/milestones/0/approve", "",
			http.StatusForbidden, escrow.CodeUnauthorized},
		{"approve pending milestone", buyer, http.MethodPost, "/api/contracts/c-1/milestones/0/approve", "",
			http.StatusConflict, escrow.CodeInvalidStateTransition},
		{"unknown contract", buyer, http.MethodGet, "/api/contracts/nope", "",
			http.StatusNotFound, escrow.CodeNotFound},
		{"unknown milestone", seller, http.MethodPost, "/api/contracts/c-1/milestones/9/start", "",
			http.StatusNotFound, escrow.CodeNotFound},
		{"bad index", seller, http.MethodPost, "/api/contracts/c-1/milestones/x/start", "",
			http.StatusBadRequest, escrow.CodeInvalidContractParameters},
		{"unknown dispute", arbitrator, http.MethodGet, "/api/disputes/missing", "",
			http.StatusNotFound, escrow.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, tc.actor, tc.method, tc.path, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if env := decodeError(t, rec); env.Error.Code != string(tc.code) {
				t.Fatalf("expected code %s, got %s", tc.code, env.Error.Code)
			}
		})
	}
}

func TestSettlementFailure_Retryable(t *testing.T) {
	h := newHarness(t)
	h.createContract(t)
	h.completeMilestone(t, 0)

	down := &settlement.BackendError{Backend: "sandbox", Op: "release", Retryable: true, Err: errors.New("unavailable")}
	h.primary.Inject(settlement.FailBefore, down, -1)
	h.fallback.Inject(settlement.FailBefore, down, -1)

	rec := h.do(t, buyer, http.MethodPost, "/api/contracts/c-1/milestones/0/approve", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeError(t, rec)
	if env.Error.Code != string(escrow.CodeSettlementRetryable) {
		t.Fatalf("unexpected code %s", env.Error.Code)
	}

	h.primary.Inject(settlement.FailBefore, nil, 0)
	h.fallback.Inject(settlement.FailBefore, nil, 0)
	rec = h.do(t, buyer, http.MethodPost, "/api/contracts/c-1/milestones/0/approve", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("retry: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeContract(t, rec); resp.PaidAmount != 400 {
		t.Fatalf("expected one release of 400, got paid %d", resp.PaidAmount)
	}
}

func TestSettlementFailure_FallbackPath(t *testing.T) {
	h := newHarness(t)
	h.createContract(t)
	h.completeMilestone(t, 1)

	h.primary.Inject(settlement.FailBefore, &settlement.BackendError{Backend: "sandbox", Op: "release", Retryable: true, Err: errors.New("rpc down")}, -1)

	rec := h.do(t, buyer, http.MethodPost, "/api/contracts/c-1/milestones/1/approve", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeContract(t, rec); resp.SettlementPath != string(escrow.PathFallback) {
		t.Fatalf("expected fallback path, got %q", resp.SettlementPath)
	}
}

func TestDisputeFlow(t *testing.T) {
	h := newHarness(t)
	h.createContract(t)
	h.completeMilestone(t, 1)

	rec := h.do(t, buyer, http.MethodPost, "/api/contracts/c-1/milestones/1/disputes", `{"reason":"short shipment","evidence_hash":"0xev"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create dispute: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var opened disputeResultResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &opened); err != nil {
		t.Fatalf("decode dispute: %v", err)
	}
	if opened.Dispute.ID == "" || opened.Contract.State != string(escrow.ContractDisputed) {
		t.Fatalf("unexpected dispute result: %+v", opened)
	}

	rec = h.do(t, seller, http.MethodPost, "/api/contracts/c-1/milestones/1/disputes", `{"reason":"again"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second dispute: expected 409, got %d", rec.Code)
	}
	rec = h.do(t, buyer, http.MethodPost, "/api/contracts/c-1/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel during dispute: expected 409, got %d", rec.Code)
	}
	rec = h.do(t, buyer, http.MethodPost, "/api/disputes/"+opened.Dispute.ID+"/resolve", `{"resolution":"split","seller_amount":200}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("buyer resolve: expected 403, got %d", rec.Code)
	}

	resolvePath := "/api/disputes/" + opened.Dispute.ID + "/resolve"
	rec = h.do(t, arbitrator, http.MethodPost, resolvePath, `{"resolution":"split","notes":"partial","seller_amount":200}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resolved disputeResultResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resolved); err != nil {
		t.Fatalf("decode resolution: %v", err)
	}
	if resolved.Dispute.SellerAmount != 200 || resolved.Dispute.RefundAmount != 400 {
		t.Fatalf("unexpected split: %+v", resolved.Dispute)
	}
	if resolved.SettlementPath != string(escrow.PathPrimary) {
		t.Fatalf("expected primary path, got %q", resolved.SettlementPath)
	}
	if resolved.Contract.PaidAmount != 200 || resolved.Contract.RefundedAmount != 400 || resolved.Contract.HasDispute {
		t.Fatalf("unexpected contract after split: %+v", resolved.Contract)
	}

	rec = h.do(t, arbitrator, http.MethodPost, resolvePath, `{"resolution":"seller_wins"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second resolve: expected 409, got %d", rec.Code)
	}
	if env := decodeError(t, rec); env.Error.Code != string(escrow.CodeDisputeAlreadyResolved) {
		t.Fatalf("unexpected code %s", env.Error.Code)
	}

	rec = h.do(t, seller, http.MethodGet, "/api/contracts/c-1/disputes", "")
	var list struct {
		Items []disputeResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Resolution != string(escrow.ResolutionSplit) {
		t.Fatalf("unexpected disputes: %+v", list.Items)
	}
}

type stubContracts struct {
	contractService
	err error
}

func (s *stubContracts) GetContractDetails(context.Context, string) (escrow.Contract, error) {
	return escrow.Contract{}, s.err
}

func TestInternalErrorHidesDetails(t *testing.T) {
	issuer, err := auth.NewService("test-secret")
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	server := NewServer(&stubContracts{err: errors.New("connection reset by peer")}, nil, issuer, logger.Nop())
	token, err := issuer.Issue(buyer)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/contracts/c-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if env := decodeError(t, rec); strings.Contains(env.Error.Message, "connection reset") {
		t.Fatalf("internal error leaked: %q", env.Error.Message)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[escrow.Code]int{
		escrow.CodeInvalidContractParameters: http.StatusBadRequest,
		escrow.CodeInvalidStateTransition:    http.StatusConflict,
		escrow.CodeDisputeConflict:           http.StatusConflict,
		escrow.CodeDisputeAlreadyResolved:    http.StatusConflict,
		escrow.CodeSettlementRetryable:       http.StatusServiceUnavailable,
		escrow.CodeSettlementTerminal:        http.StatusBadGateway,
		escrow.CodeUnauthorized:              http.StatusForbidden,
		escrow.CodeNotFound:                  http.StatusNotFound,
		escrow.CodeUnknown:                   http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusFor(code); got != want {
			t.Fatalf("%s: expected %d, got %d", code, want, got)
		}
	}
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("ESCROW_JWT_SECRET", "cli-secret")
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--config", t.TempDir() + "/missing.yaml", "--party", "steelco", "--role", "seller"})

	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	verifier, err := auth.NewService("cli-secret")
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	actor, err := verifier.Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if actor != seller {
		t.Fatalf("expected %+v, got %+v", seller, actor)
	}
}
