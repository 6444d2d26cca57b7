package handler

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/channel-hub/internal/clearing"
	"github.com/mmeshcher/channel-hub/internal/events"
	"github.com/mmeshcher/channel-hub/internal/fake"
	"github.com/mmeshcher/channel-hub/internal/ledger"
	"github.com/mmeshcher/channel-hub/internal/middleware"
	"github.com/mmeshcher/channel-hub/internal/model"
	"github.com/mmeshcher/channel-hub/internal/monitor"
	"github.com/mmeshcher/channel-hub/internal/repository"
	"github.com/mmeshcher/channel-hub/internal/settlement"
	"github.com/mmeshcher/channel-hub/internal/signature"
)

const payee = "0x00000000000000000000000000000000000000bb"

type testHub struct {
	server   *httptest.Server
	ledger   *ledger.Ledger
	bridge   *fake.Bridge
	auth     *middleware.OperatorAuth
	payerKey string
	payer    string
}

func newTestHub(t *testing.T, withAuth bool) *testHub {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(reg)

	repo := repository.NewMemoryRepository()
	l := ledger.New(repo)
	bus := &events.Recorder{}
	br := fake.NewBridge(0)

	clr := clearing.NewService(l, repo, signature.NewVerifier(), bus, metrics, logger)
	orch := settlement.NewOrchestrator(settlement.Deps{
		Ledger:    l,
		Jobs:      repo,
		Payments:  repo,
		Registry:  fake.NewRegistry(),
		Bridge:    br,
		Vault:     fake.NewVault(),
		Publisher: bus,
		Metrics:   metrics,
		Logger:    logger,
	}, settlement.Config{
		BridgeMaxAttempts: 2,
		BridgeBackoffBase: time.Millisecond,
		BridgeBackoffMax:  time.Millisecond,
		CallTimeout:       time.Second,
		DestChain:         "base",
		DefaultVault:      "0xvault",
	})

	var auth *middleware.OperatorAuth
	if withAuth {
		auth = middleware.NewOperatorAuth("test-secret")
	}

	h := NewHandler(clr, l, orch, logger, auth, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	ts := httptest.NewServer(h.SetupRouter())
	t.Cleanup(ts.Close)

	return &testHub{
		server:   ts,
		ledger:   l,
		bridge:   br,
		auth:     auth,
		payerKey: hex.EncodeToString(crypto.FromECDSA(key)),
		payer:    strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}
}

func (h *testHub) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.auth != nil {
		req.Header.Set("Authorization", "Bearer "+h.auth.Token("tester"))
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()

	if out != nil && res.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return res.StatusCode
}

func (h *testHub) sign(t *testing.T, amount model.Amount) clearRequest {
	t.Helper()
	msg := signature.AuthorizationMessage(h.payer, payee, amount)
	sig, _, err := signature.Sign(h.payerKey, []byte(msg))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return clearRequest{PayerID: h.payer, PayeeID: payee, Amount: amount, Signature: sig, Message: msg}
}

func TestClearAndSettle(t *testing.T) {
	h := newTestHub(t, false)

	var ch model.Channel
	status := h.do(t, http.MethodPost, "/api/channels/payer", map[string]string{
		"ownerId":        h.payer,
		"initialBalance": "100",
	}, &ch)
	if status != http.StatusCreated {
		t.Fatalf("open channel status = %d, want %d", status, http.StatusCreated)
	}
	if ch.Balance != 100_000_000 {
		t.Fatalf("initial balance = %s, want 100", ch.Balance)
	}

	var errResp errorResponse
	status = h.do(t, http.MethodPost, "/api/channels/payer", map[string]string{"ownerId": h.payer}, &errResp)
	if status != http.StatusConflict || errResp.Error != "already_active" {
		t.Fatalf("second open = %d %q, want 409 already_active", status, errResp.Error)
	}

	var p model.ClearedPayment
	status = h.do(t, http.MethodPost, "/api/payments/clear", h.sign(t, 10_000_000), &p)
	if status != http.StatusCreated {
		t.Fatalf("clear status = %d, want %d", status, http.StatusCreated)
	}
	if p.Status != model.PaymentStatusCleared {
		t.Fatalf("payment status = %q, want cleared", p.Status)
	}

	status = h.do(t, http.MethodPost, "/api/payments/clear", h.sign(t, 1_000_000_000), &errResp)
	if status != http.StatusPaymentRequired || errResp.Error != "insufficient_balance" {
		t.Fatalf("overdraft = %d %q, want 402 insufficient_balance", status, errResp.Error)
	}

	var payeeCh model.Channel
	status = h.do(t, http.MethodGet, "/api/channels/payee/"+payee, nil, &payeeCh)
	if status != http.StatusOK || payeeCh.Balance != 10_000_000 {
		t.Fatalf("payee channel = %d %s, want 200 and 10", status, payeeCh.Balance)
	}

	var payments []model.ClearedPayment
	if status = h.do(t, http.MethodGet, "/api/payments/"+payee, nil, &payments); status != http.StatusOK || len(payments) != 1 {
		t.Fatalf("payments = %d %d, want 200 and 1", status, len(payments))
	}

	var due dueResponse
	if status = h.do(t, http.MethodGet, "/api/settlement/"+payee+"/due", nil, &due); status != http.StatusOK || !due.Due {
		t.Fatalf("due = %d %v, want 200 true", status, due.Due)
	}

	var job model.SettlementJob
	status = h.do(t, http.MethodPost, "/api/settlement/"+payee, settleRequest{Force: true}, &job)
	if status != http.StatusOK {
		t.Fatalf("settle status = %d, want %d", status, http.StatusOK)
	}
	if job.Status != model.JobStatusCompleted || job.TotalAmount != 10_000_000 {
		t.Fatalf("job = %s %s, want completed 10", job.Status, job.TotalAmount)
	}

	var stored model.SettlementJob
	if status = h.do(t, http.MethodGet, "/api/settlement/jobs/"+job.ID, nil, &stored); status != http.StatusOK || stored.ID != job.ID {
		t.Fatalf("get job = %d %q", status, stored.ID)
	}

	var stats model.Stats
	if status = h.do(t, http.MethodGet, "/api/settlement/stats", nil, &stats); status != http.StatusOK {
		t.Fatalf("stats status = %d", status)
	}
	if stats.Completed != 1 || stats.TotalSettled != 10_000_000 {
		t.Fatalf("stats = %+v", stats)
	}

	if status = h.do(t, http.MethodGet, "/api/settlement/jobs?active=true", nil, nil); status != http.StatusNoContent {
		t.Fatalf("active jobs status = %d, want %d", status, http.StatusNoContent)
	}

	status = h.do(t, http.MethodPost, "/api/settlement/"+payee, nil, &job)
	if status != http.StatusUnprocessableEntity || job.FailureReason != model.ReasonNoChannel {
		t.Fatalf("second settle = %d %q, want 422 no_channel", status, job.FailureReason)
	}
}

func TestClearPayment_Rejections(t *testing.T) {
	h := newTestHub(t, false)

	tampered := h.sign(t, 1_000_000)
	tampered.Amount = 2_000_000
	tampered.Message = ""

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{name: "malformed", body: "nope", status: http.StatusBadRequest, code: "invalid_request"},
		{name: "bad payer", body: clearRequest{PayerID: "alice", PayeeID: payee, Amount: 1, Signature: "0x00"}, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "missing signature", body: clearRequest{PayerID: h.payer, PayeeID: payee, Amount: 1}, status: http.StatusUnauthorized, code: "invalid_signature"},
		{name: "tampered amount", body: tampered, status: http.StatusUnauthorized, code: "invalid_signature"},
		{name: "no channel", body: h.sign(t, 1_000_000), status: http.StatusNotFound, code: "no_channel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp errorResponse
			status := h.do(t, http.MethodPost, "/api/payments/clear", tt.body, &errResp)
			if status != tt.status {
				t.Fatalf("status = %d, want %d", status, tt.status)
			}
			if errResp.Error != tt.code {
				t.Fatalf("error = %q, want %q", errResp.Error, tt.code)
			}
		})
	}
}

func TestSettle_BridgeFailureIsBadGateway(t *testing.T) {
	h := newTestHub(t, false)
	ctx := context.Background()

	if _, err := h.ledger.OpenChannel(ctx, payee, model.RolePayee, 5_000_000); err != nil {
		t.Fatalf("open channel: %v", err)
	}
	h.bridge.AlwaysFail(true)

	var job model.SettlementJob
	status := h.do(t, http.MethodPost, "/api/settlement/"+payee, settleRequest{Force: true}, &job)
	if status != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", status, http.StatusBadGateway)
	}
	if job.Stage != model.StageBridging || job.FailureReason != model.ReasonBridgeFailed {
		t.Fatalf("job = %s %s, want bridging bridge_failed", job.Stage, job.FailureReason)
	}
}

func TestSettlementRoutes_RequireOperator(t *testing.T) {
	h := newTestHub(t, true)

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/api/settlement/stats", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}

	var stats model.Stats
	if status := h.do(t, http.MethodGet, "/api/settlement/stats", nil, &stats); status != http.StatusOK {
		t.Fatalf("status with token = %d, want %d", status, http.StatusOK)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestHub(t, false)

	for _, path := range []string{"/healthz", "/metrics"} {
		res, err := http.Get(h.server.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}

type stubSettlement struct {
	Settlement
	err error
}

func (s *stubSettlement) SettleMerchant(ctx context.Context, payeeID string, force bool) (*model.SettlementJob, error) {
	return nil, s.err
}

func TestSettle_InProgress(t *testing.T) {
	svc := &stubSettlement{err: settlement.ErrSettlementInProgress}
	h := NewHandler(nil, nil, svc, zap.NewNop(), nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/settlement/"+payee, nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	var errResp errorResponse
	if err := json.NewDecoder(res.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.Error != "in_progress" {
		t.Fatalf("error = %q, want in_progress", errResp.Error)
	}
}

func TestSettle_ShuttingDown(t *testing.T) {
	svc := &stubSettlement{err: settlement.ErrShuttingDown}
	h := NewHandler(nil, nil, svc, zap.NewNop(), nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/settlement/"+payee, nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestSettle_UnexpectedError(t *testing.T) {
	svc := &stubSettlement{err: errors.New("lock backend down")}
	h := NewHandler(nil, nil, svc, zap.NewNop(), nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/settlement/"+payee, strings.NewReader(`{"force":true}`))
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}
