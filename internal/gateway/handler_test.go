package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/aethergate/aethergate/internal/audit"
	"github.com/aethergate/aethergate/internal/auth"
	"github.com/aethergate/aethergate/internal/catalog"
	"github.com/aethergate/aethergate/internal/ledger"
	"github.com/aethergate/aethergate/internal/upstream"
	"github.com/aethergate/aethergate/pkg/ratelimit"
)

// Mock catalog store
type mockCatalogStore struct {
	mappings map[string]*catalog.ModelMapping
	targets  map[string]*catalog.BackendTarget
}

func (m *mockCatalogStore) GetMapping(ctx context.Context, publicID string) (*catalog.ModelMapping, error) {
	if mapping, ok := m.mappings[publicID]; ok {
		return mapping, nil
	}
	return nil, catalog.ErrUnknownModel
}

func (m *mockCatalogStore) GetTarget(ctx context.Context, id string) (*catalog.BackendTarget, error) {
	if target, ok := m.targets[id]; ok {
		return target, nil
	}
	return nil, catalog.ErrNoBackend
}

// Mock ledger store
type mockLedgerStore struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

func (m *mockLedgerStore) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &ledger.Account{ID: id, Balance: balance, Active: true}, nil
}

func (m *mockLedgerStore) CreateAccount(ctx context.Context, account *ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account.ID] = account.Balance
	return nil
}

func (m *mockLedgerStore) Debit(ctx context.Context, id string, cost decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[id] = m.balances[id].Sub(cost)
	return m.balances[id], nil
}

func (m *mockLedgerStore) balance(id string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[id]
}

// Mock audit store
type mockAuditStore struct {
	mu       sync.Mutex
	appended []*audit.UsageRecord
}

func (m *mockAuditStore) Append(ctx context.Context, record *audit.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended = append(m.appended, record)
	return nil
}

func (m *mockAuditStore) ListByAccount(ctx context.Context, accountID string, from, to time.Time) ([]*audit.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appended, nil
}

func (m *mockAuditStore) TotalCostByAccount(ctx context.Context, accountID string, from, to time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, r := range m.appended {
		total = total.Add(r.Cost)
	}
	return total, nil
}

// Fake upstream: replays scripted chunks, records whether it was called.
type fakeStreamer struct {
	mu     sync.Mutex
	chunks []*upstream.Chunk
	err    error
	calls  int
}

func (f *fakeStreamer) Stream(ctx context.Context, target catalog.BackendTarget, req *upstream.Request) (<-chan *upstream.Chunk, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan *upstream.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeStreamer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// wordTokenizer bills one unit per whitespace-separated word.
type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int64 {
	return int64(len(strings.Fields(text)))
}

type testEnv struct {
	handler  *Handler
	streamer *fakeStreamer
	ledger   *mockLedgerStore
	audits   *mockAuditStore
	recorder *audit.Recorder
}

func setupTest(t *testing.T, balance string, chunks []*upstream.Chunk) *testEnv {
	t.Helper()

	backendID := "backend-1"
	catalogStore := &mockCatalogStore{
		mappings: map[string]*catalog.ModelMapping{
			"gpt-4o": {
				PublicID:     "gpt-4o",
				BackendModel: "llama-3-70b",
				BackendID:    &backendID,
				PriceIn:      decimal.RequireFromString("0.000001"),
				PriceOut:     decimal.RequireFromString("0.000002"),
				Active:       true,
			},
		},
		targets: map[string]*catalog.BackendTarget{
			"backend-1": {ID: "backend-1", BaseURL: "http://backend:8000/v1", Active: true},
		},
	}

	ledgerStore := &mockLedgerStore{balances: map[string]decimal.Decimal{
		"acct-1": decimal.RequireFromString(balance),
	}}

	auditStore := &mockAuditStore{}
	recorder := audit.NewRecorder(auditStore, 16)
	t.Cleanup(recorder.Close)

	streamer := &fakeStreamer{chunks: chunks}
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Spec{Limit: 1000, Window: time.Minute})

	handler := NewHandler(
		catalog.NewResolver(catalogStore, ""),
		ledger.New(ledgerStore),
		limiter,
		streamer,
		recorder,
		auditStore,
		wordTokenizer{},
		time.Second,
		noop.NewTracerProvider().Tracer("test"),
	)

	return &testEnv{handler: handler, streamer: streamer, ledger: ledgerStore, audits: auditStore, recorder: recorder}
}

func testIdentity() *auth.Identity {
	return &auth.Identity{
		Credential: auth.Credential{ID: "cred-1", AccountID: "acct-1", Active: true},
		AccountID:  "acct-1",
	}
}

func doCompletion(env *testEnv, ident *auth.Identity, body map[string]interface{}) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(payload))
	if ident != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), ident))
	}
	w := httptest.NewRecorder()
	env.handler.HandleCompletion(w, req)
	return w
}

func completionBody(stream bool) map[string]interface{} {
	return map[string]interface{}{
		"model":    "gpt-4o",
		"stream":   stream,
		"messages": []map[string]string{{"role": "user", "content": "count these four words"}},
	}
}

func detailOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("expected JSON error body, got %q", w.Body.String())
	}
	return resp["detail"]
}

func TestHandleCompletion_Unauthorized(t *testing.T) {
	env := setupTest(t, "10.00", nil)
	w := doCompletion(env, nil, completionBody(false))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if detailOf(t, w) == "" {
		t.Error("expected a detail message")
	}
}

func TestHandleCompletion_InvalidBody(t *testing.T) {
	env := setupTest(t, "10.00", nil)
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(`{invalid`))
	req = req.WithContext(auth.WithIdentity(req.Context(), testIdentity()))
	w := httptest.NewRecorder()
	env.handler.HandleCompletion(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleCompletion_UnknownModel(t *testing.T) {
	env := setupTest(t, "10.00", nil)
	body := completionBody(false)
	body["model"] = "does-not-exist"
	w := doCompletion(env, testIdentity(), body)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if env.streamer.callCount() != 0 {
		t.Error("no backend call should be made for an unknown model")
	}
}

func TestHandleCompletion_InsufficientBalance(t *testing.T) {
	env := setupTest(t, "0.0000", nil)
	w := doCompletion(env, testIdentity(), completionBody(false))

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", w.Code)
	}
	if env.streamer.callCount() != 0 {
		t.Error("zero-balance accounts must be rejected before any backend call")
	}

	env.recorder.Close()
	if len(env.audits.appended) != 0 {
		t.Error("admission failures must not produce audit records")
	}
}

func TestHandleCompletion_RateLimited(t *testing.T) {
	env := setupTest(t, "10.00", []*upstream.Chunk{{Done: true}})

	ident := testIdentity()
	ident.Credential.RateLimit = "1/m"

	if w := doCompletion(env, ident, completionBody(false)); w.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d: %s", w.Code, w.Body.String())
	}

	w := doCompletion(env, ident, completionBody(false))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
	if !strings.Contains(detailOf(t, w), "credential") {
		t.Errorf("detail should name the tripped ceiling, got %q", detailOf(t, w))
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestHandleCompletion_BackendCeiling(t *testing.T) {
	env := setupTest(t, "10.00", []*upstream.Chunk{{Done: true}})

	// Cap the backend at 1 rpm.
	rpm := int64(1)
	env.handler.resolver = catalog.NewResolver(&mockCatalogStore{
		mappings: map[string]*catalog.ModelMapping{
			"gpt-4o": {
				PublicID:     "gpt-4o",
				BackendModel: "llama-3-70b",
				PriceIn:      decimal.Zero,
				PriceOut:     decimal.Zero,
				Active:       true,
			},
		},
		targets: map[string]*catalog.BackendTarget{
			"default": {ID: "default", BaseURL: "http://backend:8000/v1", RPMLimit: &rpm, Active: true},
		},
	}, "default")

	if w := doCompletion(env, testIdentity(), completionBody(false)); w.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", w.Code)
	}

	w := doCompletion(env, testIdentity(), completionBody(false))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 from the backend ceiling, got %d", w.Code)
	}
	if !strings.Contains(detailOf(t, w), "backend") {
		t.Errorf("detail should name the backend ceiling, got %q", detailOf(t, w))
	}
}

func TestHandleCompletion_UpstreamFailureBeforeBytes(t *testing.T) {
	env := setupTest(t, "10.00", nil)
	env.streamer.err = &upstream.Error{Status: 503, Transient: true, Detail: "overloaded"}

	w := doCompletion(env, testIdentity(), completionBody(false))
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}

	env.recorder.Close()
	if len(env.audits.appended) != 0 {
		t.Error("a request that never consumed anything must not be audited")
	}
	if !env.ledger.balance("acct-1").Equal(decimal.RequireFromString("10.00")) {
		t.Error("no settlement should happen when nothing was consumed")
	}
}

func TestHandleCompletion_AggregateSuccess(t *testing.T) {
	env := setupTest(t, "10.00", []*upstream.Chunk{
		{Delta: "six words of output right here"},
		{Done: true},
	})

	w := doCompletion(env, testIdentity(), completionBody(false))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message map[string]string `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Choices[0].Message["content"] != "six words of output right here" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message["content"])
	}
	if resp.Usage.PromptTokens != 4 || resp.Usage.CompletionTokens != 6 {
		t.Errorf("expected usage 4/6, got %d/%d", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	// cost = 4*0.000001 + 6*0.000002 = 0.000016
	env.recorder.Close()
	if len(env.audits.appended) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(env.audits.appended))
	}
	record := env.audits.appended[0]
	if !record.Cost.Equal(decimal.RequireFromString("0.000016")) {
		t.Errorf("expected cost 0.000016, got %s", record.Cost)
	}

	want := decimal.RequireFromString("10.00").Sub(record.Cost)
	if !env.ledger.balance("acct-1").Equal(want) {
		t.Errorf("expected balance %s, got %s", want, env.ledger.balance("acct-1"))
	}
}

func TestHandleCompletion_StreamingSuccess(t *testing.T) {
	env := setupTest(t, "10.00", []*upstream.Chunk{
		{Delta: "Hello"},
		{Delta: " world"},
		{Done: true},
	})

	w := doCompletion(env, testIdentity(), completionBody(true))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected SSE content type, got %s", ct)
	}

	body := w.Body.String()
	if !strings.Contains(body, `"content":"Hello"`) {
		t.Errorf("expected first delta in stream, got %q", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("expected end-of-stream marker, got %q", body)
	}
}

func TestHandleCompletion_PartialStreamStillBilled(t *testing.T) {
	env := setupTest(t, "10.00", []*upstream.Chunk{
		{Delta: "three words delivered"},
		{Err: &upstream.Error{Transient: true, Detail: "connection reset"}},
	})

	w := doCompletion(env, testIdentity(), completionBody(true))

	body := w.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Errorf("expected error event on the stream, got %q", body)
	}

	env.recorder.Close()
	if len(env.audits.appended) != 1 {
		t.Fatalf("a partially streamed request must produce a usage record, got %d", len(env.audits.appended))
	}
	record := env.audits.appended[0]
	if record.OutputUnits != 3 {
		t.Errorf("output units must equal exactly what was delivered: got %d", record.OutputUnits)
	}
	if record.InputUnits != 4 {
		t.Errorf("input units are consumed even on failure: got %d", record.InputUnits)
	}

	// cost = 4*0.000001 + 3*0.000002 = 0.00001
	want := decimal.RequireFromString("10.00").Sub(decimal.RequireFromString("0.00001"))
	if !env.ledger.balance("acct-1").Equal(want) {
		t.Errorf("partial cost must be settled: balance %s, want %s", env.ledger.balance("acct-1"), want)
	}
}

// ctxLedgerStore refuses work on a dead context, the way a pgx-backed
// store does.
type ctxLedgerStore struct {
	mockLedgerStore
}

func (s *ctxLedgerStore) Debit(ctx context.Context, id string, cost decimal.Decimal) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	return s.mockLedgerStore.Debit(ctx, id, cost)
}

// holdStreamer delivers one delta, signals, then holds the stream open
// until the request context dies.
type holdStreamer struct {
	delta     string
	delivered chan struct{}
}

func (s *holdStreamer) Stream(ctx context.Context, target catalog.BackendTarget, req *upstream.Request) (<-chan *upstream.Chunk, error) {
	ch := make(chan *upstream.Chunk)
	go func() {
		defer close(ch)
		select {
		case ch <- &upstream.Chunk{Delta: s.delta}:
			close(s.delivered)
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return ch, nil
}

func TestHandleCompletion_DisconnectStillSettles(t *testing.T) {
	env := setupTest(t, "10.00", nil)

	ledgerStore := &ctxLedgerStore{mockLedgerStore{balances: map[string]decimal.Decimal{
		"acct-1": decimal.RequireFromString("10.00"),
	}}}
	env.handler.ledger = ledger.New(ledgerStore)
	env.handler.client = &holdStreamer{delta: "three words delivered", delivered: make(chan struct{})}

	payload, _ := json.Marshal(completionBody(true))
	reqCtx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(payload)).WithContext(reqCtx)
	req = req.WithContext(auth.WithIdentity(req.Context(), testIdentity()))
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.handler.HandleCompletion(w, req)
	}()

	<-env.handler.client.(*holdStreamer).delivered
	cancel()
	<-done

	// cost = 4*0.000001 + 3*0.000002 = 0.00001
	want := decimal.RequireFromString("10.00").Sub(decimal.RequireFromString("0.00001"))
	if !ledgerStore.balance("acct-1").Equal(want) {
		t.Errorf("disconnect must still settle the partial cost: balance %s, want %s",
			ledgerStore.balance("acct-1"), want)
	}

	env.recorder.Close()
	if len(env.audits.appended) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(env.audits.appended))
	}
	if got := env.audits.appended[0].OutputUnits; got != 3 {
		t.Errorf("audit must match what was delivered: got %d output units", got)
	}
}

// noFlushWriter hides ResponseRecorder's Flush so the handler sees a
// writer that cannot stream.
type noFlushWriter struct {
	rec *httptest.ResponseRecorder
}

func (w *noFlushWriter) Header() http.Header         { return w.rec.Header() }
func (w *noFlushWriter) Write(b []byte) (int, error) { return w.rec.Write(b) }
func (w *noFlushWriter) WriteHeader(code int)        { w.rec.WriteHeader(code) }

func TestHandleCompletion_StreamingUnsupportedWriter(t *testing.T) {
	env := setupTest(t, "10.00", []*upstream.Chunk{{Done: true}})

	payload, _ := json.Marshal(completionBody(true))
	req := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(payload))
	req = req.WithContext(auth.WithIdentity(req.Context(), testIdentity()))
	w := &noFlushWriter{rec: httptest.NewRecorder()}
	env.handler.HandleCompletion(w, req)

	if w.rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.rec.Code)
	}
	if env.streamer.callCount() != 0 {
		t.Error("no backend call should be made for a writer that cannot stream")
	}
	if !env.ledger.balance("acct-1").Equal(decimal.RequireFromString("10.00")) {
		t.Error("nothing was delivered, nothing should be billed")
	}

	env.recorder.Close()
	if len(env.audits.appended) != 0 {
		t.Error("no audit record for a request rejected before admission")
	}
}

func TestHandleCompletion_ExactBalanceExhaustion(t *testing.T) {
	// balance $0.0005, 100 in / 200 out at 0.000001/0.000002
	// → cost 0.0005 → balance 0 → next request rejected.
	env := setupTest(t, "0.0005", []*upstream.Chunk{
		{Done: true, Usage: &upstream.Usage{PromptTokens: 100, CompletionTokens: 200}},
	})

	w := doCompletion(env, testIdentity(), completionBody(false))
	if w.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", w.Code)
	}

	if !env.ledger.balance("acct-1").IsZero() {
		t.Errorf("expected balance 0.0000, got %s", env.ledger.balance("acct-1"))
	}

	w = doCompletion(env, testIdentity(), completionBody(false))
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("request on a zero balance must be rejected with 402, got %d", w.Code)
	}
}

func TestHandleUsage(t *testing.T) {
	env := setupTest(t, "10.00", []*upstream.Chunk{{Done: true}})

	env.audits.appended = []*audit.UsageRecord{
		{ID: "rec-1", AccountID: "acct-1", Model: "gpt-4o", InputUnits: 10, OutputUnits: 20,
			Cost: decimal.RequireFromString("0.00005"), CreatedAt: time.Now()},
	}

	req := httptest.NewRequest("GET", "/v1/usage", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), testIdentity()))
	w := httptest.NewRecorder()
	env.handler.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		TotalRequests int    `json:"total_requests"`
		TotalCost     string `json:"total_cost"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.TotalRequests != 1 {
		t.Errorf("expected 1 record, got %d", resp.TotalRequests)
	}
	if resp.TotalCost != "0.00005" {
		t.Errorf("expected total cost 0.00005, got %s", resp.TotalCost)
	}
}

func TestHandleUsage_BadDates(t *testing.T) {
	env := setupTest(t, "10.00", nil)

	req := httptest.NewRequest("GET", "/v1/usage?from=not-a-date", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), testIdentity()))
	w := httptest.NewRecorder()
	env.handler.HandleUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
