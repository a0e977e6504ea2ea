package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aethergate/aethergate/internal/audit"
	"github.com/aethergate/aethergate/internal/auth"
	"github.com/aethergate/aethergate/internal/catalog"
	"github.com/aethergate/aethergate/internal/ledger"
	"github.com/aethergate/aethergate/internal/relay"
	"github.com/aethergate/aethergate/internal/upstream"
	"github.com/aethergate/aethergate/pkg/ratelimit"
)

// Streamer abstracts the upstream client so handler tests can inject
// scripted streams.
type Streamer interface {
	Stream(ctx context.Context, target catalog.BackendTarget, req *upstream.Request) (<-chan *upstream.Chunk, error)
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Handler sequences the pipeline: verify → rate limit → resolve →
// admit → stream & meter → settle → audit.
type Handler struct {
	resolver    *catalog.Resolver
	ledger      *ledger.Ledger
	limiter     *ratelimit.Limiter
	client      Streamer
	recorder    *audit.Recorder
	usage       audit.Store
	tokenizer   relay.Tokenizer
	idleTimeout time.Duration
	tracer      trace.Tracer
}

func NewHandler(
	resolver *catalog.Resolver,
	ldg *ledger.Ledger,
	limiter *ratelimit.Limiter,
	client Streamer,
	recorder *audit.Recorder,
	usage audit.Store,
	tokenizer relay.Tokenizer,
	idleTimeout time.Duration,
	tracer trace.Tracer,
) *Handler {
	return &Handler{
		resolver:    resolver,
		ledger:      ldg,
		limiter:     limiter,
		client:      client,
		recorder:    recorder,
		usage:       usage,
		tokenizer:   tokenizer,
		idleTimeout: idleTimeout,
		tracer:      tracer,
	}
}

// HandleCompletion serves POST /v1/chat/completions for both streaming
// and aggregated callers.
func (h *Handler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ident := auth.GetIdentity(ctx)
	if ident == nil {
		writeDetail(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeDetail(w, http.StatusBadRequest, "model and messages are required")
		return
	}

	// Streaming needs flush support. Reject before admission so a
	// request that can never receive bytes is neither counted nor
	// billed.
	if req.Stream {
		if _, ok := w.(http.Flusher); !ok {
			writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}
	}

	_, span := h.tracer.Start(ctx, "gateway.completion")
	defer span.End()
	span.SetAttributes(
		attribute.String("account_id", ident.AccountID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	// Admission stage. Any failure here terminates the request with no
	// backend call, no settlement, and no audit record.
	if err := h.limiter.AllowCredential(ctx, ident.Credential.ID, ident.Credential.RateLimit); err != nil {
		writeError(w, err)
		return
	}

	resolved, err := h.resolver.Resolve(ctx, req.Model)
	if err != nil {
		writeError(w, err)
		return
	}

	// Backend/model ceilings need the resolved target, so they run right
	// after resolution; model overrides replace the backend's own caps.
	if resolved.HasModelCeilings() {
		err = h.limiter.AllowCeilings(ctx, ratelimit.ScopeModel, resolved.PublicModel, resolved.ModelRPM, resolved.ModelDay)
	} else {
		err = h.limiter.AllowCeilings(ctx, ratelimit.ScopeBackend, resolved.Target.ID, resolved.Target.RPMLimit, resolved.Target.DayLimit)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.ledger.Admit(ctx, ident.AccountID); err != nil {
		writeError(w, err)
		return
	}

	// Metering stage.
	upReq := &upstream.Request{
		Model:       resolved.BackendModel,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages:    make([]upstream.Message, len(req.Messages)),
	}
	for i, m := range req.Messages {
		upReq.Messages[i] = upstream.Message{Role: m.Role, Content: m.Content}
	}

	meter := relay.NewMeter(h.tokenizer, h.idleTimeout)
	meter.MeasureInput(upReq.Messages)

	meter.Connecting()
	ch, err := h.client.Stream(ctx, resolved.Target, upReq)
	if err != nil {
		// Nothing was consumed: no settlement, no audit row.
		writeError(w, err)
		return
	}

	var result relay.Result
	if req.Stream {
		result = h.relayStream(w, r, meter, ch)
	} else {
		result = h.relayAggregate(w, r, requestID, resolved, meter, ch)
	}

	// Settlement stage: runs for every terminal state. Partial
	// consumption is billed at the admission-time price snapshot. A
	// caller disconnect cancels the request context, so the debit gets
	// its own lifetime.
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelSettle()

	cost := resolved.Cost(result.InputUnits, result.OutputUnits)
	balance, err := h.ledger.Settle(settleCtx, ident.AccountID, cost)
	if err != nil {
		// The caller already has their data; retrying the debit inline
		// risks double-charging. Operational alert only.
		logrus.WithError(err).WithFields(logrus.Fields{
			"account_id": ident.AccountID,
			"request_id": requestID,
			"cost":       cost.String(),
		}).Error("settlement failed, usage not debited")
	} else {
		logrus.WithFields(logrus.Fields{
			"account_id":   ident.AccountID,
			"model":        resolved.PublicModel,
			"input_units":  result.InputUnits,
			"output_units": result.OutputUnits,
			"cost":         cost.String(),
			"balance":      balance.String(),
			"state":        string(result.State),
		}).Info("request settled")
	}

	// Audit stage: best effort, never blocks the response path.
	h.recorder.Record(&audit.UsageRecord{
		AccountID:    ident.AccountID,
		CredentialID: ident.Credential.ID,
		RequestID:    requestID,
		Model:        resolved.PublicModel,
		InputUnits:   result.InputUnits,
		OutputUnits:  result.OutputUnits,
		Cost:         cost,
	})
}

type sseChunk struct {
	Choices []sseChoice `json:"choices"`
}

type sseChoice struct {
	Delta sseDelta `json:"delta"`
	Index int      `json:"index"`
}

type sseDelta struct {
	Content string `json:"content,omitempty"`
}

// relayStream forwards deltas to the caller as SSE while the meter
// counts them.
func (h *Handler) relayStream(w http.ResponseWriter, r *http.Request, meter *relay.Meter, ch <-chan *upstream.Chunk) relay.Result {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher := w.(http.Flusher) // verified before admission

	result := meter.Run(r.Context(), ch, func(delta string) error {
		payload, err := json.Marshal(sseChunk{Choices: []sseChoice{{Delta: sseDelta{Content: delta}}}})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	switch result.State {
	case relay.StateCompleted:
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	case relay.StateFailed:
		fmt.Fprintf(w, "event: error\ndata: {\"detail\": \"stream interrupted\"}\n\n")
		flusher.Flush()
	}
	return result
}

// relayAggregate drains the backend stream internally and answers with
// one OpenAI-shaped JSON body.
func (h *Handler) relayAggregate(w http.ResponseWriter, r *http.Request, requestID string, resolved *catalog.Resolved, meter *relay.Meter, ch <-chan *upstream.Chunk) relay.Result {
	var content strings.Builder
	result := meter.Run(r.Context(), ch, func(delta string) error {
		content.WriteString(delta)
		return nil
	})

	if result.State == relay.StateFailed {
		writeError(w, result.Err)
		return result
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     requestID,
		"object": "chat.completion",
		"model":  resolved.PublicModel,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": content.String(),
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int64{
			"prompt_tokens":     result.InputUnits,
			"completion_tokens": result.OutputUnits,
			"total_tokens":      result.InputUnits + result.OutputUnits,
		},
	})
	return result
}

// HandleUsage returns the calling account's own usage records.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident := auth.GetIdentity(ctx)
	if ident == nil {
		writeDetail(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}

	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	records, err := h.usage.ListByAccount(ctx, ident.AccountID, from, to)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to query usage records")
		return
	}

	total, err := h.usage.TotalCostByAccount(ctx, ident.AccountID, from, to)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to compute total cost")
		return
	}

	type recordView struct {
		ID          string    `json:"id"`
		Model       string    `json:"model"`
		InputUnits  int64     `json:"input_units"`
		OutputUnits int64     `json:"output_units"`
		Cost        string    `json:"cost"`
		CreatedAt   time.Time `json:"created_at"`
	}

	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, recordView{
			ID:          rec.ID,
			Model:       rec.Model,
			InputUnits:  rec.InputUnits,
			OutputUnits: rec.OutputUnits,
			Cost:        rec.Cost.String(),
			CreatedAt:   rec.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"account_id":     ident.AccountID,
		"total_requests": len(views),
		"total_cost":     total.String(),
		"records":        views,
		"from":           from,
		"to":             to,
	})
}
