package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"CDPLedger/internal/ingestion"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/ops"
	"CDPLedger/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
)

// submitTimeout bounds how long a manual submission waits on a full core queue
const submitTimeout = 2 * time.Second

type handlers struct {
	deps   Deps
	logger zerolog.Logger
}

func (h *handlers) register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, path string
		fn           runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/cdps/{id}", h.getCDP},
		{http.MethodGet, "/v1/cdps/{id}/preview", h.preview},
		{http.MethodGet, "/v1/cdps/{id}/operations", h.operations},
		{http.MethodGet, "/v1/owners/{owner}/cdps", h.listByOwner},
		{http.MethodPost, "/v1/operations", h.submitOperation},

		{http.MethodPost, "/v1/admin/prices", h.injectPrice},
		{http.MethodPost, "/v1/admin/params", h.updateParams},
		{http.MethodPost, "/v1/admin/liquidations/settle", h.settleLiquidation},
		{http.MethodGet, "/v1/admin/integrity", h.verifyIntegrity},
		{http.MethodGet, "/v1/admin/event-log", h.eventLogInfo},
		{http.MethodPost, "/v1/admin/projections/rebuild", h.rebuildProjections},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.fn); err != nil {
			return fmt.Errorf("%s %s: %w", r.method, r.path, err)
		}
	}
	return nil
}

// ============================================================================
// Query routes
// ============================================================================

func (h *handlers) getCDP(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := uuid.Parse(params["id"])
	if err != nil {
		h.writeError(w, codes.InvalidArgument, fmt.Errorf("invalid cdp id: %w", err))
		return
	}

	resp, err := h.deps.Query.GetCDP(r.Context(), id)
	if err != nil {
		h.writeError(w, queryCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) listByOwner(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner := params["owner"]
	if owner == "" {
		h.writeError(w, codes.InvalidArgument, errors.New("owner is required"))
		return
	}

	cdps, err := h.deps.Query.ListCDPsByOwner(r.Context(), owner)
	if err != nil {
		h.writeError(w, queryCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner": owner,
		"cdps":  cdps,
	})
}

func (h *handlers) preview(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := uuid.Parse(params["id"])
	if err != nil {
		h.writeError(w, codes.InvalidArgument, fmt.Errorf("invalid cdp id: %w", err))
		return
	}

	req, err := parsePreviewRequest(r)
	if err != nil {
		h.writeError(w, codes.InvalidArgument, err)
		return
	}

	resp, err := h.deps.Query.Preview(r.Context(), id, req)
	if err != nil {
		h.writeError(w, queryCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func parsePreviewRequest(r *http.Request) (query.PreviewRequest, error) {
	var req query.PreviewRequest
	q := r.URL.Query()

	if v := q.Get("target_hf"); v != "" {
		hf, err := strconv.ParseFloat(v, 64)
		if err != nil || hf <= 0 {
			return req, fmt.Errorf("target_hf must be a positive number")
		}
		req.TargetHealthFactor = hf
	}

	if kind := q.Get("kind"); kind != "" {
		k, err := ops.ParseKind(kind)
		if err != nil {
			return req, err
		}
		if k == ops.KindCreate {
			return req, fmt.Errorf("create cannot be previewed against an existing cdp")
		}
		amount, err := fpmath.ParseAmount(q.Get("amount"))
		if err != nil || amount.Sign() <= 0 {
			return req, fmt.Errorf("amount must be a positive integer of base units")
		}
		req.Kind = kind
		req.Amount = amount
	}
	return req, nil
}

func (h *handlers) operations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := uuid.Parse(params["id"])
	if err != nil {
		h.writeError(w, codes.InvalidArgument, fmt.Errorf("invalid cdp id: %w", err))
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			h.writeError(w, codes.InvalidArgument, fmt.Errorf("invalid limit: %w", err))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cdp_id":     id,
		"operations": h.deps.Query.GetOperationHistory(id, limit),
	})
}

// ============================================================================
// Ingest routes
// ============================================================================

func (h *handlers) submitOperation(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req ingestion.OperationRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, codes.InvalidArgument, err)
		return
	}

	// The caller needs the id of a CDP it is creating
	if req.Kind == ops.KindCreate.String() && req.CDPID == uuid.Nil {
		req.CDPID = uuid.New()
	}

	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()

	requestID, err := h.deps.Ingest.SubmitOperation(ctx, req)
	if err != nil {
		h.writeError(w, ingestCode(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"request_id": requestID,
		"cdp_id":     req.CDPID,
		"status":     "accepted",
	})
}

type priceRequest struct {
	Price         fpmath.Amount `json:"price"`
	ConfidenceBps uint32        `json:"confidence_bps"`
	PriceSequence int64         `json:"price_sequence"`
}

func (h *handlers) injectPrice(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req := priceRequest{ConfidenceBps: fpmath.BasisPointsDenominator}
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, codes.InvalidArgument, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()

	if err := h.deps.Ingest.InjectPrice(ctx, req.Price, req.ConfidenceBps, req.PriceSequence); err != nil {
		h.writeError(w, ingestCode(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type paramsRequest struct {
	EmergencyShutdown bool          `json:"emergency_shutdown"`
	MaxAmountAllowed  fpmath.Amount `json:"max_amount_allowed"`
	SafetyBufferBps   uint64        `json:"safety_buffer_bps"`
	Sequence          int64         `json:"sequence"`
}

func (h *handlers) updateParams(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req paramsRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, codes.InvalidArgument, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()

	err := h.deps.Ingest.UpdateSystemParams(ctx, req.EmergencyShutdown, req.MaxAmountAllowed, req.SafetyBufferBps, req.Sequence)
	if err != nil {
		h.writeError(w, ingestCode(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type settleRequest struct {
	CDPID         uuid.UUID `json:"cdp_id"`
	LiquidationID uuid.UUID `json:"liquidation_id"`
}

func (h *handlers) settleLiquidation(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req settleRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, codes.InvalidArgument, err)
		return
	}
	if req.LiquidationID == uuid.Nil {
		req.LiquidationID = uuid.New()
	}

	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()

	if err := h.deps.Ingest.SettleLiquidation(ctx, req.CDPID, req.LiquidationID); err != nil {
		h.writeError(w, ingestCode(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"liquidation_id": req.LiquidationID,
		"status":         "accepted",
	})
}

// ============================================================================
// Admin routes
// ============================================================================

func (h *handlers) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := h.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		h.writeError(w, codes.Internal, fmt.Errorf("verify integrity: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) eventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if h.deps.LatestSequence == nil {
		h.writeError(w, codes.Unimplemented, errors.New("event log info not configured"))
		return
	}
	seq, err := h.deps.LatestSequence(r.Context())
	if err != nil {
		h.writeError(w, codes.Internal, fmt.Errorf("latest sequence: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"last_sequence": seq})
}

func (h *handlers) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if h.deps.RebuildProjections == nil {
		h.writeError(w, codes.Unimplemented, errors.New("projection rebuild not configured"))
		return
	}
	if err := h.deps.RebuildProjections(r.Context()); err != nil {
		h.writeError(w, codes.Internal, fmt.Errorf("rebuild failed: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

// ============================================================================
// Helpers
// ============================================================================

func queryCode(err error) codes.Code {
	switch {
	case errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, query.ErrNoPrice):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// ingestCode maps IngestService errors; anything other than queue
// pressure is a malformed request.
func ingestCode(err error) codes.Code {
	switch {
	case errors.Is(err, ingestion.ErrQueueFull):
		return codes.ResourceExhausted
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.InvalidArgument
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *handlers) writeError(w http.ResponseWriter, code codes.Code, err error) {
	status := runtime.HTTPStatusFromCode(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("code", code.String()).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Code: code.String(), Message: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
