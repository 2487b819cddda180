// Package httpserver exposes the trade order submission API over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeflow/errs"
	"github.com/coachpo/tradeflow/internal/app/submission"
	"github.com/coachpo/tradeflow/internal/domain/tradestore"
	"github.com/coachpo/tradeflow/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	tradeOrdersPath      = "/api/v1/tradeOrders"
	tradeOrderPrefix     = tradeOrdersPath + "/"
	batchSubmitPath      = tradeOrdersPath + "/batch/submit"
	healthPath           = "/healthz"
	noExecuteSubmitParam = "noExecuteSubmit"
)

// Submitter runs submissions through the batch pipeline.
type Submitter interface {
	Submit(ctx context.Context, items []submission.Item, noExecuteSubmit bool) (submission.Response, error)
	SubmitOne(ctx context.Context, item submission.Item, noExecuteSubmit bool) (submission.Result, error)
}

// TradeOrderReader loads trade orders.
type TradeOrderReader interface {
	GetTradeOrder(ctx context.Context, id int64) (tradestore.TradeOrder, error)
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	submitter Submitter
	orders    TradeOrderReader
	logger    observability.Logger
}

type batchPayload struct {
	Submissions []submission.Item `json:"submissions"`
}

type submitPayload struct {
	Quantity      decimal.Decimal `json:"quantity"`
	DestinationID int64           `json:"destinationId"`
}

// NewHandler creates the HTTP handler for the trade order API.
func NewHandler(submitter Submitter, orders TradeOrderReader, logger observability.Logger) http.Handler {
	server := &httpServer{submitter: submitter, orders: orders, logger: observability.OrDefault(logger)}
	mux := http.NewServeMux()

	mux.Handle(batchSubmitPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.submitBatch,
	}))
	mux.Handle(tradeOrderPrefix, http.HandlerFunc(server.handleTradeOrder))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		},
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) submitBatch(w http.ResponseWriter, r *http.Request) {
	noExecute, err := noExecuteSubmit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limitRequestBody(w, r)
	var payload batchPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}

	resp, err := s.submitter.Submit(r.Context(), payload.Submissions, noExecute)
	if err != nil {
		if errs.Is(err, errs.KindValidation) {
			s.writeDomainError(w, err)
			return
		}
		s.logger.Error("batch submission failed",
			observability.F("totalRequested", len(payload.Submissions)),
			observability.F("error", err))
		writeError(w, http.StatusInternalServerError, errorMessage(err))
		return
	}
	writeJSON(w, resp.HTTPStatus(), resp)
}

func (s *httpServer) handleTradeOrder(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, tradeOrderPrefix), "/")
	rawID, action, hasAction := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "trade order id required")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getTradeOrder(w, r, id)
		return
	}

	if strings.TrimSpace(action) != "submit" {
		writeError(w, http.StatusNotFound, "unsupported action")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	s.submitTradeOrder(w, r, id)
}

func (s *httpServer) getTradeOrder(w http.ResponseWriter, r *http.Request, id int64) {
	order, err := s.orders.GetTradeOrder(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) submitTradeOrder(w http.ResponseWriter, r *http.Request, id int64) {
	noExecute, err := noExecuteSubmit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limitRequestBody(w, r)
	var payload submitPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	result, err := s.submitter.SubmitOne(r.Context(), submission.Item{
		TradeOrderID:  id,
		Quantity:      payload.Quantity,
		DestinationID: payload.DestinationID,
	}, noExecute)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result.Execution)
}

func (s *httpServer) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if e, ok := errs.As(err); ok {
		status = e.StatusCode()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", observability.F("status", status), observability.F("error", err))
	}
	writeError(w, status, errorMessage(err))
}

func errorMessage(err error) string {
	if e, ok := errs.As(err); ok {
		return e.Detail()
	}
	return err.Error()
}

func noExecuteSubmit(r *http.Request) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(noExecuteSubmitParam))
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q", noExecuteSubmitParam, raw)
	}
	return value, nil
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
