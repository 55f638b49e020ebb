package receipt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zombor/receipt-ledger/internal/scanning"
)

// maxImageBody bounds OCR request bodies; base64 inflates phone photos by a third
const maxImageBody = 20 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type ocrRequest struct {
	Image string `json:"image" validate:"required"`
}

type ocrResponse struct {
	Success bool `json:"success"`
	*scanning.ReceiptData
	Error string `json:"error,omitempty"`
}

type createReceiptResponse struct {
	ReceiptID int64 `json:"receipt_id"`
}

type discountRequest struct {
	Name   string `json:"name" validate:"required"`
	Amount int    `json:"amount"`
	ItemID *int64 `json:"item_id" validate:"omitempty,gt=0"`
}

// writeJSON writes v as the JSON response body
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError maps err to a status code and writes it. Unexpected errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status  int
		message = err.Error()
		verrs   validator.ValidationErrors
	)
	switch {
	case errors.Is(err, ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
		message = ErrStoreUnavailable.Error()
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.As(err, &verrs):
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
		message = "Internal server error"
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", RequestIDFrom(r.Context()),
		)
	}
	writeJSON(w, status, errorResponse{Error: message})
}

// decodeBody reads a JSON body into v and validates it
func (s *Server) decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", ErrInvalidInput)
	}
	if err := s.validate.Struct(v); err != nil {
		return err
	}
	return nil
}

// pathID parses the {id} path segment
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid receipt id %q: %w", r.PathValue("id"), ErrInvalidInput)
	}
	return id, nil
}

// queryLimit parses the optional limit parameter; zero means the default
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit %q: %w", raw, ErrInvalidInput)
	}
	return limit, nil
}

// decodeImage accepts plain base64 or a data URL and returns the bytes with
// their MIME type
func decodeImage(image string) ([]byte, string, error) {
	contentType := "image/jpeg"
	if rest, ok := strings.CutPrefix(image, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("malformed data URL: %w", ErrInvalidInput)
		}
		if mime, _, _ := strings.Cut(header, ";"); mime != "" {
			contentType = mime
		}
		image = payload
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(image))
	if err != nil {
		return nil, "", fmt.Errorf("image is not valid base64: %w", ErrInvalidInput)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("image is empty: %w", ErrInvalidInput)
	}
	return data, contentType, nil
}

// handleHealth reports which collaborators are configured
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"scanner_configured": s.scanner != nil,
		"database_connected": s.service.Connected(),
	})
}

// handleOCR reads a receipt image with the configured scanner
func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		writeJSON(w, http.StatusServiceUnavailable, ocrResponse{Error: "scanner is not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImageBody)
	var req ocrRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	data, contentType, err := decodeImage(req.Image)
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.scanner.ScanReceipt(data, contentType)
	if err != nil {
		slog.Error("Error scanning receipt", "error", err, "request_id", RequestIDFrom(r.Context()))
		writeJSON(w, http.StatusBadGateway, ocrResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ocrResponse{Success: true, ReceiptData: result})
}

// handleCreateReceipt stores a recognized receipt
func (s *Server) handleCreateReceipt(w http.ResponseWriter, r *http.Request) {
	var in Input
	if err := s.decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := s.service.CreateReceipt(r.Context(), &in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createReceiptResponse{ReceiptID: id})
}

// handleListReceipts returns receipts matching the query parameters
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	receipts, err := s.service.ListReceipts(r.Context(), ListQuery{
		Limit:     limit,
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
		StoreName: q.Get("store_name"),
		CardName:  q.Get("card_name"),
		Search:    q.Get("search"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if receipts == nil {
		receipts = []*Receipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}

// handleGetReceipt returns a receipt with its items and discounts
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	detail, err := s.service.GetReceiptDetail(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.service.DeleteReceipt(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAddDiscount adds a discount to a receipt
func (s *Server) handleAddDiscount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req discountRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := s.service.AddDiscount(r.Context(), id, req.Name, req.Amount, req.ItemID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func dateParams(r *http.Request) (string, string) {
	q := r.URL.Query()
	return q.Get("start_date"), q.Get("end_date")
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	start, end := dateParams(r)
	summary, err := s.service.Summary(r.Context(), start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleMonthly(w http.ResponseWriter, r *http.Request) {
	start, end := dateParams(r)
	stats, err := s.service.Monthly(r.Context(), start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleByStore(w http.ResponseWriter, r *http.Request) {
	start, end := dateParams(r)
	stats, err := s.service.ByStore(r.Context(), start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleByCard(w http.ResponseWriter, r *http.Request) {
	start, end := dateParams(r)
	stats, err := s.service.ByCard(r.Context(), start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStoreCards(w http.ResponseWriter, r *http.Request) {
	start, end := dateParams(r)
	stats, err := s.service.StoreCards(r.Context(), r.PathValue("store_name"), start, end)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFrequentItems(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	start, end := dateParams(r)
	items, err := s.service.FrequentItems(r.Context(), start, end, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Cleanup(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleMigrateDiscounts(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.MigrateDiscounts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	names, err := s.service.AuditLogs()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleGetAuditLog(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.AuditLog(r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(data)
}
