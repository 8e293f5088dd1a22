// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evolve

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/evolve/services/evolve/compiler"
	"github.com/AleutianAI/evolve/services/evolve/edit"
	"github.com/AleutianAI/evolve/services/evolve/schema"
	"github.com/AleutianAI/evolve/services/evolve/transaction"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// maxBatchBytes bounds request bodies carrying edits or sources.
const maxBatchBytes = 4 << 20

// Handlers contains the HTTP handlers for the engine.
type Handlers struct {
	engine *Engine
}

// NewHandlers creates handlers for the given engine.
func NewHandlers(engine *Engine) *Handlers {
	return &Handlers{engine: engine}
}

// HandleHealth handles GET /v1/evolve/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
		Types:   len(h.engine.Registry().Types()),
	})
}

// HandleStats handles GET /v1/evolve/stats.
func (h *Handlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stats())
}

// HandleListTypes handles GET /v1/evolve/types.
//
// Response:
//
//	200 OK: TypesResponse, ordered by class name
func (h *Handlers) HandleListTypes(c *gin.Context) {
	types := h.engine.Types()
	resp := TypesResponse{Types: make([]TypeSummary, 0, len(types))}
	for _, vt := range types {
		resp.Types = append(resp.Types, summarize(vt))
	}
	c.JSON(http.StatusOK, resp)
}

// HandleGetType handles GET /v1/evolve/types/:name.
//
// Response:
//
//	200 OK: TypeDetail of the live version
//	404 Not Found: Unknown class
func (h *Handlers) HandleGetType(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetType")

	name := c.Param("name")
	vt, err := h.engine.Type(name)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	source, _ := h.engine.Source(name)
	c.JSON(http.StatusOK, detail(vt, source))
}

// HandleHistory handles GET /v1/evolve/types/:name/history.
//
// Response:
//
//	200 OK: HistoryResponse, oldest version first
//	404 Not Found: Unknown class
//	503 Service Unavailable: Archive disabled
func (h *Handlers) HandleHistory(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleHistory")

	name := c.Param("name")
	if _, err := h.engine.Type(name); err != nil {
		writeError(c, logger, err)
		return
	}
	entries, err := h.engine.History(c.Request.Context(), name)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{Class: name, Entries: entries})
}

// HandleDefine handles POST /v1/evolve/classes.
//
// Description:
//
//	Defines new classes from their sources and publishes version 0 of
//	each. The sources are compiled as one batch.
//
// Request Body:
//
//	DefineRequest
//
// Response:
//
//	201 Created: DefineResponse
//	400 Bad Request: Invalid body or source
//	409 Conflict: A class is already defined
//	422 Unprocessable Entity: Compile failure, diagnostics in Details
func (h *Handlers) HandleDefine(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDefine")

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBatchBytes)
	var req DefineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	types, err := h.engine.Define(c.Request.Context(), req.Sources...)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	resp := DefineResponse{Defined: make([]TypeSummary, 0, len(types))}
	for _, t := range types {
		if vt, err := h.engine.Type(t.Name()); err == nil {
			resp.Defined = append(resp.Defined, summarize(vt))
		}
	}
	logger.Info("Classes defined", "count", len(resp.Defined))
	c.JSON(http.StatusCreated, resp)
}

// HandleTransaction handles POST /v1/evolve/transactions.
//
// Description:
//
//	Runs an edit batch as one transaction. The body is a batch document
//	in JSON or YAML.
//
// Request Body:
//
//	edit.Batch
//
// Response:
//
//	200 OK: transaction.Result
//	400 Bad Request: Malformed batch or edit
//	404 Not Found: An edit names an unknown class
//	409 Conflict: An edit conflicted; the transaction rolled back
//	422 Unprocessable Entity: Compile failure; the transaction rolled back
//	500 Internal Server Error: Any other failure
func (h *Handlers) HandleTransaction(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleTransaction")

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBatchBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	batch, err := edit.ParseBatch(body)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	res, err := h.engine.ApplyBatch(c.Request.Context(), batch)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Info("Transaction committed", "tx_id", res.TransactionID, "published", len(res.Published))
	c.JSON(http.StatusOK, res)
}

// writeError maps engine errors onto HTTP responses.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: err.Error(), Code: "INTERNAL"}

	var (
		txErr   *transaction.Error
		failure *compiler.Failure
	)
	switch {
	case errors.Is(err, ErrUnknownClass):
		status, resp.Code = http.StatusNotFound, "UNKNOWN_CLASS"
	case errors.Is(err, ErrArchiveDisabled):
		status, resp.Code = http.StatusServiceUnavailable, "ARCHIVE_DISABLED"
	case errors.Is(err, ErrAlreadyDefined):
		status, resp.Code = http.StatusConflict, "ALREADY_DEFINED"
	case errors.Is(err, edit.ErrBadSpec), errors.Is(err, schema.ErrInvalidSource):
		status, resp.Code = http.StatusBadRequest, "INVALID_EDIT"
	case errors.As(err, &txErr) && txErr.Kind == transaction.FailureCompile:
		status, resp.Code = http.StatusUnprocessableEntity, "COMPILE_FAILED"
		resp.Error = txErr.Cause.Error()
		resp.Details = txErr.Diagnostics
	case errors.Is(err, edit.ErrEditConflict):
		status, resp.Code = http.StatusConflict, "EDIT_CONFLICT"
		if txErr == nil {
			status, resp.Code = http.StatusNotFound, "UNKNOWN_CLASS"
		}
	case errors.As(err, &failure):
		status, resp.Code = http.StatusUnprocessableEntity, "COMPILE_FAILED"
		resp.Details = failure.Text()
	case errors.Is(err, ErrClosed):
		status, resp.Code = http.StatusServiceUnavailable, "CLOSED"
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err)
	} else {
		logger.Warn("Request rejected", "error", err, "code", resp.Code)
	}
	c.JSON(status, resp)
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
