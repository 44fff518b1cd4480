// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tillerml/tiller/services/llm"
	"github.com/tillerml/tiller/services/orchestrator"
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
	"github.com/tillerml/tiller/services/orchestrator/streaming"
)

// keepAliveInterval holds SSE connections open through 60s proxy idle
// timeouts while the model thinks.
const keepAliveInterval = 15 * time.Second

// HandleGenerate serves POST /v1/generate: one non-streamed generation.
func HandleGenerate(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.GenerationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err)
			return
		}

		result, err := engine.Generate(c.Request.Context(), req)
		if err != nil {
			slog.Error("generation failed", "model", req.Model, "error", err)
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// HandleGenerateStream serves POST /v1/generate/stream: a generation
// streamed as server-sent events.
//
// # Description
//
// Tokens stream as "token" events; the stream closes with a "done" event
// carrying the conversation id and the answer's integrity digest. A client
// disconnect cancels generation server-side; tokens already received are
// persisted as a partial assistant turn, which the engine guarantees.
func HandleGenerateStream(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.GenerationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err)
			return
		}

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		// Keepalives run until the stream ends, on their own goroutine so
		// a silent model cannot idle out the connection.
		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(keepAliveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := writer.WriteKeepAlive(); err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		outcome, err := engine.GenerateStream(c.Request.Context(), req, func(ev llm.StreamEvent) error {
			if ev.Type == llm.StreamEventToken {
				return writer.WriteToken(ev.Content)
			}
			return nil
		})
		switch {
		case err != nil:
			slog.Error("streamed generation failed", "model", req.Model, "error", err)
			_ = writer.WriteError(err.Error())
		case outcome.State == streaming.StateCancelled:
			slog.Info("stream cancelled by client", "conversation_id", req.ConversationID)
		default:
			_ = writer.WriteDone(req.ConversationID, outcome.Digest)
		}
	}
}
