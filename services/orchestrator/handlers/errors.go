// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides the HTTP request handlers for the orchestration
// engine: generation (plain, SSE, WebSocket), routing, ensembles, backend
// and model administration, downloads and conversation CRUD.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tillerml/tiller/services/llm"
)

// writeError maps a failure onto an HTTP status via the error taxonomy and
// writes the uniform error body.
func writeError(c *gin.Context, err error) {
	kind := llm.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case llm.KindUnavailable:
		status = http.StatusServiceUnavailable
	case llm.KindModelNotFound:
		status = http.StatusNotFound
	case llm.KindRateLimited:
		status = http.StatusTooManyRequests
		if hint := llm.RetryAfterHint(err); hint > 0 {
			c.Header("Retry-After", fmt.Sprintf("%d", int(hint.Seconds())))
		}
	case llm.KindTimeout:
		status = http.StatusGatewayTimeout
	case llm.KindUnsupported:
		status = http.StatusNotImplemented
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": string(kind)})
}

// writeBadRequest reports a malformed request body or parameter.
func writeBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
