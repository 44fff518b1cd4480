// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tillerml/tiller/services/orchestrator"
)

// HandleHealth serves GET /health. Degraded (no available backend) is still
// 200: the daemon itself is up, and /v1/backends tells the full story.
func HandleHealth(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		available := 0
		for _, info := range engine.ListBackends() {
			if info.Available {
				available++
			}
		}
		status := "ok"
		if available == 0 {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":            status,
			"availableBackends": available,
		})
	}
}
