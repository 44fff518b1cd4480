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
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
	"github.com/tillerml/tiller/services/orchestrator/router"
)

// RouteRequest asks which model would serve a prompt, without generating.
type RouteRequest struct {
	Prompt string `json:"prompt" binding:"required"`

	// Task overrides the classifier with an explicit task type.
	Task string `json:"task,omitempty"`
}

// HandleRoute serves POST /v1/route.
func HandleRoute(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RouteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err)
			return
		}

		decision, err := engine.Route(req.Prompt, router.TaskType(req.Task))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, decision)
	}
}

// HandleEnsemble serves POST /v1/ensemble: one prompt across several
// models, combined. Partial failures surface inside the member list; only a
// total failure is an HTTP error.
func HandleEnsemble(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var spec datatypes.EnsembleSpec
		if err := c.ShouldBindJSON(&spec); err != nil {
			writeBadRequest(c, err)
			return
		}

		result, err := engine.Ensemble(c.Request.Context(), spec)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
