// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tillerml/tiller/services/orchestrator"
	"github.com/tillerml/tiller/services/orchestrator/download"
)

// HandleListBackends serves GET /v1/backends: capability snapshots in
// priority order.
func HandleListBackends(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"backends": engine.ListBackends()})
	}
}

// HandleRefreshBackends serves POST /v1/backends/refresh: re-probe every
// backend and return the fresh snapshots.
func HandleRefreshBackends(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"backends": engine.RefreshBackends(c.Request.Context())})
	}
}

// HandleListModels serves GET /v1/models: every model an available backend
// serves, priority order, deduplicated.
func HandleListModels(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"models": engine.ListModels()})
	}
}

// PullRequest names the model to acquire and the backend to acquire it on.
type PullRequest struct {
	Backend string `json:"backend" binding:"required"`
	Model   string `json:"model" binding:"required"`
}

// HandleModelPull serves POST /v1/models/pull. Returns 202 with a job id;
// progress is polled via HandleDownloadStatus.
func HandleModelPull(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PullRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err)
			return
		}

		id, err := engine.StartDownload(req.Backend, req.Model)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": id})
	}
}

// HandleDownloadStatus serves GET /v1/models/pull/:jobId.
func HandleDownloadStatus(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := engine.DownloadStatus(c.Param("jobId"))
		if err != nil {
			if errors.Is(err, download.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// HandleListDownloads serves GET /v1/models/pull: all retained jobs.
func HandleListDownloads(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"jobs": engine.ListDownloads()})
	}
}

// HandleCancelDownload serves DELETE /v1/models/pull/:jobId.
func HandleCancelDownload(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := engine.CancelDownload(c.Param("jobId")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
	}
}
