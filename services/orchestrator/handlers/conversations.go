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
	"github.com/tillerml/tiller/services/orchestrator/conversation"
)

// CreateConversationRequest starts a new conversation.
type CreateConversationRequest struct {
	Title        string `json:"title"`
	DefaultModel string `json:"defaultModel"`
}

// HandleCreateConversation serves POST /v1/conversations.
func HandleCreateConversation(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateConversationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBadRequest(c, err)
			return
		}

		id, err := engine.Conversations().Create(c.Request.Context(), req.Title, req.DefaultModel)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"conversationId": id})
	}
}

// HandleListConversations serves GET /v1/conversations.
func HandleListConversations(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		summaries, err := engine.Conversations().List(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"conversations": summaries})
	}
}

// HandleGetConversation serves GET /v1/conversations/:id.
func HandleGetConversation(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		conv, err := engine.Conversations().Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			conversationError(c, err)
			return
		}
		c.JSON(http.StatusOK, conv)
	}
}

// HandleGetHistory serves GET /v1/conversations/:id/history.
func HandleGetHistory(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		messages, err := engine.Conversations().History(c.Request.Context(), c.Param("id"))
		if err != nil {
			conversationError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": messages})
	}
}

// HandleDeleteConversation serves DELETE /v1/conversations/:id.
func HandleDeleteConversation(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := engine.Conversations().Delete(c.Request.Context(), c.Param("id")); err != nil {
			conversationError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}

func conversationError(c *gin.Context, err error) {
	if errors.Is(err, conversation.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	writeError(c, err)
}
