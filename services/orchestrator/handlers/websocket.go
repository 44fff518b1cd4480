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

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tillerml/tiller/services/llm"
	"github.com/tillerml/tiller/services/orchestrator"
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
	"github.com/tillerml/tiller/services/orchestrator/streaming"
)

// WSRequest is one generation request over the socket.
type WSRequest struct {
	Prompt         string   `json:"prompt"`
	Model          string   `json:"model,omitempty"`
	Backend        string   `json:"backend,omitempty"`
	System         string   `json:"system,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	Temperature    *float32 `json:"temperature,omitempty"`
	Unrestricted   bool     `json:"unrestricted,omitempty"`
}

// WSMessage is one frame sent to the client.
type WSMessage struct {
	Type           string `json:"type"` // token, done, error
	Content        string `json:"content,omitempty"`
	Digest         string `json:"digest,omitempty"`
	ConversationId string `json:"conversationId,omitempty"`
	Error          string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Local-first deployment; the daemon binds loopback by default.
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// HandleChatWebSocket serves GET /v1/chat/ws: a persistent socket carrying
// sequential streamed generations. One request streams at a time per
// connection; the client sends the next request after the done frame.
func HandleChatWebSocket(engine *orchestrator.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("websocket client connected", "remote", ws.RemoteAddr())

		for {
			var req WSRequest
			if err := ws.ReadJSON(&req); err != nil {
				slog.Info("websocket client disconnected", "error", err.Error())
				return
			}

			genReq := datatypes.GenerationRequest{
				Prompt:         req.Prompt,
				Model:          req.Model,
				Backend:        req.Backend,
				System:         req.System,
				ConversationID: req.ConversationID,
				Temperature:    req.Temperature,
				Unrestricted:   req.Unrestricted,
				Stream:         true,
			}

			outcome, err := engine.GenerateStream(c.Request.Context(), genReq, func(ev llm.StreamEvent) error {
				if ev.Type != llm.StreamEventToken {
					return nil
				}
				return ws.WriteJSON(WSMessage{Type: "token", Content: ev.Content})
			})
			switch {
			case err != nil:
				if writeErr := ws.WriteJSON(WSMessage{Type: "error", Error: err.Error()}); writeErr != nil {
					return
				}
			case outcome.State == streaming.StateCancelled:
				return
			default:
				done := WSMessage{
					Type:           "done",
					Digest:         outcome.Digest,
					ConversationId: req.ConversationID,
				}
				if writeErr := ws.WriteJSON(done); writeErr != nil {
					return
				}
			}
		}
	}
}
