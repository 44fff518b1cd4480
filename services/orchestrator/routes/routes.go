// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tillerml/tiller/services/orchestrator"
	"github.com/tillerml/tiller/services/orchestrator/handlers"
)

// SetupRoutes registers every endpoint on router.
func SetupRoutes(router *gin.Engine, engine *orchestrator.Engine) {
	router.GET("/health", handlers.HandleHealth(engine))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/generate", handlers.HandleGenerate(engine))
		v1.POST("/generate/stream", handlers.HandleGenerateStream(engine))
		v1.GET("/chat/ws", handlers.HandleChatWebSocket(engine))
		v1.POST("/route", handlers.HandleRoute(engine))
		v1.POST("/ensemble", handlers.HandleEnsemble(engine))

		v1.GET("/backends", handlers.HandleListBackends(engine))
		v1.POST("/backends/refresh", handlers.HandleRefreshBackends(engine))
		v1.GET("/models", handlers.HandleListModels(engine))

		v1.POST("/models/pull", handlers.HandleModelPull(engine))
		v1.GET("/models/pull", handlers.HandleListDownloads(engine))
		v1.GET("/models/pull/:jobId", handlers.HandleDownloadStatus(engine))
		v1.DELETE("/models/pull/:jobId", handlers.HandleCancelDownload(engine))

		conversations := v1.Group("/conversations")
		{
			conversations.POST("", handlers.HandleCreateConversation(engine))
			conversations.GET("", handlers.HandleListConversations(engine))
			conversations.GET("/:id", handlers.HandleGetConversation(engine))
			conversations.GET("/:id/history", handlers.HandleGetHistory(engine))
			conversations.DELETE("/:id", handlers.HandleDeleteConversation(engine))
		}
	}
}
