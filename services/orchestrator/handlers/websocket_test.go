// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestSocket(t *testing.T) *websocket.Conn {
	t.Helper()
	router, _ := newTestServer(t)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/chat/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestChatWebSocket_StreamsTokensThenDone(t *testing.T) {
	t.Parallel()
	ws := dialTestSocket(t)

	require.NoError(t, ws.WriteJSON(WSRequest{Prompt: "hello", Model: "test-model"}))

	var reply strings.Builder
	for {
		var frame WSMessage
		require.NoError(t, ws.ReadJSON(&frame))
		if frame.Type == "done" {
			assert.NotEmpty(t, frame.Digest)
			break
		}
		require.Equal(t, "token", frame.Type)
		reply.WriteString(frame.Content)
	}
	assert.Equal(t, "canned reply", reply.String())
}

func TestChatWebSocket_ErrorFrameKeepsConnectionOpen(t *testing.T) {
	t.Parallel()
	ws := dialTestSocket(t)

	require.NoError(t, ws.WriteJSON(WSRequest{Prompt: "hello", Model: "no-such-model"}))
	var frame WSMessage
	require.NoError(t, ws.ReadJSON(&frame))
	require.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Error, "model_not_found")

	// The socket survives a failed request; the next one streams normally.
	require.NoError(t, ws.WriteJSON(WSRequest{Prompt: "hello", Model: "test-model"}))
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, "token", frame.Type)
}
