// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SSEEvent is the wire shape of one server-sent event.
//
// Each event carries a UUID, a millisecond timestamp, a SHA-256 hash of its
// content and the hash of the previous event, forming a verifiable chain
// over the streamed answer.
type SSEEvent struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"createdAt"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prevHash,omitempty"`

	Content        string `json:"content,omitempty"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
	ConversationId string `json:"conversationId,omitempty"`
	Digest         string `json:"digest,omitempty"`
}

// SSEWriter writes server-sent events to an HTTP response.
//
// # Thread Safety
//
// Safe for concurrent use; the hash chain stays consistent across
// interleaved writers.
type SSEWriter interface {
	WriteToken(content string) error
	WriteStatus(message string) error
	WriteError(errMsg string) error

	// WriteDone closes the stream logically, carrying the conversation id
	// and the accumulated answer's integrity digest.
	WriteDone(conversationID, digest string) error

	// WriteKeepAlive sends an SSE comment to hold the connection open
	// through proxies with idle timeouts. Comments do not join the chain.
	WriteKeepAlive() error
}

type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	mu       sync.Mutex
	prevHash string
}

// NewSSEWriter wraps w. The caller must have set SSE headers first; w must
// support http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// SetSSEHeaders configures the response for event streaming. Must run
// before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func (w *sseWriter) writeEvent(event SSEEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.NewString()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = eventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// eventHash hashes every content field; the Hash field itself must still be
// empty when this runs.
func eventHash(event SSEEvent) string {
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Message,
		event.Error,
		event.ConversationId,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

func (w *sseWriter) WriteToken(content string) error {
	return w.writeEvent(SSEEvent{Type: "token", Content: content})
}

func (w *sseWriter) WriteStatus(message string) error {
	return w.writeEvent(SSEEvent{Type: "status", Message: message})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.writeEvent(SSEEvent{Type: "error", Error: errMsg})
}

func (w *sseWriter) WriteDone(conversationID, digest string) error {
	return w.writeEvent(SSEEvent{Type: "done", ConversationId: conversationID, Digest: digest})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

var _ SSEWriter = (*sseWriter)(nil)
