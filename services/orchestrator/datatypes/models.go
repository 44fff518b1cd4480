// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// =============================================================================
// Backend Capability Descriptors
// =============================================================================

// BackendKind distinguishes local inference engines from remote API providers.
type BackendKind string

const (
	// KindLocal is an inference engine running on this host or network
	// (Ollama, llama.cpp server).
	KindLocal BackendKind = "local"

	// KindRemote is a hosted API provider reached over the public network.
	KindRemote BackendKind = "remote"
)

// BackendInfo is a backend capability descriptor.
//
// # Description
//
// Created at registry initialization and refreshed on demand. The registry
// hands out copies; a descriptor snapshot never mutates after it is read.
// Availability can flip between refreshes while in-flight requests exist,
// which is why resolution records the snapshot it decided against.
type BackendInfo struct {
	Name         string      `json:"name"`
	Kind         BackendKind `json:"kind"`
	Available    bool        `json:"available"`
	Models       []string    `json:"models"`
	SupportsPull bool        `json:"supports_pull"`
}

// ServesModel reports whether the descriptor lists the given model id.
func (b BackendInfo) ServesModel(model string) bool {
	for _, m := range b.Models {
		if m == model {
			return true
		}
	}
	return false
}

// =============================================================================
// Download Jobs
// =============================================================================

// DownloadStatus is the state of a model acquisition job.
type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "pending"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadError       DownloadStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s DownloadStatus) Terminal() bool {
	return s == DownloadCompleted || s == DownloadError
}

// DownloadJob tracks one long-running model acquisition.
//
// # Description
//
// Owned exclusively by the download tracker. The backend adapter only ever
// reports progress into it through the tracker's sink and never reads it
// back. Progress is monotonic and clamped to [0,100]; a terminal status is
// immutable. Terminal jobs remain queryable for a retention window and are
// then evicted.
type DownloadJob struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Backend    string         `json:"backend"`
	Status     DownloadStatus `json:"status"`
	Progress   float64        `json:"progress"`
	Message    string         `json:"message,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}
