// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package streaming

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sync"

	"github.com/google/uuid"
)

// accumulatorCapacity caps one streamed response. 512 KB is roughly 131k
// tokens at 4 bytes each, far past any served context window.
const accumulatorCapacity = 512 * 1024

// Accumulator collects streamed tokens and hashes them incrementally, so
// the finalized answer carries an integrity digest computed as the tokens
// arrived rather than after the fact.
//
// # Thread Safety
//
// Safe for concurrent use. An accumulator cannot be reused after Finalize.
type Accumulator struct {
	id string

	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	finalized bool
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		id:     uuid.NewString(),
		hasher: sha256.New(),
	}
}

// ID identifies the accumulator in logs.
func (a *Accumulator) ID() string { return a.id }

// Write appends a token and folds it into the running hash. Overflow is
// sticky: once capacity is exceeded every later Write and the Finalize fail.
func (a *Accumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return fmt.Errorf("accumulator already finalized")
	}
	if a.overflow {
		return fmt.Errorf("accumulator overflow: response too large")
	}
	if len(a.data)+len(token) > accumulatorCapacity {
		a.overflow = true
		return fmt.Errorf("accumulator overflow: need %d bytes, have %d remaining",
			len(token), accumulatorCapacity-len(a.data))
	}

	a.data = append(a.data, token...)
	a.hasher.Write([]byte(token))
	return nil
}

// Len returns the accumulated byte count.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

// Finalize returns the full answer and its hex SHA-256 digest, and retires
// the accumulator.
func (a *Accumulator) Finalize() (answer string, digest string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return "", "", fmt.Errorf("accumulator already finalized")
	}
	if a.overflow {
		a.finalized = true
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	a.finalized = true
	return string(a.data), hex.EncodeToString(a.hasher.Sum(nil)), nil
}

// Partial returns what has accumulated so far without retiring the
// accumulator. Used to persist a truncated answer after cancellation.
func (a *Accumulator) Partial() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return string(a.data)
}
