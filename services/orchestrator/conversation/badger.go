// Copyright (C) 2025 Tiller ML (oss@tillerml.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/tillerml/tiller/services/orchestrator/datatypes"
)

// convPrefix namespaces conversation keys so other state can share the DB.
const convPrefix = "conv/"

// BadgerStore is a persistent Store backed by an embedded BadgerDB.
//
// Each conversation is one JSON value under conv/<id>. Appends are
// read-modify-write inside a single Badger transaction, which gives the
// per-id atomicity the Store contract requires.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the database at dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger's own logger is too chatty for a library
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening conversation store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already-open DB (shared with other components).
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Create(ctx context.Context, title, defaultModel string) (string, error) {
	now := time.Now()
	conv := datatypes.Conversation{
		ID:           uuid.NewString(),
		Title:        title,
		DefaultModel: defaultModel,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return writeConversation(txn, &conv)
	})
	if err != nil {
		return "", fmt.Errorf("creating conversation: %w", err)
	}
	return conv.ID, nil
}

func (s *BadgerStore) Append(ctx context.Context, id string, msg datatypes.Message) error {
	return s.db.Update(func(txn *badger.Txn) error {
		conv, err := readConversation(txn, id)
		if err != nil {
			return err
		}
		var prev time.Time
		if n := len(conv.Messages); n > 0 {
			prev = conv.Messages[n-1].Timestamp
		}
		stampMessage(&msg, prev)
		conv.Messages = append(conv.Messages, msg)
		conv.UpdatedAt = msg.Timestamp
		return writeConversation(txn, conv)
	})
}

func (s *BadgerStore) History(ctx context.Context, id string) ([]datatypes.Message, error) {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

func (s *BadgerStore) Get(ctx context.Context, id string) (*datatypes.Conversation, error) {
	var conv *datatypes.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		conv, err = readConversation(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *BadgerStore) List(ctx context.Context) ([]datatypes.ConversationSummary, error) {
	var out []datatypes.ConversationSummary
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(convPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var conv datatypes.Conversation
				if err := json.Unmarshal(val, &conv); err != nil {
					return fmt.Errorf("decoding conversation: %w", err)
				}
				out = append(out, conv.Summary())
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(convPrefix + id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

func readConversation(txn *badger.Txn, id string) (*datatypes.Conversation, error) {
	item, err := txn.Get([]byte(convPrefix + id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var conv datatypes.Conversation
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &conv)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding conversation %s: %w", id, err)
	}
	return &conv, nil
}

func writeConversation(txn *badger.Txn, conv *datatypes.Conversation) error {
	val, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encoding conversation %s: %w", conv.ID, err)
	}
	return txn.Set([]byte(convPrefix+conv.ID), val)
}
