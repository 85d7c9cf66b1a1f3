/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

// Package snapshot persists the long-term memory tier across daemon
// restarts. The kernel itself stays stateless; the daemon saves the
// exported tier on shutdown and restores it on boot.
//
// Layout inside the LevelDB directory, "|" separating key parts:
//
//	ltm|<id>     → Entry JSON
//	meta|savedAt → RFC3339 timestamp of the last save
package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/cortexos/cortexos/internal/mmu"
)

const (
	prefixEntry = "ltm|"
	keySavedAt  = "meta|savedAt"
)

// Store is a LevelDB-backed snapshot of the long-term memory tier.
// LevelDB is single-writer: exactly one Store may own a directory.
type Store struct {
	db    *leveldb.DB
	clock clock.Clock
	log   logr.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock substitutes the time source, used by tests.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger attaches a logger. The store is silent without one.
func WithLogger(log logr.Logger) Option {
	return func(s *Store) { s.log = log.WithName("snapshot") }
}

// Open opens (or creates) the snapshot database under dir.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		clock: clock.New(),
		log:   logr.Discard(),
	}
	for _, o := range opts {
		o(s)
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store at %s: %w", dir, err)
	}
	s.db = db
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveLTM replaces the persisted tier with entries in one atomic batch and
// stamps the save time.
func (s *Store) SaveLTM(entries []mmu.Entry) error {
	batch := new(leveldb.Batch)

	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixEntry)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan snapshot store: %w", err)
	}

	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		batch.Put([]byte(prefixEntry+e.ID), data)
	}
	batch.Put([]byte(keySavedAt), []byte(s.clock.Now().UTC().Format(time.RFC3339)))

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	s.log.Info("long-term memory saved", "entries", len(entries))
	return nil
}

// LoadLTM returns the persisted tier ordered by creation time, oldest
// first, matching the export order so a restore keeps entry precedence.
// Undecodable entries are skipped and logged, never fatal.
func (s *Store) LoadLTM() ([]mmu.Entry, error) {
	var out []mmu.Entry
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixEntry)), nil)
	for iter.Next() {
		var e mmu.Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			s.log.V(1).Info("skipping undecodable entry", "key", string(iter.Key()), "error", err.Error())
			continue
		}
		out = append(out, e)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan snapshot store: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SavedAt returns when the snapshot was last written.
func (s *Store) SavedAt() (time.Time, bool) {
	data, err := s.db.Get([]byte(keySavedAt), nil)
	if err != nil {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, string(data))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Count returns the number of persisted entries.
func (s *Store) Count() int {
	n := 0
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixEntry)), nil)
	for iter.Next() {
		n++
	}
	iter.Release()
	return n
}
