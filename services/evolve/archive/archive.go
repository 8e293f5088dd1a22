// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive keeps the history of every committed class source in
// BadgerDB.
//
// Keys are laid out as
//
//	src/<class>/<generation, 6 digits>/<version, 10 digits>
//
// so a prefix scan over one class yields its versions in commit order.
// Every Open starts a new generation: an engine numbers versions from 0
// each time it starts, and the generation keeps earlier runs apart.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/evolve/services/evolve/compiler"
)

// ErrNotFound indicates no archived source for the class or version.
var ErrNotFound = errors.New("no archived source")

const (
	keyPrefix     = "src/"
	generationKey = "meta/generation"
)

// Entry is one archived class version.
type Entry struct {
	Class       string    `json:"class"`
	Generation  int       `json:"generation"`
	Version     int       `json:"version"`
	Path        string    `json:"path,omitempty"`
	Text        string    `json:"text"`
	CommittedAt time.Time `json:"committed_at"`
}

// Archive stores committed source units.
//
// # Description
//
// Archive implements the executor's Sink: every unit of a commit is
// written in one badger transaction, so a commit is archived entirely or
// not at all.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Archive struct {
	db         *DB
	generation int
	logger     *slog.Logger
	now        func() time.Time
}

// Open opens an archive.
func Open(cfg Config) (*Archive, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	a, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// New wraps an open database and starts the next generation. On a
// read-only database it reads the current generation instead.
func New(db *DB) (*Archive, error) {
	a := &Archive{
		db:     db,
		logger: slog.Default().With("component", "archive.Archive"),
		now:    time.Now,
	}
	read := func(txn *badger.Txn) (int, error) {
		item, err := txn.Get([]byte(generationKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		var gen int
		err = item.Value(func(val []byte) error {
			gen, err = strconv.Atoi(string(val))
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("decode generation: %w", err)
		}
		return gen, nil
	}

	ctx := context.Background()
	var err error
	if db.readOnly {
		err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			a.generation, err = read(txn)
			return err
		})
	} else {
		err = db.WithTxn(ctx, func(txn *badger.Txn) error {
			prev, err := read(txn)
			if err != nil {
				return err
			}
			a.generation = prev + 1
			return txn.Set([]byte(generationKey), []byte(strconv.Itoa(a.generation)))
		})
	}
	if err != nil {
		return nil, fmt.Errorf("start archive generation: %w", err)
	}
	return a, nil
}

// Generation returns the generation this archive writes to.
func (a *Archive) Generation() int { return a.generation }

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

func classPrefix(class string) []byte {
	return []byte(keyPrefix + class + "/")
}

func entryKey(class string, generation, version int) []byte {
	return []byte(fmt.Sprintf("%s%s/%06d/%010d", keyPrefix, class, generation, version))
}

// Persist archives units.
//
// # Inputs
//
//   - ctx: Checked before the write.
//   - units: Committed units. Each unit's Name and Version form the key.
//
// # Outputs
//
//   - error: Non-nil if the badger transaction failed; nothing was written.
func (a *Archive) Persist(ctx context.Context, units []compiler.SourceUnit) error {
	if len(units) == 0 {
		return nil
	}
	at := a.now().UTC()
	err := a.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, u := range units {
			data, err := json.Marshal(Entry{
				Class:       u.Name,
				Generation:  a.generation,
				Version:     u.Version,
				Path:        u.Path,
				Text:        u.Text,
				CommittedAt: at,
			})
			if err != nil {
				return fmt.Errorf("encode %s: %w", u.VersionedName(), err)
			}
			if err := txn.Set(entryKey(u.Name, a.generation, u.Version), data); err != nil {
				return fmt.Errorf("write %s: %w", u.VersionedName(), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.logger.Debug("source archived", slog.Int("units", len(units)))
	return nil
}

// History returns every archived version of class, oldest first.
func (a *Archive) History(ctx context.Context, class string) ([]Entry, error) {
	var out []Entry
	prefix := classPrefix(class)
	err := a.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			e, err := decode(it.Item())
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one archived version from the newest generation that has
// it.
func (a *Archive) Get(ctx context.Context, class string, version int) (Entry, error) {
	var (
		e     Entry
		found bool
	)
	prefix := classPrefix(class)
	err := a.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte(nil), prefix...), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			candidate, err := decode(it.Item())
			if err != nil {
				return err
			}
			if candidate.Version == version {
				e, found = candidate, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, fmt.Errorf("%w: %s version %d", ErrNotFound, class, version)
	}
	return e, nil
}

// Latest returns the newest archived version of class.
func (a *Archive) Latest(ctx context.Context, class string) (Entry, error) {
	var (
		e     Entry
		found bool
	)
	prefix := classPrefix(class)
	err := a.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte(nil), prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		var err error
		e, err = decode(it.Item())
		found = err == nil
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, class)
	}
	return e, nil
}

// Classes returns the names of every archived class in key order.
func (a *Archive) Classes(ctx context.Context) ([]string, error) {
	var out []string
	prefix := []byte(keyPrefix)
	err := a.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), keyPrefix)
			name, _, ok := strings.Cut(rest, "/")
			if !ok {
				continue
			}
			if len(out) == 0 || out[len(out)-1] != name {
				out = append(out, name)
			}
		}
		return nil
	})
	return out, err
}

func decode(item *badger.Item) (Entry, error) {
	var e Entry
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("decode %s: %w", item.Key(), err)
	}
	return e, nil
}
