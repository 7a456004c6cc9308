// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package queue

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Level is a Queue persisted in a goleveldb database, so queued payloads
// survive a restart. Several queues can share one database with distinct
// names. Keys are the name, a colon and a big endian sequence number.
type Level struct {
	mu     sync.Mutex
	db     *leveldb.DB
	owned  bool
	prefix []byte
	head   uint64 // sequence of the oldest payload
	tail   uint64 // sequence of the next payload
	max    int
}

// OpenLevel opens (or creates) the database at path and returns the queue
// called name in it. Close closes the database.
func OpenLevel(path, name string, max int) (*Level, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	q, err := NewLevel(db, name, max)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q.owned = true
	return q, nil
}

// NewLevel returns the queue called name in an open database. The database
// stays open on Close.
func NewLevel(db *leveldb.DB, name string, max int) (*Level, error) {
	q := &Level{
		db:     db,
		prefix: []byte(name + ":"),
		max:    max,
	}
	it := db.NewIterator(util.BytesPrefix(q.prefix), nil)
	defer it.Release()
	if it.First() {
		q.head = q.seq(it.Key())
		if it.Last() {
			q.tail = q.seq(it.Key()) + 1
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("scan queue %s: %w", name, err)
	}
	return q, nil
}

func (q *Level) key(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), q.prefix...), seq)
}

func (q *Level) seq(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(q.prefix):])
}

func (q *Level) Push(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.max > 0 && q.tail-q.head >= uint64(q.max) {
		return ErrFull
	}
	if err := q.db.Put(q.key(q.tail), payload, nil); err != nil {
		return err
	}
	q.tail++
	return nil
}

func (q *Level) Pop() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == q.tail {
		return nil, nil
	}
	k := q.key(q.head)
	v, err := q.db.Get(k, nil)
	if err != nil {
		return nil, err
	}
	if err := q.db.Delete(k, nil); err != nil {
		return nil, err
	}
	q.head++
	return v, nil
}

func (q *Level) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.tail - q.head)
}

func (q *Level) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := new(leveldb.Batch)
	it := q.db.NewIterator(util.BytesPrefix(q.prefix), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	if err := q.db.Write(batch, nil); err != nil {
		return err
	}
	q.head = q.tail
	return nil
}

func (q *Level) Close() error {
	if q.owned {
		return q.db.Close()
	}
	return nil
}
