// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package queue provides bounded FIFO queues of byte payloads, safe for
// concurrent use.
package queue

import (
	"bytes"
	"errors"
	"sync"
)

// ErrFull is returned by Push when the queue holds its maximum number of
// payloads.
var ErrFull = errors.New("queue is full")

// Queue is a FIFO of payloads.
type Queue interface {
	// Push appends a copy of payload.
	Push(payload []byte) error
	// Pop removes and returns the oldest payload, or nil when empty.
	Pop() ([]byte, error)
	Len() int
	Clear() error
	Close() error
}

// Memory is an in-memory Queue.
type Memory struct {
	mu    sync.Mutex
	items [][]byte
	max   int
}

// NewMemory creates a queue holding at most max payloads; max <= 0 means
// unbounded.
func NewMemory(max int) *Memory {
	return &Memory{max: max}
}

func (q *Memory) Push(payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.max > 0 && len(q.items) >= q.max {
		return ErrFull
	}
	q.items = append(q.items, bytes.Clone(payload))
	return nil
}

func (q *Memory) Pop() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p, nil
}

func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Memory) Clear() error {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	return nil
}

func (q *Memory) Close() error {
	return nil
}
