package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
)

// ErrSerializerClosed is returned by Do after Close.
var ErrSerializerClosed = errors.New("serializer closed")

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Serializer runs work for the same key strictly one at a time while keys on
// different shards proceed in parallel. Each shard is a single goroutine that
// drains its queue in order.
type Serializer struct {
	shards []chan job
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewSerializer starts shardCount workers.
func NewSerializer(shardCount int) *Serializer {
	if shardCount <= 0 {
		shardCount = 1
	}
	s := &Serializer{shards: make([]chan job, shardCount)}
	for i := range s.shards {
		ch := make(chan job, 64)
		s.shards[i] = ch
		s.wg.Add(1)
		go s.work(ch)
	}
	return s
}

func (s *Serializer) work(ch chan job) {
	defer s.wg.Done()
	for j := range ch {
		j.done <- j.fn(j.ctx)
	}
}

// Do runs fn on key's shard and waits for it. Once queued, fn always runs to
// completion; ctx only bounds the wait for a queue slot.
func (s *Serializer) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrSerializerClosed
	}
	j := job{ctx: context.WithoutCancel(ctx), fn: fn, done: make(chan error, 1)}
	select {
	case s.shards[s.shardFor(key)] <- j:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()
	return <-j.done
}

// Close stops accepting work and waits for queued jobs to finish.
func (s *Serializer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, ch := range s.shards {
		close(ch)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Serializer) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.shards)))
}
