package flow

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"firestige.xyz/flowtrack/internal/core"
)

// Registry shards streams over several trackers so that many goroutines can
// observe packets at once. Each shard has its own lock; a stream always maps
// to the same shard.
type Registry struct {
	shards []registryShard
}

type registryShard struct {
	mu      sync.Mutex
	tracker *Tracker
}

// NewRegistry creates a registry of n shards. cfg.MaxFlows and
// cfg.InitialCapacity are split evenly across them. onFinish is called with
// the shard lock held and must not call back into the registry.
func NewRegistry(n int, cfg TrackerConfig, onFinish FinishFunc) (*Registry, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: registry needs at least one shard, got %d", core.ErrConfigInvalid, n)
	}
	r := &Registry{shards: make([]registryShard, n)}
	for i := range r.shards {
		shardCfg := cfg
		if cfg.Name != "" {
			shardCfg.Name = fmt.Sprintf("%s-%d", cfg.Name, i)
		}
		if cfg.MaxFlows > 0 {
			shardCfg.MaxFlows = max(1, cfg.MaxFlows/n)
		}
		if cfg.InitialCapacity > 0 {
			shardCfg.InitialCapacity = max(1, cfg.InitialCapacity/n)
		}
		shardCfg.Seed = cfg.Seed + uint64(i)
		t, err := NewTracker(shardCfg, onFinish)
		if err != nil {
			return nil, fmt.Errorf("registry shard %d: %w", i, err)
		}
		r.shards[i].tracker = t
	}
	return r, nil
}

func (r *Registry) shard(k Key) *registryShard {
	var buf [KeySize]byte
	canon, _ := k.Canonical()
	h := xxhash.Sum64(canon.Encode(&buf))
	return &r.shards[h%uint64(len(r.shards))]
}

// Observe accounts pkt to its stream.
func (r *Registry) Observe(pkt *core.DecodedPacket) error {
	key, ok := KeyFromPacket(pkt)
	if !ok {
		return fmt.Errorf("%w: packet without ip endpoints", core.ErrUnsupportedProto)
	}
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.tracker.Observe(pkt)
	return err
}

// Get returns a copy of the live state of the stream k belongs to.
func (r *Registry) Get(k Key) (State, bool) {
	s := r.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tracker.Lookup(k)
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Reap finishes idle streams in every shard.
func (r *Registry) Reap(now time.Time) int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += s.tracker.Reap(now)
		s.mu.Unlock()
	}
	return n
}

// Flush finishes every live stream.
func (r *Registry) Flush() {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		s.tracker.Flush()
		s.mu.Unlock()
	}
}

// Len returns the number of live streams across shards.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += s.tracker.Len()
		s.mu.Unlock()
	}
	return n
}
