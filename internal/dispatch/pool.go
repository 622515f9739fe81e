package dispatch

import (
	"context"
	"encoding/json"
	"sync"
)

// Pool runs commands on a fixed set of workers. Commands are sharded by
// user ID so each user's commands run in arrival order while different
// users proceed concurrently.
type Pool struct {
	d      *Dispatcher
	shards []chan []byte
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool with workers shards, each buffering up to queue
// commands. Submit blocks while the target shard is full.
func NewPool(d *Dispatcher, workers, queue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{d: d, shards: make([]chan []byte, workers)}
	for i := range p.shards {
		p.shards[i] = make(chan []byte, queue)
	}
	return p
}

// Start launches the workers. They exit once Close has drained their shard.
func (p *Pool) Start(ctx context.Context) {
	for _, ch := range p.shards {
		p.wg.Add(1)
		go func(ch <-chan []byte) {
			defer p.wg.Done()
			for data := range ch {
				p.d.Dispatch(ctx, data)
			}
		}(ch)
	}
}

// Submit queues a raw command on its user's shard. Commands submitted
// after Close are dropped.
func (p *Pool) Submit(data []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.d.log.Warn().Msg("command dropped, pool closed")
		return
	}
	p.shards[p.shard(data)] <- data
}

// Close stops accepting commands and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ch := range p.shards {
		close(ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// shard picks a worker from the command's user_id. Unparseable commands go
// to shard 0, where Dispatch reports the error.
func (p *Pool) shard(data []byte) int {
	var head struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.UserID < 0 {
		return 0
	}
	return int(head.UserID % int64(len(p.shards)))
}
