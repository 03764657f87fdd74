package registry

import (
	"sync"

	"go.uber.org/zap"
)

type flushRequest struct {
	device *device
	limit  int
}

// mergeLimit combines two pending flush limits of one device. A negative
// limit flushes everything and wins.
func mergeLimit(a, b int) int {
	if a < 0 || b < 0 {
		return -1
	}
	if a > b {
		return a
	}
	return b
}

// shard is the pending work of one worker. Each device has at most one
// pending request; later requests for it merge into that one, so a shard
// never grows beyond the number of devices hashed to it.
type shard struct {
	mu      sync.Mutex
	order   []*device
	pending map[*device]int

	wake chan struct{}
	done chan struct{}
}

func newShard() *shard {
	return &shard{
		pending: make(map[*device]int),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *shard) push(d *device, limit int) {
	s.mu.Lock()
	if current, ok := s.pending[d]; ok {
		s.pending[d] = mergeLimit(current, limit)
	} else {
		s.pending[d] = limit
		s.order = append(s.order, d)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *shard) pop() (flushRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return flushRequest{}, false
	}
	d := s.order[0]
	s.order[0] = nil
	s.order = s.order[1:]
	limit := s.pending[d]
	delete(s.pending, d)
	return flushRequest{device: d, limit: limit}, true
}

// flushPool runs flushes off the connection read path. Requests for one
// device always land on the same worker so they execute in order.
// Enqueueing never blocks, even while a worker is stuck retrying a file.
type flushPool struct {
	size   int
	run    func(flushRequest)
	logger *zap.Logger

	mu      sync.RWMutex
	shards  []*shard
	running bool
	wg      sync.WaitGroup
}

func newFlushPool(size int, run func(flushRequest), logger *zap.Logger) *flushPool {
	if size < 1 {
		size = 1
	}
	return &flushPool{
		size:   size,
		run:    run,
		logger: logger,
	}
}

func (p *flushPool) start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.shards = make([]*shard, p.size)
	for i := range p.shards {
		p.shards[i] = newShard()
		p.wg.Add(1)
		go p.worker(p.shards[i])
	}
	p.running = true

	p.logger.Info("Flush workers started", zap.Int("workers", p.size))
}

// stop lets the workers finish pending requests and waits for them.
func (p *flushPool) stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	for _, s := range p.shards {
		close(s.done)
	}
	p.shards = nil
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Flush workers stopped")
}

// enqueue records a flush request for d's worker. It reports false when
// the pool is not running; callers then rely on the shutdown flush.
func (p *flushPool) enqueue(d *device, limit int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return false
	}

	idx := int(d.id) % p.size
	if idx < 0 {
		idx += p.size
	}
	p.shards[idx].push(d, limit)
	return true
}

func (p *flushPool) worker(s *shard) {
	defer p.wg.Done()

	for {
		if req, ok := s.pop(); ok {
			p.run(req)
			continue
		}

		select {
		case <-s.wake:
		case <-s.done:
			// Pending work pushed before done was closed still runs.
			if req, ok := s.pop(); ok {
				p.run(req)
				continue
			}
			return
		}
	}
}
