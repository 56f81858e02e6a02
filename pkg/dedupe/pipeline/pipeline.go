// Package pipeline implements the concurrent compressor pipeline: N
// worker slots turn submitted payload chunks into packets while
// preserving input order on emission, even though workers finish out of
// order.
package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/duparc/duparc/pkg/bufpool"
	"github.com/duparc/duparc/pkg/dedupe/codec"
	"github.com/duparc/duparc/pkg/dedupe/matcher"
	"github.com/duparc/duparc/pkg/dedupe/stats"
)

type slotState int

const (
	idle slotState = iota
	pendingInput
	pendingOutput
	shuttingDown
)

// slot is a single worker's job box: a mutex, a condition variable and a
// state.
type slot struct {
	id    int
	mu    sync.Mutex
	cond  *sync.Cond
	state slotState

	buf        []byte // pooled, owned by the slot until returned to idle
	payload    uint64
	payloadLen uint64
	entropy    bool

	packets [][]byte
}

func newSlot(id int) *slot {
	s := &slot{id: id}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// EmitFunc receives one worker's finished packets, in input order.
type EmitFunc func(payload uint64, packets [][]byte)

// Pipeline is the producer-facing half: Submit assigns chunks to
// idle slots, FlushBlock blocks until everything submitted has been
// emitted, and Close shuts every worker down in turn.
type Pipeline struct {
	matcher *matcher.Matcher
	codec   codec.Codec
	level   int
	pool    *bufpool.Pool
	stats   *stats.Collector
	emit    EmitFunc

	slots []*slot

	jobsMu   sync.Mutex
	jobsCond *sync.Cond

	globalPayload uint64
	emitted       uint64

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New starts workers workers, each owning one slot, and returns a ready
// Pipeline. emit is called synchronously from the producer's goroutine
// (inside Submit/FlushBlock/Close) with each chunk's packets, strictly in
// payload order. basePayload is the absolute payload offset submitted
// chunks start at: 0 for a fresh archive, or the existing payload total
// when appending differentially, so that new chunks and the reloaded
// hash index's entries share one coordinate space.
func New(workers int, m *matcher.Matcher, c codec.Codec, level int, pool *bufpool.Pool, st *stats.Collector, basePayload uint64, emit EmitFunc) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	p := &Pipeline{matcher: m, codec: c, level: level, pool: pool, stats: st, emit: emit, globalPayload: basePayload, emitted: basePayload}
	p.jobsCond = sync.NewCond(&p.jobsMu)
	p.slots = make([]*slot, workers)
	for i := range p.slots {
		p.slots[i] = newSlot(i)
	}
	for _, s := range p.slots {
		p.wg.Add(1)
		go p.workerLoop(s)
	}
	return p
}

// Submit assigns src (copied into a pooled buffer the slot owns for the
// duration of processing) to the next idle worker slot, blocking until
// one is free. entropy forces the worker to skip matching and store the
// chunk as raw literals.
func (p *Pipeline) Submit(src []byte, entropy bool) {
	p.jobsMu.Lock()
	for {
		p.drainEmitLocked()

		if s := p.idleSlotLocked(); s != nil {
			payload := p.globalPayload
			p.globalPayload += uint64(len(src))
			p.jobsMu.Unlock()

			buf := p.pool.Get(len(src))
			copy(buf, src)

			s.mu.Lock()
			s.buf = buf
			s.payload = payload
			s.payloadLen = uint64(len(src))
			s.entropy = entropy
			s.state = pendingInput
			s.cond.Signal()
			s.mu.Unlock()
			return
		}

		p.jobsCond.Wait()
	}
}

// NextPayload returns the payload offset the next Submit call will be
// assigned — the starting coordinate of not-yet-submitted data. Callers
// use this to record where a file's bytes begin in the payload stream
// before submitting its first chunk.
func (p *Pipeline) NextPayload() uint64 {
	p.jobsMu.Lock()
	defer p.jobsMu.Unlock()
	return p.globalPayload
}

// FlushBlock blocks until every submitted chunk has been emitted, i.e.
// emitted == global_payload.
func (p *Pipeline) FlushBlock() {
	p.jobsMu.Lock()
	defer p.jobsMu.Unlock()
	for p.emitted != p.globalPayload {
		p.drainEmitLocked()
		if p.emitted != p.globalPayload {
			p.jobsCond.Wait()
		}
	}
}

// Close blocks until all in-flight work is flushed, then signals every
// worker to exit and joins them. The pipeline must not be used again
// afterward.
func (p *Pipeline) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.FlushBlock()

	for _, s := range p.slots {
		s.mu.Lock()
		s.state = shuttingDown
		s.cond.Signal()
		s.mu.Unlock()
	}
	p.wg.Wait()
}

// idleSlotLocked must be called with jobsMu held; it briefly takes each
// slot's own lock to read its state, so workers contend on their own
// slot lock rather than one lock shared across all slots.
func (p *Pipeline) idleSlotLocked() *slot {
	for _, s := range p.slots {
		s.mu.Lock()
		isIdle := s.state == idle
		s.mu.Unlock()
		if isIdle {
			return s
		}
	}
	return nil
}

// drainEmitLocked must be called with jobsMu held. It hands off every
// slot currently in PENDING_OUTPUT whose payload offset equals the
// next-expected emit position, in a loop, since emitting one slot can
// unblock the next. This is what keeps emission in strict payload order
// even though workers complete out of order.
func (p *Pipeline) drainEmitLocked() {
	for {
		progressed := false
		for _, s := range p.slots {
			s.mu.Lock()
			ready := s.state == pendingOutput && s.payload == p.emitted
			if !ready {
				s.mu.Unlock()
				continue
			}
			packets := s.packets
			length := s.payloadLen
			buf := s.buf
			s.state = idle
			s.buf = nil
			s.packets = nil
			s.mu.Unlock()

			p.emit(p.emitted, packets)
			p.emitted += length
			p.pool.Put(buf)
			p.jobsCond.Broadcast()
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

// workerLoop is the body of a single worker slot: wait for pendingInput,
// run the entropy fast path or HashChunk + ProcessChunk, then publish
// pendingOutput.
func (p *Pipeline) workerLoop(s *slot) {
	defer p.wg.Done()

	for {
		s.mu.Lock()
		for s.state != pendingInput && s.state != shuttingDown {
			s.cond.Wait()
		}
		if s.state == shuttingDown {
			s.mu.Unlock()
			return
		}
		buf, payload, entropy := s.buf, s.payload, s.entropy
		s.mu.Unlock()

		p.stats.SetWorkerBusy(s.id, true)
		var packets [][]byte
		if entropy {
			packets = p.matcher.ProcessChunk(p.codec, p.level, buf, payload, true)
		} else {
			p.matcher.HashChunk(buf, payload)
			packets = p.matcher.ProcessChunk(p.codec, p.level, buf, payload, false)
		}
		p.stats.SetWorkerBusy(s.id, false)

		s.mu.Lock()
		s.packets = packets
		s.state = pendingOutput
		s.mu.Unlock()

		p.jobsMu.Lock()
		p.jobsCond.Broadcast()
		p.jobsMu.Unlock()
	}
}
