package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/kvwal/log"
)

// OpKind identifies one step of a submitted I/O request.
type OpKind uint8

const (
	OpWrite OpKind = iota + 1
	OpRead
	OpSync
)

// Op is one positional I/O step.
type Op struct {
	Kind OpKind
	Buf  []byte
	Off  int64
}

func WriteOp(buf []byte, off int64) Op { return Op{Kind: OpWrite, Buf: buf, Off: off} }
func ReadOp(buf []byte, off int64) Op  { return Op{Kind: OpRead, Buf: buf, Off: off} }
func SyncOp() Op                       { return Op{Kind: OpSync} }

type request struct {
	ops  []Op
	done func(error)
}

// QueueStats holds submission counters.
type QueueStats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Bytes     uint64
}

// Queue executes submitted requests one at a time, in submission order, on
// its own goroutine. Submitting never blocks; completion callbacks run on the
// queue goroutine.
type Queue struct {
	name  string
	dev   Device
	syncs *SyncGroup

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*request
	closed  bool
	wg      sync.WaitGroup

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	bytes     atomic.Uint64
}

// NewQueue starts a queue on dev. Queues on one device may share syncs; a
// nil group gives the queue a private one.
func NewQueue(name string, dev Device, syncs *SyncGroup) *Queue {
	if syncs == nil {
		syncs = NewSyncGroup(dev)
	}
	q := &Queue{name: name, dev: dev, syncs: syncs}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(1)
	go q.run()
	return q
}

// Submit enqueues ops as one request. done (may be nil) receives the first
// error, or nil once every op completed.
func (q *Queue) Submit(ops []Op, done func(error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.pending = append(q.pending, &request{ops: ops, done: done})
	q.submitted.Add(1)
	q.cond.Signal()
	return nil
}

// SubmitWrite writes buf at off asynchronously.
func (q *Queue) SubmitWrite(buf []byte, off int64, done func(error)) error {
	return q.Submit([]Op{WriteOp(buf, off)}, done)
}

// SubmitRead fills buf from off asynchronously.
func (q *Queue) SubmitRead(buf []byte, off int64, done func(error)) error {
	return q.Submit([]Op{ReadOp(buf, off)}, done)
}

// Do submits ops and waits for them to complete.
func (q *Queue) Do(ops ...Op) error {
	ch := make(chan error, 1)
	if err := q.Submit(ops, func(err error) { ch <- err }); err != nil {
		return err
	}
	return <-ch
}

// Drain waits until every request submitted before the call has completed.
func (q *Queue) Drain() error {
	return q.Do()
}

// Close stops accepting requests, runs the ones already queued and joins
// the queue goroutine.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

// Stats returns submission counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Submitted: q.submitted.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Bytes:     q.bytes.Load(),
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, req := range batch {
			err := q.execute(req.ops)
			if err != nil {
				q.failed.Add(1)
				log.Warn(log.DeviceMonitoring, "io request failed", "queue", q.name, "err", err)
			}
			q.completed.Add(1)
			if req.done != nil {
				req.done(err)
			}
		}
	}
}

func (q *Queue) execute(ops []Op) error {
	for _, op := range ops {
		switch op.Kind {
		case OpWrite:
			if _, err := q.dev.WriteAt(op.Buf, op.Off); err != nil {
				return fmt.Errorf("%s: write %d bytes at %d: %w", q.name, len(op.Buf), op.Off, err)
			}
			q.bytes.Add(uint64(len(op.Buf)))
		case OpRead:
			if _, err := q.dev.ReadAt(op.Buf, op.Off); err != nil {
				return fmt.Errorf("%s: read %d bytes at %d: %w", q.name, len(op.Buf), op.Off, err)
			}
		case OpSync:
			if err := q.syncs.Sync(); err != nil {
				return fmt.Errorf("%s: sync: %w", q.name, err)
			}
		default:
			return fmt.Errorf("%s: unknown op kind %d", q.name, op.Kind)
		}
	}
	return nil
}

// SyncGroup shares device syncs between the queues of one device. Syncs are
// numbered; a caller is covered by the first sync that starts after it
// arrived, so callers queued behind a running sync share the next one.
type SyncGroup struct {
	dev  Device
	mu   sync.Mutex
	cond *sync.Cond

	started  uint64
	finished uint64
	running  bool
	err      error
}

// NewSyncGroup returns a SyncGroup for dev.
func NewSyncGroup(dev Device) *SyncGroup {
	g := &SyncGroup{dev: dev}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Sync returns once every write issued before the call is durable.
func (g *SyncGroup) Sync() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	want := g.started + 1
	for g.finished < want {
		if g.running {
			g.cond.Wait()
			continue
		}
		g.running = true
		g.started++
		round := g.started
		g.mu.Unlock()
		err := g.dev.Sync()
		g.mu.Lock()
		g.running = false
		g.finished = round
		g.err = err
		g.cond.Broadcast()
	}
	return g.err
}

// Rounds returns how many device syncs have completed.
func (g *SyncGroup) Rounds() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finished
}
