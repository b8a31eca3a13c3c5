package wal

import (
	"sync"
	"time"
)

// dumpTuning adapts the dump group size and deadline of one zone. A group
// that fills up shrinks the deadline and grows the target; a partial group
// that times out after the zone went idle resets both.
type dumpTuning struct {
	mu sync.Mutex

	defBatch   int
	maxBatch   int
	defTimeout time.Duration
	minTimeout time.Duration
	idleReset  time.Duration

	batch   int
	timeout time.Duration
}

func newDumpTuning(opts *Options) *dumpTuning {
	t := &dumpTuning{
		defBatch:   opts.LogBatchNrObj,
		maxBatch:   opts.LogBatchMaxObj,
		defTimeout: opts.LogBatchTimeout,
		minTimeout: opts.LogBatchMinTimeout,
		idleReset:  opts.BatchIdleReset,
	}
	t.reset()
	return t
}

func (t *dumpTuning) reset() {
	t.batch = t.defBatch
	t.timeout = t.defTimeout
}

func (t *dumpTuning) current() (int, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batch, t.timeout
}

func (t *dumpTuning) onFull() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = max(t.minTimeout, t.timeout*3/4)
	t.batch = min(t.maxBatch, t.batch+max(1, t.batch/4))
}

func (t *dumpTuning) onTimeout(idleFor time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idleFor >= t.idleReset {
		t.reset()
	}
}

type sealReason uint8

const (
	sealFull sealReason = iota
	sealTimeout
	sealSwitch
	sealClose
)

func (r sealReason) String() string {
	switch r {
	case sealFull:
		return "full"
	case sealTimeout:
		return "timeout"
	case sealSwitch:
		return "switch"
	default:
		return "close"
	}
}

// dumpGroup is the run of records appended since the last group write.
type dumpGroup struct {
	addr       int64
	blocks     uint32
	count      int
	handles    []Completion
	opened     time.Time
	lastInsert time.Time
}

func (g *dumpGroup) open(addr int64) {
	g.addr = addr
	g.blocks = 0
	g.count = 0
	g.handles = g.handles[:0]
	g.opened = time.Time{}
	g.lastInsert = time.Time{}
}

func (g *dumpGroup) add(now time.Time, blocks uint32, done Completion) {
	if g.count == 0 {
		g.opened = now
	}
	g.count++
	g.blocks += blocks
	g.lastInsert = now
	if done != nil {
		g.handles = append(g.handles, done)
	}
}

func (g *dumpGroup) info(flags DumpFlag) DumpInfo {
	return DumpInfo{
		Addr:       g.addr,
		BlockCount: g.blocks,
		Flags:      flags,
		Timestamp:  g.opened,
		Idle:       g.lastInsert,
	}
}
