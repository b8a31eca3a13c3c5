package wal

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/colorfulnotion/kvwal/log"
	"github.com/colorfulnotion/kvwal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type flushEvent uint8

const (
	evFlush flushEvent = iota
	evExit
)

var errWorkerNotReady = errors.New("flush worker not ready")

// start launches the flush worker and hands it any flush left over from
// recovery.
func (z *Zone) start() {
	z.flushMu.Lock()
	if z.started {
		z.flushMu.Unlock()
		return
	}
	z.started = true
	pending := z.pending
	z.pending = false
	if pending {
		z.flushState = FlushDoing
	}
	z.flushMu.Unlock()

	go z.flushLoop()
	if pending {
		z.notify(evFlush)
	}
}

// notify hands ev to the worker, waiting with backoff until it is ready.
// Events are never dropped while the zone is open.
func (z *Zone) notify(ev flushEvent) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		z.flushMu.Lock()
		defer z.flushMu.Unlock()
		if !z.ready {
			return errWorkerNotReady
		}
		return nil
	}, backoff.WithContext(b, z.ctx))
	if err != nil {
		log.Warn(log.FlushMonitoring, "flush event dropped", "zone", z.id, "event", ev, "err", err)
		return
	}
	z.events <- ev
}

func (z *Zone) flushLoop() {
	defer close(z.exited)
	z.flushMu.Lock()
	z.ready = true
	z.flushMu.Unlock()

	for ev := range z.events {
		switch ev {
		case evExit:
			z.setFlushState(FlushExit)
			log.Debug(log.FlushMonitoring, "flush worker exit", "zone", z.id)
			return
		case evFlush:
			z.flushOnce()
		}
	}
}

// flushOnce drains the flush buffer into the backing store. On failure the
// zone stays in FlushDoing and the next Tick retries.
func (z *Zone) flushOnce() {
	z.flushMu.Lock()
	buf := z.flush
	z.flushMu.Unlock()

	ctx, span := tracer.Start(z.ctx, "wal.zone.flush", trace.WithAttributes(
		attribute.Int("zone", z.id),
		attribute.Int("buffer", buf.index),
	))
	defer span.End()

	started := time.Now()
	buf.inflight.Wait()

	n, err := z.flushItems(ctx, buf)
	if err == nil {
		buf.mu.Lock()
		buf.dump.Flags = DumpDone
		hdr := buf.headerLocked()
		buf.mu.Unlock()
		err = z.persistHeaders(hdr)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "flush failed")
		log.Error(log.FlushMonitoring, "flush failed", "zone", z.id, "buffer", buf.index, "flushed", n, "err", err)
		z.flushMu.Lock()
		z.retryFlush = true
		z.flushMu.Unlock()
		return
	}

	z.metrics.RecordFlush(n)
	span.SetAttributes(attribute.Int("mutations", n))
	log.Debug(log.FlushMonitoring, "flush done", "zone", z.id, "buffer", buf.index,
		"mutations", n, "elapsed", time.Since(started))
	z.setFlushState(FlushDone)
}

// flushItems walks the buffer's map in chunks of FlushBatchSize. Live items
// move VALID -> FLUSHING -> FLUSHED around one backing store batch;
// tombstones become deletes.
func (z *Zone) flushItems(ctx context.Context, buf *Buffer) (int, error) {
	items := buf.items()
	total := 0
	for lo := 0; lo < len(items); lo += z.opts.FlushBatchSize {
		chunk := items[lo:min(len(items), lo+z.opts.FlushBatchSize)]
		muts, marked, err := z.prepareChunk(buf, chunk)
		if err != nil {
			return total, err
		}
		if len(muts) == 0 {
			continue
		}
		err = z.apply(ctx, muts)
		z.finishChunk(buf, marked, err == nil)
		if err != nil {
			return total, err
		}
		total += len(muts)
	}
	return total, nil
}

func (z *Zone) prepareChunk(buf *Buffer, chunk []*MapItem) ([]storage.Mutation, []*MapItem, error) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	muts := make([]storage.Mutation, 0, len(chunk))
	marked := make([]*MapItem, 0, len(chunk))
	for _, it := range chunk {
		switch it.Status {
		case ItemValid:
			v, err := buf.valueLocked(it)
			if err != nil {
				return nil, nil, err
			}
			it.Status = ItemFlushing
			muts = append(muts, storage.Mutation{Key: it.Key(), Value: v})
		case ItemDeleted:
			muts = append(muts, storage.Mutation{Key: it.Key(), Delete: true})
		default:
			continue
		}
		it.inFlight = true
		marked = append(marked, it)
	}
	return muts, marked, nil
}

func (z *Zone) finishChunk(buf *Buffer, marked []*MapItem, ok bool) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	for _, it := range marked {
		it.inFlight = false
		if it.Status != ItemFlushing {
			continue
		}
		if ok {
			it.Status = ItemFlushed
		} else {
			it.Status = ItemValid
		}
	}
}

// apply writes one batch, retrying with backoff until it succeeds, the
// retry window closes or the zone shuts down.
func (z *Zone) apply(ctx context.Context, muts []storage.Mutation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = z.opts.FlushRetryTimeout
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := z.store.Apply(muts)
		if err != nil {
			z.metrics.RecordFlushError()
			log.Warn(log.FlushMonitoring, "backing store batch failed", "zone", z.id,
				"mutations", len(muts), "attempt", attempt, "err", err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}
