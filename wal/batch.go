package wal

import (
	"sync"

	"github.com/hupe1980/walstore/core"
)

// appendResult releases one coalesced caller: the position of its first
// record, or the batch's terminal error.
type appendResult struct {
	base core.LogPosition
	err  error
}

type appendRequest struct {
	payloads [][]byte
	numBytes int
	done     chan appendResult
}

func newAppendRequest(payloads [][]byte) *appendRequest {
	req := &appendRequest{
		payloads: payloads,
		done:     make(chan appendResult, 1),
	}
	for _, p := range payloads {
		req.numBytes += len(p)
	}
	return req
}

// batcher coalesces concurrent append calls into fragments. A single flusher
// goroutine drains the queue one batch at a time, so there is never more
// than one fragment commit in flight per writer; everything queued while a
// commit runs rides the next batch. Callers block only on their request's
// done channel.
type batcher struct {
	maxRecords int
	maxBytes   int
	commit     func(reqs []*appendRequest)

	mu     sync.Mutex
	queue  []*appendRequest
	closed bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func newBatcher(maxRecords, maxBytes int, commit func(reqs []*appendRequest)) *batcher {
	b := &batcher{
		maxRecords: maxRecords,
		maxBytes:   maxBytes,
		commit:     commit,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// enqueue hands a request to the flusher.
func (b *batcher) enqueue(req *appendRequest) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.queue = append(b.queue, req)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

func (b *batcher) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case <-b.wake:
		}
		for {
			batch := b.take()
			if len(batch) == 0 {
				break
			}
			b.commit(batch)
		}
	}
}

// take pops the next batch, honoring the record and byte caps. The first
// request is always admitted even if it alone exceeds a cap, so oversized
// requests make progress instead of starving.
func (b *batcher) take() []*appendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	var batch []*appendRequest
	records, bytes := 0, 0
	for len(b.queue) > 0 {
		req := b.queue[0]
		if len(batch) > 0 &&
			(records+len(req.payloads) > b.maxRecords || bytes+req.numBytes > b.maxBytes) {
			break
		}
		batch = append(batch, req)
		records += len(req.payloads)
		bytes += req.numBytes
		b.queue = b.queue[1:]
	}
	return batch
}

// close stops the flusher and fails everything still queued.
func (b *batcher) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	b.wg.Wait()

	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()
	for _, req := range pending {
		req.done <- appendResult{err: ErrClosed}
	}
}
