package rebalance

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/devrev/pairdb/gridcache/internal/transport"
	"github.com/devrev/pairdb/gridcache/internal/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// catchUpRounds bounds how often the change log is drained before the
// partition is frozen for the final batch
const catchUpRounds = 3

// startTransfer registers an outgoing transfer and queues it on the
// background pool. Callers hold s.mu.
func (s *Supervisor) startTransfer(t Transfer, version model.AffinityVersion) {
	ctx, cancel := context.WithCancel(s.ctx)
	o := &outgoing{Transfer: t, version: version, cancel: cancel}
	s.outgoing[t.Partition] = o

	task := workerpool.Task{
		ID:  fmt.Sprintf("transfer-%d-%s", t.Partition, t.Target),
		Ctx: ctx,
		Fn: func(ctx context.Context) error {
			return s.runTransfer(ctx, o)
		},
	}
	go func() {
		if err := s.background.SubmitWait(ctx, task); err != nil && ctx.Err() == nil {
			s.logger.Warn("Failed to queue partition transfer",
				zap.Int("partition", t.Partition),
				zap.Error(err))
			s.settle(o, transferFailed)
		}
	}()
}

// runTransfer sends one partition with retries
func (s *Supervisor) runTransfer(ctx context.Context, o *outgoing) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(s.newBackOff(), uint64(s.cfg.MaxAttempts-1)), ctx)

	start := time.Now()
	attempt := 0
	op := func() error {
		attempt++
		err := s.transferOnce(ctx, o)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		s.counters.TransferFailures.Add(1)
		s.thaw(o)
		if cerrors.HasCode(err, cerrors.ErrCodeInvalidState) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Partition transfer failed, retrying",
			zap.Int("partition", o.Partition),
			zap.String("target", string(o.Target)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(op, b, notify)
	switch {
	case err == nil:
		s.settle(o, transferDone)
		if s.onTransfer != nil {
			s.onTransfer(o.Partition, time.Since(start))
		}
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		s.logger.Error("Partition transfer abandoned",
			zap.Int("partition", o.Partition),
			zap.String("target", string(o.Target)),
			zap.Int("attempts", attempt),
			zap.Error(err))
		s.settle(o, transferFailed)
	}
	return err
}

// transferOnce streams the snapshot and change log, then hands the
// partition over under the freeze barrier. On success the partition stays
// frozen until the next map arrives.
func (s *Supervisor) transferOnce(parent context.Context, o *outgoing) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.TransferTimeout)
	defer cancel()

	part, ok := s.store.Partition(o.Partition)
	if !ok || !part.State().Complete() {
		return cerrors.InvalidState(fmt.Sprintf("partition %d is not held completely", o.Partition))
	}

	records, log, err := part.StartTransfer(o.Target)
	if err != nil {
		return err
	}
	defer part.StopTransfer(o.Target)

	id := uuid.NewString()
	start := &TransferStart{Version: o.version, Partition: o.Partition, Source: s.self, TransferID: id}
	if err := s.transport.Call(ctx, o.Target, KindTransferStart, start, nil); err != nil {
		return err
	}
	s.logger.Info("Partition transfer started",
		zap.Int("partition", o.Partition),
		zap.String("target", string(o.Target)),
		zap.String("transfer_id", id),
		zap.Int("records", len(records)))

	w := &batchWriter{s: s, target: o.Target, partition: o.Partition, id: id}
	if err := w.send(ctx, records, false); err != nil {
		return err
	}
	for i := 0; i < catchUpRounds; i++ {
		changes := log.Drain()
		if len(changes) == 0 {
			break
		}
		if err := w.send(ctx, changes, false); err != nil {
			return err
		}
	}

	part.Freeze()
	if err := part.WaitIdle(ctx); err != nil {
		return err
	}
	if err := w.send(ctx, log.Drain(), true); err != nil {
		return err
	}
	part.StopTransfer(o.Target)

	return s.reportDone(ctx, TransferDone{Partition: o.Partition, Source: s.self, Target: o.Target})
}

// batchWriter frames records into rate-limited batches of one transfer
type batchWriter struct {
	s         *Supervisor
	target    model.NodeID
	partition int
	id        string
	seq       int
}

// send writes records in batches; end closes the stream, even with no
// records left
func (w *batchWriter) send(ctx context.Context, records []model.Record, end bool) error {
	s := w.s
	for len(records) > 0 || end {
		n := len(records)
		if n > s.cfg.BatchSize {
			n = s.cfg.BatchSize
		}
		chunk := records[:n]
		records = records[n:]
		last := end && len(records) == 0

		if n > 0 {
			if err := s.limiter.WaitN(ctx, n); err != nil {
				return err
			}
		}
		s.markPending(chunk)
		req := &Batch{TransferID: w.id, Partition: w.partition, Seq: w.seq, Frames: encodeFrames(chunk, last)}
		if err := s.transport.Call(ctx, w.target, KindBatch, req, nil); err != nil {
			return err
		}
		w.seq++
		s.counters.RecordsSent.Add(int64(n))
		if last {
			return nil
		}
	}
	return nil
}

// markPending flags records whose write-behind work is still buffered here
func (s *Supervisor) markPending(records []model.Record) {
	if s.writer == nil {
		return
	}
	for i := range records {
		if !records[i].Pending && s.writer.IsPending(records[i].Key) {
			records[i].Pending = true
		}
	}
}

func (s *Supervisor) reportDone(ctx context.Context, d TransferDone) error {
	s.mu.Lock()
	topo := s.topology
	s.mu.Unlock()

	coordinator, ok := topo.Oldest()
	if !ok {
		return cerrors.InvalidState("no exchange coordinator")
	}
	if coordinator == s.self {
		return s.onTransferDone(d)
	}
	return s.transport.Call(ctx, coordinator, KindTransferDone, &d, nil)
}

// thaw unfreezes the partition of a failed attempt unless a newer transfer
// replaced o
func (s *Supervisor) thaw(o *outgoing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outgoing[o.Partition] != o {
		return
	}
	if part, ok := s.store.Partition(o.Partition); ok {
		part.Unfreeze()
	}
}

func (s *Supervisor) settle(o *outgoing, state transferState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outgoing[o.Partition] != o {
		return
	}
	o.state = state
	if state == transferFailed {
		if part, ok := s.store.Partition(o.Partition); ok {
			part.Unfreeze()
		}
	}
}

// onTransferStart opens an empty copy on the target
func (s *Supervisor) onTransferStart(req *TransferStart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.routing.IsOwner(req.Partition, s.self) {
		return cerrors.InvalidState(fmt.Sprintf("partition %d is already owned by %s", req.Partition, s.self))
	}
	if s.routing.Version().Compare(req.Version) > 0 {
		t, ok := s.targets[req.Partition]
		if !ok || t.Source != req.Source || t.Target != s.self {
			return cerrors.TopologyChanged(req.Partition, req.Version.String(), s.routing.Version().String())
		}
	}
	if _, err := s.store.Reset(req.Partition, model.PartitionMovingIn, req.Version.Topology); err != nil {
		return err
	}
	s.incoming[req.Partition] = &incoming{id: req.TransferID, source: req.Source}
	return nil
}

// onBatch applies one batch on the target. The end marker completes the
// copy; a corrupted stream discards it.
func (s *Supervisor) onBatch(req *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.incoming[req.Partition]
	if !ok || in.id != req.TransferID {
		return cerrors.InvalidState(fmt.Sprintf("no transfer %s for partition %d", req.TransferID, req.Partition))
	}
	if req.Seq != in.next {
		return cerrors.InvalidState(fmt.Sprintf("batch %d of transfer %s arrived, expected %d", req.Seq, req.TransferID, in.next))
	}
	part, ok := s.store.Partition(req.Partition)
	if !ok || part.State() != model.PartitionMovingIn {
		delete(s.incoming, req.Partition)
		return cerrors.InvalidState(fmt.Sprintf("partition %d is not receiving", req.Partition))
	}

	records, end, err := decodeFrames(req.Frames)
	if err != nil {
		delete(s.incoming, req.Partition)
		if derr := s.store.Discard(req.Partition); derr != nil {
			s.logger.Warn("Failed to discard corrupted partition copy", zap.Int("partition", req.Partition), zap.Error(derr))
		}
		s.logger.Error("Corrupted partition snapshot",
			zap.Int("partition", req.Partition),
			zap.String("source", string(in.source)),
			zap.Error(err))
		return cerrors.CorruptedSnapshot(req.Partition, err)
	}
	if _, err := part.ApplyRecords(records); err != nil {
		return err
	}
	in.next++
	s.counters.RecordsReceived.Add(int64(len(records)))

	if end {
		part.SetState(model.PartitionOwning)
		delete(s.incoming, req.Partition)
		s.counters.PartitionsMoved.Add(1)
		s.logger.Info("Partition transfer received",
			zap.Int("partition", req.Partition),
			zap.String("source", string(in.source)),
			zap.Int("batches", in.next))
	}
	return nil
}

// Owns reports whether kind is a rebalance message
func Owns(kind string) bool {
	switch kind {
	case KindReport, KindFullMap, KindTransferStart, KindBatch, KindTransferDone:
		return true
	}
	return false
}

// Handle serves rebalance messages. None of them call other nodes, so they
// run on the system pool.
func (s *Supervisor) Handle(ctx context.Context, env *transport.Envelope) (interface{}, error) {
	switch env.Kind {
	case KindReport:
		var r PartitionReport
		if err := env.Decode(&r); err != nil {
			return nil, err
		}
		s.onReport(r)
		return nil, nil

	case KindFullMap:
		var m FullMap
		if err := env.Decode(&m); err != nil {
			return nil, err
		}
		s.ApplyFullMap(&m)
		return nil, nil

	case KindTransferStart:
		var req TransferStart
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return nil, s.onTransferStart(&req)

	case KindBatch:
		var req Batch
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return nil, s.onBatch(&req)

	case KindTransferDone:
		var d TransferDone
		if err := env.Decode(&d); err != nil {
			return nil, err
		}
		return nil, s.onTransferDone(d)
	}
	return nil, cerrors.InvalidArgument("unknown message kind "+env.Kind, nil)
}
