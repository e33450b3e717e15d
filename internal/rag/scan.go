package rag

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gwi.com/rag-gateway/internal/namespace"
)

// ScanResult summarizes one scanning run.
type ScanResult struct {
	Found   int
	Indexed int
	Skipped int
	Failed  int
	Queued  bool // another job held the pipeline, request left pending
}

// RunScanningProcess indexes every new or changed file in the input directory.
// Progress is published in the pipeline status namespace so every worker's
// health endpoint sees it. A file that fails to index is recorded and skipped;
// the run only fails on a directory error or cancellation.
func RunScanningProcess(ctx context.Context, core *Core, dm *DocumentManager, status namespace.Store, log *zap.Logger) (ScanResult, error) {
	log = log.Named("scan")

	files, err := dm.ScanDirectory()
	if err != nil {
		return ScanResult{}, err
	}
	result := ScanResult{Found: len(files)}
	log.Info("found files to scan", zap.Int("files", len(files)), zap.String("input_dir", dm.InputDir()))

	started, err := beginJob(ctx, status, len(files))
	if err != nil {
		return result, err
	}
	if !started {
		log.Info("pipeline is busy, scan request left pending")
		result.Queued = true
		return result, nil
	}

	var indexed, skipped, failed, done atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(core.opts.MaxParallelInsert)
	for _, path := range files {
		g.Go(func() error {
			ok, err := core.IndexFile(gctx, path)
			switch {
			case gctx.Err() != nil:
				return gctx.Err()
			case err != nil:
				failed.Add(1)
				log.Warn("failed to index file", zap.String("path", path), zap.Error(err))
			case ok:
				indexed.Add(1)
			default:
				skipped.Add(1)
			}
			n := int(done.Add(1))
			progress(gctx, status, n, fmt.Sprintf("Processed %s (%d/%d)", filepath.Base(path), n, len(files)), log)
			return nil
		})
	}
	runErr := g.Wait()

	result.Indexed = int(indexed.Load())
	result.Skipped = int(skipped.Load())
	result.Failed = int(failed.Load())

	msg := fmt.Sprintf("Scan finished: %d indexed, %d unchanged, %d failed", result.Indexed, result.Skipped, result.Failed)
	if runErr != nil {
		msg = fmt.Sprintf("Scan interrupted: %v", runErr)
	}
	if err := endJob(context.WithoutCancel(ctx), status, msg); err != nil {
		log.Warn("failed to publish scan completion", zap.Error(err))
	}
	log.Info(msg)
	return result, runErr
}

// beginJob marks the pipeline busy. It returns false and flags a pending
// request when another job already holds the pipeline.
func beginJob(ctx context.Context, status namespace.Store, docs int) (bool, error) {
	guard, err := status.Lock(ctx, namespace.PipelineStatusNamespace)
	if err != nil {
		return false, fmt.Errorf("failed to lock pipeline status: %w", err)
	}
	defer guard.Discard()

	rec := guard.Record()
	if rec.Bool(namespace.KeyBusy) {
		rec[namespace.KeyRequestPending] = true
		return false, guard.Unlock()
	}

	rec[namespace.KeyBusy] = true
	rec[namespace.KeyJobName] = "Scanning input directory"
	rec[namespace.KeyJobStart] = time.Now().Format(time.RFC3339)
	rec[namespace.KeyDocs] = docs
	rec[namespace.KeyBatchs] = docs
	rec[namespace.KeyCurBatch] = 0
	rec[namespace.KeyRequestPending] = false
	rec.AppendMessage(fmt.Sprintf("Scanning %d files", docs))
	return true, guard.Unlock()
}

func progress(ctx context.Context, status namespace.Store, cur int, msg string, log *zap.Logger) {
	guard, err := status.Lock(ctx, namespace.PipelineStatusNamespace)
	if err != nil {
		log.Debug("skipping progress update", zap.Error(err))
		return
	}
	defer guard.Discard()

	rec := guard.Record()
	if cur > rec.Int(namespace.KeyCurBatch) {
		rec[namespace.KeyCurBatch] = cur
	}
	rec.AppendMessage(msg)
	if err := guard.Unlock(); err != nil {
		log.Debug("failed to publish progress", zap.Error(err))
	}
}

func endJob(ctx context.Context, status namespace.Store, msg string) error {
	guard, err := status.Lock(ctx, namespace.PipelineStatusNamespace)
	if err != nil {
		return err
	}
	defer guard.Discard()

	rec := guard.Record()
	rec[namespace.KeyBusy] = false
	rec.AppendMessage(msg)
	return guard.Unlock()
}
