package deployment

import (
	"context"
	"time"

	"appdeck/internal/store"
)

const interruptedMessage = "deployment interrupted by server restart"

// Nudge asks the worker to drain the queue soon. Nudges that arrive while
// one is pending are coalesced.
func (e *Engine) Nudge() {
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

// Run is the worker loop. It is the only goroutine that drains the queue,
// so passes never overlap. It returns when ctx is cancelled; an entry in
// progress finishes first.
func (e *Engine) Run(ctx context.Context) error {
	failed, err := e.store.FailInterrupted(ctx, interruptedMessage)
	if err != nil {
		e.logger.Warn("failed to fail interrupted deployments", "error", err)
	}
	if len(failed) > 0 {
		e.logger.Warn("failed deployments interrupted by restart", "count", len(failed))
	}
	for _, entry := range failed {
		if entry.Kind == KindFile {
			e.removeUpload(entry.ID)
		}
	}

	ticker := time.NewTicker(e.opts.WorkerInterval)
	defer ticker.Stop()

	e.logger.Info("deployment worker started", "interval", e.opts.WorkerInterval)
	e.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("deployment worker stopped")
			return nil
		case <-ticker.C:
			e.drain(ctx)
		case <-e.nudge:
			timer := time.NewTimer(e.opts.NudgeDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				e.logger.Info("deployment worker stopped")
				return nil
			case <-timer.C:
			}
			e.drain(ctx)
		}
	}
}

// drain processes every queued entry in creation order. A failing entry
// never stops the pass.
func (e *Engine) drain(ctx context.Context) {
	entries, err := e.store.ListQueued(ctx)
	if err != nil {
		e.logger.Error("failed to list queued deployments", "error", err)
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		e.process(ctx, entry)
	}

	if len(entries) > 0 {
		e.refreshQueueMetrics(ctx)
	}
}

// process claims and runs one entry. Claiming is conditional, so an entry
// that is no longer queued is skipped.
func (e *Engine) process(ctx context.Context, entry store.QueueEntry) {
	claimed, err := e.store.ClaimEntry(ctx, entry.ID)
	if err != nil {
		e.logger.Error("failed to claim deployment", "queue_id", entry.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	// Shutdown must not abandon a half-deployed application.
	ctx = context.WithoutCancel(ctx)
	e.refreshQueueMetrics(ctx)

	start := time.Now()
	r := e.newRun(entry)
	logger := e.logger.With("queue_id", entry.ID, "app", entry.AppName)
	logger.Info("deployment started", "kind", entry.Kind)

	err = e.execute(ctx, r, entry)

	status := store.QueueCompleted
	if err != nil {
		status = store.QueueFailed
		msg := r.redact(err.Error())
		r.log("Deployment failed: %s", msg)
		if ferr := e.store.FailEntry(ctx, entry.ID, msg); ferr != nil {
			logger.Error("failed to mark deployment failed", "error", ferr)
		}
		logger.Error("deployment failed", "error", msg, "duration", time.Since(start))
	} else {
		r.log("Deployment completed in %s", time.Since(start).Round(time.Millisecond))
		if cerr := e.store.CompleteEntry(ctx, entry.ID); cerr != nil {
			logger.Error("failed to mark deployment completed", "error", cerr)
		}
		logger.Info("deployment completed", "duration", time.Since(start))
	}

	r.finish(ctx, err)
	e.metrics.ObservePipeline(entry.Kind, err == nil, time.Since(start))
	e.end(entry.ID, status)
}

// execute decodes the entry and dispatches on the request type.
func (e *Engine) execute(ctx context.Context, r *run, entry store.QueueEntry) error {
	if entry.Kind == KindFile {
		defer e.removeUpload(entry.ID)
	}

	req, err := DecodeRequest(entry.Options)
	if err != nil {
		return err
	}

	switch req := req.(type) {
	case *GitRequest:
		return e.deployGit(ctx, r, req)
	case *FileRequest:
		return e.deployFile(ctx, r, req)
	default:
		return validationError("unknown request type %T", req)
	}
}

// end closes the live stream of a finished entry.
func (e *Engine) end(id, status string) {
	if e.Streaming(id) {
		e.publisher.Publish(id, ChannelEnd, map[string]any{
			"queueId":     id,
			"finalStatus": status,
			"timestamp":   time.Now().UTC(),
		})
	}
	e.DisableStreaming(id)
	e.publisher.DisableSubject(id)
}
