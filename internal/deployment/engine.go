// Package deployment runs the deployment queue: requests are persisted as
// queue entries and a single worker goroutine drains them through the git
// or file pipeline.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"appdeck/internal/forge"
	"appdeck/internal/metrics"
	"appdeck/internal/security"
	"appdeck/internal/store"
	"appdeck/internal/supervisor"
	"appdeck/pkg/cmdutil"

	"github.com/google/uuid"
)

// DefaultLogLimit is the number of records ApplicationLogs returns when
// no limit is given.
const DefaultLogLimit = 10

// Push channel names.
const (
	ChannelProgress = "deploy:progress"
	ChannelEnd      = "deploy:end"
)

// Services is the slice of the supervisor the engine drives.
type Services interface {
	CreateOrReplace(ctx context.Context, appName string, spec supervisor.UnitSpec) error
	Restart(ctx context.Context, appName string) error
	Enable(ctx context.Context, appName string) error
	Stop(ctx context.Context, appName string) error
	Delete(ctx context.Context, appName string) error
}

// Proxy regenerates and reloads the reverse proxy configuration.
type Proxy interface {
	UpdateConfig(ctx context.Context) error
}

// EnvFiles persists application environment files.
type EnvFiles interface {
	Path(ctx context.Context, appName string) string
	Write(ctx context.Context, appName string, vars map[string]string) error
	Remove(ctx context.Context, appName string) error
}

// Publisher fans events out to subscribed observers.
type Publisher interface {
	Publish(subject, channel string, data any) int
	DisableSubject(subject string)
}

// Paths resolves directories that may change at runtime.
type Paths interface {
	AppsDirectory(ctx context.Context) string
}

// Options tunes the engine.
type Options struct {
	// UploadDirectory holds file payloads between Submit and extraction.
	UploadDirectory string
	WorkerInterval  time.Duration
	NudgeDelay      time.Duration
	// StepTimeout bounds every subprocess; zero means no limit.
	StepTimeout   time.Duration
	DefaultBranch string
	// ServiceUser runs application services.
	ServiceUser string
}

// Dependencies are the collaborators of an Engine. Reporter and Metrics
// may be nil.
type Dependencies struct {
	Store     *store.Store
	Services  Services
	Proxy     Proxy
	EnvFiles  EnvFiles
	Paths     Paths
	Publisher Publisher
	Reporter  *forge.Reporter
	Metrics   *metrics.Metrics
	Runner    cmdutil.Runner
	Logger    *slog.Logger
}

// Engine owns the deployment queue.
type Engine struct {
	store     *store.Store
	services  Services
	proxy     Proxy
	envFiles  EnvFiles
	paths     Paths
	publisher Publisher
	reporter  *forge.Reporter
	metrics   *metrics.Metrics
	executor  *Executor
	locks     *LockManager
	opts      Options
	logger    *slog.Logger

	nudge chan struct{}

	mu        sync.Mutex
	streaming map[string]bool
}

// New creates an Engine. Call Run to start the worker.
func New(deps Dependencies, opts Options) *Engine {
	if opts.WorkerInterval <= 0 {
		opts.WorkerInterval = 5 * time.Second
	}
	if opts.NudgeDelay <= 0 {
		opts.NudgeDelay = 250 * time.Millisecond
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}
	if opts.UploadDirectory == "" {
		opts.UploadDirectory = os.TempDir()
	}
	if deps.Runner == nil {
		deps.Runner = cmdutil.OSRunner{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Engine{
		store:     deps.Store,
		services:  deps.Services,
		proxy:     deps.Proxy,
		envFiles:  deps.EnvFiles,
		paths:     deps.Paths,
		publisher: deps.Publisher,
		reporter:  deps.Reporter,
		metrics:   deps.Metrics,
		executor:  NewExecutor(deps.Runner, opts.StepTimeout),
		locks:     NewLockManager(),
		opts:      opts,
		logger:    deps.Logger,
		nudge:     make(chan struct{}, 1),
		streaming: make(map[string]bool),
	}
}

// Submit validates req, persists it as a queued entry and wakes the worker.
// It returns the queue id. Invalid requests create nothing.
func (e *Engine) Submit(ctx context.Context, req Request) (string, error) {
	if err := Validate(req); err != nil {
		return "", err
	}
	if r, ok := req.(*GitRequest); ok && r.Branch == "" {
		r.Branch = e.opts.DefaultBranch
	}

	id := uuid.NewString()

	options, err := EncodeRequest(req)
	if err != nil {
		return "", err
	}

	var upload string
	if r, ok := req.(*FileRequest); ok {
		upload = e.uploadPath(id)
		if err := os.MkdirAll(e.opts.UploadDirectory, security.PermSecretDir); err != nil {
			return "", fmt.Errorf("failed to create upload directory: %w", err)
		}
		if err := os.WriteFile(upload, r.FileBuffer, security.PermSecretFile); err != nil {
			return "", fmt.Errorf("failed to store upload: %w", err)
		}
	}

	entry := &store.QueueEntry{
		ID:      id,
		AppName: req.App().AppName,
		Kind:    req.Kind(),
		Options: options,
	}
	if err := e.store.CreateEntry(ctx, entry); err != nil {
		if upload != "" {
			_ = os.Remove(upload)
		}
		return "", err
	}

	e.logger.Info("deployment queued", "queue_id", id, "app", entry.AppName, "kind", entry.Kind)
	e.refreshQueueMetrics(ctx)
	e.Nudge()
	return id, nil
}

func (e *Engine) uploadPath(queueID string) string {
	return filepath.Join(e.opts.UploadDirectory, queueID+".upload")
}

// Redeploy queues a fresh git deployment of an existing application using
// its stored settings and environment.
func (e *Engine) Redeploy(ctx context.Context, appName string) (string, error) {
	app, err := e.store.GetApp(ctx, appName)
	if err != nil {
		return "", err
	}
	if app.Repository == "" {
		return "", validationError("application %q has no repository to redeploy from; deploy it from git or upload a new archive", appName)
	}

	env, err := e.store.EnvMap(ctx, appName)
	if err != nil {
		return "", err
	}

	return e.Submit(ctx, &GitRequest{
		AppOptions: AppOptions{
			AppName:        app.Name,
			StartCommand:   app.StartCommand,
			BuildCommand:   app.BuildCommand,
			InstallCommand: app.InstallCommand,
			Runtime:        app.Runtime,
			EnvVars:        env,
		},
		Repository: app.Repository,
		Branch:     app.Branch,
	})
}

// RedeployPush queues a redeploy for every application tracking the
// pushed repository and branch.
func (e *Engine) RedeployPush(ctx context.Context, push *forge.Push) ([]string, error) {
	apps, err := e.store.ListApps(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, app := range apps {
		if !push.Matches(app.Repository, app.Branch) {
			continue
		}
		id, err := e.Redeploy(ctx, app.Name)
		if err != nil {
			e.logger.Warn("webhook redeploy failed", "app", app.Name, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// QueueStatus returns every queue entry, newest first.
func (e *Engine) QueueStatus(ctx context.Context) ([]store.QueueEntry, error) {
	return e.store.ListEntries(ctx)
}

// EntryStatus returns one queue entry or store.ErrNotFound.
func (e *Engine) EntryStatus(ctx context.Context, id string) (*store.QueueEntry, error) {
	return e.store.GetEntry(ctx, id)
}

// ApplicationLogs returns the newest deployment records of an application.
func (e *Engine) ApplicationLogs(ctx context.Context, appName string, limit int) ([]store.DeploymentRecord, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return e.store.RecordsForApp(ctx, appName, limit)
}

// DeleteApplication removes an application's service, files and rows.
// Only the database delete must succeed; the rest is best effort.
func (e *Engine) DeleteApplication(ctx context.Context, appName string) error {
	app, err := e.store.GetApp(ctx, appName)
	if err != nil {
		return err
	}

	if !e.locks.TryLock(appName) {
		return fmt.Errorf("application %q is being deployed, try again when it finishes", appName)
	}
	defer e.locks.Unlock(appName)

	if err := e.services.Delete(ctx, appName); err != nil {
		e.logger.Warn("failed to delete service", "app", appName, "error", err)
	}

	if dir, err := e.deployPath(ctx, app); err != nil {
		e.logger.Warn("refusing to remove deploy directory", "app", appName, "error", err)
	} else if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn("failed to remove deploy directory", "app", appName, "path", dir, "error", err)
	}

	if err := e.envFiles.Remove(ctx, appName); err != nil {
		e.logger.Warn("failed to remove env file", "app", appName, "error", err)
	}

	if err := e.store.DeleteApp(ctx, appName); err != nil {
		return fmt.Errorf("failed to delete application: %w", err)
	}

	if err := e.proxy.UpdateConfig(ctx); err != nil {
		e.logger.Warn("failed to update proxy after delete", "app", appName, "error", err)
	}

	e.logger.Info("application deleted", "app", appName)
	return nil
}

// deployPath returns the application's deploy directory, which must sit
// strictly inside the apps directory.
func (e *Engine) deployPath(ctx context.Context, app *store.Application) (string, error) {
	root := e.paths.AppsDirectory(ctx)
	dir := app.DeployPath
	if dir == "" {
		dir = filepath.Join(root, app.Name)
	}
	return security.EnsureWithin(root, dir)
}

// EnableStreaming turns on live progress events for a queue entry.
func (e *Engine) EnableStreaming(id string) {
	e.mu.Lock()
	e.streaming[id] = true
	e.mu.Unlock()
}

// DisableStreaming stops live progress events for a queue entry. The
// entry keeps running and its log keeps growing.
func (e *Engine) DisableStreaming(id string) {
	e.mu.Lock()
	delete(e.streaming, id)
	e.mu.Unlock()
}

// Streaming reports whether progress for a queue entry is being published.
func (e *Engine) Streaming(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streaming[id]
}

func (e *Engine) refreshQueueMetrics(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		e.logger.Warn("failed to count queue entries", "error", err)
		return
	}
	e.metrics.SetQueueCounts(counts)
}

// IsValidation reports whether err was caused by bad input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
