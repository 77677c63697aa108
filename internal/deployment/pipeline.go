package deployment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"appdeck/internal/forge"
	"appdeck/internal/store"
	"appdeck/internal/supervisor"
	"appdeck/pkg/archive"
	"appdeck/pkg/cmdutil"
	"appdeck/pkg/fileutil"
)

// run is the state of one pipeline execution.
type run struct {
	engine   *Engine
	id       string
	app      string
	secrets  []string
	logs     strings.Builder
	recordID int64
	commit   string

	// set once the service unit exists, after which failures mark the
	// application failed
	serviceCreated bool
	repository     string
}

func (e *Engine) newRun(entry store.QueueEntry) *run {
	return &run{engine: e, id: entry.ID, app: entry.AppName}
}

func (r *run) redact(s string) string {
	return string(cmdutil.SanitizeOutput([]byte(s), r.secrets))
}

// log appends a line to the entry log and pushes it to live observers.
func (r *run) log(format string, args ...any) {
	line := r.redact(fmt.Sprintf(format, args...))
	r.logs.WriteString(line)
	r.logs.WriteByte('\n')

	e := r.engine
	if err := e.store.AppendLog(context.Background(), r.id, line+"\n"); err != nil {
		e.logger.Warn("failed to append deployment log", "queue_id", r.id, "error", err)
	}

	if e.Streaming(r.id) {
		e.publisher.Publish(r.id, ChannelProgress, map[string]any{
			"queueId":    r.id,
			"status":     store.QueueBuilding,
			"logs":       r.logs.String(),
			"newMessage": line,
			"timestamp":  time.Now().UTC(),
		})
	}
}

func (r *run) stepOptions(dir string, env map[string]string) StepOptions {
	return StepOptions{
		Dir:     dir,
		Env:     envList(env),
		Secrets: r.secrets,
		Log:     func(line string) { r.log("%s", line) },
	}
}

// start opens the deployment record.
func (r *run) start(ctx context.Context) {
	id, err := r.engine.store.StartRecord(ctx, r.app, r.id)
	if err != nil {
		r.engine.logger.Warn("failed to create deployment record", "queue_id", r.id, "error", err)
		return
	}
	r.recordID = id
}

// finish finalizes the deployment record, reports the commit status and
// marks the application failed when the service was already replaced.
func (r *run) finish(ctx context.Context, runErr error) {
	e := r.engine

	status := store.RecordSuccess
	var errMsg *string
	if runErr != nil {
		status = store.RecordFailed
		msg := r.redact(runErr.Error())
		errMsg = &msg
	}

	if r.recordID != 0 {
		var commit *string
		if r.commit != "" {
			commit = &r.commit
		}
		if err := e.store.FinishRecord(ctx, r.recordID, status, r.logs.String(), commit, errMsg); err != nil {
			e.logger.Warn("failed to finalize deployment record", "queue_id", r.id, "error", err)
		}
	}

	if runErr != nil && r.serviceCreated {
		if err := e.store.SetAppStatus(ctx, r.app, store.AppFailed); err != nil {
			e.logger.Warn("failed to mark application failed", "app", r.app, "error", err)
		}
	}

	if r.repository != "" && r.commit != "" {
		state, desc := forge.StateSuccess, "Deployed"
		if runErr != nil {
			state, desc = forge.StateFailure, "Deployment failed: "+*errMsg
		}
		e.reporter.Report(ctx, r.repository, r.commit, state, desc, r.id)
	}
}

// deployGit runs the git pipeline.
func (e *Engine) deployGit(ctx context.Context, r *run, req *GitRequest) error {
	e.locks.Lock(req.AppName)
	defer e.locks.Unlock(req.AppName)

	r.secrets = secretValues(req.EnvVars)
	r.repository = req.Repository

	branch := req.Branch
	if branch == "" {
		branch = e.opts.DefaultBranch
	}

	app, dir, err := e.resolveApp(ctx, r, &req.AppOptions, &req.Repository, &branch)
	if err != nil {
		return err
	}

	r.log("Cloning %s (branch %s)", req.Repository, branch)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clean deploy directory: %w", err)
	}
	if err := e.executor.Clone(ctx, req.Repository, branch, dir, r.stepOptions("", nil)); err != nil {
		return err
	}

	hash, subject, err := e.executor.HeadCommit(ctx, dir)
	if err != nil {
		r.log("Warning: could not read commit: %v", err)
	} else {
		r.commit = hash
		r.log("Checked out %s %s", shortHash(hash), subject)
		e.reporter.Report(ctx, req.Repository, hash, forge.StatePending, "Deploying", r.id)
	}

	return e.buildAndStart(ctx, r, app, dir, &req.AppOptions)
}

// deployFile runs the archive pipeline.
func (e *Engine) deployFile(ctx context.Context, r *run, req *FileRequest) error {
	e.locks.Lock(req.AppName)
	defer e.locks.Unlock(req.AppName)

	r.secrets = secretValues(req.EnvVars)

	// The running code no longer comes from a repository, so redeploying
	// from one must not silently replace it.
	noRepository := ""
	app, dir, err := e.resolveApp(ctx, r, &req.AppOptions, &noRepository, nil)
	if err != nil {
		return err
	}

	// An existing service must not run while its files are replaced.
	if err := e.services.Stop(ctx, req.AppName); err != nil {
		e.logger.Debug("stop before extract failed", "app", req.AppName, "error", err)
	}

	r.log("Extracting archive")
	if err := fileutil.ResetDir(dir); err != nil {
		return err
	}
	format, err := archive.ExtractFile(e.uploadPath(r.id), dir)
	if err != nil {
		return fmt.Errorf("failed to extract archive: %w", err)
	}
	flattened, err := fileutil.FlattenSingleDir(dir)
	if err != nil {
		return err
	}
	if flattened {
		r.log("Extracted %s archive (flattened single top-level directory)", format)
	} else {
		r.log("Extracted %s archive", format)
	}

	return e.buildAndStart(ctx, r, app, dir, &req.AppOptions)
}

// resolveApp upserts the application from the request, starts the record
// and prepares the apps directory.
func (e *Engine) resolveApp(ctx context.Context, r *run, opts *AppOptions, repository, branch *string) (*store.Application, string, error) {
	root := e.paths.AppsDirectory(ctx)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create apps directory: %w", err)
	}
	dir := filepath.Join(root, opts.AppName)

	upsert := store.AppUpsert{
		Name:         opts.AppName,
		Repository:   repository,
		Branch:       branch,
		DeployPath:   &dir,
		StartCommand: &opts.StartCommand,
	}
	if opts.BuildCommand != "" {
		upsert.BuildCommand = &opts.BuildCommand
	}
	if opts.InstallCommand != "" {
		upsert.InstallCommand = &opts.InstallCommand
	}
	if opts.Runtime != "" {
		upsert.Runtime = &opts.Runtime
	}

	app, created, err := e.store.UpsertApp(ctx, upsert)
	if err != nil {
		return nil, "", fmt.Errorf("failed to save application: %w", err)
	}
	r.start(ctx)

	if created {
		r.log("Created application %s on port %d", app.Name, app.Port)
	} else {
		r.log("Updating application %s on port %d", app.Name, app.Port)
	}

	dir, err = e.deployPath(ctx, app)
	if err != nil {
		return nil, "", err
	}
	return app, dir, nil
}

// buildAndStart runs the shared tail of both pipelines: install, build,
// environment, service and proxy.
func (e *Engine) buildAndStart(ctx context.Context, r *run, app *store.Application, dir string, opts *AppOptions) error {
	if len(opts.EnvVars) > 0 {
		if err := e.store.SetEnvBatch(ctx, app.Name, opts.EnvVars); err != nil {
			return fmt.Errorf("failed to save environment variables: %w", err)
		}
	}
	env, err := e.store.EnvMap(ctx, app.Name)
	if err != nil {
		return err
	}
	if _, ok := env["PORT"]; !ok {
		env["PORT"] = strconv.Itoa(app.Port)
	}
	r.secrets = secretValues(env)

	install := opts.InstallCommand
	if install == "" {
		install = app.InstallCommand
	}
	if install != "" {
		r.log("Installing dependencies: %s", install)
		if err := e.executor.RunStep(ctx, "install", install, r.stepOptions(dir, env)); err != nil {
			return err
		}
	}

	build := opts.BuildCommand
	if build == "" {
		build = app.BuildCommand
	}
	if build != "" {
		r.log("Building: %s", build)
		if err := e.executor.RunStep(ctx, "build", build, r.stepOptions(dir, env)); err != nil {
			return err
		}
	}

	stored, err := e.store.EnvMap(ctx, app.Name)
	if err != nil {
		return err
	}
	if err := e.envFiles.Write(ctx, app.Name, stored); err != nil {
		return fmt.Errorf("failed to write environment file: %w", err)
	}
	r.log("Wrote environment file with %d variables", len(stored))

	spec := supervisor.UnitSpec{
		Command:          app.StartCommand,
		WorkingDirectory: dir,
		Environment:      env,
		Runtime:          app.Runtime,
		User:             e.opts.ServiceUser,
		EnvironmentFile:  e.envFiles.Path(ctx, app.Name),
	}
	if err := e.services.CreateOrReplace(ctx, app.Name, spec); err != nil {
		return fmt.Errorf("failed to configure service: %w", err)
	}
	r.serviceCreated = true
	r.log("Configured service for %s", app.Name)

	if err := e.services.Restart(ctx, app.Name); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	if err := e.services.Enable(ctx, app.Name); err != nil {
		return fmt.Errorf("failed to enable service: %w", err)
	}
	r.log("Service started on port %d", app.Port)

	running := store.AppRunning
	if _, _, err := e.store.UpsertApp(ctx, store.AppUpsert{Name: app.Name, DeployPath: &dir, Status: &running}); err != nil {
		return fmt.Errorf("failed to update application status: %w", err)
	}

	domains, err := e.store.ListDomains(ctx, app.Name)
	if err != nil {
		return err
	}
	if len(domains) > 0 {
		r.log("Updating proxy for %d domain(s)", len(domains))
		if err := e.proxy.UpdateConfig(ctx); err != nil {
			return fmt.Errorf("failed to update proxy: %w", err)
		}
	}

	return nil
}

func (e *Engine) removeUpload(queueID string) {
	if err := os.Remove(e.uploadPath(queueID)); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("failed to remove upload", "queue_id", queueID, "error", err)
	}
}

// secretValues returns the values to redact from logs.
func secretValues(env map[string]string) []string {
	values := make([]string, 0, len(env))
	for key, v := range env {
		if key == "PORT" {
			continue
		}
		values = append(values, v)
	}
	return values
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	return list
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
