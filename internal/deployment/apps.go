package deployment

import (
	"context"
	"errors"
	"fmt"

	"appdeck/internal/security"
	"appdeck/internal/store"
	"appdeck/internal/supervisor"
)

// CreateApp registers an application without deploying it.
func (e *Engine) CreateApp(ctx context.Context, in store.AppUpsert) (*store.Application, error) {
	if err := validateUpsert(in); err != nil {
		return nil, err
	}
	if _, err := e.store.GetApp(ctx, in.Name); err == nil {
		return nil, validationError("application %q already exists", in.Name)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	app, _, err := e.store.UpsertApp(ctx, in)
	if err != nil {
		return nil, err
	}
	e.logger.Info("application created", "app", app.Name, "port", app.Port)
	return app, nil
}

// UpdateApp changes the provided fields of an existing application.
func (e *Engine) UpdateApp(ctx context.Context, in store.AppUpsert) (*store.Application, error) {
	if err := validateUpsert(in); err != nil {
		return nil, err
	}
	if _, err := e.store.GetApp(ctx, in.Name); err != nil {
		return nil, err
	}

	app, _, err := e.store.UpsertApp(ctx, in)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func validateUpsert(in store.AppUpsert) error {
	if err := security.ValidateAppName(in.Name); err != nil {
		return validationError("%v", err)
	}
	if in.Repository != nil && *in.Repository != "" {
		if err := security.ValidateGitURL(*in.Repository); err != nil {
			return validationError("%v", err)
		}
	}
	if in.Branch != nil && *in.Branch != "" {
		if err := security.ValidateBranchName(*in.Branch); err != nil {
			return validationError("%v", err)
		}
	}
	if in.Runtime != nil && *in.Runtime != "" && !supervisor.ValidRuntime(*in.Runtime) {
		return validationError("unsupported runtime %q", *in.Runtime)
	}
	if in.Port != nil && (*in.Port < 1 || *in.Port > 65535) {
		return validationError("port %d out of range", *in.Port)
	}
	if in.Status != nil {
		switch *in.Status {
		case store.AppStopped, store.AppRunning, store.AppFailed:
		default:
			return validationError("unknown status %q", *in.Status)
		}
	}
	return nil
}

// GetApp returns one application.
func (e *Engine) GetApp(ctx context.Context, name string) (*store.Application, error) {
	return e.store.GetApp(ctx, name)
}

// ListApps returns every application.
func (e *Engine) ListApps(ctx context.Context) ([]store.Application, error) {
	return e.store.ListApps(ctx)
}

// ListEnv returns an application's environment variables.
func (e *Engine) ListEnv(ctx context.Context, appName string) ([]store.EnvVar, error) {
	return e.store.ListEnv(ctx, appName)
}

// SetEnv stores one variable and rewrites the env file.
func (e *Engine) SetEnv(ctx context.Context, appName, key, value string) error {
	return e.SetEnvBatch(ctx, appName, map[string]string{key: value})
}

// SetEnvBatch stores several variables at once and rewrites the env file.
func (e *Engine) SetEnvBatch(ctx context.Context, appName string, vars map[string]string) error {
	for key := range vars {
		if err := security.ValidateEnvKey(key); err != nil {
			return validationError("%v", err)
		}
	}
	if err := e.store.SetEnvBatch(ctx, appName, vars); err != nil {
		return err
	}
	return e.RegenerateEnv(ctx, appName)
}

// DeleteEnv removes one variable. It reports whether the key existed.
func (e *Engine) DeleteEnv(ctx context.Context, appName, key string) (bool, error) {
	n, err := e.DeleteEnvBatch(ctx, appName, []string{key})
	return n > 0, err
}

// DeleteEnvBatch removes several variables and returns how many existed.
func (e *Engine) DeleteEnvBatch(ctx context.Context, appName string, keys []string) (int, error) {
	n, err := e.store.DeleteEnvBatch(ctx, appName, keys)
	if err != nil {
		return 0, err
	}
	if err := e.RegenerateEnv(ctx, appName); err != nil {
		return n, err
	}
	return n, nil
}

// RegenerateEnv rewrites the env file from the stored variables. Running
// services pick the change up on their next restart.
func (e *Engine) RegenerateEnv(ctx context.Context, appName string) error {
	vars, err := e.store.EnvMap(ctx, appName)
	if err != nil {
		return err
	}
	if err := e.envFiles.Write(ctx, appName, vars); err != nil {
		return fmt.Errorf("failed to write environment file: %w", err)
	}
	return nil
}
