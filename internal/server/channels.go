package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"appdeck/internal/config"
	"appdeck/internal/deployment"
	"appdeck/internal/protocol"
	"appdeck/internal/security"
	"appdeck/internal/store"
	"appdeck/internal/stream"
	"appdeck/internal/supervisor"
)

// handler answers one channel. The returned value becomes the response
// data.
type handler func(ctx context.Context, c *conn, payload json.RawMessage) (any, error)

func (s *Server) channels() map[string]handler {
	return map[string]handler{
		protocol.DeployGit:         s.deployGit,
		protocol.DeployFile:        s.deployFile,
		protocol.DeployRedeploy:    s.deployRedeploy,
		protocol.DeployQueue:       s.deployQueue,
		protocol.DeployEntry:       s.deployEntry,
		protocol.DeployLogs:        s.deployLogs,
		protocol.DeployDelete:      s.deployDelete,
		protocol.DeployStreamStart: s.deployStreamStart,
		protocol.DeployStreamStop:  s.deployStreamStop,

		protocol.AppCreate:         s.appCreate,
		protocol.AppList:           s.appList,
		protocol.AppGet:            s.appGet,
		protocol.AppUpdate:         s.appUpdate,
		protocol.AppEnvList:        s.envList,
		protocol.AppEnvSet:         s.envSet,
		protocol.AppEnvSetBatch:    s.envSetBatch,
		protocol.AppEnvDelete:      s.envDelete,
		protocol.AppEnvDeleteBatch: s.envDeleteBatch,
		protocol.AppEnvRegenerate:  s.envRegenerate,

		protocol.ServiceList:        s.serviceList,
		protocol.ServiceStatus:      s.serviceStatus,
		protocol.ServiceStart:       s.serviceAction("start", (*supervisor.Supervisor).Start),
		protocol.ServiceStop:        s.serviceAction("stop", (*supervisor.Supervisor).Stop),
		protocol.ServiceRestart:     s.serviceAction("restart", (*supervisor.Supervisor).Restart),
		protocol.ServiceEnable:      s.serviceAction("enable", (*supervisor.Supervisor).Enable),
		protocol.ServiceDisable:     s.serviceAction("disable", (*supervisor.Supervisor).Disable),
		protocol.ServiceLogs:        s.serviceLogs,
		protocol.ServiceStreamStart: s.serviceStreamStart,
		protocol.ServiceStreamStop:  s.serviceStreamStop,
		protocol.ServiceDelete:      s.serviceDelete,

		protocol.ProxyStatus:       s.proxyStatus,
		protocol.ProxyLogs:         s.proxyLogs,
		protocol.ProxyConfig:       s.proxyConfig,
		protocol.ProxyValidate:     s.proxyValidate,
		protocol.ProxyDomains:      s.proxyDomains,
		protocol.ProxyStart:        s.proxyControl("start", s.proxy.Start),
		protocol.ProxyStop:         s.proxyControl("stop", s.proxy.Stop),
		protocol.ProxyReload:       s.proxyControl("reload", s.proxy.Reload),
		protocol.ProxyUpdateConfig: s.proxyControl("update-config", s.proxy.UpdateConfig),
		protocol.ProxyRegenerate:   s.proxyRegenerate,
		protocol.ProxyDomainAdd:    s.proxyDomainAdd,
		protocol.ProxyDomainRemove: s.proxyDomainRemove,

		protocol.SettingsGet: s.settingsGet,
		protocol.SettingsSet: s.settingsSet,
	}
}

// dispatch runs the handler for req and replies with its outcome.
func (c *conn) dispatch(req protocol.Request) {
	resp := protocol.Response{ID: req.ID, Channel: req.Channel}
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("Channel handler panicked", "channel", req.Channel, "panic", p)
			resp.Success = false
			resp.Data = nil
			resp.Error = "internal error"
		}
		c.reply(resp)
	}()

	h, ok := c.server.handlers[req.Channel]
	if !ok {
		resp.Error = fmt.Sprintf("unknown channel %q", req.Channel)
		return
	}

	data, err := h(c.ctx, c, req.Payload)
	if err != nil {
		if !deployment.IsValidation(err) && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrConflict) {
			c.logger.Warn("Channel request failed", "channel", req.Channel, "error", err)
		}
		resp.Error = err.Error()
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		resp.Error = "failed to encode response"
		return
	}
	resp.Success = true
	resp.Data = raw
}

// decode unmarshals a payload; malformed payloads are validation errors.
func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, fmt.Errorf("%w: missing payload", deployment.ErrValidation)
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("%w: invalid payload: %v", deployment.ErrValidation, err)
	}
	return v, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", deployment.ErrValidation, fmt.Sprintf(format, args...))
}

func decodeApp(payload json.RawMessage) (string, error) {
	ref, err := decode[protocol.AppRef](payload)
	if err != nil {
		return "", err
	}
	if err := security.ValidateAppName(ref.AppName); err != nil {
		return "", invalid("%v", err)
	}
	return ref.AppName, nil
}

func decodeQueueID(payload json.RawMessage) (string, error) {
	ref, err := decode[protocol.QueueRef](payload)
	if err != nil {
		return "", err
	}
	if ref.QueueID == "" {
		return "", invalid("queueId is required")
	}
	return ref.QueueID, nil
}

// Deployment

func (s *Server) deployGit(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	p, err := decode[protocol.GitDeploy](payload)
	if err != nil {
		return nil, err
	}
	id, err := s.engine.Submit(ctx, &deployment.GitRequest{
		AppOptions: deployment.AppOptions{
			AppName:        p.AppName,
			StartCommand:   p.StartCommand,
			BuildCommand:   p.BuildCommand,
			InstallCommand: p.InstallCommand,
			Runtime:        p.Runtime,
			EnvVars:        p.EnvVars,
		},
		Repository: p.Repository,
		Branch:     p.Branch,
	})
	if err != nil {
		return nil, err
	}
	return protocol.Queued{QueueID: id}, nil
}

func (s *Server) deployFile(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	p, err := decode[protocol.FileDeploy](payload)
	if err != nil {
		return nil, err
	}
	if int64(len(p.FileBuffer)) > s.opts.MaxUploadBytes {
		return nil, invalid("archive exceeds %d bytes", s.opts.MaxUploadBytes)
	}
	id, err := s.engine.Submit(ctx, &deployment.FileRequest{
		AppOptions: deployment.AppOptions{
			AppName:        p.AppName,
			StartCommand:   p.StartCommand,
			BuildCommand:   p.BuildCommand,
			InstallCommand: p.InstallCommand,
			Runtime:        p.Runtime,
			EnvVars:        p.EnvVars,
		},
		FileBuffer: p.FileBuffer,
		FileName:   p.FileName,
	})
	if err != nil {
		return nil, err
	}
	return protocol.Queued{QueueID: id}, nil
}

func (s *Server) deployRedeploy(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	app, err := decodeApp(payload)
	if err != nil {
		return nil, err
	}
	id, err := s.engine.Redeploy(ctx, app)
	if err != nil {
		return nil, err
	}
	return protocol.Queued{QueueID: id}, nil
}

func (s *Server) deployQueue(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	return s.engine.QueueStatus(ctx)
}

func (s *Server) deployEntry(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	id, err := decodeQueueID(payload)
	if err != nil {
		return nil, err
	}
	return s.engine.EntryStatus(ctx, id)
}

func (s *Server) deployLogs(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	q, err := decode[protocol.LogsQuery](payload)
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.GetApp(ctx, q.AppName); err != nil {
		return nil, err
	}
	return s.engine.ApplicationLogs(ctx, q.AppName, q.Limit)
}

func (s *Server) deployDelete(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	app, err := decodeApp(payload)
	if err != nil {
		return nil, err
	}
	if err := s.engine.DeleteApplication(ctx, app); err != nil {
		return nil, err
	}
	return map[string]string{"appName": app, "status": "deleted"}, nil
}

// deployStreamStart subscribes the connection to an entry's progress. An
// entry that already finished gets its end event immediately.
func (s *Server) deployStreamStart(ctx context.Context, c *conn, payload json.RawMessage) (any, error) {
	id, err := decodeQueueID(payload)
	if err != nil {
		return nil, err
	}
	entry, err := s.engine.EntryStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.IsTerminal() {
		c.sendEnd(entry)
		return entry, nil
	}

	s.streamMu.Lock()
	s.hub.Enable(c, id, func() { s.releaseDeployStream(id) })
	s.engine.EnableStreaming(id)
	s.streamMu.Unlock()

	// The worker may have finished between the read and the subscription,
	// in which case nobody will publish the end event.
	if latest, err := s.engine.EntryStatus(ctx, id); err == nil && latest.IsTerminal() {
		s.hub.Disable(c.id, id)
		c.sendEnd(latest)
		return latest, nil
	}
	if c.closed() {
		s.hub.Disable(c.id, id)
	}
	return entry, nil
}

func (c *conn) sendEnd(entry *store.QueueEntry) {
	ts := time.Now().UTC()
	if entry.CompletedAt != nil {
		ts = *entry.CompletedAt
	}
	_ = c.Send(stream.Event{
		Channel:   protocol.DeployEnd,
		Subject:   entry.ID,
		Timestamp: ts,
		Data: protocol.End{
			QueueID:     entry.ID,
			FinalStatus: entry.Status,
			Timestamp:   ts.Format(time.RFC3339),
		},
	})
}

func (s *Server) deployStreamStop(_ context.Context, c *conn, payload json.RawMessage) (any, error) {
	id, err := decodeQueueID(payload)
	if err != nil {
		return nil, err
	}
	s.hub.Disable(c.id, id)
	return map[string]any{"queueId": id, "streaming": false}, nil
}

// releaseDeployStream runs when a progress subscription goes away, by stop
// request or disconnect. The last one out turns the engine's gate off.
func (s *Server) releaseDeployStream(id string) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if !s.hub.Active(id) {
		s.engine.DisableStreaming(id)
	}
}

// Applications and environment

func appUpsert(f protocol.AppFields) store.AppUpsert {
	return store.AppUpsert{
		Name:           f.Name,
		Repository:     f.Repository,
		Branch:         f.Branch,
		StartCommand:   f.StartCommand,
		BuildCommand:   f.BuildCommand,
		InstallCommand: f.InstallCommand,
		Runtime:        f.Runtime,
		Port:           f.Port,
		Status:         f.Status,
	}
}

func (s *Server) appCreate(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	f, err := decode[protocol.AppFields](payload)
	if err != nil {
		return nil, err
	}
	return s.engine.CreateApp(ctx, appUpsert(f))
}

func (s *Server) appList(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	return s.engine.ListApps(ctx)
}

func (s *Server) appGet(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	app, err := decodeApp(payload)
	if err != nil {
		return nil, err
	}
	return s.engine.GetApp(ctx, app)
}

func (s *Server) appUpdate(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	f, err := decode[protocol.AppFields](payload)
	if err != nil {
		return nil, err
	}
	return s.engine.UpdateApp(ctx, appUpsert(f))
}

func (s *Server) envList(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	app, err := decodeApp(payload)
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.GetApp(ctx, app); err != nil {
		return nil, err
	}
	return s.engine.ListEnv(ctx, app)
}

func (s *Server) envSet(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	p, err := decode[protocol.EnvSet](payload)
	if err != nil {
		return nil, err
	}
	if err := s.engine.SetEnv(ctx, p.AppName, p.Key, p.Value); err != nil {
		return nil, err
	}
	return map[string]any{"appName": p.AppName, "key": p.Key}, nil
}

func (s *Server) envSetBatch(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	p, err := decode[protocol.EnvSetBatch](payload)
	if err != nil {
		return nil, err
	}
	if len(p.Vars) == 0 {
		return nil, invalid("vars is empty")
	}
	if err := s.engine.SetEnvBatch(ctx, p.AppName, p.Vars); err != nil {
		return nil, err
	}
	return map[string]any{"appName": p.AppName, "count": len(p.Vars)}, nil
}

func (s *Server) envDelete(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	p, err := decode[protocol.EnvDelete](payload)
	if err != nil {
		return nil, err
	}
	deleted, err := s.engine.DeleteEnv(ctx, p.AppName, p.Key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"appName": p.AppName, "key": p.Key, "deleted": deleted}, nil
}

func (s *Server) envDeleteBatch(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	p, err := decode[protocol.EnvDeleteBatch](payload)
	if err != nil {
		return nil, err
	}
	n, err := s.engine.DeleteEnvBatch(ctx, p.AppName, p.Keys)
	if err != nil {
		return nil, err
	}
	return map[string]any{"appName": p.AppName, "deleted": n}, nil
}

func (s *Server) envRegenerate(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	app, err := decodeApp(payload)
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.GetApp(ctx, app); err != nil {
		return nil, err
	}
	if err := s.engine.RegenerateEnv(ctx, app); err != nil {
		return nil, err
	}
	return map[string]string{"appName": app, "status": "regenerated"}, nil
}

// Services

func serviceSubject(appName string) string {
	return "service:" + appName
}

func (s *Server) serviceList(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	return s.services.List(ctx)
}

func (s *Server) serviceStatus(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	app, err := decodeApp(payload)
	if err != nil {
		return nil, err
	}
	return s.services.Status(ctx, app)
}

func (s *Server) serviceAction(action string, fn func(*supervisor.Supervisor, context.Context, string) error) handler {
	return func(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
		app, err := decodeApp(payload)
		if err != nil {
			return nil, err
		}
		if err := fn(s.services, ctx, app); err != nil {
			return nil, err
		}
		s.logger.Info("Service action", "app", app, "action", action)
		return map[string]string{"appName": app, "action": action}, nil
	}
}

func (s *Server) serviceLogs(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	q, err := decode[protocol.ServiceLogsQuery](payload)
	if err != nil {
		return nil, err
	}
	logs, err := s.services.Logs(ctx, q.AppName, supervisor.LogOptions{Lines: q.Lines, Since: q.Since})
	if err != nil {
		return nil, err
	}
	return map[string]string{"appName": q.AppName, "logs": logs}, nil
}

// serviceStreamStart tails the service journal for this connection. A
// second start for the same service is a no-op.
func (s *Server) serviceStreamStart(_ context.Context, c *conn, payload json.RawMessage) (any, error) {
	app, err := decodeApp(payload)
	if err != nil {
		return nil, err
	}
	subject := serviceSubject(app)

	c.tailMu.Lock()
	defer c.tailMu.Unlock()

	if slices.Contains(s.hub.Subjects(c.id), subject) {
		return map[string]any{"appName": app, "streaming": true}, nil
	}

	stop, err := s.services.Tail(c.ctx, app, func(chunk []byte) {
		s.hub.Deliver(c.id, subject, protocol.ServiceLog, protocol.ServiceLogLine{
			AppName:   app,
			Data:      string(chunk),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to follow service logs: %w", err)
	}

	s.hub.Enable(c, subject, stop)
	if c.closed() {
		s.hub.Disable(c.id, subject)
	}
	return map[string]any{"appName": app, "streaming": true}, nil
}

func (s *Server) serviceStreamStop(_ context.Context, c *conn, payload json.RawMessage) (any, error) {
	app, err := decodeApp(payload)
	if err != nil {
		return nil, err
	}
	c.tailMu.Lock()
	s.hub.Disable(c.id, serviceSubject(app))
	c.tailMu.Unlock()
	return map[string]any{"appName": app, "streaming": false}, nil
}

// serviceDelete removes the unit but keeps the application, which is
// marked stopped.
func (s *Server) serviceDelete(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	app, err := decodeApp(payload)
	if err != nil {
		return nil, err
	}
	if err := s.services.Delete(ctx, app); err != nil {
		return nil, err
	}
	if err := s.store.SetAppStatus(ctx, app, store.AppStopped); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("Failed to mark application stopped", "app", app, "error", err)
	}
	return map[string]string{"appName": app, "status": "deleted"}, nil
}

// Proxy

func (s *Server) proxyStatus(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	return s.proxy.Status(ctx)
}

func (s *Server) proxyLogs(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	var q protocol.ProxyLogsQuery
	if len(payload) > 0 {
		var err error
		if q, err = decode[protocol.ProxyLogsQuery](payload); err != nil {
			return nil, err
		}
	}
	logs, err := s.proxy.Logs(ctx, q.Lines)
	if err != nil {
		return nil, err
	}
	return map[string]string{"logs": logs}, nil
}

func (s *Server) proxyConfig(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	content, err := s.proxy.Config(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"path": s.proxy.ConfigPath(ctx), "content": content}, nil
}

func (s *Server) proxyValidate(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	valid, output := s.proxy.Validate(ctx)
	return map[string]any{"valid": valid, "output": output}, nil
}

func (s *Server) proxyDomains(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	return s.proxy.Domains(ctx)
}

func (s *Server) proxyControl(action string, fn func(context.Context) error) handler {
	return func(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
		if err := fn(ctx); err != nil {
			return nil, err
		}
		s.logger.Info("Proxy action", "action", action)
		return map[string]string{"action": action}, nil
	}
}

// proxyRegenerate rewrites the config file without reloading the proxy.
func (s *Server) proxyRegenerate(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	backup, err := s.proxy.Write(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"path": s.proxy.ConfigPath(ctx), "backup": backup}, nil
}

func (s *Server) proxyDomainAdd(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	p, err := decode[protocol.DomainAdd](payload)
	if err != nil {
		return nil, err
	}
	domain := strings.ToLower(strings.TrimSpace(p.Domain))
	if err := security.ValidateDomain(domain); err != nil {
		return nil, invalid("%v", err)
	}
	if _, err := s.engine.GetApp(ctx, p.AppName); err != nil {
		return nil, err
	}
	return s.proxy.AddDomain(ctx, p.AppName, domain, p.IsPrimary)
}

func (s *Server) proxyDomainRemove(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	p, err := decode[protocol.DomainRemove](payload)
	if err != nil {
		return nil, err
	}
	return s.proxy.RemoveDomain(ctx, p.ID)
}

// Settings

func (s *Server) settingsGet(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	stored, err := s.store.Settings(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"stored": stored,
		"effective": map[string]string{
			config.SettingAppsDirectory:   s.live.AppsDirectory(ctx),
			config.SettingProxyConfigPath: s.live.ProxyConfigPath(ctx),
		},
	}, nil
}

func (s *Server) settingsSet(ctx context.Context, _ *conn, payload json.RawMessage) (any, error) {
	p, err := decode[protocol.Setting](payload)
	if err != nil {
		return nil, err
	}
	if !config.IsOverridable(p.Key) {
		return nil, invalid("setting %q cannot be changed at runtime", p.Key)
	}
	value, err := security.SanitizePath(p.Value)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if err := s.store.SetSetting(ctx, p.Key, value); err != nil {
		return nil, err
	}
	s.logger.Info("Setting changed", "key", p.Key, "value", value)
	return protocol.Setting{Key: p.Key, Value: value}, nil
}
