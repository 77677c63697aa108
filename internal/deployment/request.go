package deployment

import (
	"encoding/json"
	"errors"
	"fmt"

	"appdeck/internal/security"
	"appdeck/internal/supervisor"
)

// ErrValidation marks requests rejected before anything is queued.
var ErrValidation = errors.New("validation failed")

// Request kinds, stored in the queue entry's kind column.
const (
	KindGit  = "git"
	KindFile = "file"
)

// Request is a deployment request: *GitRequest or *FileRequest.
type Request interface {
	Kind() string
	App() *AppOptions
}

// AppOptions are the fields shared by every request kind.
type AppOptions struct {
	AppName        string            `json:"appName"`
	StartCommand   string            `json:"startCommand"`
	BuildCommand   string            `json:"buildCommand,omitempty"`
	InstallCommand string            `json:"installCommand,omitempty"`
	Runtime        string            `json:"runtime,omitempty"`
	EnvVars        map[string]string `json:"envVars,omitempty"`
}

// GitRequest deploys from a repository branch.
type GitRequest struct {
	AppOptions
	Repository string `json:"repository"`
	Branch     string `json:"branch,omitempty"`
}

// FileRequest deploys an uploaded archive. FileBuffer is only held until
// Submit persists it; the worker reads the upload from disk.
type FileRequest struct {
	AppOptions
	FileBuffer []byte `json:"-"`
	FileName   string `json:"fileName,omitempty"`
}

func (r *GitRequest) Kind() string      { return KindGit }
func (r *GitRequest) App() *AppOptions  { return &r.AppOptions }
func (r *FileRequest) Kind() string     { return KindFile }
func (r *FileRequest) App() *AppOptions { return &r.AppOptions }

// envelope is the persisted form; exactly one payload field is set and
// Kind names it.
type envelope struct {
	Kind string       `json:"kind"`
	Git  *GitRequest  `json:"git,omitempty"`
	File *FileRequest `json:"file,omitempty"`
}

// EncodeRequest serializes req with an explicit kind discriminant.
func EncodeRequest(req Request) ([]byte, error) {
	env := envelope{Kind: req.Kind()}
	switch r := req.(type) {
	case *GitRequest:
		env.Git = r
	case *FileRequest:
		env.File = r
	default:
		return nil, fmt.Errorf("unknown request type %T", req)
	}
	return json.Marshal(env)
}

// DecodeRequest restores a request written by EncodeRequest.
func DecodeRequest(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode request options: %w", err)
	}

	switch env.Kind {
	case KindGit:
		if env.Git == nil {
			return nil, fmt.Errorf("git request without payload")
		}
		return env.Git, nil
	case KindFile:
		if env.File == nil {
			return nil, fmt.Errorf("file request without payload")
		}
		return env.File, nil
	default:
		return nil, fmt.Errorf("unknown request kind %q", env.Kind)
	}
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Validate checks required fields and their formats.
func Validate(req Request) error {
	app := req.App()
	if app.AppName == "" {
		return validationError("appName is required")
	}
	if err := security.ValidateAppName(app.AppName); err != nil {
		return validationError("%v", err)
	}
	if app.StartCommand == "" {
		return validationError("startCommand is required")
	}
	if app.Runtime != "" && !supervisor.ValidRuntime(app.Runtime) {
		return validationError("unsupported runtime %q", app.Runtime)
	}
	for key := range app.EnvVars {
		if err := security.ValidateEnvKey(key); err != nil {
			return validationError("%v", err)
		}
	}

	switch r := req.(type) {
	case *GitRequest:
		if r.Repository == "" {
			return validationError("repository is required")
		}
		if err := security.ValidateGitURL(r.Repository); err != nil {
			return validationError("%v", err)
		}
		if r.Branch != "" {
			if err := security.ValidateBranchName(r.Branch); err != nil {
				return validationError("%v", err)
			}
		}
	case *FileRequest:
		if len(r.FileBuffer) == 0 {
			return validationError("fileBuffer is required")
		}
	default:
		return validationError("unknown request type %T", req)
	}
	return nil
}
