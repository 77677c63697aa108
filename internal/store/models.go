package store

import "time"

// Application status values.
const (
	AppStopped = "stopped"
	AppRunning = "running"
	AppFailed  = "failed"
)

// Queue entry status values. Transitions are queued -> building ->
// completed|failed and never go backwards.
const (
	QueueQueued    = "queued"
	QueueBuilding  = "building"
	QueueCompleted = "completed"
	QueueFailed    = "failed"
)

// Deployment record status values.
const (
	RecordInProgress = "in_progress"
	RecordSuccess    = "success"
	RecordFailed     = "failed"
)

// Application is a user-deployed program bound to one service.
type Application struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Repository     string    `json:"repository,omitempty"`
	Branch         string    `json:"branch"`
	DeployPath     string    `json:"deployPath"`
	StartCommand   string    `json:"startCommand"`
	BuildCommand   string    `json:"buildCommand,omitempty"`
	InstallCommand string    `json:"installCommand,omitempty"`
	Runtime        string    `json:"runtime"`
	Port           int       `json:"port"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// AppUpsert is the desired state for an application. Nil fields are
// left unchanged on update and take their default on create.
type AppUpsert struct {
	Name           string
	Repository     *string
	Branch         *string
	DeployPath     *string
	StartCommand   *string
	BuildCommand   *string
	InstallCommand *string
	Runtime        *string
	Port           *int
	Status         *string
}

// DomainBinding routes one domain to an application.
type DomainBinding struct {
	ID            int64     `json:"id"`
	ApplicationID int64     `json:"applicationId"`
	AppName       string    `json:"appName"`
	Domain        string    `json:"domain"`
	IsPrimary     bool      `json:"isPrimary"`
	SSLEnabled    bool      `json:"sslEnabled"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Route is a domain joined with the port of the application it serves.
type Route struct {
	AppName string
	Domain  string
	Port    int
}

// EnvVar is one environment variable of an application.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DeploymentRecord is the historical log of one pipeline run.
type DeploymentRecord struct {
	ID              int64      `json:"id"`
	ApplicationID   int64      `json:"applicationId"`
	QueueID         string     `json:"queueId"`
	Status          string     `json:"status"`
	Logs            string     `json:"logs"`
	CommitHash      *string    `json:"commitHash,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	DurationSeconds *float64   `json:"durationSeconds,omitempty"`
	ErrorMessage    *string    `json:"errorMessage,omitempty"`
}

// QueueEntry is one deployment attempt. Options holds the serialized
// request and is never sent to clients because it may carry secrets.
type QueueEntry struct {
	ID           string     `json:"id"`
	AppName      string     `json:"appName"`
	Kind         string     `json:"kind"`
	Options      []byte     `json:"-"`
	Status       string     `json:"status"`
	Logs         string     `json:"logs"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// IsTerminal reports whether the entry reached completed or failed.
func (e *QueueEntry) IsTerminal() bool {
	return e.Status == QueueCompleted || e.Status == QueueFailed
}
