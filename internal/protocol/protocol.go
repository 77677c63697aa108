// Package protocol defines the websocket frames exchanged between the
// appdeck server and its clients.
package protocol

import "encoding/json"

// Request is a client command. ID is chosen by the client and echoed in
// the response.
type Request struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Push is an unsolicited server event. It never carries an ID.
type Push struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Envelope decodes any server frame; Push frames have no ID and no
// success flag.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel"`
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IsResponse reports whether the frame answers a request.
func (e *Envelope) IsResponse() bool {
	return e.Success != nil
}

// Deployment channels.
const (
	DeployGit         = "deploy:git"
	DeployFile        = "deploy:file"
	DeployRedeploy    = "deploy:redeploy"
	DeployQueue       = "deploy:queue"
	DeployEntry       = "deploy:entry"
	DeployLogs        = "deploy:logs"
	DeployDelete      = "deploy:delete"
	DeployStreamStart = "deploy:stream:start"
	DeployStreamStop  = "deploy:stream:stop"
	DeployProgress    = "deploy:progress"
	DeployEnd         = "deploy:end"
)

// Application channels.
const (
	AppCreate         = "app:create"
	AppList           = "app:list"
	AppGet            = "app:get"
	AppUpdate         = "app:update"
	AppEnvList        = "app:env:list"
	AppEnvSet         = "app:env:set"
	AppEnvSetBatch    = "app:env:set-batch"
	AppEnvDelete      = "app:env:delete"
	AppEnvDeleteBatch = "app:env:delete-batch"
	AppEnvRegenerate  = "app:env:regenerate"
)

// Service channels.
const (
	ServiceList        = "service:list"
	ServiceStatus      = "service:status"
	ServiceStart       = "service:start"
	ServiceStop        = "service:stop"
	ServiceRestart     = "service:restart"
	ServiceEnable      = "service:enable"
	ServiceDisable     = "service:disable"
	ServiceLogs        = "service:logs"
	ServiceStreamStart = "service:stream:start"
	ServiceStreamStop  = "service:stream:stop"
	ServiceDelete      = "service:delete"
	ServiceLog         = "service:log"
)

// Proxy channels.
const (
	ProxyStatus       = "proxy:status"
	ProxyLogs         = "proxy:logs"
	ProxyConfig       = "proxy:config"
	ProxyValidate     = "proxy:validate"
	ProxyDomains      = "proxy:domains"
	ProxyStart        = "proxy:start"
	ProxyStop         = "proxy:stop"
	ProxyReload       = "proxy:reload"
	ProxyRegenerate   = "proxy:regenerate"
	ProxyDomainAdd    = "proxy:domain:add"
	ProxyDomainRemove = "proxy:domain:remove"
	ProxyUpdateConfig = "proxy:update-config"
)

// Settings channels.
const (
	SettingsGet = "settings:get"
	SettingsSet = "settings:set"
)

// AppRef names an application.
type AppRef struct {
	AppName string `json:"appName"`
}

// QueueRef names a queue entry.
type QueueRef struct {
	QueueID string `json:"queueId"`
}

// GitDeploy is the payload of deploy:git.
type GitDeploy struct {
	AppName        string            `json:"appName"`
	Repository     string            `json:"repository"`
	Branch         string            `json:"branch,omitempty"`
	StartCommand   string            `json:"startCommand"`
	BuildCommand   string            `json:"buildCommand,omitempty"`
	InstallCommand string            `json:"installCommand,omitempty"`
	Runtime        string            `json:"runtime,omitempty"`
	EnvVars        map[string]string `json:"envVars,omitempty"`
}

// FileDeploy is the payload of deploy:file. FileBuffer travels as base64.
type FileDeploy struct {
	AppName        string            `json:"appName"`
	FileBuffer     []byte            `json:"fileBuffer"`
	FileName       string            `json:"fileName,omitempty"`
	StartCommand   string            `json:"startCommand"`
	BuildCommand   string            `json:"buildCommand,omitempty"`
	InstallCommand string            `json:"installCommand,omitempty"`
	Runtime        string            `json:"runtime,omitempty"`
	EnvVars        map[string]string `json:"envVars,omitempty"`
}

// Queued is returned by every call that enqueues a deployment.
type Queued struct {
	QueueID string `json:"queueId"`
}

// LogsQuery is the payload of deploy:logs.
type LogsQuery struct {
	AppName string `json:"appName"`
	Limit   int    `json:"limit,omitempty"`
}

// AppFields is the payload of app:create and app:update. Omitted fields
// are left unchanged.
type AppFields struct {
	Name           string  `json:"name"`
	Repository     *string `json:"repository,omitempty"`
	Branch         *string `json:"branch,omitempty"`
	StartCommand   *string `json:"startCommand,omitempty"`
	BuildCommand   *string `json:"buildCommand,omitempty"`
	InstallCommand *string `json:"installCommand,omitempty"`
	Runtime        *string `json:"runtime,omitempty"`
	Port           *int    `json:"port,omitempty"`
	Status         *string `json:"status,omitempty"`
}

// EnvSet is the payload of app:env:set.
type EnvSet struct {
	AppName string `json:"appName"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

// EnvSetBatch is the payload of app:env:set-batch.
type EnvSetBatch struct {
	AppName string            `json:"appName"`
	Vars    map[string]string `json:"vars"`
}

// EnvDelete is the payload of app:env:delete.
type EnvDelete struct {
	AppName string `json:"appName"`
	Key     string `json:"key"`
}

// EnvDeleteBatch is the payload of app:env:delete-batch.
type EnvDeleteBatch struct {
	AppName string   `json:"appName"`
	Keys    []string `json:"keys"`
}

// ServiceLogsQuery is the payload of service:logs.
type ServiceLogsQuery struct {
	AppName string `json:"appName"`
	Lines   int    `json:"lines,omitempty"`
	Since   string `json:"since,omitempty"`
}

// ServiceLogLine is pushed on service:log.
type ServiceLogLine struct {
	AppName   string `json:"appName"`
	Data      string `json:"data"`
	Timestamp string `json:"timestamp"`
}

// ProxyLogsQuery is the payload of proxy:logs.
type ProxyLogsQuery struct {
	Lines int `json:"lines,omitempty"`
}

// DomainAdd is the payload of proxy:domain:add.
type DomainAdd struct {
	AppName   string `json:"appName"`
	Domain    string `json:"domain"`
	IsPrimary bool   `json:"isPrimary,omitempty"`
}

// DomainRemove is the payload of proxy:domain:remove.
type DomainRemove struct {
	ID int64 `json:"id"`
}

// Setting is the payload of settings:set.
type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Progress is pushed on deploy:progress.
type Progress struct {
	QueueID    string `json:"queueId"`
	Status     string `json:"status"`
	Logs       string `json:"logs"`
	NewMessage string `json:"newMessage"`
	Timestamp  string `json:"timestamp"`
}

// End is pushed on deploy:end.
type End struct {
	QueueID     string `json:"queueId"`
	FinalStatus string `json:"finalStatus"`
	Timestamp   string `json:"timestamp"`
}
