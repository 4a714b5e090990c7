package types

import (
	"time"
)

// AppConfig is the root configuration for the gvfs mount process and CLI
type AppConfig struct {
	DebugMode  bool `key:"debugMode" json:"debug_mode"`
	PrettyLogs bool `key:"prettyLogs" json:"pretty_logs"`

	Enlistment EnlistmentConfig `key:"enlistment" json:"enlistment"`
	Mount      MountConfig      `key:"mount" json:"mount"`
	IPC        IPCConfig        `key:"ipc" json:"ipc"`
	Objects    ObjectsConfig    `key:"objects" json:"objects"`
	Hooks      HooksConfig      `key:"hooks" json:"hooks"`
	Projection ProjectionConfig `key:"projection" json:"projection"`
	Metrics    MetricsConfig    `key:"metrics" json:"metrics"`
}

// ----------------------------------------------------------------------------
// Enlistment Configuration
// ----------------------------------------------------------------------------

type EnlistmentConfig struct {
	RepoURL string `key:"repoURL" json:"repo_url"`
}

// ----------------------------------------------------------------------------
// Mount Configuration
// ----------------------------------------------------------------------------

type MountConfig struct {
	// MutexTimeout bounds the wait for the single-instance enlistment mutex.
	MutexTimeout      time.Duration `key:"mutexTimeout" json:"mutex_timeout"`
	HeartbeatInterval time.Duration `key:"heartbeatInterval" json:"heartbeat_interval"`
	// PauseOnFailure keeps a failed mount process alive until acknowledged on stdin
	// (or unmounted) so the failure can be diagnosed interactively.
	PauseOnFailure bool `key:"pauseOnFailure" json:"pause_on_failure"`
}

// ----------------------------------------------------------------------------
// IPC Configuration
// ----------------------------------------------------------------------------

type IPCConfig struct {
	SocketDir            string `key:"socketDir" json:"socket_dir"`
	MaxChannelNameLength int    `key:"maxChannelNameLength" json:"max_channel_name_length"`
}

// ----------------------------------------------------------------------------
// Object Store Configuration
// ----------------------------------------------------------------------------

type S3Config struct {
	Bucket         string `key:"bucket" json:"bucket"`
	Region         string `key:"region" json:"region"`
	Endpoint       string `key:"endpoint" json:"endpoint"`
	AccessKey      string `key:"accessKey" json:"access_key"`
	SecretKey      string `key:"secretKey" json:"secret_key"`
	ForcePathStyle bool   `key:"forcePathStyle" json:"force_path_style"`
}

type ObjectsConfig struct {
	S3        S3Config      `key:"s3" json:"s3"`
	Prefix    string        `key:"prefix" json:"prefix"`
	CacheSize int           `key:"cacheSize" json:"cache_size"`
	CacheTTL  time.Duration `key:"cacheTTL" json:"cache_ttl"`
}

// ----------------------------------------------------------------------------
// Hooks Configuration
// ----------------------------------------------------------------------------

type HooksConfig struct {
	// Source is the installed hook executable. Empty means "next to the mount binary".
	Source string `key:"source" json:"source"`
}

// ----------------------------------------------------------------------------
// Projection Configuration
// ----------------------------------------------------------------------------

type ProjectionConfig struct {
	BackgroundWorkers int  `key:"backgroundWorkers" json:"background_workers"`
	AllowOther        bool `key:"allowOther" json:"allow_other"`
	Debug             bool `key:"debug" json:"debug"`
}

// ----------------------------------------------------------------------------
// Metrics Configuration
// ----------------------------------------------------------------------------

type MetricsConfig struct {
	// Listen is the address of the optional metrics endpoint, e.g. "127.0.0.1:9464".
	Listen string `key:"listen" json:"listen"`
}
