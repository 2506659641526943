package stagelinq

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Option errors.
var (
	// ErrInvalidMaxRetries indicates a MaxRetries value below 2, which
	// would allow no connection attempt at all.
	ErrInvalidMaxRetries = errors.New("maxRetries must be at least 2")
)

// ActingAs describes the identity this process announces on the
// network. Devices announced with the same source are our own
// announcements echoed back and are never connected to.
type ActingAs struct {
	// Source is the announced source identity.
	Source string `yaml:"source"`

	// Name is the announced software name.
	Name string `yaml:"name"`

	// Version is the announced software version.
	Version string `yaml:"version"`
}

// Options configures a StageLinqDevices orchestrator.
type Options struct {
	// MaxRetries bounds the connection retry loop per discovered
	// device: maxRetries-1 connection attempts are made before the
	// device is marked failed.
	MaxRetries int `yaml:"maxRetries"`

	// RetryInterval is the pause between connection attempts.
	RetryInterval time.Duration `yaml:"retryInterval"`

	// DownloadDBSources requests the device's database-source listing
	// right after the file-transfer service comes up.
	DownloadDBSources bool `yaml:"downloadDBSources"`

	// ActingAs is the identity announced by this process.
	ActingAs ActingAs `yaml:"actingAs"`
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() Options {
	return Options{
		MaxRetries:    3,
		RetryInterval: 500 * time.Millisecond,
		ActingAs: ActingAs{
			Source:  "stagelinq-go",
			Name:    "stagelinq-go",
			Version: "0.1.0",
		},
	}
}

// Validate checks the options for values the orchestrator cannot run
// with.
func (o Options) Validate() error {
	if o.MaxRetries < 2 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxRetries, o.MaxRetries)
	}
	return nil
}

// LoadOptions reads options from a YAML file, filling unset fields from
// DefaultOptions.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read options: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}
