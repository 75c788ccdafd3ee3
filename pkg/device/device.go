// Package device is the boundary to the device command execution service.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrProfileNotFound = errors.New("connection profile not found")
	// ErrCommandFailed is returned when the device ran the command and
	// reported a non-zero exit code.
	ErrCommandFailed = errors.New("device command failed")
	// ErrGatewayUnavailable covers transport failures and 5xx answers.
	ErrGatewayUnavailable = errors.New("device gateway unavailable")
	ErrCommandRejected    = errors.New("device gateway rejected command")
)

// Profile describes how to reach a device.
type Profile struct {
	Name      string            `json:"name"                yaml:"name"      validate:"required"`
	Host      string            `json:"host"                yaml:"host"      validate:"required"`
	Port      int               `json:"port,omitempty"      yaml:"port"      validate:"gte=0,lte=65535"`
	Platform  string            `json:"platform,omitempty"  yaml:"platform"`
	Transport string            `json:"transport,omitempty" yaml:"transport" validate:"omitempty,oneof=ssh netconf http telnet"`
	Username  string            `json:"username,omitempty"  yaml:"username"`
	Labels    map[string]string `json:"labels,omitempty"    yaml:"labels"`
}

// Command is what gets sent to a device: the command line and, when the
// node declares a template, the rendered configuration.
type Command struct {
	Text   string `json:"text"`
	Config any    `json:"config,omitempty"`
}

type Result struct {
	Output   string         `json:"output"`
	ExitCode int            `json:"exit_code"`
	Data     map[string]any `json:"data,omitempty"`
	Duration time.Duration  `json:"-"`
}

// AsMap is the node output recorded for an action.
func (r *Result) AsMap(profile *Profile) map[string]any {
	out := map[string]any{
		"output":      r.Output,
		"exit_code":   r.ExitCode,
		"device":      profile.Name,
		"host":        profile.Host,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Data != nil {
		out["data"] = r.Data
	}

	return out
}

type Executor interface {
	Run(ctx context.Context, profile *Profile, command Command, timeout time.Duration) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, profile *Profile, command Command, timeout time.Duration) (*Result, error)

func (f ExecutorFunc) Run(ctx context.Context, profile *Profile, command Command, timeout time.Duration) (*Result, error) {
	return f(ctx, profile, command, timeout)
}

// Profiles is the set of configured connection profiles.
type Profiles struct {
	byName map[string]*Profile
}

func NewProfiles(profiles []Profile) (*Profiles, error) {
	p := &Profiles{byName: make(map[string]*Profile, len(profiles))}

	for i := range profiles {
		profile := profiles[i]
		if profile.Name == "" {
			return nil, fmt.Errorf("profile %d has no name", i)
		}

		if _, exists := p.byName[profile.Name]; exists {
			return nil, fmt.Errorf("duplicate profile %q", profile.Name)
		}

		p.byName[profile.Name] = &profile
	}

	return p, nil
}

func (p *Profiles) Lookup(name string) (*Profile, error) {
	if p != nil {
		if profile, ok := p.byName[name]; ok {
			return profile, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
}

func (p *Profiles) Len() int {
	if p == nil {
		return 0
	}

	return len(p.byName)
}
