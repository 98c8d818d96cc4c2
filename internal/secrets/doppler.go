// Package secrets resolves sensitive configuration values from Doppler when a
// project is configured, and from the process environment otherwise.
package secrets

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Resolver looks up a secret by key. An empty value with a nil error means the secret is unset.
type Resolver interface {
	Resolve(key string) (string, error)
}

// EnvResolver reads secrets from the environment
type EnvResolver struct{}

// Resolve returns the environment value for key
func (EnvResolver) Resolve(key string) (string, error) {
	return os.Getenv(key), nil
}

// DopplerClient provides access to secrets stored in Doppler
type DopplerClient struct {
	Project     string
	Config      string
	Timeout     time.Duration
	initialized bool
}

// NewDopplerClient creates a new Doppler client
func NewDopplerClient(project, config string) *DopplerClient {
	return &DopplerClient{
		Project: project,
		Config:  config,
		Timeout: 5 * time.Second,
	}
}

// Initialize checks if Doppler CLI is installed
func (d *DopplerClient) Initialize() error {
	if _, err := exec.LookPath("doppler"); err != nil {
		return fmt.Errorf("doppler CLI not found: %w", err)
	}
	d.initialized = true
	return nil
}

// Resolve prefers the environment (for `doppler run`), then asks the Doppler CLI
func (d *DopplerClient) Resolve(key string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}
	if !d.initialized {
		if err := d.Initialize(); err != nil {
			return "", err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "doppler", "secrets", "get", key,
		"--project", d.Project,
		"--config", d.Config,
		"--plain")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// NewResolver returns a Doppler-backed resolver when project is set, else the environment
func NewResolver(project, config string) Resolver {
	if project == "" {
		return EnvResolver{}
	}
	if config == "" {
		config = "dev"
	}
	return NewDopplerClient(project, config)
}
