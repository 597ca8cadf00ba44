package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrJobExists is returned by Backend.Register when a job with the same
// name appeared between lookup and registration.
var ErrJobExists = errors.New("scheduled job already exists")

// Outcome is the result of Registrar.Ensure.
type Outcome string

const (
	Created       Outcome = "created"
	AlreadyExists Outcome = "already_exists"
	Failed        Outcome = "failed"
)

// Backend is an OS scheduling facility.
type Backend interface {
	// Name identifies the facility in logs and history.
	Name() string
	// Lookup reports whether a job with the given name is registered.
	// A missing job is not an error.
	Lookup(ctx context.Context, name string) (bool, error)
	// Register installs job. It must not replace an existing job; if one
	// exists it returns an error wrapping ErrJobExists.
	Register(ctx context.Context, job Job) error
	// SupportsWeeksInterval reports whether the facility can fire every N
	// weeks natively. When it cannot, the job fires weekly.
	SupportsWeeksInterval() bool
}

// ConfigurationError is fatal: the job exists although the lookup said it
// did not. The registrar refuses to overwrite or rename it.
type ConfigurationError struct {
	JobName string
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("scheduled job %q: %v", e.JobName, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Registrar makes sure the backup job is registered.
type Registrar struct {
	backend Backend
	logger  *slog.Logger
}

// NewRegistrar returns a registrar using backend.
func NewRegistrar(backend Backend, logger *slog.Logger) *Registrar {
	return &Registrar{backend: backend, logger: logger}
}

// Backend returns the scheduling facility in use.
func (r *Registrar) Backend() Backend { return r.backend }

// Ensure registers job unless a job with its name already exists. An
// existing job is left untouched. Registration is attempted once.
func (r *Registrar) Ensure(ctx context.Context, job Job) (Outcome, error) {
	log := r.logger.With("job", job.Name, "backend", r.backend.Name())

	found, err := r.backend.Lookup(ctx, job.Name)
	if err != nil {
		log.Error("failed to look up scheduled job", "error", err)
		return Failed, fmt.Errorf("looking up scheduled job: %w", err)
	}
	if found {
		log.Info("scheduled job already exists")
		return AlreadyExists, nil
	}

	log.Info("registering scheduled job",
		"command", job.CommandLine(),
		"work_dir", job.WorkDir,
		"weeks_interval", job.Trigger.WeeksInterval,
		"weekday", job.Trigger.Weekday.String(),
		"at", fmt.Sprintf("%02d:%02d", job.Trigger.Hour, job.Trigger.Minute),
		"time_limit", job.Settings.ExecutionTimeLimit)

	if err := r.backend.Register(ctx, job); err != nil {
		if errors.Is(err, ErrJobExists) {
			log.Error("scheduled job appeared during registration", "error", err)
			return Failed, &ConfigurationError{JobName: job.Name, Err: err}
		}
		log.Error("failed to register scheduled job", "error", err)
		return Failed, fmt.Errorf("registering scheduled job: %w", err)
	}

	log.Info("scheduled job registered")
	return Created, nil
}
