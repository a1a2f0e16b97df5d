// Package driver talks to network devices and returns their transceiver
// readings.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/optics-collector/internal/model"
)

// Driver polls one device. Implementations must release any session they
// open before Poll returns, whatever the outcome.
type Driver interface {
	Name() string
	Poll(ctx context.Context, dev model.Device) (*model.Reading, error)
}

// Credentials used to log in to devices.
type Credentials struct {
	Username  string
	Password  string
	Community string
}

var ErrDriverNotFound = errors.New("no driver for platform")

// Registry maps platform names to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	aliases map[string]string
}

func NewRegistry() *Registry {
	return &Registry{drivers: map[string]Driver{}, aliases: map[string]string{}}
}

// Register adds a driver under its own name. Registering a name twice
// replaces the previous driver.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[strings.ToLower(d.Name())] = d
}

// Alias makes platform resolve to the driver registered as target.
func (r *Registry) Alias(platform, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	target = strings.ToLower(target)
	if _, ok := r.drivers[target]; !ok {
		return fmt.Errorf("alias %s: %w %q", platform, ErrDriverNotFound, target)
	}
	r.aliases[strings.ToLower(platform)] = target
	return nil
}

// Resolve returns the driver for a platform. An unknown platform is a
// permanent poll error.
func (r *Registry) Resolve(platform string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := strings.ToLower(platform)
	if target, ok := r.aliases[p]; ok {
		p = target
	}
	d, ok := r.drivers[p]
	if !ok {
		return nil, Permanent(fmt.Errorf("%w %q", ErrDriverNotFound, platform))
	}
	return d, nil
}

// Platforms lists registered driver names and aliases, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers)+len(r.aliases))
	for name := range r.drivers {
		out = append(out, name)
	}
	for alias, target := range r.aliases {
		out = append(out, alias+" -> "+target)
	}
	sort.Strings(out)
	return out
}

// PollError classifies a poll failure.
type PollError struct {
	Permanent bool
	Err       error
}

func (e *PollError) Error() string { return e.Err.Error() }

func (e *PollError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying (auth failure, unsupported
// platform or command).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PollError{Permanent: true, Err: err}
}

// Transient marks err as retryable (timeouts, refused or reset connections).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &PollError{Err: err}
}

// IsPermanent reports whether err was classified permanent. Unclassified
// errors are transient.
func IsPermanent(err error) bool {
	var pe *PollError
	return errors.As(err, &pe) && pe.Permanent
}
