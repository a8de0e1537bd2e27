package conf

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tphakala/stockvision/internal/errors"
)

// TunablesUpdate carries a partial change to the runtime tunables. Nil fields
// are left unchanged.
type TunablesUpdate struct {
	StabilityDurationMinutes *int     `json:"stabilityDurationMinutes,omitempty"`
	ConfidenceThreshold      *float64 `json:"confidenceThreshold,omitempty"`
	AlertDelayHours          *int     `json:"alertDelayHours,omitempty"`
}

// TunablesListener is called after a successful update with the new values.
type TunablesListener func(TrackingSettings)

// Tunables holds the process-wide runtime-tunable values. Readers always see
// a consistent snapshot; changes apply to subsequent calls only.
type Tunables struct {
	mu        sync.RWMutex
	values    TrackingSettings
	listeners []TunablesListener
}

// NewTunables creates tunables seeded with initial values.
func NewTunables(initial TrackingSettings) *Tunables {
	return &Tunables{values: initial}
}

// DefaultTunables returns tunables with the documented defaults.
func DefaultTunables() *Tunables {
	return NewTunables(TrackingSettings{
		StabilityDurationMinutes: DefaultStabilityDurationMinutes,
		ConfidenceThreshold:      DefaultConfidenceThreshold,
		AlertDelayHours:          DefaultAlertDelayHours,
	})
}

// Snapshot returns a copy of the current values.
func (t *Tunables) Snapshot() TrackingSettings {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.values
}

// StabilityDuration returns the stability duration as a time.Duration.
func (t *Tunables) StabilityDuration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Duration(t.values.StabilityDurationMinutes) * time.Minute
}

// ConfidenceThreshold returns the minimum confidence for a detection to count.
func (t *Tunables) ConfidenceThreshold() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.values.ConfidenceThreshold
}

// AlertDelay returns the age at which pending validations raise an alert.
func (t *Tunables) AlertDelay() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Duration(t.values.AlertDelayHours) * time.Hour
}

// OnChange registers a listener invoked after every successful Update.
func (t *Tunables) OnChange(l TunablesListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Update validates and applies a partial change. Either all fields apply or none.
func (t *Tunables) Update(u TunablesUpdate) (TrackingSettings, error) {
	t.mu.Lock()
	next := t.values
	if u.StabilityDurationMinutes != nil {
		next.StabilityDurationMinutes = *u.StabilityDurationMinutes
	}
	if u.ConfidenceThreshold != nil {
		next.ConfidenceThreshold = *u.ConfidenceThreshold
	}
	if u.AlertDelayHours != nil {
		next.AlertDelayHours = *u.AlertDelayHours
	}

	if errs := validateTrackingSettings(&next); len(errs) > 0 {
		t.mu.Unlock()
		return TrackingSettings{}, errors.New(ValidationError{Errors: errs}).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("operation", "update_tunables").
			Build()
	}

	t.values = next
	listeners := make([]TunablesListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		l(next)
	}
	return next, nil
}

// SaveTunables persists the current tunables into the tracking section of the
// YAML file at path, keeping every other section as it is.
func (t *Tunables) SaveTunables(path string) error {
	values := t.Snapshot()

	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("error parsing %s: %w", path, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	case os.IsNotExist(err):
	default:
		return fmt.Errorf("error reading %s: %w", path, err)
	}

	doc["tracking"] = values

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("error marshaling tunables to YAML: %w", err)
	}
	return writeFileAtomic(path, out)
}
