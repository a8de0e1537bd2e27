// conf/validate.go

package conf

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateTrackingSettings(&settings.Tracking)...)
	ve.Errors = append(ve.Errors, validateCameraSettings(settings.Cameras)...)
	ve.Errors = append(ve.Errors, validateWorkerSettings(&settings.Worker)...)

	if err := validateDatastoreSettings(&settings.Datastore); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateMQTTSettings(&settings.MQTT); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if settings.Push.Enabled && len(settings.Push.URLs) == 0 {
		ve.Errors = append(ve.Errors, "push notifications enabled but no service URLs configured")
	}
	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry enabled but DSN is empty")
	}
	if settings.Alerts.CheckInterval <= 0 {
		ve.Errors = append(ve.Errors, "alerts check interval must be positive")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateTrackingSettings(s *TrackingSettings) []string {
	var errs []string
	if s.StabilityDurationMinutes < 0 {
		errs = append(errs, "tracking stability duration must be >= 0 minutes")
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		errs = append(errs, "tracking confidence threshold must be between 0 and 1")
	}
	if s.AlertDelayHours < 0 {
		errs = append(errs, "tracking alert delay must be >= 0 hours")
	}
	return errs
}

func validateCameraSettings(cameras []CameraSettings) []string {
	var errs []string
	seen := make(map[string]struct{}, len(cameras))

	for i := range cameras {
		cam := &cameras[i]
		if cam.ID == "" {
			errs = append(errs, fmt.Sprintf("camera #%d: id is required", i+1))
			continue
		}
		if _, dup := seen[cam.ID]; dup {
			errs = append(errs, fmt.Sprintf("camera %s: duplicate id", cam.ID))
		}
		seen[cam.ID] = struct{}{}

		if strings.TrimSpace(cam.Source) == "" {
			errs = append(errs, fmt.Sprintf("camera %s: source is required", cam.ID))
		}
		if cam.FPS < 0 {
			errs = append(errs, fmt.Sprintf("camera %s: fps must be >= 0", cam.ID))
		}
		if len(cam.ROI) > 0 && len(cam.ROI) < 3 {
			errs = append(errs, fmt.Sprintf("camera %s: roi needs at least 3 points", cam.ID))
		}
	}
	return errs
}

func validateWorkerSettings(s *WorkerSettings) []string {
	var errs []string
	if s.MaxFPS <= 0 {
		errs = append(errs, "worker maxfps must be positive")
	}
	if s.BufferSize < 1 || s.BufferSize > 2 {
		errs = append(errs, "worker buffersize must be 1 or 2")
	}
	if s.StopTimeout <= 0 {
		errs = append(errs, "worker stoptimeout must be positive")
	}
	if s.Backoff.Initial <= 0 || s.Backoff.Max < s.Backoff.Initial {
		errs = append(errs, "worker backoff must satisfy 0 < initial <= max")
	}
	return errs
}

func validateDatastoreSettings(s *DatastoreSettings) error {
	switch s.Type {
	case "sqlite":
		if s.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case "mysql":
		if s.MySQL.Host == "" || s.MySQL.Database == "" {
			return fmt.Errorf("mysql host and database are required")
		}
	default:
		return fmt.Errorf("unsupported datastore type %q, must be sqlite or mysql", s.Type)
	}
	return nil
}

func validateMQTTSettings(s *MQTTSettings) error {
	if !s.Enabled {
		return nil
	}
	if s.Broker == "" {
		return fmt.Errorf("mqtt enabled but broker is empty")
	}
	u, err := url.Parse(s.Broker)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("mqtt broker %q is not a valid URL", s.Broker)
	}
	if s.Topic == "" {
		return fmt.Errorf("mqtt enabled but topic is empty")
	}
	return nil
}
