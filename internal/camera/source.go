// Package camera runs one capture/inference worker per camera and supervises
// their lifecycle, zones and detector configuration.
package camera

import (
	"context"

	"github.com/tphakala/stockvision/internal/detection"
	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
)

// Source yields encoded frames from a camera. ReadFrame blocks until a frame
// is available, ctx is done or the stream fails.
type Source interface {
	ReadFrame(ctx context.Context) (detection.Frame, error)
	Close() error
}

// Opener opens a source descriptor: a device index, a stream URL or a file path.
type Opener interface {
	Open(ctx context.Context, descriptor string) (Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, descriptor string) (Source, error)

func (f OpenerFunc) Open(ctx context.Context, descriptor string) (Source, error) {
	return f(ctx, descriptor)
}

// ErrSourceClosed is returned by ReadFrame after Close.
var ErrSourceClosed = errors.NewStd("source closed")

// sourceUnavailable builds the error returned when no candidate source opens.
func sourceUnavailable(cameraID string, tried []string, cause error) error {
	return errors.New(cause).
		Component("camera").
		Category(errors.CategorySourceUnavailable).
		Context("camera_id", cameraID).
		Context("tried", tried).
		Build()
}

// IsSourceUnavailable reports whether err means a camera could not be opened.
func IsSourceUnavailable(err error) bool {
	return errors.IsCategory(err, errors.CategorySourceUnavailable)
}

// candidates lists the primary descriptor followed by the fallbacks, without
// duplicates.
func candidates(primary string, fallbacks []string) []string {
	out := make([]string, 0, 1+len(fallbacks))
	seen := make(map[string]bool, 1+len(fallbacks))
	for _, d := range append([]string{primary}, fallbacks...) {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// GetLogger returns the camera package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("camera")
}
