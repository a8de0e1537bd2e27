package detection

import (
	"fmt"
	"slices"
	"strings"

	"github.com/tphakala/stockvision/internal/errors"
)

// models maps a model name to the weights file served by the inference backend.
var models = map[string]string{
	"yolov8n":  "yolov8n.pt",
	"yolov8s":  "yolov8s.pt",
	"yolov8m":  "yolov8m.pt",
	"yolov8l":  "yolov8l.pt",
	"yolov11n": "yolo11n.pt",
}

var trackers = []string{"bytetrack", "botsort"}

var segmenters = map[string]string{
	"sam2-tiny":  "sam2_t.pt",
	"sam2-small": "sam2_s.pt",
	"sam2-base":  "sam2_b.pt",
	"sam2-large": "sam2_l.pt",
}

// Config is the model/tracker/segmenter combination a Detector is bound to.
type Config struct {
	Model     string `json:"model"`
	Tracker   string `json:"tracker,omitempty"`
	Segmenter string `json:"segmenter,omitempty"`
}

// Models returns the supported model names, sorted.
func Models() []string {
	return sortedKeys(models)
}

// Trackers returns the supported tracker names.
func Trackers() []string {
	return slices.Clone(trackers)
}

// Segmenters returns the supported segmenter names, sorted.
func Segmenters() []string {
	return sortedKeys(segmenters)
}

// ModelWeights returns the weights file for a model.
func ModelWeights(name string) (string, error) {
	w, ok := models[name]
	if !ok {
		return "", unknownComponent("model", name)
	}
	return w, nil
}

// TrackerConfigFile returns "<name>.yaml" for a tracker, or "" when tracking is disabled.
func TrackerConfigFile(name string) (string, error) {
	if isNone(name) {
		return "", nil
	}
	if !slices.Contains(trackers, name) {
		return "", unknownComponent("tracker", name)
	}
	return name + ".yaml", nil
}

// SegmenterWeights returns the weights file for a segmenter, or "" when disabled.
func SegmenterWeights(name string) (string, error) {
	if isNone(name) {
		return "", nil
	}
	w, ok := segmenters[name]
	if !ok {
		return "", unknownComponent("segmenter", name)
	}
	return w, nil
}

// Normalize maps "none" spellings to "" for tracker and segmenter.
func (c Config) Normalize() Config {
	if isNone(c.Tracker) {
		c.Tracker = ""
	}
	if isNone(c.Segmenter) {
		c.Segmenter = ""
	}
	return c
}

// Validate checks every component name against the catalog.
func (c Config) Validate() error {
	if _, err := ModelWeights(c.Model); err != nil {
		return err
	}
	if _, err := TrackerConfigFile(c.Tracker); err != nil {
		return err
	}
	if _, err := SegmenterWeights(c.Segmenter); err != nil {
		return err
	}
	return nil
}

// String renders the configuration as "model+tracker+segmenter".
func (c Config) String() string {
	parts := []string{c.Model}
	if c.Tracker != "" {
		parts = append(parts, c.Tracker)
	}
	if c.Segmenter != "" {
		parts = append(parts, c.Segmenter)
	}
	return strings.Join(parts, "+")
}

func isNone(name string) bool {
	return name == "" || strings.EqualFold(name, "none")
}

func unknownComponent(kind, name string) error {
	return errors.New(fmt.Errorf("unknown %s %q", kind, name)).
		Component("detection").
		Category(errors.CategoryModelSwitch).
		Context(kind, name).
		Build()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
