// config.go: stockvision settings structure and loading
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. STOCKVISION_TRACKING_CONFIDENCETHRESHOLD.
const EnvPrefix = "STOCKVISION"

// TrackingSettings holds the process-wide tracking tunables.
type TrackingSettings struct {
	StabilityDurationMinutes int     `yaml:"stabilitydurationminutes" mapstructure:"stabilitydurationminutes" json:"stabilityDurationMinutes"`
	ConfidenceThreshold      float64 `yaml:"confidencethreshold" mapstructure:"confidencethreshold" json:"confidenceThreshold"`
	AlertDelayHours          int     `yaml:"alertdelayhours" mapstructure:"alertdelayhours" json:"alertDelayHours"`
}

// DetectionSettings configures the detection collaborator.
type DetectionSettings struct {
	Model     string        `yaml:"model" mapstructure:"model"`         // yolov8n, yolov8s, ...
	Tracker   string        `yaml:"tracker" mapstructure:"tracker"`     // bytetrack, botsort or empty
	Segmenter string        `yaml:"segmenter" mapstructure:"segmenter"` // sam2-* or empty
	Endpoint  string        `yaml:"endpoint" mapstructure:"endpoint"`   // inference server base URL
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`     // per-frame inference timeout
	Classes   []string      `yaml:"classes" mapstructure:"classes"`     // optional class filter
}

// CameraSettings describes one camera and its co-located zone.
type CameraSettings struct {
	ID            string   `yaml:"id" mapstructure:"id" json:"id"`
	Source        string   `yaml:"source" mapstructure:"source" json:"source"` // device index, URL or file path
	ZoneID        string   `yaml:"zoneid" mapstructure:"zoneid" json:"zoneId"`
	ZoneName      string   `yaml:"zonename" mapstructure:"zonename" json:"zoneName"`
	EquipmentType string   `yaml:"equipmenttype" mapstructure:"equipmenttype" json:"equipmentType,omitempty"`
	ROI           [][2]int `yaml:"roi" mapstructure:"roi" json:"roi,omitempty"` // polygon points as [x, y]
	FPS           int      `yaml:"fps" mapstructure:"fps" json:"fps"`
	Enabled       bool     `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
}

// BackoffSettings bounds the reconnect backoff of camera workers.
type BackoffSettings struct {
	Initial time.Duration `yaml:"initial" mapstructure:"initial"`
	Max     time.Duration `yaml:"max" mapstructure:"max"`
}

// WorkerSettings configures capture/inference workers.
type WorkerSettings struct {
	MaxFPS          float64         `yaml:"maxfps" mapstructure:"maxfps"`         // frame rate ceiling
	BufferSize      int             `yaml:"buffersize" mapstructure:"buffersize"` // latest-result buffer capacity, 1 or 2
	StopTimeout     time.Duration   `yaml:"stoptimeout" mapstructure:"stoptimeout"`
	Backoff         BackoffSettings `yaml:"backoff" mapstructure:"backoff"`
	FallbackSources []string        `yaml:"fallbacksources" mapstructure:"fallbacksources"`
	FFmpegPath      string          `yaml:"ffmpegpath" mapstructure:"ffmpegpath"`
}

// AlertSettings configures the unattended-request alert scheduler.
type AlertSettings struct {
	CheckInterval time.Duration `yaml:"checkinterval" mapstructure:"checkinterval"`
}

// SQLiteSettings contains settings for the SQLite database.
type SQLiteSettings struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// MySQLSettings contains settings for the MySQL database.
type MySQLSettings struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
}

// DatastoreSettings selects and configures the persistent store.
type DatastoreSettings struct {
	Type          string         `yaml:"type" mapstructure:"type"` // sqlite or mysql
	SQLite        SQLiteSettings `yaml:"sqlite" mapstructure:"sqlite"`
	MySQL         MySQLSettings  `yaml:"mysql" mapstructure:"mysql"`
	SlowThreshold time.Duration  `yaml:"slowthreshold" mapstructure:"slowthreshold"`
}

// WebServerSettings configures the HTTP API.
type WebServerSettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
}

// MQTTSettings configures event publishing over MQTT.
type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Broker   string `yaml:"broker" mapstructure:"broker"`
	ClientID string `yaml:"clientid" mapstructure:"clientid"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	Topic    string `yaml:"topic" mapstructure:"topic"`
	Retain   bool   `yaml:"retain" mapstructure:"retain"`
}

// PushSettings configures shoutrrr push notifications.
type PushSettings struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	URLs    []string      `yaml:"urls" mapstructure:"urls"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// SentrySettings configures optional error reporting.
type SentrySettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
}

// MetricsSettings toggles the prometheus endpoint.
type MetricsSettings struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// Settings is the complete stockvision configuration.
type Settings struct {
	Debug     bool                  `yaml:"debug" mapstructure:"debug"`
	Logging   logger.LoggingConfig  `yaml:"logging" mapstructure:"logging"`
	Tracking  TrackingSettings      `yaml:"tracking" mapstructure:"tracking"`
	Detection DetectionSettings     `yaml:"detection" mapstructure:"detection"`
	Cameras   []CameraSettings      `yaml:"cameras" mapstructure:"cameras"`
	Worker    WorkerSettings        `yaml:"worker" mapstructure:"worker"`
	Alerts    AlertSettings         `yaml:"alerts" mapstructure:"alerts"`
	Datastore DatastoreSettings     `yaml:"datastore" mapstructure:"datastore"`
	WebServer WebServerSettings     `yaml:"webserver" mapstructure:"webserver"`
	MQTT      MQTTSettings          `yaml:"mqtt" mapstructure:"mqtt"`
	Push      PushSettings          `yaml:"push" mapstructure:"push"`
	Sentry    SentrySettings        `yaml:"sentry" mapstructure:"sentry"`
	Metrics   MetricsSettings       `yaml:"metrics" mapstructure:"metrics"`

	// ConfigFile is the file the settings were read from, empty when defaults only.
	ConfigFile string `yaml:"-" mapstructure:"-"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration through the global viper instance, which the
// CLI binds its flags to. configFile may be empty to search the default paths.
func Load(configFile string) (*Settings, error) {
	settings, err := LoadFrom(viper.GetViper(), configFile)
	if err != nil {
		return nil, err
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()
	return settings, nil
}

// LoadFrom reads settings using the given viper instance.
func LoadFrom(v *viper.Viper, configFile string) (*Settings, error) {
	if err := initViper(v, configFile); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "init_viper").
			Build()
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	settings.ConfigFile = v.ConfigFileUsed()

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error validating settings: %w", err)).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}

	return settings, nil
}

// GetSettings returns the settings loaded by the last successful Load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

func initViper(v *viper.Viper, configFile string) error {
	setDefaultConfig(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("fatal error reading config file %s: %w", configFile, err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, path := range GetDefaultConfigPaths() {
		v.AddConfigPath(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Run on defaults; an example config is written for the operator.
			if werr := writeDefaultConfig(); werr != nil {
				logger.Global().Module("conf").Warn("could not write default config", logger.Error(werr))
			}
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml, in order.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}

	if homeDir, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "windows" {
			paths = append(paths, filepath.Join(homeDir, "AppData", "Roaming", "stockvision"))
		} else {
			paths = append(paths, filepath.Join(homeDir, ".config", "stockvision"))
		}
	}
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/stockvision")
	}
	return paths
}

// writeDefaultConfig writes the embedded example config to the user config
// directory when no config file exists anywhere on the search path.
func writeDefaultConfig() error {
	paths := GetDefaultConfigPaths()
	if len(paths) < 2 {
		return fmt.Errorf("no user config directory available")
	}
	configPath := filepath.Join(paths[1], "config.yaml")

	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return fmt.Errorf("error reading embedded config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	return os.WriteFile(configPath, data, 0o644)
}

// SaveYAMLConfig writes settings to configPath. It overwrites the existing
// file, not preserving comments or structure.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	return writeFileAtomic(configPath, yamlData)
}

// writeFileAtomic writes data to a temp file next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(path), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, path); err != nil {
		return fmt.Errorf("error replacing %s: %w", path, err)
	}
	return nil
}
