// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default tunables.
const (
	DefaultStabilityDurationMinutes = 60
	DefaultConfidenceThreshold      = 0.60
	DefaultAlertDelayHours          = 3
)

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/stockvision.log")
	v.SetDefault("logging.file_output.level", "info")

	v.SetDefault("tracking.stabilitydurationminutes", DefaultStabilityDurationMinutes)
	v.SetDefault("tracking.confidencethreshold", DefaultConfidenceThreshold)
	v.SetDefault("tracking.alertdelayhours", DefaultAlertDelayHours)

	v.SetDefault("detection.model", "yolov8n")
	v.SetDefault("detection.tracker", "bytetrack")
	v.SetDefault("detection.segmenter", "")
	v.SetDefault("detection.endpoint", "http://127.0.0.1:8000")
	v.SetDefault("detection.timeout", 5*time.Second)
	v.SetDefault("detection.classes", []string{})

	v.SetDefault("cameras", []map[string]any{})

	v.SetDefault("worker.maxfps", 20.0)
	v.SetDefault("worker.buffersize", 2)
	v.SetDefault("worker.stoptimeout", 5*time.Second)
	v.SetDefault("worker.backoff.initial", time.Second)
	v.SetDefault("worker.backoff.max", 30*time.Second)
	v.SetDefault("worker.fallbacksources", []string{"2", "0", "1"})
	v.SetDefault("worker.ffmpegpath", "ffmpeg")

	v.SetDefault("alerts.checkinterval", time.Minute)

	v.SetDefault("datastore.type", "sqlite")
	v.SetDefault("datastore.sqlite.path", "stockvision.db")
	v.SetDefault("datastore.mysql.host", "localhost")
	v.SetDefault("datastore.mysql.port", 3306)
	v.SetDefault("datastore.mysql.database", "stockvision")
	v.SetDefault("datastore.slowthreshold", 200*time.Millisecond)

	v.SetDefault("webserver.enabled", true)
	v.SetDefault("webserver.listen", ":8080")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.clientid", "stockvision")
	v.SetDefault("mqtt.topic", "stockvision")
	v.SetDefault("mqtt.retain", false)

	v.SetDefault("push.enabled", false)
	v.SetDefault("push.urls", []string{})
	v.SetDefault("push.timeout", 10*time.Second)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("metrics.enabled", true)
}
