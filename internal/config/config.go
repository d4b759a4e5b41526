package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Database    DatabaseConfig
	Enrollment  EnrollmentConfig
	Embedding   EmbeddingConfig
	Recognition RecognitionConfig `yaml:"recognition"`
	Quality     QualityConfig     `yaml:"quality"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Archive     ArchiveConfig
	MQTT        MQTTConfig
	Web         WebConfig
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

// EnrollmentConfig points at the legacy enrollment registry (MariaDB) that
// still owns student face encodings in older deployments.
type EnrollmentConfig struct {
	DatabaseURL string // MariaDB DSN, e.g. school:school@tcp(mariadb:3306)/school?parseTime=true
}

type EmbeddingConfig struct {
	URL     string        // defaults to http://localhost:8000
	Dim     int           // defaults to 128
	Timeout time.Duration // per detection request, defaults to 10s
}

// RecognitionConfig is the runtime-tunable recognition settings surface.
type RecognitionConfig struct {
	Sensitivity        int     `yaml:"sensitivity" json:"sensitivity"`
	MinMatches         int     `yaml:"min_matches" json:"min_matches"`
	VerifiedConfidence float64 `yaml:"verified_confidence" json:"verified_confidence"`
	MinFaceSize        int     `yaml:"min_face_size" json:"min_face_size"`
	MaxFacesPerFrame   int     `yaml:"max_faces_per_frame" json:"max_faces_per_frame"`
	ArchiveUnknown     bool    `yaml:"archive_unknown" json:"archive_unknown"`
}

// Threshold returns the maximum accepted match distance in [0, 1].
func (r RecognitionConfig) Threshold() float64 {
	return float64(r.Sensitivity) / 100
}

// Validate reports settings outside their accepted ranges.
func (r RecognitionConfig) Validate() error {
	var errs []error
	if r.Sensitivity < 0 || r.Sensitivity > 100 {
		errs = append(errs, fmt.Errorf("sensitivity must be between 0 and 100, got %d", r.Sensitivity))
	}
	if r.MinMatches < 1 {
		errs = append(errs, fmt.Errorf("min_matches must be at least 1, got %d", r.MinMatches))
	}
	if r.VerifiedConfidence < 0 || r.VerifiedConfidence > 1 {
		errs = append(errs, fmt.Errorf("verified_confidence must be between 0 and 1, got %v", r.VerifiedConfidence))
	}
	if r.MinFaceSize < 0 {
		errs = append(errs, fmt.Errorf("min_face_size must not be negative, got %d", r.MinFaceSize))
	}
	if r.MaxFacesPerFrame < 1 {
		errs = append(errs, fmt.Errorf("max_faces_per_frame must be at least 1, got %d", r.MaxFacesPerFrame))
	}
	return errors.Join(errs...)
}

type QualityConfig struct {
	MinWidth      int     `yaml:"min_width"`
	MinHeight     int     `yaml:"min_height"`
	MaxWidth      int     `yaml:"max_width"`
	MaxHeight     int     `yaml:"max_height"`
	MinBrightness float64 `yaml:"min_brightness"`
	MaxBrightness float64 `yaml:"max_brightness"`
	MinBlurScore  float64 `yaml:"min_blur_score"`
}

type PipelineConfig struct {
	Workers              int           `yaml:"workers"`
	QueueSize            int           `yaml:"queue_size"`
	FrameTTL             time.Duration `yaml:"frame_ttl"`
	MaxAttempts          int           `yaml:"max_attempts"`
	RetryInitial         time.Duration `yaml:"retry_initial"`
	RetryMax             time.Duration `yaml:"retry_max"`
	RosterTTL            time.Duration `yaml:"roster_ttl"`
	RosterIndexThreshold int           `yaml:"roster_index_threshold"`
}

type ArchiveConfig struct {
	Dir string // root directory for archived unknown faces (default ./data)
}

type MQTTConfig struct {
	Broker      string // e.g. tcp://mosquitto:1883, empty disables the bridge
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Enabled returns true if an MQTT broker is configured.
func (c *MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

type WebConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float, falling back to defaultVal.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

// envBool reads an environment variable as a bool, falling back to defaultVal.
func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

// envDuration reads an environment variable as a time.Duration, falling back to defaultVal.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

// envString returns the env var or defaultVal when it is unset.
func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList splits a comma-separated env var, dropping empty items.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Defaults returns the embedded pipeline defaults without environment overrides.
func Defaults() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return &cfg
}

func Load() *Config {
	cfg := Defaults()

	rec := &cfg.Recognition
	rec.Sensitivity = envInt("RECOGNITION_SENSITIVITY", rec.Sensitivity)
	rec.MinMatches = envInt("RECOGNITION_MIN_MATCHES", rec.MinMatches)
	rec.VerifiedConfidence = envFloat("RECOGNITION_VERIFIED_CONFIDENCE", rec.VerifiedConfidence)
	rec.MinFaceSize = envInt("RECOGNITION_MIN_FACE_SIZE", rec.MinFaceSize)
	rec.MaxFacesPerFrame = envInt("RECOGNITION_MAX_FACES", rec.MaxFacesPerFrame)
	rec.ArchiveUnknown = envBool("RECOGNITION_ARCHIVE_UNKNOWN", rec.ArchiveUnknown)

	p := &cfg.Pipeline
	p.Workers = envInt("PIPELINE_WORKERS", p.Workers)
	p.QueueSize = envInt("PIPELINE_QUEUE_SIZE", p.QueueSize)
	p.FrameTTL = envDuration("PIPELINE_FRAME_TTL", p.FrameTTL)
	p.MaxAttempts = envInt("PIPELINE_MAX_ATTEMPTS", p.MaxAttempts)
	p.RosterTTL = envDuration("ROSTER_TTL", p.RosterTTL)

	cfg.Database = DatabaseConfig{
		URL:          os.Getenv("DATABASE_URL"),
		MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
	}
	cfg.Enrollment = EnrollmentConfig{
		DatabaseURL: os.Getenv("ENROLLMENT_DATABASE_URL"),
	}
	cfg.Embedding = EmbeddingConfig{
		URL:     os.Getenv("EMBEDDING_URL"),
		Dim:     envInt("EMBEDDING_DIM", 128),
		Timeout: envDuration("EMBEDDING_TIMEOUT", 10*time.Second),
	}
	cfg.Archive = ArchiveConfig{
		Dir: envString("ARCHIVE_DIR", "./data"),
	}
	cfg.MQTT = MQTTConfig{
		Broker:      os.Getenv("MQTT_BROKER"),
		ClientID:    envString("MQTT_CLIENT_ID", "classroll"),
		Username:    os.Getenv("MQTT_USERNAME"),
		Password:    os.Getenv("MQTT_PASSWORD"),
		TopicPrefix: envString("MQTT_TOPIC_PREFIX", "classroll"),
	}
	cfg.Web = WebConfig{
		Host:           envString("WEB_HOST", "0.0.0.0"),
		Port:           envInt("WEB_PORT", 8080),
		AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
	}
	return cfg
}
