package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"proctor/internal/engine"
)

type ServerConfig struct {
	ListenAddr   string              `json:"listen_addr" yaml:"listen_addr"`
	Database     DatabaseConfig      `json:"database" yaml:"database"`
	Capabilities CapabilityEndpoints `json:"capabilities" yaml:"capabilities"`
	Proctor      ProctorConfig       `json:"proctor" yaml:"proctor"`
	Observer     ObservabilityConfig `json:"observability" yaml:"observability"`
	Limits       LimitsConfig        `json:"limits" yaml:"limits"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
	// SnapshotPath backs the in-memory store when no DSN is configured.
	SnapshotPath string `json:"snapshot_path" yaml:"snapshot_path"`
}

type CapabilityEndpoints struct {
	FaceURL     string `json:"face_url" yaml:"face_url"`
	FaceAPIKey  string `json:"face_api_key" yaml:"face_api_key"`
	BehaviorURL string `json:"behavior_url" yaml:"behavior_url"`
	SpeechURL   string `json:"speech_url" yaml:"speech_url"`
	SpeechVoice string `json:"speech_voice" yaml:"speech_voice"`
	ReportURL   string `json:"report_url" yaml:"report_url"`
	APIKey      string `json:"api_key" yaml:"api_key"`
	TimeoutSec  int    `json:"timeout_sec" yaml:"timeout_sec"`
}

// ProctorConfig is the YAML/JSON shape of the engine tunables. Intervals are
// plain integers so config files stay toolable; ToEngine converts them.
type ProctorConfig struct {
	HousekeepingMs   int     `json:"housekeeping_interval_ms" yaml:"housekeeping_interval_ms"`
	CheckIntervalMs  int     `json:"check_interval_ms" yaml:"check_interval_ms"`
	SampleTimeoutMs  int     `json:"sample_timeout_ms" yaml:"sample_timeout_ms"`
	FrameStaleMs     int     `json:"frame_stale_after_ms" yaml:"frame_stale_after_ms"`
	NavigateDelayMs  int     `json:"navigate_delay_ms" yaml:"navigate_delay_ms"`
	PauseDistracted  *bool   `json:"pause_when_distracted" yaml:"pause_when_distracted"`
	MinFaceConf      float64 `json:"min_face_confidence" yaml:"min_face_confidence"`
	GazeDistractSec  float64 `json:"gaze_down_distracted_sec" yaml:"gaze_down_distracted_sec"`
	GazeSuspectSec   float64 `json:"gaze_down_suspicious_sec" yaml:"gaze_down_suspicious_sec"`
	SuspiciousBelow  int     `json:"suspicious_score_below" yaml:"suspicious_score_below"`
	CameraGraceSec   int     `json:"camera_grace_sec" yaml:"camera_grace_sec"`
	MultiFaceSec     int     `json:"multi_face_grace_sec" yaml:"multi_face_grace_sec"`
	ObjectMaxStrikes int     `json:"object_max_strikes" yaml:"object_max_strikes"`
}

func (p ProctorConfig) ToEngine() engine.Config {
	cfg := engine.DefaultConfig()
	if p.HousekeepingMs > 0 {
		cfg.HousekeepingInterval = time.Duration(p.HousekeepingMs) * time.Millisecond
	}
	if p.CheckIntervalMs > 0 {
		cfg.CheckInterval = time.Duration(p.CheckIntervalMs) * time.Millisecond
	}
	if p.SampleTimeoutMs > 0 {
		cfg.SampleTimeout = time.Duration(p.SampleTimeoutMs) * time.Millisecond
	}
	if p.FrameStaleMs > 0 {
		cfg.FrameStaleAfter = time.Duration(p.FrameStaleMs) * time.Millisecond
	}
	if p.NavigateDelayMs > 0 {
		cfg.NavigateDelay = time.Duration(p.NavigateDelayMs) * time.Millisecond
	}
	if p.PauseDistracted != nil {
		cfg.Identity.PauseWhenDistracted = *p.PauseDistracted
	}
	if p.MinFaceConf > 0 {
		cfg.Identity.MinFaceConfidence = p.MinFaceConf
	}
	if p.GazeDistractSec > 0 {
		cfg.Behavior.GazeDownDistractedSec = p.GazeDistractSec
	}
	if p.GazeSuspectSec > 0 {
		cfg.Behavior.GazeDownSuspiciousSec = p.GazeSuspectSec
	}
	if p.SuspiciousBelow > 0 {
		cfg.Behavior.SuspiciousScoreBelow = p.SuspiciousBelow
	}
	if p.CameraGraceSec > 0 {
		cfg.Rules.CameraGraceSec = p.CameraGraceSec
	}
	if p.MultiFaceSec > 0 {
		cfg.Rules.MultiFaceGraceSec = p.MultiFaceSec
	}
	if p.ObjectMaxStrikes > 0 {
		cfg.Rules.ObjectMaxStrikes = p.ObjectMaxStrikes
	}
	cfg.Normalize()
	return cfg
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

type LimitsConfig struct {
	SessionStartRPM int `json:"session_start_rpm" yaml:"session_start_rpm"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Capabilities: CapabilityEndpoints{
			TimeoutSec: 15,
		},
		Observer: ObservabilityConfig{
			ServiceName: "proctor-api",
			SampleRatio: 1,
		},
		Limits: LimitsConfig{
			SessionStartRPM: 10,
		},
	}
}

// LoadServerConfig reads a YAML or JSON config file, then overlays values
// from the environment (a .env file is honored when present).
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("dotenv load failed", "error", err)
		}
	}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		ext := strings.ToLower(filepath.Ext(path))
		switch ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse yaml config: %w", err)
			}
		case ".json":
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse json config: %w", err)
			}
		default:
			var yamlErr error
			if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
				break
			}
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, errors.New("config format not recognized (expected yaml/json)")
			}
		}
	}
	applyEnvOverrides(&cfg)
	normalizeConfig(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *ServerConfig) {
	setString(&cfg.ListenAddr, "PROCTOR_LISTEN_ADDR")
	setString(&cfg.Database.DSN, "PROCTOR_DB_DSN")
	setString(&cfg.Database.MigrationsPath, "PROCTOR_MIGRATIONS_PATH")
	setString(&cfg.Database.SnapshotPath, "PROCTOR_SNAPSHOT_PATH")
	setString(&cfg.Capabilities.FaceURL, "PROCTOR_FACE_URL")
	setString(&cfg.Capabilities.BehaviorURL, "PROCTOR_BEHAVIOR_URL")
	setString(&cfg.Capabilities.SpeechURL, "PROCTOR_SPEECH_URL")
	setString(&cfg.Capabilities.ReportURL, "PROCTOR_REPORT_URL")
	setString(&cfg.Capabilities.APIKey, "PROCTOR_CAPABILITY_API_KEY")
	setString(&cfg.Observer.OTLPEndpoint, "PROCTOR_OTLP_ENDPOINT")
	setInt(&cfg.Limits.SessionStartRPM, "PROCTOR_SESSION_START_RPM")
	setInt(&cfg.Proctor.CheckIntervalMs, "PROCTOR_CHECK_INTERVAL_MS")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if cfg.Capabilities.TimeoutSec <= 0 {
		cfg.Capabilities.TimeoutSec = 15
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "proctor-api"
	}
	if cfg.Limits.SessionStartRPM <= 0 {
		cfg.Limits.SessionStartRPM = 10
	}
}
