// Package config loads runtime parameters from WKV_* environment
// variables with an optional YAML overlay file. Environment always wins
// over the file; the file wins over built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime parameters for the control plane.
type Config struct {
	HTTPAddr string
	LogLevel string

	DBPath   string
	SeedPath string

	StandingOrdersPath string
	VariableIndexPath  string
	EnvironmentMapPath string
	AppRegistryPath    string

	UDPAddr          string
	SAMMIBaseURL     string
	SAMMIPassword    string
	LightsWebhookURL string

	ChatVariable string
	ChatButton   string

	EDProcessName   string
	EDParserCmd     string
	EDParserArgs    []string
	EDParserAutorun bool

	TelemetryPath     string
	HardwareProbePath string
	MusicSource       string
	MusicFilePath     string

	// Process watch list: alias -> executable name. Presence of the
	// executable is published as app.<alias>.running.
	WatchProcesses map[string]string

	ActuatorsEnabled bool
	KeypressEnabled  bool
	TwitchUDPEnabled bool
	StrictConfirm    bool
	DevIngest        bool

	ConfirmWindow     time.Duration
	LightsTimeout     time.Duration
	ParserStopTimeout time.Duration
	BridgeTimeout     time.Duration
	ShutdownGrace     time.Duration

	ActiveCadence    time.Duration
	IdleCadence      time.Duration
	DoorbellDebounce time.Duration

	OverlayMaxUpdates int
	OverlayNoisyKeys  []string
	QuietSources      []string

	CPUThresholdPct float64
	MemThresholdPct float64
	HysteresisPct   float64

	RedisAddr string
	RateRPS   float64
	RateBurst int

	// OTLPEndpoint enables telemetry export when non-empty.
	OTLPEndpoint string
}

// Load reads configuration from the environment, overlaying the YAML file
// named by WKV_CONFIG when present.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("WKV_CONFIG"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if cfg.MusicSource != "bridge" && cfg.MusicSource != "file" && cfg.MusicSource != "" {
		return nil, fmt.Errorf("config: unknown music source %q", cfg.MusicSource)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTPAddr: "127.0.0.1:8750",
		LogLevel: "INFO",

		DBPath:   "./data/watchkeeper.db",
		SeedPath: "./data/instance.seed",

		StandingOrdersPath: "./config/standing_orders.json",
		VariableIndexPath:  "./config/variable_index.json",
		EnvironmentMapPath: "./config/environment_map.json",
		AppRegistryPath:    "./config/app_registry.json",

		UDPAddr:      "127.0.0.1:8751",
		SAMMIBaseURL: "http://127.0.0.1:9450",

		ChatVariable: "wk.chat.outgoing",
		ChatButton:   "send_chat",

		EDProcessName: "EliteDangerous64.exe",

		MusicSource: "bridge",

		WatchProcesses: map[string]string{
			"sammi": "SAMMI.exe",
			"obs":   "obs64.exe",
		},

		ActuatorsEnabled: true,
		KeypressEnabled:  false,
		TwitchUDPEnabled: true,
		StrictConfirm:    true,
		DevIngest:        false,

		ConfirmWindow:     12 * time.Second,
		LightsTimeout:     5 * time.Second,
		ParserStopTimeout: 4 * time.Second,
		BridgeTimeout:     600 * time.Millisecond,
		ShutdownGrace:     5 * time.Second,

		ActiveCadence:    2 * time.Second,
		IdleCadence:      10 * time.Second,
		DoorbellDebounce: 250 * time.Millisecond,

		OverlayMaxUpdates: 12,
		OverlayNoisyKeys:  []string{"hw.cpu.load_pct", "hw.mem.used_pct"},
		QuietSources:      []string{"overlay"},

		CPUThresholdPct: 90,
		MemThresholdPct: 90,
		HysteresisPct:   5,

		RateRPS:   25,
		RateBurst: 50,
	}
}

// fileConfig mirrors the subset of Config that the YAML overlay may set.
type fileConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	DBPath   string `yaml:"db_path"`
	SeedPath string `yaml:"seed_path"`

	StandingOrdersPath string `yaml:"standing_orders"`
	VariableIndexPath  string `yaml:"variable_index"`
	EnvironmentMapPath string `yaml:"environment_map"`
	AppRegistryPath    string `yaml:"app_registry"`

	UDPAddr          string `yaml:"udp_addr"`
	SAMMIBaseURL     string `yaml:"sammi_base_url"`
	SAMMIPassword    string `yaml:"sammi_password"`
	LightsWebhookURL string `yaml:"lights_webhook_url"`

	ChatVariable string `yaml:"chat_variable"`
	ChatButton   string `yaml:"chat_button"`

	EDProcessName   string   `yaml:"ed_process_name"`
	EDParserCmd     string   `yaml:"edparser_cmd"`
	EDParserArgs    []string `yaml:"edparser_args"`
	EDParserAutorun *bool    `yaml:"edparser_autorun"`

	TelemetryPath     string `yaml:"telemetry_path"`
	HardwareProbePath string `yaml:"hardware_probe_path"`
	MusicSource       string `yaml:"music_source"`
	MusicFilePath     string `yaml:"music_file_path"`

	WatchProcesses map[string]string `yaml:"watch_processes"`

	ActuatorsEnabled *bool `yaml:"actuators_enabled"`
	KeypressEnabled  *bool `yaml:"keypress_enabled"`
	TwitchUDPEnabled *bool `yaml:"twitch_udp_enabled"`
	StrictConfirm    *bool `yaml:"strict_confirm"`
	DevIngest        *bool `yaml:"dev_ingest"`

	ConfirmWindowSec     *float64 `yaml:"confirm_window_sec"`
	LightsTimeoutSec     *float64 `yaml:"lights_timeout_sec"`
	ParserStopTimeoutSec *float64 `yaml:"parser_stop_timeout_sec"`
	BridgeTimeoutSec     *float64 `yaml:"bridge_timeout_sec"`
	ShutdownGraceSec     *float64 `yaml:"shutdown_grace_sec"`

	ActiveCadenceSec   *float64 `yaml:"active_cadence_sec"`
	IdleCadenceSec     *float64 `yaml:"idle_cadence_sec"`
	DoorbellDebounceMs *float64 `yaml:"doorbell_debounce_ms"`

	OverlayMaxUpdates *int     `yaml:"overlay_max_updates"`
	OverlayNoisyKeys  []string `yaml:"overlay_noisy_keys"`
	QuietSources      []string `yaml:"quiet_sources"`

	CPUThresholdPct *float64 `yaml:"cpu_threshold_pct"`
	MemThresholdPct *float64 `yaml:"mem_threshold_pct"`
	HysteresisPct   *float64 `yaml:"hysteresis_pct"`

	RedisAddr string   `yaml:"redis_addr"`
	RateRPS   *float64 `yaml:"rate_rps"`
	RateBurst *int     `yaml:"rate_burst"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	setStr(&cfg.HTTPAddr, fc.HTTPAddr)
	setStr(&cfg.LogLevel, fc.LogLevel)
	setStr(&cfg.DBPath, fc.DBPath)
	setStr(&cfg.SeedPath, fc.SeedPath)
	setStr(&cfg.StandingOrdersPath, fc.StandingOrdersPath)
	setStr(&cfg.VariableIndexPath, fc.VariableIndexPath)
	setStr(&cfg.EnvironmentMapPath, fc.EnvironmentMapPath)
	setStr(&cfg.AppRegistryPath, fc.AppRegistryPath)
	setStr(&cfg.UDPAddr, fc.UDPAddr)
	setStr(&cfg.SAMMIBaseURL, fc.SAMMIBaseURL)
	setStr(&cfg.SAMMIPassword, fc.SAMMIPassword)
	setStr(&cfg.LightsWebhookURL, fc.LightsWebhookURL)
	setStr(&cfg.ChatVariable, fc.ChatVariable)
	setStr(&cfg.ChatButton, fc.ChatButton)
	setStr(&cfg.EDProcessName, fc.EDProcessName)
	setStr(&cfg.EDParserCmd, fc.EDParserCmd)
	setStr(&cfg.TelemetryPath, fc.TelemetryPath)
	setStr(&cfg.HardwareProbePath, fc.HardwareProbePath)
	setStr(&cfg.MusicSource, fc.MusicSource)
	setStr(&cfg.MusicFilePath, fc.MusicFilePath)
	setStr(&cfg.RedisAddr, fc.RedisAddr)
	setStr(&cfg.OTLPEndpoint, fc.OTLPEndpoint)

	if len(fc.EDParserArgs) > 0 {
		cfg.EDParserArgs = fc.EDParserArgs
	}
	if len(fc.WatchProcesses) > 0 {
		cfg.WatchProcesses = fc.WatchProcesses
	}
	if len(fc.OverlayNoisyKeys) > 0 {
		cfg.OverlayNoisyKeys = fc.OverlayNoisyKeys
	}
	if len(fc.QuietSources) > 0 {
		cfg.QuietSources = fc.QuietSources
	}

	setBool(&cfg.EDParserAutorun, fc.EDParserAutorun)
	setBool(&cfg.ActuatorsEnabled, fc.ActuatorsEnabled)
	setBool(&cfg.KeypressEnabled, fc.KeypressEnabled)
	setBool(&cfg.TwitchUDPEnabled, fc.TwitchUDPEnabled)
	setBool(&cfg.StrictConfirm, fc.StrictConfirm)
	setBool(&cfg.DevIngest, fc.DevIngest)

	setSec(&cfg.ConfirmWindow, fc.ConfirmWindowSec)
	setSec(&cfg.LightsTimeout, fc.LightsTimeoutSec)
	setSec(&cfg.ParserStopTimeout, fc.ParserStopTimeoutSec)
	setSec(&cfg.BridgeTimeout, fc.BridgeTimeoutSec)
	setSec(&cfg.ShutdownGrace, fc.ShutdownGraceSec)
	setSec(&cfg.ActiveCadence, fc.ActiveCadenceSec)
	setSec(&cfg.IdleCadence, fc.IdleCadenceSec)
	if fc.DoorbellDebounceMs != nil {
		cfg.DoorbellDebounce = time.Duration(*fc.DoorbellDebounceMs * float64(time.Millisecond))
	}

	if fc.OverlayMaxUpdates != nil {
		cfg.OverlayMaxUpdates = *fc.OverlayMaxUpdates
	}
	if fc.CPUThresholdPct != nil {
		cfg.CPUThresholdPct = *fc.CPUThresholdPct
	}
	if fc.MemThresholdPct != nil {
		cfg.MemThresholdPct = *fc.MemThresholdPct
	}
	if fc.HysteresisPct != nil {
		cfg.HysteresisPct = *fc.HysteresisPct
	}
	if fc.RateRPS != nil {
		cfg.RateRPS = *fc.RateRPS
	}
	if fc.RateBurst != nil {
		cfg.RateBurst = *fc.RateBurst
	}
	return nil
}

func applyEnv(cfg *Config) {
	envStr(&cfg.HTTPAddr, "WKV_HTTP_ADDR")
	envStr(&cfg.LogLevel, "WKV_LOG_LEVEL")
	envStr(&cfg.DBPath, "WKV_DB_PATH")
	envStr(&cfg.SeedPath, "WKV_SEED_PATH")
	envStr(&cfg.StandingOrdersPath, "WKV_STANDING_ORDERS")
	envStr(&cfg.VariableIndexPath, "WKV_VARIABLE_INDEX")
	envStr(&cfg.EnvironmentMapPath, "WKV_ENVIRONMENT_MAP")
	envStr(&cfg.AppRegistryPath, "WKV_APP_REGISTRY")
	envStr(&cfg.UDPAddr, "WKV_UDP_ADDR")
	envStr(&cfg.SAMMIBaseURL, "WKV_SAMMI_API")
	envStr(&cfg.SAMMIPassword, "WKV_SAMMI_PASSWORD")
	envStr(&cfg.LightsWebhookURL, "WKV_LIGHTS_WEBHOOK")
	envStr(&cfg.ChatVariable, "WKV_CHAT_VARIABLE")
	envStr(&cfg.ChatButton, "WKV_CHAT_BUTTON")
	envStr(&cfg.EDProcessName, "WKV_ED_PROCESS")
	envStr(&cfg.EDParserCmd, "WKV_EDPARSER_CMD")
	envStr(&cfg.TelemetryPath, "WKV_TELEMETRY_PATH")
	envStr(&cfg.HardwareProbePath, "WKV_HW_PROBE_PATH")
	envStr(&cfg.MusicSource, "WKV_MUSIC_SOURCE")
	envStr(&cfg.MusicFilePath, "WKV_MUSIC_FILE")
	envStr(&cfg.RedisAddr, "WKV_REDIS_ADDR")
	envStr(&cfg.OTLPEndpoint, "WKV_OTLP_ENDPOINT")

	envBool(&cfg.EDParserAutorun, "WKV_EDPARSER_AUTORUN")
	envBool(&cfg.ActuatorsEnabled, "WKV_ACTUATORS_ENABLED")
	envBool(&cfg.KeypressEnabled, "WKV_KEYPRESS_ENABLED")
	envBool(&cfg.TwitchUDPEnabled, "WKV_TWITCH_UDP_ENABLED")
	envBool(&cfg.StrictConfirm, "WKV_STRICT_CONFIRM")
	envBool(&cfg.DevIngest, "WKV_DEV_INGEST")

	envDur(&cfg.ConfirmWindow, "WKV_CONFIRM_WINDOW")
	envDur(&cfg.LightsTimeout, "WKV_LIGHTS_TIMEOUT")
	envDur(&cfg.ParserStopTimeout, "WKV_PARSER_STOP_TIMEOUT")
	envDur(&cfg.BridgeTimeout, "WKV_BRIDGE_TIMEOUT")
	envDur(&cfg.ShutdownGrace, "WKV_SHUTDOWN_GRACE")
	envDur(&cfg.ActiveCadence, "WKV_ACTIVE_CADENCE")
	envDur(&cfg.IdleCadence, "WKV_IDLE_CADENCE")
	envDur(&cfg.DoorbellDebounce, "WKV_DOORBELL_DEBOUNCE")

	envInt(&cfg.OverlayMaxUpdates, "WKV_OVERLAY_MAX_UPDATES")
	envFloat(&cfg.CPUThresholdPct, "WKV_CPU_THRESHOLD")
	envFloat(&cfg.MemThresholdPct, "WKV_MEM_THRESHOLD")
	envFloat(&cfg.HysteresisPct, "WKV_HYSTERESIS")
	envFloat(&cfg.RateRPS, "WKV_RATE_RPS")
	envInt(&cfg.RateBurst, "WKV_RATE_BURST")

	if v := os.Getenv("WKV_EDPARSER_ARGS"); v != "" {
		cfg.EDParserArgs = strings.Fields(v)
	}
	if v := os.Getenv("WKV_QUIET_SOURCES"); v != "" {
		cfg.QuietSources = splitList(v)
	}
	if v := os.Getenv("WKV_OVERLAY_NOISY_KEYS"); v != "" {
		cfg.OverlayNoisyKeys = splitList(v)
	}
	if v := os.Getenv("WKV_WATCH_PROCS"); v != "" {
		cfg.WatchProcesses = parseWatchList(v)
	}
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setSec(dst *time.Duration, v *float64) {
	if v != nil {
		*dst = time.Duration(*v * float64(time.Second))
	}
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDur(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseWatchList parses "alias=Executable.exe,alias2=Other.exe".
func parseWatchList(v string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		alias, exe, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(alias)] = strings.TrimSpace(exe)
	}
	return out
}
