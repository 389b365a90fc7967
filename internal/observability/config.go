package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/partnerpay/internal/config"
)

const defaultServiceName = "partnerpay"

// Config is the observability slice of the partnerpay process. Identity
// labels come from config.Config; log and OTLP knobs can be overridden per
// deployment through the environment.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	InstanceID  string

	LogLevel       string
	LogFormat      string
	LogFile        string
	LogFileMaxMB   int
	LogFileBackups int
	LogFileMaxDays int

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	out := Config{
		ServiceName: firstNonEmpty(cfg.AppName, defaultServiceName),
		Environment: firstNonEmpty(os.Getenv("DEPLOYMENT_ENV"), cfg.Environment),
		Version:     firstNonEmpty(os.Getenv("SERVICE_VERSION"), cfg.AppVersion),
		InstanceID:  strings.TrimSpace(cfg.InstanceID),

		LogLevel:       lowerEnv("LOG_LEVEL", "info"),
		LogFormat:      lowerEnv("LOG_FORMAT", "json"),
		LogFile:        strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileMaxMB:   envInt("LOG_FILE_MAX_SIZE_MB", 0),
		LogFileBackups: envInt("LOG_FILE_MAX_BACKUPS", 0),
		LogFileMaxDays: envInt("LOG_FILE_MAX_AGE_DAYS", 0),

		OtelEnabled:          envBool("OTEL_ENABLED", false),
		OtelExporterEndpoint: firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), cfg.OTLPEndpoint),
		OtelExporterProtocol: lowerEnv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"),
		OtelSamplingRatio:    envFloat("OTEL_SAMPLING_RATIO", 0.1),
	}
	// a traces-specific protocol wins over the shared one
	if p := lowerEnv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", ""); p != "" {
		out.OtelExporterProtocol = p
	}
	return out
}

// Debug turns on verbose request logging and stack traces. Local and test
// deployments always get it.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func lowerEnv(key, def string) string {
	return strings.ToLower(firstNonEmpty(os.Getenv(key), def))
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}

func envInt(key string, def int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func envFloat(key string, def float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return parsed
}
