// config_utils.go - Getter-Bausteine und Export der Konfiguration
//
// Enthält:
//   - Bool, String, Uint: Getter fuer config_features.go
//   - AsMap, Values: alle Variablen fuer Hilfe-Text und Server-Log
package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// Bool liest k; nicht parsebare Werte gelten als gesetzt
func Bool(k string) func() bool {
	return func() bool {
		s := Var(k)
		if s == "" {
			return false
		}
		b, err := strconv.ParseBool(s)
		return err != nil || b
	}
}

func String(k string) func() string {
	return func() string { return Var(k) }
}

// Uint liest key, ungueltige Werte fallen mit Warnung auf defaultValue zurueck
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		s := Var(key)
		if s == "" {
			return defaultValue
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			return defaultValue
		}
		return uint(n)
	}
}

// EnvVar ist eine Variable mit aktuellem Wert und Beschreibung
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"SD_DEBUG":       {"SD_DEBUG", LogLevel(), "Show additional debug information (e.g. SD_DEBUG=1)"},
		"SD_HOST":        {"SD_HOST", Host(), "IP Address for the sdgen server (default 127.0.0.1:7860)"},
		"SD_MODELS":      {"SD_MODELS", Models(), "The path to the weight cache directory"},
		"SD_HISTORY":     {"SD_HISTORY", HistoryPath(), "Path of the generation history database (\"off\" disables it)"},
		"SD_OFFLINE":     {"SD_OFFLINE", Offline(), "Only use weights that are already cached"},
		"SD_ORT_LIBRARY": {"SD_ORT_LIBRARY", ORTLibrary(), "Path to the onnxruntime shared library"},
		"SD_NUM_THREADS": {"SD_NUM_THREADS", NumThreads(), "Intra-op threads for the runtime (0 = auto)"},
		"SD_USE_GPU":     {"SD_USE_GPU", UseGPU(), "Use the CUDA execution provider"},
		"SD_MAX_QUEUE":   {"SD_MAX_QUEUE", MaxQueue(), "Maximum number of queued generation requests"},
		"SD_ORIGINS":     {"SD_ORIGINS", AllowedOrigins(), "A comma separated list of allowed origins"},
		"HF_ENDPOINT":    {"HF_ENDPOINT", HFEndpoint(), "Base URL of the Hugging Face hub"},
		"HF_TOKEN":       {"HF_TOKEN", redact(HFToken()), "Access token for gated repositories"},
	}
}

// Values gibt AsMap als Strings zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
