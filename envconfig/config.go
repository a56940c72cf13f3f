package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/lorakit/lorakit/logutil"
)

var (
	// Set via LORAKIT_DEBUG in the environment
	Debug bool
	// Set via LORAKIT_TRACE in the environment
	Trace bool
	// Set via LORAKIT_DEVICE in the environment
	Device string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LORAKIT_DEBUG":  {"LORAKIT_DEBUG", Debug, "Show additional debug information (e.g. LORAKIT_DEBUG=1)"},
		"LORAKIT_TRACE":  {"LORAKIT_TRACE", Trace, "Log every composed delta (very verbose)"},
		"LORAKIT_DEVICE": {"LORAKIT_DEVICE", Device, "Device tag assigned to loaded model weights (default \"cpu\")"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// LogLevel returns the slog level selected by the environment.
func LogLevel() slog.Level {
	switch {
	case Trace:
		return logutil.LevelTrace
	case Debug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func boolean(key string) bool {
	value := clean(key)
	if value == "" {
		return false
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return true
}

func init() {
	Device = "cpu"

	Debug = boolean("LORAKIT_DEBUG")
	Trace = boolean("LORAKIT_TRACE")

	if device := clean("LORAKIT_DEVICE"); device != "" {
		Device = device
	}
}
