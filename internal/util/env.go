package util

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the environment value for key or defaultValue when unset
func GetEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func GetEnvInt(key string, defaultValue int) int {
	raw := GetEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		Warn("Invalid integer in environment, using default",
			String("key", key),
			String("value", raw),
			Int("default", defaultValue),
		)
		return defaultValue
	}
	return v
}

func GetEnvBool(key string, defaultValue bool) bool {
	raw := GetEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

// GetEnvDuration accepts Go duration strings ("90s", "15m")
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := GetEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		Warn("Invalid duration in environment, using default",
			String("key", key),
			String("value", raw),
			Duration("default", defaultValue),
		)
		return defaultValue
	}
	return v
}

// GetEnvSlice splits a comma separated value, dropping empty entries
func GetEnvSlice(key string, defaultValue []string) []string {
	raw := GetEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
