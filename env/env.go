// Package env provides types to interact with environment setup.
package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// EmptyLookup is a LookupFunc that always returns "" and false.
func EmptyLookup(_ string) (string, bool) { return "", false }

// Lookup is the default LookupFunc that uses os.LookupEnv.
func Lookup(key string) (string, bool) { return os.LookupEnv(key) }

// MapLookup returns a LookupFunc backed by m. Handy in tests.
func MapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// Environment variables that flowbridge reads.
const (
	// ConfigFile points to an optional YAML configuration file.
	ConfigFile = "FLOWBRIDGE_CONFIG"

	// DotEnvFile points to an optional .env file loaded before anything else.
	DotEnvFile = "FLOWBRIDGE_DOTENV"

	// DebuggerURL is the browser's DevTools WebSocket URL.
	DebuggerURL = "FLOWBRIDGE_DEBUGGER_URL"

	// BrowserExecutablePath is the Chrome binary launched when no
	// DebuggerURL is set.
	BrowserExecutablePath = "FLOWBRIDGE_BROWSER_EXECUTABLE_PATH"

	// BrowserHeadless launches the local browser without a window.
	BrowserHeadless = "FLOWBRIDGE_BROWSER_HEADLESS"

	// ListenAddr is the control server's listen address.
	ListenAddr = "FLOWBRIDGE_LISTEN_ADDR"

	// SettleDelay is the pause between strategy steps.
	SettleDelay = "FLOWBRIDGE_SETTLE_DELAY"

	// CommandTimeout bounds every protocol command. Zero means unlimited.
	CommandTimeout = "FLOWBRIDGE_COMMAND_TIMEOUT"

	// CloseShadowTabs closes the tabs a run opened once the run ends.
	CloseShadowTabs = "FLOWBRIDGE_CLOSE_SHADOW_TABS"

	// VisionBackend selects the vision locator: simulated or gemini.
	VisionBackend = "FLOWBRIDGE_VISION_BACKEND"

	// GeminiAPIKey is the API key of the gemini vision backend.
	GeminiAPIKey = "GEMINI_API_KEY"

	// GeminiModel is the model of the gemini vision backend.
	GeminiModel = "FLOWBRIDGE_GEMINI_MODEL"

	// VisionRateLimit is the maximum number of vision calls per second.
	VisionRateLimit = "FLOWBRIDGE_VISION_RATE_LIMIT"

	// MockBaseURL replaces the extension placeholder in strategy URLs.
	MockBaseURL = "FLOWBRIDGE_MOCK_BASE_URL"

	// StrategiesDir holds extra JSON strategy definitions.
	StrategiesDir = "FLOWBRIDGE_STRATEGIES_DIR"

	// ScreenshotDir receives screenshots taken while healing.
	ScreenshotDir = "FLOWBRIDGE_SCREENSHOT_DIR"

	// TracesProto is the OTLP exporter protocol: http or grpc.
	TracesProto = "FLOWBRIDGE_TRACES_PROTO"

	// TracesEndpoint is the OTLP exporter endpoint. Empty disables tracing.
	TracesEndpoint = "FLOWBRIDGE_TRACES_ENDPOINT"

	// TracesInsecure disables TLS for the OTLP exporter.
	TracesInsecure = "FLOWBRIDGE_TRACES_INSECURE"

	// LogLevel is the logrus level.
	LogLevel = "FLOWBRIDGE_LOG_LEVEL"

	// LogCategoryFilter is a regexp of log categories to keep.
	LogCategoryFilter = "FLOWBRIDGE_LOG_CATEGORY_FILTER"
)

// LookupString returns the trimmed value of key and whether it was set.
func LookupString(lookup LookupFunc, key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// LookupBool parses key as a boolean.
func LookupBool(lookup LookupFunc, key string) (value bool, ok bool, err error) {
	v, ok := LookupString(lookup, key)
	if !ok || v == "" {
		return false, false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, true, err //nolint:wrapcheck
	}
	return b, true, nil
}

// LookupDuration parses key as a time.Duration. A bare integer is taken as
// milliseconds.
func LookupDuration(lookup LookupFunc, key string) (value time.Duration, ok bool, err error) {
	v, ok := LookupString(lookup, key)
	if !ok || v == "" {
		return 0, false, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, true, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, true, err //nolint:wrapcheck
	}
	return d, true, nil
}

// LookupFloat parses key as a float64.
func LookupFloat(lookup LookupFunc, key string) (value float64, ok bool, err error) {
	v, ok := LookupString(lookup, key)
	if !ok || v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, true, err //nolint:wrapcheck
	}
	return f, true, nil
}
