package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter is an interface for reporting errors to telemetry systems
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

// SentryReporter implements TelemetryReporter for Sentry.
// sentry.Init must be called by the caller before enabling it.
type SentryReporter struct {
	enabled bool
}

// NewSentryReporter creates a new Sentry telemetry reporter
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

// IsEnabled returns whether Sentry telemetry is enabled
func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError sends an enhanced error to Sentry with credentials scrubbed
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled || ee.IsReported() {
		return
	}

	message := scrubMessage(fmt.Sprintf("[%s] %s", ee.Category, ee.Error()))
	title := errorTitle(ee)
	level := errorLevel(ee.Category)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_title", title)
		scope.SetTag("component", ee.Component)
		scope.SetTag("category", string(ee.Category))
		if ee.Priority != "" {
			scope.SetTag("priority", ee.Priority)
		}

		for key, value := range ee.GetContext() {
			if s, ok := value.(string); ok {
				value = scrubMessage(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}

		scope.SetLevel(level)
		scope.SetFingerprint([]string{title, ee.Component, string(ee.Category)})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = level
		event.Exception = []sentry.Exception{{Type: title, Value: message}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

// errorTitle builds "<Component> <Category title>" used for grouping.
func errorTitle(ee *EnhancedError) string {
	var parts []string
	if ee.Component != "" && ee.Component != ComponentUnknown {
		parts = append(parts, titleCase(ee.Component))
	}
	if title := categoryTitle(ee.Category); title != "" {
		parts = append(parts, title)
	}
	if op, ok := ee.Context["operation"].(string); ok && op != "" {
		words := strings.Fields(strings.ReplaceAll(op, "_", " "))
		for i, w := range words {
			words[i] = titleCase(w)
		}
		parts = append(parts, strings.Join(words, " "))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%T", ee.Err)
	}
	return strings.Join(parts, " ")
}

func categoryTitle(category ErrorCategory) string {
	switch category {
	case CategoryTransport:
		return "Transport Error"
	case CategoryDecode:
		return "Decode Error"
	case CategoryValidation:
		return "Validation Error"
	case CategoryPersistence:
		return "Persistence Error"
	case CategoryDatabase:
		return "Database Error"
	case CategoryConfiguration:
		return "Configuration Error"
	case CategoryMQTTConnection:
		return "MQTT Connection Error"
	case CategoryMQTTPublish:
		return "MQTT Publish Error"
	default:
		return string(category)
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func errorLevel(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryTransport, CategoryMQTTConnection, CategoryMQTTPublish, CategoryBroadcast:
		return sentry.LevelWarning
	case CategoryDecode, CategoryValidation, CategoryPrecondition, CategoryNotFound, CategoryHTTP:
		return sentry.LevelInfo
	default:
		return sentry.LevelError
	}
}

var (
	reporterMu              sync.RWMutex
	globalTelemetryReporter TelemetryReporter
)

// SetTelemetryReporter sets the global telemetry reporter; nil disables reporting
func SetTelemetryReporter(reporter TelemetryReporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	globalTelemetryReporter = reporter
	hasActiveReporting.Store(reporter != nil && reporter.IsEnabled())
}

// GetTelemetryReporter returns the current telemetry reporter
func GetTelemetryReporter() TelemetryReporter {
	reporterMu.RLock()
	defer reporterMu.RUnlock()
	return globalTelemetryReporter
}

func reportToTelemetry(ee *EnhancedError) {
	if r := GetTelemetryReporter(); r != nil && r.IsEnabled() {
		r.ReportError(ee)
	}
}

var (
	urlQueryPattern = regexp.MustCompile(`((?:https?|tcp|ssl|ws|wss|mqtt)://[^?\s]+)\?\S*`)
	userinfoPattern = regexp.MustCompile(`((?:https?|tcp|ssl|ws|wss|mqtt)://)[^@/\s]+@`)
	secretPatterns  = []*regexp.Regexp{
		regexp.MustCompile(`(?i)password[=:]\S+`),
		regexp.MustCompile(`(?i)token[=:]\S+`),
		regexp.MustCompile(`(?i)api[_-]?key[=:]\S+`),
	}
)

// scrubMessage strips broker credentials, query strings and obvious secrets.
func scrubMessage(message string) string {
	scrubbed := userinfoPattern.ReplaceAllString(message, "$1[REDACTED]@")
	scrubbed = urlQueryPattern.ReplaceAllString(scrubbed, "$1?[REDACTED]")
	for _, re := range secretPatterns {
		scrubbed = re.ReplaceAllString(scrubbed, "[REDACTED]")
	}
	return scrubbed
}
