// Package errors provides categorized errors with optional telemetry reporting.
//
// Errors are built fluently:
//
//	err := errors.Newf("entity %d not found", id).
//	    Component("store").
//	    Category(errors.CategoryNotFound).
//	    Context("entity_id", id).
//	    Build()
//
// The package also passes through Is, As, Unwrap and Join so callers can import
// it in place of the standard library errors package.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// ErrorCategory groups errors for handling, HTTP status mapping and telemetry
type ErrorCategory string

const (
	CategoryTransport      ErrorCategory = "transport"       // serial or TCP link failures
	CategoryDecode         ErrorCategory = "decode"          // malformed telemetry frames
	CategoryValidation     ErrorCategory = "validation"      // out-of-range or missing values
	CategoryPrecondition   ErrorCategory = "precondition"    // illegal status transition
	CategoryNotFound       ErrorCategory = "not-found"       // unknown entity id
	CategoryPersistence    ErrorCategory = "persistence"     // snapshot read/write
	CategoryBroadcast      ErrorCategory = "broadcast"       // subscriber delivery
	CategoryConfiguration  ErrorCategory = "configuration"   // invalid settings
	CategoryMQTTConnection ErrorCategory = "mqtt-connection" // broker connect/disconnect
	CategoryMQTTPublish    ErrorCategory = "mqtt-publish"    // publish failures
	CategoryHTTP           ErrorCategory = "http-request"    // API request handling
	CategoryDatabase       ErrorCategory = "database"        // resolution log
	CategoryGeneric        ErrorCategory = "generic"
)

// Priority constants for error prioritization
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ComponentUnknown is used when no component was given.
const ComponentUnknown = "unknown"

// hasActiveReporting is flipped by SetTelemetryReporter so Build can skip reporting cheaply.
var hasActiveReporting atomic.Bool

// EnhancedError wraps an error with additional context and metadata
type EnhancedError struct {
	Err       error
	Component string
	Category  ErrorCategory
	Priority  string
	Context   map[string]any
	Timestamp time.Time
	reported  atomic.Bool
	mu        sync.RWMutex
}

// Error implements the error interface
func (ee *EnhancedError) Error() string {
	if ee.Err == nil {
		return string(ee.Category)
	}
	return ee.Err.Error()
}

// Unwrap implements the error unwrapping interface
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches another EnhancedError by category, otherwise defers to the wrapped error
func (ee *EnhancedError) Is(target error) bool {
	if ee2, ok := target.(*EnhancedError); ok {
		return ee.Category == ee2.Category
	}
	return Is(ee.Err, target)
}

// GetContext returns a copy of the error context
func (ee *EnhancedError) GetContext() map[string]any {
	ee.mu.RLock()
	defer ee.mu.RUnlock()

	if ee.Context == nil {
		return nil
	}
	contextCopy := make(map[string]any, len(ee.Context))
	maps.Copy(contextCopy, ee.Context)
	return contextCopy
}

// MarkReported marks this error as reported to telemetry
func (ee *EnhancedError) MarkReported() {
	ee.reported.Store(true)
}

// IsReported returns whether this error has been reported
func (ee *EnhancedError) IsReported() bool {
	return ee.reported.Load()
}

// ErrorBuilder provides a fluent interface for creating enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	priority  string
	context   map[string]any
}

// New creates a new error with enhanced context
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf creates a new formatted error with enhanced context
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component name
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Priority sets the explicit priority. Unknown values fall back to medium.
func (eb *ErrorBuilder) Priority(priority string) *ErrorBuilder {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		eb.priority = priority
	case "":
	default:
		eb.priority = PriorityMedium
	}
	return eb
}

// Context adds context data to the error
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Timing adds the operation name and its duration
func (eb *ErrorBuilder) Timing(operation string, duration time.Duration) *ErrorBuilder {
	eb.Context("operation", operation)
	return eb.Context("duration_ms", duration.Milliseconds())
}

// Build creates the EnhancedError and reports it when a telemetry reporter is active
func (eb *ErrorBuilder) Build() *EnhancedError {
	category := eb.category
	if category == "" {
		category = categoryOf(eb.err)
	}
	component := eb.component
	if component == "" {
		component = ComponentUnknown
	}

	ee := &EnhancedError{
		Err:       eb.err,
		Component: component,
		Category:  category,
		Priority:  eb.priority,
		Context:   eb.context,
		Timestamp: time.Now(),
	}

	if hasActiveReporting.Load() {
		reportToTelemetry(ee)
	}
	return ee
}

// categoryOf inherits the category of a wrapped EnhancedError.
func categoryOf(err error) ErrorCategory {
	var enhErr *EnhancedError
	if err != nil && stderrors.As(err, &enhErr) && enhErr.Category != "" {
		return enhErr.Category
	}
	return CategoryGeneric
}

// Is reports whether any error in err's tree matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

// Join returns an error that wraps the given errors
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// CategoryOf returns the category of the first EnhancedError in err's tree, or CategoryGeneric
func CategoryOf(err error) ErrorCategory {
	return categoryOf(err)
}

// IsCategory checks if an error is an EnhancedError with the specified category.
func IsCategory(err error, category ErrorCategory) bool {
	var enhancedErr *EnhancedError
	return As(err, &enhancedErr) && enhancedErr.Category == category
}

// IsNotFound checks if an error is an EnhancedError with CategoryNotFound.
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}

// IsValidation checks if an error is an EnhancedError with CategoryValidation.
func IsValidation(err error) bool {
	return IsCategory(err, CategoryValidation)
}

// IsPrecondition checks if an error is an EnhancedError with CategoryPrecondition.
func IsPrecondition(err error) bool {
	return IsCategory(err, CategoryPrecondition)
}
