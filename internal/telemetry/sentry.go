// Package telemetry connects categorized errors to Sentry.
package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/beaconwatch/beaconwatch/internal/conf"
	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/logger"
)

// FlushTimeout bounds how long shutdown waits for queued events
const FlushTimeout = 2 * time.Second

// Init initializes the Sentry SDK and installs the error reporter. It returns a flush
// function for shutdown. With Sentry disabled it installs nothing and the flush is a no-op.
func Init(settings conf.SentrySettings, release string, log logger.Logger) (func(), error) {
	if !settings.Enabled {
		return func() {}, nil
	}
	if log == nil {
		log = logger.Global().Module("telemetry")
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:        settings.DSN,
		SampleRate: 1.0,
		Debug:      false,

		AttachStacktrace: false,
		Environment:      settings.Environment,
		ServerName:       "", // hostname is not reported
		Release:          "beaconwatch@" + release,

		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return nil, errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	log.Info("error telemetry enabled", logger.String("environment", settings.Environment))

	return func() {
		errors.SetTelemetryReporter(nil)
		if !sentry.Flush(FlushTimeout) {
			log.Warn("sentry flush timed out", logger.Duration("timeout", FlushTimeout))
		}
	}, nil
}

// applyPrivacyFilters strips host and user identifying data from an event
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}

	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}

	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}
