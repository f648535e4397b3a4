// Package options holds the network-level options applied when loading a
// compiled graph into the engine.
package options

import (
	"fmt"

	"github.com/phuslu/log"

	"github.com/knights-analytics/loadnet/backends"
	"github.com/knights-analytics/loadnet/telemetry"
)

// Options collects everything configurable about a loaded network. Fields
// are set through WithOption closures so invalid combinations are rejected
// before the engine starts touching backend state.
type Options struct {
	// TelemetrySink receives load-time and per-execution timeline events.
	TelemetrySink telemetry.Sink
	// Logger is used for engine lifecycle logging.
	Logger *log.Logger
	// Profiling enables per-workload start/end events. Network-level events
	// are always emitted.
	Profiling bool
	// InputImportSource is the memory source assumed when ImportInputs is
	// called without an explicit source.
	InputImportSource backends.MemorySource
	// OutputImportSource is the memory source assumed when ImportOutputs is
	// called without an explicit source.
	OutputImportSource backends.MemorySource
	// Destroy runs during engine teardown, after backend memory managers
	// have been released.
	Destroy func() error
}

// Defaults returns the option set used when the caller passes nothing.
func Defaults() *Options {
	return &Options{
		TelemetrySink:      telemetry.NopSink{},
		Logger:             &log.DefaultLogger,
		InputImportSource:  backends.MemoryMalloc,
		OutputImportSource: backends.MemoryMalloc,
		Destroy: func() error {
			return nil
		},
	}
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithTelemetrySink routes timeline events to the given sink.
func WithTelemetrySink(sink telemetry.Sink) WithOption {
	return func(o *Options) error {
		if sink == nil {
			return fmt.Errorf("telemetry sink cannot be nil")
		}
		o.TelemetrySink = sink
		return nil
	}
}

// WithLogger sets the logger used for engine lifecycle logging.
func WithLogger(logger *log.Logger) WithOption {
	return func(o *Options) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		o.Logger = logger
		return nil
	}
}

// WithProfiling enables per-workload telemetry events. Default is off: the
// per-workload events are cheap but high-volume.
func WithProfiling() WithOption {
	return func(o *Options) error {
		o.Profiling = true
		return nil
	}
}

// WithDestroy registers a hook that runs during network teardown, after the
// backend memory managers have been released.
func WithDestroy(destroy func() error) WithOption {
	return func(o *Options) error {
		if destroy == nil {
			return fmt.Errorf("destroy hook cannot be nil")
		}
		o.Destroy = destroy
		return nil
	}
}

// WithInputImportSource sets the default memory source for input imports.
func WithInputImportSource(source backends.MemorySource) WithOption {
	return func(o *Options) error {
		if source == backends.MemoryUndefined {
			return fmt.Errorf("input import source cannot be Undefined")
		}
		o.InputImportSource = source
		return nil
	}
}

// WithOutputImportSource sets the default memory source for output imports.
func WithOutputImportSource(source backends.MemorySource) WithOption {
	return func(o *Options) error {
		if source == backends.MemoryUndefined {
			return fmt.Errorf("output import source cannot be Undefined")
		}
		o.OutputImportSource = source
		return nil
	}
}
