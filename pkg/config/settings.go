package config

import (
	"time"

	"github.com/openfroyo/straddle/pkg/engine"
)

// DefaultSettings returns the settings used for fields a document leaves unset.
func DefaultSettings() Settings {
	opts := engine.DefaultOptions()
	return Settings{
		Concurrency: opts.Concurrency,
		MaxRetries:  opts.MaxRetries,
		BaseBackoff: Duration(opts.BaseBackoff),
		MaxBackoff:  Duration(opts.MaxBackoff),
		CallTimeout: Duration(opts.CallTimeout),
		StepTimeout: Duration(10 * time.Minute),
	}
}

// WithDefaults returns s with every zero field replaced by its default.
// MaxRetries of zero is kept when the other retry settings are set, since
// "never retry" is a meaningful choice.
func (s Settings) WithDefaults() Settings {
	def := DefaultSettings()
	if s.Concurrency == 0 {
		s.Concurrency = def.Concurrency
	}
	if s.MaxRetries == 0 && s.BaseBackoff == 0 && s.MaxBackoff == 0 {
		s.MaxRetries = def.MaxRetries
	}
	if s.BaseBackoff == 0 {
		s.BaseBackoff = def.BaseBackoff
	}
	if s.MaxBackoff == 0 {
		s.MaxBackoff = def.MaxBackoff
	}
	if s.CallTimeout == 0 {
		s.CallTimeout = def.CallTimeout
	}
	if s.StepTimeout == 0 {
		s.StepTimeout = def.StepTimeout
	}
	return s
}

// ExecutorOptions converts the document settings to executor options.
func (d *Document) ExecutorOptions() engine.Options {
	s := d.Settings.WithDefaults()
	return engine.Options{
		Deployment:  d.Deployment,
		Concurrency: s.Concurrency,
		MaxRetries:  s.MaxRetries,
		BaseBackoff: s.BaseBackoff.Std(),
		MaxBackoff:  s.MaxBackoff.Std(),
		CallTimeout: s.CallTimeout.Std(),
	}
}
