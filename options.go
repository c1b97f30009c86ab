package wrongpath

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Options configures speculative exploration.
type Options struct {
	// WindowSize is the reorder window in instructions. A deferred
	// branch condition is committed to the solver once its age
	// exceeds this. Zero is legal and commits each condition at the
	// next instruction boundary.
	WindowSize uint64 `yaml:"window_size"`

	// LazySolve skips satisfiability checks at retirement and fences.
	// Conditions are still committed; misprediction detection is left
	// to whoever inspects the solver later.
	LazySolve bool `yaml:"lazy_solve"`

	// BypassUnsupported records statement kinds the engine cannot
	// interpret and keeps executing instead of failing the path.
	BypassUnsupported bool `yaml:"bypass_unsupported"`

	// MaxSteps bounds the number of block executions across a run.
	MaxSteps int `yaml:"max_steps"`

	// MaxStates bounds the number of contexts ever scheduled.
	// Zero means no bound.
	MaxStates int `yaml:"max_states"`

	// Workers is the number of concurrent workers used by Run.
	// Values below 2 run single-threaded.
	Workers int `yaml:"workers"`

	// LogLevel enables the built-in logger at the given level when a
	// caller does not inject one. Empty keeps logging off.
	LogLevel string `yaml:"log_level"`
}

// DefaultOptions returns the options used when the caller supplies
// none.
func DefaultOptions() Options {
	return Options{
		WindowSize: 250,
		MaxSteps:   10000,
		Workers:    1,
	}
}

// Validate rejects option combinations the manager cannot honor.
func (o Options) Validate() error {
	if o.MaxSteps <= 0 {
		return fmt.Errorf("wrongpath: max steps must be positive, got %d", o.MaxSteps)
	}
	if o.MaxStates < 0 {
		return fmt.Errorf("wrongpath: max states must not be negative, got %d", o.MaxStates)
	}
	if o.Workers < 0 {
		return fmt.Errorf("wrongpath: workers must not be negative, got %d", o.Workers)
	}
	return nil
}

// LoadOptions reads a YAML options file over the defaults. Absent
// keys keep their default values.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("wrongpath: reading options: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("wrongpath: parsing options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// loggerFor builds the logger implied by the options: the injected
// one when present, the built-in text logger when a level is set, and
// silence otherwise.
func loggerFor(opts Options, injected Logger) Logger {
	if injected != nil {
		return injected
	}
	if opts.LogLevel == "" {
		return newNoopLogger()
	}
	return NewLogger(ParseLogLevel(opts.LogLevel), nil)
}
