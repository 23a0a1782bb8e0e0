// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package reactor

import (
	"errors"
	"runtime"

	"github.com/joeycumines/logiface"
)

// reactorOptions holds configuration options for Reactor and Pool creation.
type reactorOptions struct {
	logger  *logiface.Logger[logiface.Event]
	workers int
}

// --- Reactor Options ---

// Option configures a Reactor or Pool instance.
type Option interface {
	applyReactor(*reactorOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyReactorFunc func(*reactorOptions) error
}

func (o *optionImpl) applyReactor(opts *reactorOptions) error {
	return o.applyReactorFunc(opts)
}

// WithWorkers sets the number of worker goroutines that run completion
// handlers and posted work. Defaults to runtime.GOMAXPROCS(0).
// Values < 1 are rejected.
func WithWorkers(n int) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		if n < 1 {
			return errors.New("reactor: workers must be positive")
		}
		opts.workers = n
		return nil
	}}
}

// WithLogger sets the structured logger, used to report recovered panics and
// poller failures. A nil logger (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *reactorOptions) error {
		opts.logger = logger
		return nil
	}}
}

// resolveOptions applies Option instances to reactorOptions.
func resolveOptions(opts []Option) (*reactorOptions, error) {
	cfg := &reactorOptions{
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyReactor(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
