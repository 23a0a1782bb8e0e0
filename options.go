// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package transfermux

import (
	"github.com/joeycumines/logiface"
)

// multiOptions holds configuration options for Multi creation.
type multiOptions struct {
	logger *logiface.Logger[logiface.Event]
}

// --- Multi Options ---

// Option configures a Multi instance.
type Option interface {
	applyMulti(*multiOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyMultiFunc func(*multiOptions) error
}

func (o *optionImpl) applyMulti(opts *multiOptions) error {
	return o.applyMultiFunc(opts)
}

// WithLogger sets the structured logger, used to report rejected sockets,
// engine failures that have no transfer to be reported against, and
// (at debug level) socket and timer activity. A nil logger (the default)
// disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *multiOptions) error {
		opts.logger = logger
		return nil
	}}
}

// resolveOptions applies Option instances to multiOptions.
func resolveOptions(opts []Option) (*multiOptions, error) {
	cfg := &multiOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyMulti(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
