package bifaci

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/machinefabric/piperpc-go/cbor"
)

// Option configures a Controller or Worker
type Option func(*options)

type options struct {
	logger     zerolog.Logger
	serializer cbor.Serializer
	limits     Limits
}

func defaultOptions(component string) options {
	return options{
		logger:     log.Logger.With().Str("component", component).Logger(),
		serializer: cbor.Default,
		limits:     DefaultLimits(),
	}
}

func buildOptions(component string, opts []Option) options {
	o := defaultOptions(component)
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger. The component field is added by the caller.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSerializer replaces the value codec used for arguments and results
func WithSerializer(s cbor.Serializer) Option {
	return func(o *options) {
		if s != nil {
			o.serializer = s
		}
	}
}

// WithLimits sets the frame limits
func WithLimits(limits Limits) Option {
	return func(o *options) {
		o.limits = limits
	}
}
