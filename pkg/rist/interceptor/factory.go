package interceptor

import (
	"errors"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"

	"github.com/thesyncim/rist/pkg/rist"
	"github.com/thesyncim/rist/pkg/rist/internal"
)

// FactoryOption configures the RISTInterceptorFactory.
type FactoryOption func(*RISTInterceptorFactory) error

// RISTInterceptorFactory creates a RISTInterceptor per PeerConnection.
type RISTInterceptorFactory struct {
	cache         rist.RetransmissionCacheConfig
	rtt           rist.RTTEstimatorConfig
	echoInterval  time.Duration
	senderSSRC    uint32
	onRTT         func(rtt time.Duration)
	loggerFactory logging.LoggerFactory
	clock         internal.Clock
	streamsFilter func(info *interceptor.StreamInfo) bool
}

// WithCacheCapacity sets how many packets are kept per stream.
// Default: 1024
func WithCacheCapacity(n int) FactoryOption {
	return func(f *RISTInterceptorFactory) error {
		if n <= 0 {
			return errors.New("cache capacity must be positive")
		}
		f.cache.Capacity = n
		return nil
	}
}

// WithMaxRetries sets how often one packet may be resent.
// Default: 10
func WithMaxRetries(n uint32) FactoryOption {
	return func(f *RISTInterceptorFactory) error {
		f.cache.MaxRetries = n
		return nil
	}
}

// WithMaxAge drops cached packets older than d. Zero keeps them until
// evicted by capacity.
func WithMaxAge(d time.Duration) FactoryOption {
	return func(f *RISTInterceptorFactory) error {
		if d < 0 {
			return errors.New("max age must not be negative")
		}
		f.cache.MaxAge = d
		return nil
	}
}

// WithEchoInterval sets how often RTT echo requests are sent. Zero disables
// them.
// Default: 1 second
func WithEchoInterval(interval time.Duration) FactoryOption {
	return func(f *RISTInterceptorFactory) error {
		if interval < 0 {
			return errors.New("echo interval must not be negative")
		}
		f.echoInterval = interval
		return nil
	}
}

// WithEchoTimeout sets how long an echo request waits for its response.
func WithEchoTimeout(timeout time.Duration) FactoryOption {
	return func(f *RISTInterceptorFactory) error {
		f.rtt.Timeout = timeout
		return f.rtt.Validate()
	}
}

// WithSenderSSRC sets the SSRC carried by echo requests.
func WithSenderSSRC(ssrc uint32) FactoryOption {
	return func(f *RISTInterceptorFactory) error {
		f.senderSSRC = ssrc &^ rist.RetransmitSSRCFlag
		return nil
	}
}

// WithOnRTT sets a callback invoked with every RTT sample.
func WithOnRTT(fn func(rtt time.Duration)) FactoryOption {
	return func(f *RISTInterceptorFactory) error {
		f.onRTT = fn
		return nil
	}
}

// WithLoggerFactory sets the logger factory of created interceptors.
func WithLoggerFactory(lf logging.LoggerFactory) FactoryOption {
	return func(f *RISTInterceptorFactory) error {
		f.loggerFactory = lf
		return nil
	}
}

// WithClock replaces the system clock, for tests.
func WithClock(c internal.Clock) FactoryOption {
	return func(f *RISTInterceptorFactory) error {
		if c == nil {
			return errors.New("clock must not be nil")
		}
		f.clock = c
		return nil
	}
}

// WithStreamsFilter replaces SupportsNack as the test for which local
// streams are cached.
func WithStreamsFilter(filter func(info *interceptor.StreamInfo) bool) FactoryOption {
	return func(f *RISTInterceptorFactory) error {
		f.streamsFilter = filter
		return nil
	}
}

// NewRISTInterceptorFactory creates a factory for RISTInterceptor instances.
//
// Example:
//
//	factory, err := NewRISTInterceptorFactory(
//	    WithCacheCapacity(4096),
//	    WithEchoInterval(500*time.Millisecond),
//	)
//	if err != nil {
//	    return err
//	}
//	registry.Add(factory)
func NewRISTInterceptorFactory(opts ...FactoryOption) (*RISTInterceptorFactory, error) {
	f := &RISTInterceptorFactory{
		cache:         rist.DefaultRetransmissionCacheConfig(),
		rtt:           rist.DefaultRTTEstimatorConfig(),
		echoInterval:  time.Second,
		clock:         internal.SystemClock{},
		streamsFilter: SupportsNack,
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	if err := f.cache.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// NewInterceptor creates a RISTInterceptor for a PeerConnection.
func (f *RISTInterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	i, err := NewRISTInterceptor(f.cache, f.rtt, f.echoInterval, f.loggerFactory)
	if err != nil {
		return nil, err
	}
	i.senderSSRC = f.senderSSRC
	i.onRTT = f.onRTT
	i.clock = f.clock
	if f.streamsFilter != nil {
		i.streamsFilter = f.streamsFilter
	}
	return i, nil
}
