package kafka

import "errors"

var (
	// ErrNoBrokers is returned by NewSink when no broker address is configured.
	ErrNoBrokers = errors.New("kafka: no brokers configured")

	// ErrClosed is returned by Mirror after Close.
	ErrClosed = errors.New("kafka: sink closed")

	// ErrWriteFailed wraps errors reported by the async writer.
	ErrWriteFailed = errors.New("kafka: write failed")
)
