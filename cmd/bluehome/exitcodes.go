package main

import (
	"errors"
	"flag"

	"github.com/nerrad567/bluehome-bridge/internal/bridges/knx"
)

// Process exit codes. The values are stable; scripts depend on them.
const (
	exitOK            = 0
	exitConfig        = 1
	exitUsage         = 2
	exitMQTTConnect   = 3
	exitBusConnect    = 4
	exitPassword      = 5
	exitAuth          = 6
	exitNoMemory      = 7
	exitCommunication = 8
	exitCodec         = 9 //nolint:unused // reserved, encode faults never terminate the process
	exitNoConnection  = 10
	exitWrongUsage    = 11
	exitServerAborted = 12
	exitSinkStart     = 13
)

// exitError carries the exit code of a failed startup or run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// withCode wraps err with an exit code. A nil err stays nil.
func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// exitCode maps the error returned by run to a process exit code.
//
// Fatal bus errors that reach main unwrapped are classified by kind; any
// other unclassified error is a bus communication failure.
func exitCode(err error) int {
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}

	var busErr *knx.BusError
	if errors.As(err, &busErr) {
		return busExitCode(busErr.Kind)
	}

	return exitCommunication
}

// busExitCode returns the exit code of a fatal bus error kind.
func busExitCode(kind knx.BusErrorKind) int {
	switch kind {
	case knx.BusErrNoMemory:
		return exitNoMemory
	case knx.BusErrNoConnection:
		return exitNoConnection
	case knx.BusErrWrongUsage:
		return exitWrongUsage
	case knx.BusErrServerAborted:
		return exitServerAborted
	default:
		return exitCommunication
	}
}
