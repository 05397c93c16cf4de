package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/nerrad567/bluehome-bridge/internal/bridges/knx"
	"github.com/nerrad567/bluehome-bridge/internal/infrastructure/config"
)

// errUsage is wrapped by every command-line parsing failure.
var errUsage = errors.New("usage")

// options holds the parsed command line.
type options struct {
	count       int
	user        string
	configPath  string
	logFile     string
	quiet       bool
	showVersion bool

	// target is the knxd URL built from the positional hostname[:port].
	// Empty when no target was given.
	target string
}

// parseFlags parses args (without the program name).
//
// Returns flag.ErrHelp for -h, and an error wrapping errUsage for anything
// the command line cannot express.
func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("bluehome", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.IntVar(&opts.count, "c", 0, "stop after `count` frames (0 runs until interrupted)")
	fs.StringVar(&opts.user, "u", "", "authenticate the bus session as `user` (prompts for a password)")
	fs.StringVar(&opts.configPath, "f", config.DefaultPath, "configuration `file`")
	fs.StringVar(&opts.logFile, "l", "", "append log output to `logfile`")
	fs.BoolVar(&opts.quiet, "q", false, "quiet: log warnings and errors only")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: bluehome [-c count] [-u user] [-f file] [-l logfile] [-q] [hostname[:port]]\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return opts, err
		}
		return opts, fmt.Errorf("%w: %w", errUsage, err)
	}

	if opts.count < 0 {
		fs.Usage()
		return opts, fmt.Errorf("%w: -c must not be negative, got %d", errUsage, opts.count)
	}

	switch fs.NArg() {
	case 0:
	case 1:
		opts.target = knx.ConnectionURL(fs.Arg(0))
	default:
		fs.Usage()
		return opts, fmt.Errorf("%w: at most one target expected, got %d", errUsage, fs.NArg())
	}

	return opts, nil
}

// applyOverrides folds command-line settings into the loaded configuration.
func (o options) applyOverrides(cfg *config.Config) {
	if o.target != "" {
		cfg.Bus.URL = o.target
	}
	if o.logFile != "" {
		cfg.Logging.Output = o.logFile
	}
	if o.quiet {
		cfg.Logging.Level = "warn"
	}
}
