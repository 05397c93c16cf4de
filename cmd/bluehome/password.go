package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// errEmptyPassword is returned when stdin ends before a password line.
var errEmptyPassword = errors.New("no password on stdin")

// readPassword obtains the bus password. Replaced in tests.
var readPassword = promptPassword

// promptPassword reads a password from stdin.
//
// On a terminal the prompt goes to stderr and echo is disabled. Otherwise a
// single line is read, so the password can be piped in.
func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd()) //nolint:gosec // file descriptors fit in int
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(pw), nil
	}
	return readPasswordLine(os.Stdin)
}

// readPasswordLine reads one line from r, without the line terminator.
func readPasswordLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		if errors.Is(err, io.EOF) {
			return "", errEmptyPassword
		}
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
