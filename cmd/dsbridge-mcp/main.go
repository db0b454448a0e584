package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/1800agents/dsbridge/internal/logging"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit status. A panic
// that escapes every other handler is logged here, falling back to a raw
// stderr write when no logger exists yet.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) (code int) {
	c := &cli{stdout: stdout, stderr: stderr}
	defer func() {
		if rec := recover(); rec != nil {
			c.lastResort(rec, debug.Stack())
			code = 1
		}
	}()

	root := c.newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.msg != "" {
			fmt.Fprintln(stderr, exitErr.msg)
		}
		return exitErr.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.msg
}

func exitf(code int, format string, args ...any) *exitError {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

type cli struct {
	stdout io.Writer
	stderr io.Writer
	// logger is set once the serve command has one.
	logger *logging.Logger
}

func (c *cli) lastResort(rec any, stack []byte) {
	msg := fmt.Sprintf("unhandled panic: %v\n%s", rec, stack)
	if c.logger != nil {
		c.logger.Fatal(msg, nil)
		return
	}
	fmt.Fprintf(c.stderr, "[%s] [%s] FATAL: %s\n", time.Now().Format(time.RFC3339Nano), logging.Tag, msg)
}
