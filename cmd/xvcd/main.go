// Command xvcd bridges the Xilinx Virtual Cable protocol to an FTDI
// MPSSE-capable USB JTAG adapter.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/usbjtag/xvcd/internal/config"
	"github.com/usbjtag/xvcd/internal/session"
)

// exitConfig, exitStartup and exitRuntime are the daemon's non-zero exit
// codes; 0 is never reached since the accept loop only exits on a fatal
// error.
const (
	exitConfig  = 2
	exitStartup = 1
	exitRuntime = 2
)

func main() {
	if err := mainImpl(os.Args[0], os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var se *startupError
		if errors.As(err, &se) {
			os.Exit(exitStartup)
		}
		var ce *configError
		if errors.As(err, &ce) {
			os.Exit(exitConfig)
		}
		os.Exit(exitRuntime)
	}
}

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

type startupError struct{ err error }

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func mainImpl(progName string, args []string) error {
	cfg, err := config.Parse(progName, args)
	if err != nil {
		return &configError{err}
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	srv := &session.Server{Config: cfg, Log: logger}

	ln, err := srv.Listen()
	if err != nil {
		return &startupError{err}
	}
	defer ln.Close()

	return srv.Serve(ln)
}
