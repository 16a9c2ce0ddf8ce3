package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/metergrid/syncagent/internal/buildinfo"
	"github.com/metergrid/syncagent/internal/config"
)

// Exit codes. Zero means a clean shutdown.
const (
	exitConfig = 1
	exitStore  = 2
	exitTenant = 3
	exitListen = 4
)

// exitError carries a process exit code up from run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("syncagent %s (commit %s, built %s)\n",
			buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(exitConfig)
	}
	configureLogging(cfg.LogLevel)

	if config.IsWeakSecret(cfg.RemoteDB.Password) {
		log.Warn("remote database password scored weak; consider rotating it")
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Error("agent failed")
		var xerr *exitError
		if errors.As(err, &xerr) {
			os.Exit(xerr.code)
		}
		os.Exit(1)
	}
}

// configureLogging applies the configured level. Load has already
// validated it, so a parse failure here leaves the default in place.
func configureLogging(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if lvl, err := log.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
}
