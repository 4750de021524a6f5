// faultline-send delivers a one-off error event to a collector from the
// command line. It exists for smoke-testing a collector endpoint and for
// reporting failures from shell scripts and cron jobs:
//
//	faultline-send --config faultline.yaml --message "nightly backup failed"
//	some-job || faultline-send --endpoint $COLLECTOR --api-key $KEY --message "some-job exited $?"
//
// With --state-dir the event queue is persisted, so a send that cannot
// reach the collector leaves the event on disk for the next invocation
// to retry.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/faultline-io/faultline-go/pkg/faultline"
	"github.com/faultline-io/faultline-go/pkg/faultline/stores/filestore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "faultline-send: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		endpoint   string
		apiKey     string
		message    string
		level      string
		env        string
		stateDir   string
		tags       []string
		timeout    time.Duration
		verbose    bool
	)

	flags := pflag.NewFlagSet("faultline-send", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	flags.StringVar(&endpoint, "endpoint", "", "collector URL (overrides the config file)")
	flags.StringVar(&apiKey, "api-key", "", "collector API key (overrides the config file)")
	flags.StringVarP(&message, "message", "m", "", "message to report (required)")
	flags.StringVar(&level, "level", "error", "severity: debug, info, warning, error, fatal")
	flags.StringVar(&env, "environment", "", "environment name attached to the event")
	flags.StringVar(&stateDir, "state-dir", "", "directory for the persisted queue; empty means no persistence")
	flags.StringSliceVar(&tags, "tag", nil, "key:value tag, repeatable")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "overall delivery deadline")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log delivery progress to stderr")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if message == "" {
		return errors.New("--message is required")
	}
	severity := faultline.Severity(level)
	switch severity {
	case faultline.SeverityDebug, faultline.SeverityInfo, faultline.SeverityWarning,
		faultline.SeverityError, faultline.SeverityFatal:
	default:
		return fmt.Errorf("unknown level %q", level)
	}

	var cfg faultline.Config
	if configPath != "" {
		loaded, err := faultline.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	if env != "" {
		cfg.Environment = env
	}
	if cfg.Endpoint == "" {
		return errors.New("no collector endpoint: pass --endpoint or a config file")
	}
	cfg.Tags = append(cfg.Tags, tags...)
	// One-shot tool: deliver on the explicit Flush below, not on a
	// debounce timer that would race process exit.
	cfg.DeliveryMode = faultline.DeliverInterval
	cfg.FlushInterval = time.Hour

	opts := []faultline.Option{}
	if verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()
		opts = append(opts, faultline.WithLogger(logger))
	}
	if stateDir != "" {
		store, err := filestore.New(stateDir)
		if err != nil {
			return err
		}
		opts = append(opts, faultline.WithStore(store))
	}

	tracker, err := faultline.New(cfg, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	id := tracker.CaptureMessage(message, severity)
	if id == "" {
		return errors.New("event was not captured (disabled, ignored, or sampled out)")
	}

	if err := tracker.Flush(ctx); err != nil {
		tracker.Shutdown(ctx)
		if stateDir != "" {
			return fmt.Errorf("delivery failed, event kept in %s: %w", stateDir, err)
		}
		return fmt.Errorf("delivery failed: %w", err)
	}

	if err := tracker.Shutdown(ctx); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
