package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/crimson-sun/triage/internal/config"
	"github.com/crimson-sun/triage/internal/output"
	"github.com/crimson-sun/triage/internal/output/async"
	"github.com/crimson-sun/triage/internal/output/file"
	"github.com/crimson-sun/triage/internal/output/multi"
	"github.com/crimson-sun/triage/internal/output/stdout"
	"github.com/crimson-sun/triage/internal/output/webhook"
)

// newOutput assembles the event sinks. It returns nil when every sink is
// disabled.
func newOutput(cfg config.OutputConfig) (output.Output, error) {
	verbosity, err := output.ParseVerbosity(cfg.Verbosity)
	if err != nil {
		return nil, err
	}

	var (
		names []string
		outs  []output.Output
	)
	add := func(name string, o output.Output) {
		names = append(names, name)
		outs = append(outs, o)
	}
	switch cfg.Format {
	case "stdout":
		add("stdout", stdout.New(verbosity, cfg.Pretty))
	case "text":
		add("stdout", stdout.NewText(os.Stdout, verbosity))
	case "file":
		var opts []file.Option
		if cfg.MaxSize > 0 {
			opts = append(opts, file.WithMaxSize(cfg.MaxSize))
		}
		if cfg.ReviewOnly {
			opts = append(opts, file.WithFilter(output.NeedsReview))
		}
		f, err := file.New(cfg.Path, verbosity, opts...)
		if err != nil {
			return nil, err
		}
		add("file "+cfg.Path, f)
	case "none":
	default:
		return nil, fmt.Errorf("unknown output format %q", cfg.Format)
	}

	if cfg.WebhookURL != "" {
		hook := webhook.New(cfg.WebhookURL, webhook.WithToken(cfg.WebhookToken), webhook.WithVerbosity(verbosity))
		add("webhook", async.New(hook,
			async.WithName("webhook"),
			async.WithOnError(func(err error) {
				slog.Warn("webhook delivery failed", "error", err)
			})))
	}

	switch len(outs) {
	case 0:
		return nil, nil
	case 1:
		return outs[0], nil
	}
	m := &multi.Multi{}
	for i, o := range outs {
		m.Add(names[i], o)
	}
	return m, nil
}
