package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/crimson-sun/triage/internal/audit"
	"github.com/crimson-sun/triage/internal/columns"
	"github.com/crimson-sun/triage/internal/config"
	"github.com/crimson-sun/triage/internal/engine/corpus"
	"github.com/crimson-sun/triage/internal/engine/embedder"
	"github.com/crimson-sun/triage/internal/engine/profile"
	"github.com/crimson-sun/triage/internal/export"
	"github.com/crimson-sun/triage/internal/httpclient"
	"github.com/crimson-sun/triage/internal/ingest"
	"github.com/crimson-sun/triage/internal/logging"
	"github.com/crimson-sun/triage/internal/pipeline"
)

func main() {
	_ = godotenv.Load()
	httpclient.UserAgent = "triage/" + config.Version

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "classify":
		err = runClassify(os.Args[2:])
	case "build-corpus":
		err = runBuildCorpus(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "version", "-version", "--version":
		fmt.Println("triage", config.Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
	if code := exitCode(err); code != 0 {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "triage: interrupted")
		} else {
			log.Printf("triage: %v", err)
		}
		os.Exit(code)
	}
}

// exitCode maps a command error to the process status. An interrupted run
// exits 130 like a shell-killed process so scripts can tell it from success.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: triage <command> [flags]")
	fmt.Fprintln(os.Stderr, "\nCommands:")
	fmt.Fprintln(os.Stderr, "  classify      Label missing categories and subcategories of an upload")
	fmt.Fprintln(os.Stderr, "  build-corpus  Build reference corpora from a labeled upload")
	fmt.Fprintln(os.Stderr, "  stats         Show label distribution and pending rows of an upload")
	fmt.Fprintln(os.Stderr, "  history       List audited uploads and classification runs")
	fmt.Fprintln(os.Stderr, "  version       Print the version")
}

// setup parses the shared flags, loads configuration and installs the logger.
func setup(fs *flag.FlagSet, args []string) (config.Config, error) {
	configPath := fs.String("config", "", "Path to a YAML config file")
	logLevel := fs.String("log-level", "", "Log level override (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logging.Init(cfg.Output.Format == "stdout", logging.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "\nreceived %v, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func selectProfiles(cfg config.Config, name string) ([]profile.Profile, error) {
	switch name {
	case "", "all":
		return cfg.Profiles(), nil
	case profile.NameCategory:
		return []profile.Profile{cfg.Category}, nil
	case profile.NameSubcategory:
		return []profile.Profile{cfg.Subcategory}, nil
	default:
		return nil, fmt.Errorf("unknown profile %q (all, category, subcategory)", name)
	}
}

func runClassify(args []string) error {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	input := fs.String("input", "", "Upload to classify (.csv, .xlsx) (required)")
	exportPath := fs.String("export", "", "Write the labeled table to this .csv or .xlsx")
	user := fs.String("user", "", "User recorded in the audit log")
	only := fs.String("profile", "all", "Profiles to run: all, category, subcategory")
	cfg, err := setup(fs, args)
	if err != nil {
		return err
	}
	if *input == "" {
		fs.Usage()
		return errors.New("-input is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	profiles, err := selectProfiles(cfg, *only)
	if err != nil {
		return err
	}

	emb, err := embedder.New(cfg.EmbedderConfig())
	if err != nil {
		return err
	}
	defer emb.Close()

	out, err := newOutput(cfg.Output)
	if err != nil {
		return err
	}

	opts := []pipeline.Option{
		pipeline.WithMapper(columns.NewMapper(cfg.Columns.Threshold, columns.Defaults()...)),
	}
	if cfg.Audit.Path != "" {
		store, err := audit.Open(context.Background(), cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, pipeline.WithAudit(store))
	}

	p, err := pipeline.New(profiles, emb, out, opts...)
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer p.Close()

	ctx, cancel := signalContext()
	defer cancel()

	slog.Info("triage starting", "version", config.Version, "provider", cfg.Embedder.Provider, "input", *input)
	rep, err := p.Run(ctx, pipeline.Request{
		Input:  *input,
		Export: *exportPath,
		User:   *user,
		Progress: func(name string, frac float64) {
			slog.Info("progress", "profile", name, "percent", int(frac*100))
		},
	})
	for _, s := range rep.Stats {
		slog.Info("profile finished", "profile", s.Profile, "total", s.Total, "auto", s.Auto,
			"manual", s.Manual, "applied", s.Applied, "mean_confidence", s.MeanConfidence,
			"duration", s.Duration.Round(time.Millisecond))
	}
	return err
}

func runBuildCorpus(args []string) error {
	fs := flag.NewFlagSet("build-corpus", flag.ExitOnError)
	input := fs.String("input", "", "Labeled upload (.csv, .xlsx) (required)")
	only := fs.String("profile", "all", "Corpora to build: all, category, subcategory")
	sample := fs.Int("sample", corpus.DefaultSampleSize, "Stratified sample size per corpus (0 keeps every row)")
	minPer := fs.Int("min-per-label", corpus.DefaultMinPerLabel, "Minimum rows per label when sampling")
	seed := fs.Int64("seed", 42, "Sampling seed")
	cfg, err := setup(fs, args)
	if err != nil {
		return err
	}
	if *input == "" {
		fs.Usage()
		return errors.New("-input is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	profiles, err := selectProfiles(cfg, *only)
	if err != nil {
		return err
	}

	emb, err := embedder.New(cfg.EmbedderConfig())
	if err != nil {
		return err
	}
	defer emb.Close()

	ctx, cancel := signalContext()
	defer cancel()

	for _, prof := range profiles {
		meta, err := pipeline.BuildCorpus(ctx, pipeline.BuildRequest{
			Input:       *input,
			Profile:     prof,
			Provider:    cfg.Embedder.Provider,
			Model:       cfg.Embedder.Model,
			SampleSize:  *sample,
			MinPerLabel: *minPer,
			Seed:        *seed,
		}, emb, slog.Default())
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d entries, %d labels, dim %d -> %s\n",
			prof.Name, meta.Entries, len(meta.Labels), meta.Dimension, prof.EntriesPath)
	}
	return nil
}

type labelStats struct {
	Field              string         `json:"field"`
	NeedClassification int            `json:"need_classification"`
	Values             []export.Count `json:"values"`
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	input := fs.String("input", "", "Upload to inspect (.csv, .xlsx) (required)")
	cfg, err := setup(fs, args)
	if err != nil {
		return err
	}
	if *input == "" {
		fs.Usage()
		return errors.New("-input is required")
	}

	t, err := ingest.ReadFile(*input)
	if err != nil {
		return err
	}
	matches := columns.NewMapper(cfg.Columns.Threshold, columns.Defaults()...).Map(t)

	report := struct {
		Total   int             `json:"total"`
		Columns []columns.Match `json:"columns"`
		Labels  []labelStats    `json:"labels"`
	}{Total: len(t.Rows), Columns: matches}

	for _, prof := range cfg.Profiles() {
		needs, err := prof.NeedsLabel()
		if err != nil {
			return err
		}
		ls := labelStats{Field: prof.LabelField, Values: export.ValueCounts(t, prof.LabelField)}
		for _, rec := range t.Rows {
			if needs(rec.Get(prof.LabelField)) {
				ls.NeedClassification++
			}
		}
		report.Labels = append(report.Labels, ls)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(report)
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("limit", audit.DefaultLimit, "Entries to show")
	cfg, err := setup(fs, args)
	if err != nil {
		return err
	}
	if cfg.Audit.Path == "" {
		return errors.New("audit is disabled (TRIAGE_AUDIT_DB is empty)")
	}

	ctx := context.Background()
	store, err := audit.Open(ctx, cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	uploads, err := store.Uploads(ctx, *limit)
	if err != nil {
		return err
	}
	runs, err := store.Runs(ctx, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UPLOADED\tFILE\tRECORDS\tUSER\tID")
	for _, u := range uploads {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", u.UploadedAt.Local().Format(time.DateTime), u.Filename, u.Records, u.User, u.ID)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "STARTED\tPROFILE\tTOTAL\tAUTO\tMANUAL\tMEAN CONF\tDURATION\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.3f\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.Profile, r.Total, r.Auto, r.Manual,
			r.MeanConfidence, r.Duration.Round(time.Millisecond), r.Error)
	}
	return w.Flush()
}
