// Package pipeline runs a complaint upload end to end: ingest, map columns,
// classify under each profile, emit per-row events, export and audit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/crimson-sun/triage/internal/audit"
	"github.com/crimson-sun/triage/internal/columns"
	"github.com/crimson-sun/triage/internal/engine"
	"github.com/crimson-sun/triage/internal/engine/corpus"
	"github.com/crimson-sun/triage/internal/engine/embedder"
	"github.com/crimson-sun/triage/internal/engine/profile"
	"github.com/crimson-sun/triage/internal/export"
	"github.com/crimson-sun/triage/internal/ingest"
	"github.com/crimson-sun/triage/internal/model"
	"github.com/crimson-sun/triage/internal/output"
)

// IDColumn identifies a record in emitted events.
const IDColumn = "NU_REGISTRO"

// Pipeline connects the engines, an output and an optional audit store.
// Run calls are serialized.
type Pipeline struct {
	engines []*engine.Engine
	mapper  *columns.Mapper
	out     output.Output
	audit   *audit.Store
	logger  *slog.Logger

	mu      sync.Mutex
	current *model.Table
	sinkErr error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAudit records uploads and runs in s.
func WithAudit(s *audit.Store) Option {
	return func(p *Pipeline) { p.audit = s }
}

// WithMapper replaces the default column mapper.
func WithMapper(m *columns.Mapper) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.mapper = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New loads one engine per profile, in order, before any data is read. A
// nil out discards events.
func New(profiles []profile.Profile, emb embedder.Embedder, out output.Output, opts ...Option) (*Pipeline, error) {
	if len(profiles) == 0 {
		return nil, errors.New("pipeline: no profiles")
	}
	p := &Pipeline{
		mapper: columns.NewMapper(columns.DefaultThreshold, columns.Defaults()...),
		out:    out,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pipeline")

	for _, prof := range profiles {
		eng, err := engine.Load(prof, emb,
			engine.WithLogger(p.logger),
			engine.WithObserver(p.observer(prof)))
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		p.engines = append(p.engines, eng)
	}
	return p, nil
}

// Engines returns the loaded engines in run order.
func (p *Pipeline) Engines() []*engine.Engine {
	return append([]*engine.Engine(nil), p.engines...)
}

// observer forwards committed outcomes to the output. Sink failures are
// kept and reported once the profile finishes; they never undo a batch.
func (p *Pipeline) observer(prof profile.Profile) engine.Observer {
	return func(row int, out model.Outcome) {
		if p.out == nil || p.sinkErr != nil {
			return
		}
		id := p.current.Rows[row][IDColumn]
		ev := output.NewEvent(row, id, prof.Name, prof.LabelField, out)
		if err := p.out.Write(context.Background(), ev); err != nil {
			p.sinkErr = fmt.Errorf("pipeline output: %w", err)
		}
	}
}

// Request describes one upload to process.
type Request struct {
	Input  string // .csv, .txt, .xlsx or .xlsm
	Export string // optional .csv or .xlsx destination
	User   string

	// Progress receives the profile name and its completed fraction.
	Progress func(profile string, frac float64)
}

// Report summarizes a Run.
type Report struct {
	UploadID string
	Rows     int
	Columns  []columns.Match
	Stats    []engine.Stats
	Table    *model.Table
}

// Run processes one upload. Profiles run in order over the same table; on
// error the rows of batches already committed keep their labels, nothing is
// exported and the failing run is audited with its error.
func (p *Pipeline) Run(ctx context.Context, req Request) (Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, err := ingest.ReadFile(req.Input)
	if err != nil {
		return Report{}, fmt.Errorf("pipeline: %w", err)
	}
	rep := Report{Rows: len(t.Rows), Table: t}
	rep.Columns = p.mapper.Map(t)
	for _, m := range rep.Columns {
		if m.Renamed {
			p.logger.Info("column renamed", "from", m.Source, "to", m.Canonical, "score", m.Score)
		}
	}

	if p.audit != nil {
		rep.UploadID, err = p.audit.LogUpload(ctx, audit.Upload{
			Filename: filepath.Base(req.Input),
			Records:  len(t.Rows),
			User:     req.User,
			Metadata: map[string]string{
				"columns": strconv.Itoa(len(t.Columns)),
				"renamed": strconv.Itoa(renamed(rep.Columns)),
			},
		})
		if err != nil {
			return rep, fmt.Errorf("pipeline: %w", err)
		}
	}

	p.current = t
	defer func() { p.current = nil }()

	for _, eng := range p.engines {
		stats, err := p.classify(ctx, eng, t, req.Progress)
		rep.Stats = append(rep.Stats, stats)
		p.logRun(ctx, rep.UploadID, stats, err)
		if err != nil {
			return rep, err
		}
	}

	if req.Export != "" {
		if err := export.WriteFile(req.Export, t, Summary(rep)); err != nil {
			return rep, fmt.Errorf("pipeline: %w", err)
		}
		p.logger.Info("export written", "path", req.Export, "rows", len(t.Rows))
	}
	return rep, nil
}

func (p *Pipeline) classify(ctx context.Context, eng *engine.Engine, t *model.Table, progress func(string, float64)) (engine.Stats, error) {
	name := eng.Profile().Name
	var fn func(float64)
	if progress != nil {
		fn = func(frac float64) { progress(name, frac) }
	}
	p.sinkErr = nil
	stats, err := eng.Classify(ctx, t, fn)
	if err == nil {
		err = p.sinkErr
	}
	if err != nil {
		return stats, fmt.Errorf("pipeline: profile %s: %w", name, err)
	}
	return stats, nil
}

func (p *Pipeline) logRun(ctx context.Context, uploadID string, stats engine.Stats, runErr error) {
	if p.audit == nil {
		return
	}
	run := audit.Run{
		UploadID:       uploadID,
		Profile:        stats.Profile,
		Total:          stats.Total,
		Auto:           stats.Auto,
		Manual:         stats.Manual,
		Applied:        stats.Applied,
		MeanConfidence: stats.MeanConfidence,
		Duration:       stats.Duration,
		StartedAt:      time.Now().Add(-stats.Duration),
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if _, err := p.audit.LogRun(ctx, run); err != nil {
		p.logger.Warn("audit run not recorded", "profile", stats.Profile, "error", err)
	}
}

// Close closes the output. Engines and the audit store belong to the caller.
func (p *Pipeline) Close() error {
	if p.out == nil {
		return nil
	}
	return p.out.Close()
}

// Summary lists the figures shown on the export's statistics sheet.
func Summary(rep Report) []export.Stat {
	stats := []export.Stat{{Name: "Total de Registros", Value: rep.Rows}}
	for _, s := range rep.Stats {
		stats = append(stats,
			export.Stat{Name: "Pendentes (" + s.Profile + ")", Value: s.Total},
			export.Stat{Name: "Classificados Automaticamente (" + s.Profile + ")", Value: s.Auto},
			export.Stat{Name: "Revisão Manual (" + s.Profile + ")", Value: s.Manual},
			export.Stat{Name: "Confiança Média (" + s.Profile + ")", Value: round2(s.MeanConfidence)},
		)
	}
	return stats
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

func renamed(ms []columns.Match) int {
	n := 0
	for _, m := range ms {
		if m.Renamed {
			n++
		}
	}
	return n
}

// BuildRequest describes a reference corpus export.
type BuildRequest struct {
	Input       string
	Profile     profile.Profile
	Provider    string
	Model       string
	SampleSize  int
	MinPerLabel int
	Seed        int64
}

// BuildCorpus reads a labeled upload, maps its columns and writes the
// profile's corpus files and metadata.
func BuildCorpus(ctx context.Context, req BuildRequest, emb embedder.Embedder, logger *slog.Logger) (corpus.Metadata, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t, err := ingest.ReadFile(req.Input)
	if err != nil {
		return corpus.Metadata{}, fmt.Errorf("pipeline: %w", err)
	}
	columns.NewMapper(columns.DefaultThreshold, columns.Defaults()...).Map(t)

	prof := req.Profile
	needs, err := prof.NeedsLabel()
	if err != nil {
		return corpus.Metadata{}, err
	}
	c, meta, err := corpus.Build(ctx, t.Rows, emb, corpus.BuildOptions{
		LabelField:  prof.LabelField,
		Predicate:   needs,
		Builder:     prof.Builder(),
		SampleSize:  req.SampleSize,
		MinPerLabel: req.MinPerLabel,
		Seed:        req.Seed,
		Logger:      logger,
	})
	if err != nil {
		return meta, fmt.Errorf("pipeline: profile %s: %w", prof.Name, err)
	}
	if err := c.Save(prof.EntriesPath, prof.EmbeddingsPath); err != nil {
		return meta, err
	}
	meta.Provider = req.Provider
	meta.Model = req.Model
	meta.EntriesPath = prof.EntriesPath
	meta.EmbeddingsPath = prof.EmbeddingsPath
	if prof.MetadataPath != "" {
		if err := corpus.WriteMetadata(prof.MetadataPath, meta); err != nil {
			return meta, err
		}
	}
	logger.Info("reference corpus written", "profile", prof.Name, "entries", meta.Entries, "labels", len(meta.Labels))
	return meta, nil
}
