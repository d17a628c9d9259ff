package app

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"datacard/domain/card"
	"datacard/domain/core"
	"datacard/domain/hist"
	"datacard/domain/manifest"
	"datacard/domain/process"
	"datacard/domain/syst"
	"datacard/internal"
	"datacard/internal/config"
	"datacard/internal/errors"
	"datacard/ports"
)

const (
	defaultNominal     = "nominal"
	defaultDataPattern = "^data"
)

// CardService runs a card end to end: load inputs, assemble and finalize
// every channel, publish the artifact and optionally the yields report
type CardService struct {
	loaders map[string]ports.SourceLoader
	writer  ports.ArtifactWriter
	reader  ports.ArtifactReader
	report  ports.ReportWriter
	log     *internal.Logger
}

// BuildOutput is what a successful build produced
type BuildOutput struct {
	Manifest *manifest.Manifest
	Results  []*card.Result
	Artifact string
	Report   string
}

// NewCardService creates a card service. loaders are keyed by input format;
// report may be nil.
func NewCardService(loaders map[string]ports.SourceLoader, writer ports.ArtifactWriter, reader ports.ArtifactReader, report ports.ReportWriter, log *internal.Logger) *CardService {
	return &CardService{
		loaders: loaders,
		writer:  writer,
		reader:  reader,
		report:  report,
		log:     log.Named("card"),
	}
}

// Build assembles every channel of the card and writes the artifact. The
// context is checked between channels and between systematic registrations.
func (s *CardService) Build(ctx context.Context, c *config.Card) (*BuildOutput, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	out := &BuildOutput{Artifact: c.Output}
	for _, chCfg := range c.Channels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := s.BuildChannel(ctx, chCfg)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", chCfg.Name, err)
		}
		out.Results = append(out.Results, res)
	}

	m, err := s.writer.Write(ctx, c.Output, out.Results...)
	if err != nil {
		return nil, err
	}
	out.Manifest = m

	if c.Report.Enabled && s.report != nil {
		if err := s.report.WriteReport(ctx, c.Report.FilePath, out.Results...); err != nil {
			return nil, errors.Wrap(err, "failed to write report")
		}
		out.Report = c.Report.FilePath
	}
	s.log.Info("built %s: %d channels, %d nuisances, fingerprint %s", c.Output, len(m.Channels), len(m.Nuisances), m.Fingerprint)
	return out, nil
}

// BuildChannel loads the inputs of one channel and finalizes it
func (s *CardService) BuildChannel(ctx context.Context, cfg config.ChannelConfig) (*card.Result, error) {
	loader, ok := s.loaders[cfg.Inputs.Format]
	if !ok {
		return nil, errors.ConfigInvalidf("no loader for input format %q", cfg.Inputs.Format)
	}
	src, err := loader.Load(ctx, cfg.Inputs.Paths...)
	if err != nil {
		return nil, err
	}

	snap, gen, err := snapshot(cfg, src)
	if err != nil {
		return nil, err
	}

	log := s.log.Named(cfg.Name)
	ch, err := card.New(cfg.Name, src, card.Options{NominalName: cfg.Nominal, Logger: log})
	if err != nil {
		return nil, err
	}
	if err := configure(ch, cfg); err != nil {
		return nil, err
	}
	if err := ch.SetProcesses(snap); err != nil {
		return nil, err
	}
	if err := ch.SetFitAxes(cfg.FitAxes...); err != nil {
		return nil, err
	}
	if len(gen) > 0 {
		if err := ch.SetGenAxes(gen...); err != nil {
			return nil, err
		}
	}
	if u := cfg.Unfolding; u != nil && u.POISums {
		if err := ch.AddPOISumGroups(u.Group); err != nil {
			return nil, err
		}
	}
	if pd, ok := cfg.Pseudodata(); ok {
		if err := ch.SetPseudodata(pd); err != nil {
			return nil, err
		}
	}

	for _, entry := range cfg.Systematics {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := ch.ApplyTable([]syst.TableEntry{entry}); err != nil {
			return nil, err
		}
	}
	return ch.Finalize(cfg.CardChecks())
}

// configure applies the settings that must precede SetProcesses
func configure(ch *card.Channel, cfg config.ChannelConfig) error {
	if cfg.Lumi > 0 {
		if err := ch.SetLumi(cfg.Lumi); err != nil {
			return err
		}
	}
	if cfg.LumiScale > 0 {
		if err := ch.SetLumiScale(cfg.LumiScale); err != nil {
			return err
		}
	}
	for _, op := range cfg.Ops {
		if err := ch.AddOp(op); err != nil {
			return err
		}
	}
	if cfg.Fake != "" {
		if err := ch.SetFakeName(cfg.Fake); err != nil {
			return err
		}
	}
	if len(cfg.Exclude) > 0 {
		if err := ch.ExcludeProcess(anyOf(cfg.Exclude)); err != nil {
			return err
		}
	}
	if cfg.Filter.Exclude != "" {
		if err := ch.SetNuisanceFilter(cfg.Filter.Exclude, cfg.Filter.Keep); err != nil {
			return err
		}
	}
	if len(cfg.Custom) > 0 {
		if err := ch.SetCustomGroupMapping(cfg.Custom); err != nil {
			return err
		}
	}
	if len(cfg.NoStatUnc) > 0 {
		if err := ch.SetNoStatUnc(cfg.NoStatUnc...); err != nil {
			return err
		}
	}
	return nil
}

// snapshot builds the process/group registry of a channel and splits the
// unfolding signal group. It returns the resolved gen axes.
func snapshot(cfg config.ChannelConfig, src ports.HistogramSource) (*process.Snapshot, []hist.Axis, error) {
	procs, err := declaredProcesses(cfg, src.Processes())
	if err != nil {
		return nil, nil, err
	}
	reg, err := process.NewRegistry(procs...)
	if err != nil {
		return nil, nil, err
	}
	for _, proc := range core.SortedKeys(cfg.MemberScale) {
		if err := reg.SetMemberOp(proc, scaleOp(cfg.MemberScale[proc])); err != nil {
			return nil, nil, err
		}
	}
	for _, g := range cfg.Groups {
		pred, err := g.Select.Predicate()
		if err != nil {
			return nil, nil, errors.ConfigInvalidf("group %q: %v", g.Name, err)
		}
		if err := reg.AddGroup(g.Name, pred); err != nil {
			return nil, nil, err
		}
		if g.Unconstrained {
			if err := reg.SetUnconstrained(g.Name); err != nil {
				return nil, nil, err
			}
		}
	}

	var gen []hist.Axis
	if len(cfg.GenAxes) > 0 {
		if gen, err = genAxes(src, procs, cfg.Nominal, cfg.GenAxes); err != nil {
			return nil, nil, err
		}
	}
	if u := cfg.Unfolding; u != nil {
		keep, err := keepUnless(u.Exclude)
		if err != nil {
			return nil, nil, err
		}
		if _, err := reg.DefineSignalBins(u.Group, u.Prefix, gen, keep); err != nil {
			return nil, nil, err
		}
	}

	for _, sel := range cfg.Selections {
		pred, err := sel.Select.Predicate()
		if err != nil {
			return nil, nil, errors.ConfigInvalidf("selection %q: %v", sel.Name, err)
		}
		if err := reg.AddSelection(sel.Name, pred); err != nil {
			return nil, nil, err
		}
	}
	snap, err := reg.Snapshot()
	if err != nil {
		return nil, nil, err
	}
	return snap, gen, nil
}

// declaredProcesses lists the configured processes, or every source process
// with data recognized by DataPattern (default ^data)
func declaredProcesses(cfg config.ChannelConfig, available []string) ([]process.Process, error) {
	var procs []process.Process
	if len(cfg.Processes) > 0 {
		for _, p := range cfg.Processes {
			procs = append(procs, process.Process{Name: p.Name, IsData: p.Data})
		}
		return procs, nil
	}
	pattern := cfg.DataPattern
	if pattern == "" {
		pattern = defaultDataPattern
	}
	isData, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.ConfigInvalidf("invalid data pattern %q: %v", pattern, err)
	}
	for _, name := range available {
		procs = append(procs, process.Process{Name: name, IsData: isData.MatchString(name)})
	}
	return procs, nil
}

func keepUnless(pattern string) (process.Predicate, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.ConfigInvalidf("invalid pattern %q: %v", pattern, err)
	}
	return func(name string) bool { return !re.MatchString(name) }, nil
}

func scaleOp(s float64) process.MemberOp {
	return func(h *hist.Histogram) (*hist.Histogram, error) {
		return hist.Scale(h, s), nil
	}
}

// genAxes takes the named axes from the first simulated nominal that has them
func genAxes(src ports.HistogramSource, procs []process.Process, nominal string, names []string) ([]hist.Axis, error) {
	if nominal == "" {
		nominal = defaultNominal
	}
	for _, p := range procs {
		if p.IsData {
			continue
		}
		h, err := src.Histogram(p.Name, nominal)
		if err != nil {
			continue
		}
		axes := make([]hist.Axis, 0, len(names))
		for _, n := range names {
			if a, _, ok := h.Axis(n); ok {
				axes = append(axes, a)
			}
		}
		if len(axes) == len(names) {
			return axes, nil
		}
	}
	return nil, errors.ConfigInvalidf("gen axes %v not found in any simulated nominal", names)
}

func anyOf(patterns []string) string {
	if len(patterns) == 1 {
		return patterns[0]
	}
	return "(?:" + strings.Join(patterns, ")|(?:") + ")"
}

// Inspect reads the manifest of a published artifact
func (s *CardService) Inspect(ctx context.Context, path string) (*manifest.Manifest, error) {
	m, err := s.reader.ReadManifest(ctx, path)
	if err != nil {
		return nil, err
	}
	s.log.Debug("inspected %s: artifact %s", path, m.ArtifactID)
	return m, nil
}
