package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/banshee-data/specfit/internal/chain"
	"github.com/banshee-data/specfit/internal/config"
	"github.com/banshee-data/specfit/internal/fit"
	"github.com/banshee-data/specfit/internal/fiterr"
	"github.com/banshee-data/specfit/internal/grid"
	"github.com/banshee-data/specfit/internal/parallel"
	"github.com/banshee-data/specfit/internal/plotview"
	"github.com/banshee-data/specfit/internal/session"
	"github.com/banshee-data/specfit/internal/spectral"
	"github.com/banshee-data/specfit/internal/stat"
	"github.com/banshee-data/specfit/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "fit":
		handleFit(args)
	case "error":
		handleError(args)
	case "steppar":
		handleSteppar(args)
	case "margin":
		handleMargin(args)
	case "chain":
		handleChain(args)
	case "version":
		fmt.Printf("specfit version %s (%s)\n", version.Version, version.GitSHA)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`specfit - fit-statistic minimization for count spectra

Usage: specfit <command> [options]

Commands:
  fit        Minimize the fit statistic over the thawed parameters
  error      Compute confidence bounds on fitted parameters
  steppar    Step parameters over a grid and record the statistic
  margin     Step parameters over a grid and integrate probability
  chain      Sample the parameter posterior with a Markov chain
  version    Show specfit version
  help       Show this help message

Common Flags:
  --data <file>        Dataset JSON (spectrum plus model components)
  --config <file>      Tuning configuration file (default: built-in defaults)
  --stat <name>        Fit statistic (chi, cstat, pgstat, pstat, whittle,
                       lstat, ks, ad, cvm); overrides the configured value
  --workers <n>        Parallel worker count; overrides the configured value
  --save               Persist results to the session database

Grid dimensions for steppar/margin follow the flags as positional
arguments: "<par> <low> <high> <intervals> [log]" per dimension, with an
optional "best" or "current" keyword selecting refit mode.`)
}

// setup loads tuning config and assembles the fit context shared by every
// command.
type setup struct {
	cfg     *config.TuningConfig
	fit     *fit.Fit
	workers *parallel.Manager
	method  *fit.LevMar
}

func buildSetup(dataPath, configPath, statName string, workers int) (*setup, error) {
	if dataPath == "" {
		return nil, fmt.Errorf("--data flag is required")
	}

	var cfg *config.TuningConfig
	if configPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.MustLoadDefaultConfig()
	}

	sp, g, model, err := loadDataset(dataPath)
	if err != nil {
		return nil, err
	}

	if statName == "" {
		statName = cfg.GetStatistic()
	}
	st, err := stat.New(statName)
	if err != nil {
		return nil, err
	}

	f, err := fit.New(g, []*spectral.Spectrum{sp}, model, st)
	if err != nil {
		return nil, err
	}

	if workers == 0 {
		workers = cfg.GetWorkers()
	}
	s := &setup{cfg: cfg, fit: f}
	if workers > 1 {
		s.workers = parallel.New(workers)
		f.Workers = s.workers
	}
	s.method = &fit.LevMar{
		DeltaCrit:            cfg.GetDeltaCrit(),
		MaxTrials:            cfg.GetMaxTrials(),
		DelayedGratification: cfg.GetDelayedGratification(),
	}
	return s, nil
}

func (s *setup) openStore() (*session.Store, error) {
	return session.Open(s.cfg.GetSessionDB())
}

func printParams(s *setup) {
	for _, p := range s.fit.Params.Params() {
		v, err := s.fit.Params.Value(p.Index())
		if err != nil {
			continue
		}
		state := ""
		switch {
		case p.IsLinked():
			state = " (linked)"
		case p.Frozen():
			state = " (frozen)"
		}
		fmt.Printf("  %3d  %-12s %-12s %14.6g%s\n", p.Index(), p.Component(), p.Name(), v, state)
	}
}

func runFit(s *setup) (fit.Result, error) {
	res, err := s.method.Perform(s.fit)
	if err != nil {
		return res, err
	}
	fmt.Printf("Statistic: %s = %.6g (from %.6g, %d iterations)\n",
		s.fit.Stat.Name(), res.Statistic, res.Initial, res.Iterations)
	if !res.Converged {
		fmt.Printf("Not converged: %s\n", res.Message)
	}
	printParams(s)
	return res, nil
}

func handleFit(args []string) {
	fs := flag.NewFlagSet("fit", flag.ExitOnError)
	dataPath := fs.String("data", "", "Dataset JSON file (required)")
	configPath := fs.String("config", "", "Tuning configuration file")
	statName := fs.String("stat", "", "Fit statistic name")
	workers := fs.Int("workers", 0, "Parallel worker count")
	save := fs.Bool("save", false, "Persist the run to the session database")
	fs.Parse(args)

	s, err := buildSetup(*dataPath, *configPath, *statName, *workers)
	if err != nil {
		log.Fatalf("fit: %v", err)
	}
	res, err := runFit(s)
	if err != nil {
		log.Fatalf("fit: %v", err)
	}

	if *save {
		store, err := s.openStore()
		if err != nil {
			log.Fatalf("fit: %v", err)
		}
		defer store.Close()
		id, err := store.SaveFitRun(s.fit.Params, s.fit.Stat.Name(), res)
		if err != nil {
			log.Fatalf("fit: save run: %v", err)
		}
		fmt.Printf("Saved run %s\n", id)
	}
}

func handleError(args []string) {
	fs := flag.NewFlagSet("error", flag.ExitOnError)
	dataPath := fs.String("data", "", "Dataset JSON file (required)")
	configPath := fs.String("config", "", "Tuning configuration file")
	statName := fs.String("stat", "", "Fit statistic name")
	workers := fs.Int("workers", 0, "Parallel worker count")
	paramList := fs.String("params", "", "Comma-separated parameter indices (default: all thawed)")
	delta := fs.Float64("delta", 0, "Statistic increase defining the bound (default from config)")
	level := fs.Float64("level", 0, "Confidence level in (0,1); overrides --delta")
	save := fs.Bool("save", false, "Persist the bounds to the session database")
	fs.Parse(args)

	s, err := buildSetup(*dataPath, *configPath, *statName, *workers)
	if err != nil {
		log.Fatalf("error: %v", err)
	}
	res, err := runFit(s)
	if err != nil {
		log.Fatalf("error: %v", err)
	}

	params := s.fit.ThawedIndices()
	if *paramList != "" {
		params, err = parseIntList(*paramList)
		if err != nil {
			log.Fatalf("error: --params: %v", err)
		}
	}

	deltaStat := s.cfg.GetErrorDeltaStat()
	if *delta > 0 {
		deltaStat = *delta
	}
	if *level > 0 {
		deltaStat, err = fiterr.DeltaForConfidence(*level, 1)
		if err != nil {
			log.Fatalf("error: --level: %v", err)
		}
	}
	search := &fiterr.Search{
		Method:    s.method,
		DeltaStat: deltaStat,
		Tolerance: s.cfg.GetErrorTolerance(),
		MaxTrials: s.cfg.GetErrorMaxTrials(),
	}
	bounds, err := fiterr.GetErrors(s.fit, search, params, s.workers)
	if err != nil {
		log.Fatalf("error: %v", err)
	}

	fmt.Printf("Confidence bounds (delta statistic %.4g):\n", deltaStat)
	for _, b := range bounds {
		fmt.Printf("  %3d  %14.6g %14.6g  %s", b.Param, b.Low, b.High, fiterr.CodeToString(b.Code))
		if b.Code != fiterr.OK {
			fmt.Printf("  [%s]", fiterr.Describe(b.Code))
		}
		fmt.Println()
	}

	if *save {
		store, err := s.openStore()
		if err != nil {
			log.Fatalf("error: %v", err)
		}
		defer store.Close()
		id, err := store.SaveFitRun(s.fit.Params, s.fit.Stat.Name(), res)
		if err != nil {
			log.Fatalf("error: save run: %v", err)
		}
		if err := store.SaveErrorResults(id, bounds); err != nil {
			log.Fatalf("error: save bounds: %v", err)
		}
		fmt.Printf("Saved run %s\n", id)
	}
}

func runScan(args []string, name string) (*setup, *grid.ScanResult, bool, string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	dataPath := fs.String("data", "", "Dataset JSON file (required)")
	configPath := fs.String("config", "", "Tuning configuration file")
	statName := fs.String("stat", "", "Fit statistic name")
	workers := fs.Int("workers", 0, "Parallel worker count")
	plotPrefix := fs.String("plot", "", "Write plots with this filename prefix")
	save := fs.Bool("save", false, "Persist the scan to the session database")
	fs.Parse(args)

	specs, refit, err := grid.ParseSpecs(fs.Args())
	if err != nil {
		log.Fatalf("%s: %v", name, err)
	}

	s, err := buildSetup(*dataPath, *configPath, *statName, *workers)
	if err != nil {
		log.Fatalf("%s: %v", name, err)
	}
	if _, err := runFit(s); err != nil {
		log.Fatalf("%s: %v", name, err)
	}

	scanner := &grid.Scanner{
		Specs:   specs,
		Refit:   refit,
		Method:  s.method,
		Workers: s.workers,
	}
	res, err := scanner.Run(s.fit)
	if err != nil {
		log.Fatalf("%s: %v", name, err)
	}

	if *save {
		store, err := s.openStore()
		if err != nil {
			log.Fatalf("%s: %v", name, err)
		}
		defer store.Close()
		id, err := store.SaveGridScan(res, refit)
		if err != nil {
			log.Fatalf("%s: save scan: %v", name, err)
		}
		fmt.Printf("Saved scan %s\n", id)
	}
	return s, res, refit, *plotPrefix
}

func writeScanPlots(s *setup, res *grid.ScanResult, prefix string) {
	if prefix == "" {
		return
	}
	p, err := plotview.New(s.cfg.GetPlotDir())
	if err != nil {
		log.Fatalf("plot: %v", err)
	}
	switch len(res.Specs) {
	case 1:
		path, err := p.CurvePNG(res, prefix+".png")
		if err != nil {
			log.Fatalf("plot: %v", err)
		}
		fmt.Printf("Wrote %s\n", path)
	case 2:
		path, err := p.ContourPNG(res, prefix+".png")
		if err != nil {
			log.Fatalf("plot: %v", err)
		}
		fmt.Printf("Wrote %s\n", path)
		path, err = p.ScanHTML(res, prefix+".html")
		if err != nil {
			log.Fatalf("plot: %v", err)
		}
		fmt.Printf("Wrote %s\n", path)
	default:
		fmt.Fprintln(os.Stderr, "Plots are only produced for 1-D and 2-D scans")
	}
}

func handleSteppar(args []string) {
	s, res, refit, prefix := runScan(args, "steppar")

	mode := "current"
	if refit {
		mode = "best"
	}
	if res.MinIndex < 0 {
		fmt.Printf("Scanned %d points (%s mode), every point failed\n", len(res.Points), mode)
		return
	}
	fmt.Printf("Scanned %d points (%s mode, %d failures), minimum %.6g at:\n",
		len(res.Points), mode, res.Failures, res.MinStat)
	for _, spec := range res.Specs {
		fmt.Printf("  parameter %d = %.6g\n", spec.Param, res.MinParams[spec.Param-1])
	}
	for i, pt := range res.Points {
		if !pt.Valid {
			fmt.Printf("  %5d  failed\n", i)
			continue
		}
		fmt.Printf("  %5d  %14.6g", i, pt.Statistic)
		for _, spec := range res.Specs {
			fmt.Printf("  %12.6g", pt.Params[spec.Param-1])
		}
		fmt.Println()
	}
	writeScanPlots(s, res, prefix)
}

func handleMargin(args []string) {
	fs := flag.NewFlagSet("margin", flag.ExitOnError)
	dataPath := fs.String("data", "", "Dataset JSON file (required)")
	configPath := fs.String("config", "", "Tuning configuration file")
	statName := fs.String("stat", "", "Fit statistic name")
	workers := fs.Int("workers", 0, "Parallel worker count")
	plotPrefix := fs.String("plot", "", "Write plots with this filename prefix")
	fs.Parse(args)

	specs, refit, err := grid.ParseSpecs(fs.Args())
	if err != nil {
		log.Fatalf("margin: %v", err)
	}

	s, err := buildSetup(*dataPath, *configPath, *statName, *workers)
	if err != nil {
		log.Fatalf("margin: %v", err)
	}
	if _, err := runFit(s); err != nil {
		log.Fatalf("margin: %v", err)
	}

	scanner := &grid.Scanner{
		Specs:   specs,
		Refit:   refit,
		Method:  s.method,
		Workers: s.workers,
	}
	res, err := scanner.Margin(s.fit)
	if err != nil {
		log.Fatalf("margin: %v", err)
	}

	fmt.Printf("Integrated probability over %d points (%d failures):\n",
		len(res.Points), res.Failures)
	for i, pt := range res.Points {
		if !pt.Valid {
			continue
		}
		fmt.Printf("  %5d  prob %.6g  stat %14.6g", i, res.Prob[i], pt.Statistic)
		for _, spec := range res.Specs {
			fmt.Printf("  %12.6g", pt.Params[spec.Param-1])
		}
		fmt.Println()
	}
	writeScanPlots(s, &res.ScanResult, *plotPrefix)
}

func handleChain(args []string) {
	fs := flag.NewFlagSet("chain", flag.ExitOnError)
	dataPath := fs.String("data", "", "Dataset JSON file (required)")
	configPath := fs.String("config", "", "Tuning configuration file")
	statName := fs.String("stat", "", "Fit statistic name")
	length := fs.Int("length", 0, "Retained sample count (default from config)")
	burn := fs.Int("burn", -1, "Burn-in sample count (default from config)")
	scale := fs.Float64("scale", 0, "Proposal scale factor (default from config)")
	trace := fs.Bool("trace", false, "Write an HTML trace plot per sampled parameter")
	save := fs.Bool("save", false, "Persist the summary to the session database")
	fs.Parse(args)

	s, err := buildSetup(*dataPath, *configPath, *statName, 1)
	if err != nil {
		log.Fatalf("chain: %v", err)
	}
	if _, err := runFit(s); err != nil {
		log.Fatalf("chain: %v", err)
	}

	c := &chain.Chain{
		Length:        s.cfg.GetChainLength(),
		BurnIn:        s.cfg.GetChainBurnIn(),
		ProposalScale: s.cfg.GetChainProposalScale(),
	}
	if *length > 0 {
		c.Length = *length
	}
	if *burn >= 0 {
		c.BurnIn = *burn
	}
	if *scale > 0 {
		c.ProposalScale = *scale
	}

	run, err := c.Sample(s.fit)
	if err != nil {
		log.Fatalf("chain: %v", err)
	}
	means, stddevs, err := run.Summary()
	if err != nil {
		log.Fatalf("chain: %v", err)
	}

	fmt.Printf("Chain of %d samples, %d accepted (%.1f%%):\n",
		len(run.Samples), run.Accepted, 100*float64(run.Accepted)/float64(len(run.Samples)))
	for k, pi := range run.Thawed {
		lo, err := run.Quantile(k, 0.05)
		if err != nil {
			log.Fatalf("chain: %v", err)
		}
		hi, err := run.Quantile(k, 0.95)
		if err != nil {
			log.Fatalf("chain: %v", err)
		}
		fmt.Printf("  %3d  mean %14.6g  stddev %12.6g  90%% [%.6g, %.6g]\n",
			pi, means[k], stddevs[k], lo, hi)
	}

	if *trace {
		p, err := plotview.New(s.cfg.GetPlotDir())
		if err != nil {
			log.Fatalf("chain: %v", err)
		}
		for k, pi := range run.Thawed {
			path, err := p.ChainTraceHTML(run, k, fmt.Sprintf("chain-p%d.html", pi))
			if err != nil {
				log.Fatalf("chain: %v", err)
			}
			fmt.Printf("Wrote %s\n", path)
		}
	}

	if *save {
		store, err := s.openStore()
		if err != nil {
			log.Fatalf("chain: %v", err)
		}
		defer store.Close()
		id, err := store.SaveChainSummary(run.Thawed, len(run.Samples), run.Accepted, means, stddevs)
		if err != nil {
			log.Fatalf("chain: save summary: %v", err)
		}
		fmt.Printf("Saved chain %s\n", id)
	}
}

func parseIntList(s string) ([]int, error) {
	var out []int
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("bad index %q", tok)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty list")
	}
	return out, nil
}
