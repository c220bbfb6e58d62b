package starnet

// run.go runs repeated trials of an experiment, and sweeps of trials over a grid of client
// counts, on a pool of worker goroutines.  Each trial builds its own topology, addresses,
// plan and simulator instance, so trials share nothing but the logger.  The random streams
// of the trials are created in trial order before any trial is dispatched, which keeps the
// results independent of the order the workers happen to run in.  Workers build their
// trials at once but take turns running the event loops.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/iti/starnet/internal/logger"
	"github.com/panjf2000/ants/v2"
)

// trialJob is one trial waiting for, or finished by, a worker
type trialJob struct {
	cfg   *ExpCfg
	trial int
	sim   *NetSim

	report *Report
	err    error
}

// TrialSet holds the reports of the trials of one configuration and the statistics
// across them of the mean data throughput in each direction.  A direction whose
// statistics could not be computed has a nil Stats and an entry in Errs.
type TrialSet struct {
	Name        string    `json:"name" yaml:"name"`
	Downloaders int       `json:"downloaders" yaml:"downloaders"`
	Uploaders   int       `json:"uploaders" yaml:"uploaders"`
	Reports     []*Report `json:"reports" yaml:"reports"`
	Download    *Stats    `json:"download,omitempty" yaml:"download,omitempty"`
	Upload      *Stats    `json:"upload,omitempty" yaml:"upload,omitempty"`
	Errs        []string  `json:"errs,omitempty" yaml:"errs,omitempty"`
}

// newTrialJobs creates the jobs of one configuration, with their simulators.  A non-zero
// seed resets the random streams first.
func newTrialJobs(cfg *ExpCfg, seed uint64) []*trialJob {
	names := make([]string, 0, cfg.Trials)
	for trial := 0; trial < cfg.Trials; trial++ {
		names = append(names, fmt.Sprintf("%s-d%d-u%d-t%d", cfg.Name, cfg.Downloaders, cfg.Uploaders, trial))
	}
	jobs := make([]*trialJob, 0, cfg.Trials)
	for trial, sim := range newNetSims(seed, names) {
		jobs = append(jobs, &trialJob{cfg: cfg, trial: trial, sim: sim})
	}
	return jobs
}

// run executes one trial
func (job *trialJob) run(ctx context.Context) {
	// a cancelled sweep skips trials not yet started
	if err := ctx.Err(); err != nil {
		job.err = err
		return
	}
	exp, err := BuildExperiment(job.cfg)
	if err != nil {
		job.err = err
		return
	}
	job.report, job.err = exp.Run(job.sim)
	if job.err == nil {
		job.report.Name = fmt.Sprintf("%s-t%d", exp.Topo.Name, job.trial)
	}
}

// runJobs runs every job on a pool of at most workers goroutines and waits for all of them
func runJobs(ctx context.Context, jobs []*trialJob, workers int) error {
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return err
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		job := job
		serr := pool.Submit(func() {
			defer wg.Done()
			job.run(ctx)
		})
		if serr != nil {
			job.err = serr
			wg.Done()
		}
	}
	wg.Wait()
	return nil
}

// collect folds finished jobs into a TrialSet
func collect(cfg *ExpCfg, jobs []*trialJob) (*TrialSet, error) {
	ts := &TrialSet{Name: cfg.Name, Downloaders: cfg.Downloaders, Uploaders: cfg.Uploaders}

	errs := []error{}
	for _, job := range jobs {
		if job.err != nil {
			errs = append(errs, fmt.Errorf("trial %d: %w", job.trial, job.err))
			continue
		}
		ts.Reports = append(ts.Reports, job.report)
	}
	if err := ReportErrs(errs); err != nil {
		return ts, err
	}

	for _, role := range []FlowRole{FlowDownloadData, FlowUploadData} {
		stats, err := AggregateTrials(ts.Reports, role)
		if err != nil {
			ts.Errs = append(ts.Errs, fmt.Sprintf("%s: %v", role, err))
			continue
		}
		if role == FlowDownloadData {
			ts.Download = &stats
		} else {
			ts.Upload = &stats
		}
	}
	return ts, nil
}

// WriteToFile serializes the trial set, json or yaml by the file name's extension
func (ts *TrialSet) WriteToFile(filename string) error {
	return writeDesc(filename, ts)
}

// Print writes the per-flow report of the first trial when perFlow is set, then a line of
// statistics for each direction that has them
func (ts *TrialSet) Print(w io.Writer, perFlow bool) error {
	if perFlow && len(ts.Reports) > 0 {
		if err := ts.Reports[0].Print(w); err != nil {
			return err
		}
	}
	for _, st := range []struct {
		name  string
		stats *Stats
	}{{"download", ts.Download}, {"upload", ts.Upload}} {
		if st.stats == nil {
			continue
		}
		low, high := st.stats.ConfidenceInterval()
		_, err := fmt.Fprintf(w, "%s: n=%d mean %f Mbps sd %f 95%% CI [%f, %f]\n",
			st.name, st.stats.N, st.stats.Mean, st.stats.StdDev, low, high)
		if err != nil {
			return err
		}
	}
	return nil
}

// RunTrials runs cfg.Trials independent trials of one configuration on cfg.Workers workers
func RunTrials(ctx context.Context, cfg *ExpCfg) (*TrialSet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	jobs := newTrialJobs(cfg, cfg.Seed)
	if err := runJobs(ctx, jobs, cfg.Workers); err != nil {
		return nil, err
	}

	logger.MainLog.Infof("%s: %d trials with %d downloaders, %d uploaders done",
		cfg.Name, cfg.Trials, cfg.Downloaders, cfg.Uploaders)

	return collect(cfg, jobs)
}

// SurfaceCell is one grid point of a sweep
type SurfaceCell struct {
	Downloaders int    `json:"downloaders" yaml:"downloaders"`
	Uploaders   int    `json:"uploaders" yaml:"uploaders"`
	Download    *Stats `json:"download,omitempty" yaml:"download,omitempty"`
	Upload      *Stats `json:"upload,omitempty" yaml:"upload,omitempty"`
}

// Surface is the throughput of a sweep over client counts, the input of a 3-D plot
type Surface struct {
	Name  string        `json:"name" yaml:"name"`
	Cells []SurfaceCell `json:"cells" yaml:"cells"`
}

// Cell returns the grid point with the given counts
func (sf *Surface) Cell(downloaders, uploaders int) (SurfaceCell, bool) {
	for _, cell := range sf.Cells {
		if cell.Downloaders == downloaders && cell.Uploaders == uploaders {
			return cell, true
		}
	}
	return SurfaceCell{}, false
}

// WriteToFile serializes the surface, json or yaml by the file name's extension
func (sf *Surface) WriteToFile(filename string) error {
	return writeDesc(filename, sf)
}

// ReadSurface deserializes a surface from the named file, or from dict if it is not empty
func ReadSurface(filename string, useYAML bool, dict []byte) (*Surface, error) {
	sf := new(Surface)
	if err := readDesc(filename, useYAML, dict, sf); err != nil {
		return nil, err
	}
	return sf, nil
}

// Sweep runs cfg.Trials trials at every point of cfg.Sweep.  All trials of the sweep share
// one pool of cfg.Workers workers.  The TopoDescDict returned describes the topology of
// every grid point.
func Sweep(ctx context.Context, cfg *ExpCfg) (*Surface, *TopoDescDict, error) {
	if cfg.Sweep == nil {
		return nil, nil, errors.New("configuration has no sweep range")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	points := cfg.Sweep.Points()
	cellCfgs := make([]*ExpCfg, 0, len(points))
	cellJobs := make([][]*trialJob, 0, len(points))
	allJobs := []*trialJob{}
	for idx, pt := range points {
		cellCfg := cfg.WithCounts(pt[0], pt[1])

		// the seed resets the streams once, ahead of the first cell
		seed := uint64(0)
		if idx == 0 {
			seed = cfg.Seed
		}
		jobs := newTrialJobs(cellCfg, seed)
		cellCfgs = append(cellCfgs, cellCfg)
		cellJobs = append(cellJobs, jobs)
		allJobs = append(allJobs, jobs...)
	}

	if err := runJobs(ctx, allJobs, cfg.Workers); err != nil {
		return nil, nil, err
	}

	sf := &Surface{Name: cfg.Name}
	tdd := CreateTopoDescDict(cfg.Name)
	errs := []error{}
	for idx, cellCfg := range cellCfgs {
		ts, err := collect(cellCfg, cellJobs[idx])
		if err != nil {
			errs = append(errs, fmt.Errorf("d=%d u=%d: %w", cellCfg.Downloaders, cellCfg.Uploaders, err))
			continue
		}
		sf.Cells = append(sf.Cells, SurfaceCell{
			Downloaders: cellCfg.Downloaders,
			Uploaders:   cellCfg.Uploaders,
			Download:    ts.Download,
			Upload:      ts.Upload,
		})

		exp, err := BuildExperiment(cellCfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		td := exp.Describe()
		if err := tdd.AddTopoDesc(&td, true); err != nil {
			errs = append(errs, err)
		}
	}

	logger.MainLog.Infof("%s: sweep over %d grid points done", cfg.Name, len(points))

	return sf, tdd, ReportErrs(errs)
}
