package automation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/san-kum/qtune/internal/autotuner"
	"github.com/san-kum/qtune/internal/config"
	"github.com/san-kum/qtune/internal/experiment"
	"github.com/san-kum/qtune/internal/storage"
)

// Job is one tuning run.
type Job struct {
	Name   string
	Config *config.Config
}

// Result describes how one job ended. A job that fails does not stop the
// others; its error is kept here.
type Result struct {
	Name         string
	RunID        string
	Seed         int64
	Complete     bool
	Satisfied    bool
	Transitions  int
	Measurements int
	Moves        int
	Effort       float64
	Duration     time.Duration
	Worst        float64
	Err          error
}

type Runner struct {
	registry    *experiment.Registry
	store       storage.Store
	logger      *zap.Logger
	parallelism int
}

type RunnerOption func(*Runner)

// WithStore checkpoints every job into store, which must be initialised.
func WithStore(store storage.Store) RunnerOption {
	return func(r *Runner) { r.store = store }
}

func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithParallelism bounds the number of concurrent jobs. Zero or less means
// one job at a time.
func WithParallelism(n int) RunnerOption {
	return func(r *Runner) { r.parallelism = n }
}

func NewRunner(registry *experiment.Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry:    registry,
		logger:      zap.NewNop(),
		parallelism: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.parallelism < 1 {
		r.parallelism = 1
	}
	return r
}

// Run executes every job and returns results in job order. Only context
// cancellation aborts the batch.
func (r *Runner) Run(ctx context.Context, jobs []Job) ([]Result, error) {
	results := make([]Result, len(jobs))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				results[i] = Result{Name: job.Name, Err: err}
				return err
			}
			results[i] = r.runJob(gCtx, job)
			if errors.Is(results[i].Err, context.Canceled) {
				return results[i].Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

func (r *Runner) runJob(ctx context.Context, job Job) Result {
	res := Result{Name: job.Name, Seed: job.Config.Device.Seed, Worst: math.NaN()}
	start := time.Now()
	logger := r.logger.With(zap.String("job", job.Name))

	exp, err := r.registry.Build(ctx, job.Config, experiment.WithLogger(logger))
	if err != nil {
		res.Err = err
		return res
	}

	timeout := job.Config.Storage.Timeout
	if timeout <= 0 {
		timeout = config.DefaultWriteTimeout
	}
	opts := []autotuner.Option{
		autotuner.WithLogger(logger),
		autotuner.WithLabel(job.Name),
	}
	var writer *storage.Writer
	if r.store != nil {
		writer = storage.NewWriter(r.store,
			storage.WithLogger(logger),
			storage.WithTimeout(timeout))
		opts = append(opts, autotuner.WithWriter(writer))
	}
	at, err := autotuner.New(ctx, exp.Device, exp.Hierarchy, opts...)
	if err != nil {
		if writer != nil {
			_ = writer.Close(ctx)
		}
		res.Err = err
		return res
	}
	res.RunID = at.RunID()

	res.Transitions, res.Err = at.Run(ctx, job.Config.MaxIterations)
	closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := at.Close(closeCtx); err != nil && res.Err == nil {
		res.Err = fmt.Errorf("checkpoint: %w", err)
	}

	res.Complete = at.IsTuningComplete()
	res.Duration = time.Since(start)
	res.Moves = at.Effort().Moves()
	res.Effort = at.Effort().Total()
	if sim, ok := exp.Sim(); ok {
		res.Measurements = sim.Measurements
		res.Worst, res.Satisfied = Assess(sim.Exact(), job.Config)
	}

	logger.Info("job finished",
		zap.Bool("complete", res.Complete),
		zap.Bool("satisfied", res.Satisfied),
		zap.Int("transitions", res.Transitions),
		zap.Duration("duration", res.Duration),
		zap.Error(res.Err))
	return res
}

// Assess checks every stage goal against noise-free parameter values. It
// returns the largest tolerance violation ratio |value-desired|/tolerance
// and whether every goal holds.
func Assess(exact map[string]float64, cfg *config.Config) (worst float64, satisfied bool) {
	satisfied = true
	worst = 0
	for _, st := range cfg.Stages {
		for _, tc := range st.Targets {
			entry := tc.Entry()
			v, ok := exact[entry.Name]
			if !ok {
				satisfied = false
				continue
			}
			if !entry.WithinTolerance(v) || entry.BelowMinimum(v) {
				satisfied = false
			}
			if entry.Steers() && !math.IsNaN(entry.Tolerance) && entry.Tolerance > 0 {
				worst = math.Max(worst, math.Abs(v-entry.Desired)/entry.Tolerance)
			}
		}
	}
	return worst, satisfied
}

// Summary aggregates an ensemble of results.
type Summary struct {
	Runs            int
	Completed       int
	Satisfied       int
	Failed          int
	MeanTransitions float64
	MaxTransitions  int
	P90Transitions  int
}

func (s Summary) SuccessRate() float64 {
	if s.Runs == 0 {
		return 0
	}
	return float64(s.Satisfied) / float64(s.Runs)
}

func Summarize(results []Result) Summary {
	s := Summary{Runs: len(results)}
	var transitions []int
	for _, r := range results {
		if r.Err != nil && !errors.Is(r.Err, autotuner.ErrIterationLimit) {
			s.Failed++
		}
		if r.Complete {
			s.Completed++
			transitions = append(transitions, r.Transitions)
		}
		if r.Satisfied {
			s.Satisfied++
		}
	}
	if len(transitions) == 0 {
		return s
	}
	sort.Ints(transitions)
	sum := 0
	for _, t := range transitions {
		sum += t
	}
	s.MeanTransitions = float64(sum) / float64(len(transitions))
	s.MaxTransitions = transitions[len(transitions)-1]
	s.P90Transitions = transitions[(len(transitions)*9-1)/10]
	return s
}

// Ensemble repeats one configuration over consecutive seeds.
func Ensemble(name string, cfg *config.Config, runs int, seedStart int64) []Job {
	jobs := make([]Job, runs)
	for i := range jobs {
		c := cfg.Clone()
		c.Device.Seed = seedStart + int64(i)
		jobs[i] = Job{Name: fmt.Sprintf("%s#%d", name, i), Config: c}
	}
	return jobs
}
