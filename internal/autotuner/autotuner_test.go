package autotuner_test

import (
	"context"
	"errors"
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/san-kum/qtune/internal/autotuner"
	"github.com/san-kum/qtune/internal/device"
	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/solver"
	"github.com/san-kum/qtune/internal/storage"
	"github.com/san-kum/qtune/internal/tuner"
)

var _ = Describe("Autotuner", func() {
	var (
		ctx    context.Context
		logger *zap.Logger
		sim    *device.Sim
		phases []autotuner.Phase
	)

	record := autotuner.WithObserver(func(ev autotuner.Event) {
		phases = append(phases, ev.Phase)
	})

	BeforeEach(func() {
		ctx = context.Background()
		logger = zap.NewNop()
		sim = newDevice()
		phases = nil
	})

	Describe("New", func() {
		It("rejects a parameter owned by two stages", func() {
			a := subsetStage([]string{"g1"}, []solver.TargetEntry{solver.Entry("x", 0, 1)},
				device.NewStaticEvaluator("a", map[string]float64{"x": 0}, 0))
			b := subsetStage([]string{"g2"}, []solver.TargetEntry{solver.Entry("x", 0, 1)},
				device.NewStaticEvaluator("b", map[string]float64{"x": 0}, 0))

			_, err := autotuner.New(ctx, sim, []tuner.Tuner{a, b})
			Expect(err).To(MatchError(dynamo.ErrDuplicateParameter))

			var cfgErr *dynamo.ConfigError
			Expect(errors.As(err, &cfgErr)).To(BeTrue())
			Expect(cfgErr.Names).To(Equal([]string{"x"}))
		})

		It("seeds unknown last voltages from the device", func() {
			Expect(sim.SetVoltages(ctx, dynamo.Voltages{"g1": 0.3})).To(Succeed())
			stage := subsetStage([]string{"g1"}, []solver.TargetEntry{solver.Entry("x", 0, 1)},
				device.NewStaticEvaluator("e", map[string]float64{"x": 0}, 0))

			_, err := autotuner.New(ctx, sim, []tuner.Tuner{stage})
			Expect(err).NotTo(HaveOccurred())
			Expect(stage.LastVoltages()).To(Equal(dynamo.Voltages{"g1": 0.3, "g2": 0}))
		})

		It("rejects a state outside the hierarchy", func() {
			_, err := autotuner.New(ctx, sim, nil, autotuner.WithState(autotuner.State{Index: 2}))
			Expect(err).To(MatchError(dynamo.ErrInvalidOption))
		})

		It("treats an empty hierarchy as complete", func() {
			at, err := autotuner.New(ctx, sim, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(at.IsTuningComplete()).To(BeTrue())
			_, ok := at.CurrentTuner()
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Iterate", func() {
		It("completes two tuned stages with two decisions", func() {
			first := subsetStage([]string{"g1"}, []solver.TargetEntry{solver.Entry("x", 1, 0.1)},
				device.NewStaticEvaluator("x", map[string]float64{"x": 1}, 0))
			second := subsetStage([]string{"g2"}, []solver.TargetEntry{solver.Entry("y", -2, 0.1)},
				device.NewStaticEvaluator("y", map[string]float64{"y": -2}, 0))

			at, err := autotuner.New(ctx, sim, []tuner.Tuner{first, second}, autotuner.WithLogger(logger), record)
			Expect(err).NotTo(HaveOccurred())

			Expect(at.Iterate(ctx)).To(Succeed())
			Expect(at.IsTuningComplete()).To(BeFalse())
			cur, ok := at.CurrentTuner()
			Expect(ok).To(BeTrue())
			Expect(cur).To(BeIdenticalTo(tuner.Tuner(second)))

			Expect(at.Iterate(ctx)).To(Succeed())
			Expect(at.IsTuningComplete()).To(BeTrue())
			Expect(at.Phase()).To(Equal(autotuner.PhaseComplete))
			Expect(phases).To(Equal([]autotuner.Phase{autotuner.PhaseDecide, autotuner.PhaseDecide}))
			Expect(sim.Writes).To(BeZero())
			Expect(first.TunedPositions()).To(HaveLen(1))
			Expect(second.TunedPositions()).To(HaveLen(1))

			err = at.Iterate(ctx)
			Expect(err).To(MatchError(dynamo.ErrTuningComplete))
		})

		It("walks decide, propose and apply on an untuned stage", func() {
			eval := device.NewStaticEvaluator("e", map[string]float64{"x": 1}, 0)
			stage := subsetStage([]string{"g1"}, []solver.TargetEntry{solver.Entry("x", 0, 0.1)}, eval)

			at, err := autotuner.New(ctx, sim, []tuner.Tuner{stage}, record)
			Expect(err).NotTo(HaveOccurred())

			Expect(at.Iterate(ctx)).To(Succeed())
			Expect(at.State().Index).To(Equal(0))
			Expect(at.State().AwaitingStep).To(BeTrue())
			Expect(at.State().Pending).To(BeNil())

			Expect(at.Iterate(ctx)).To(Succeed())
			pending := at.State().Pending
			Expect(pending).NotTo(BeNil())
			Expect(pending["g1"]).To(BeNumerically("~", -0.1, 1e-12))
			Expect(pending["g2"]).To(Equal(0.0))
			Expect(at.State().AwaitingStep).To(BeFalse())
			Expect(sim.Writes).To(BeZero())

			Expect(at.Iterate(ctx)).To(Succeed())
			Expect(at.State()).To(Equal(autotuner.State{}))
			Expect(sim.Writes).To(Equal(1))
			v, _ := sim.ReadVoltages(ctx)
			Expect(v["g1"]).To(BeNumerically("~", -0.1, 1e-12))

			Expect(eval.Calls).To(Equal(1))
			Expect(at.Iterate(ctx)).To(Succeed())
			Expect(eval.Calls).To(Equal(2))
			Expect(at.State().AwaitingStep).To(BeTrue())

			Expect(phases).To(Equal([]autotuner.Phase{
				autotuner.PhaseDecide, autotuner.PhasePropose, autotuner.PhaseApply, autotuner.PhaseDecide,
			}))
			Expect(at.Effort().Moves()).To(Equal(1))
		})

		It("restarts from the first stage after applying a step", func() {
			first := subsetStage([]string{"g1"}, []solver.TargetEntry{solver.Entry("x", 1, 0.1)},
				device.NewStaticEvaluator("x", map[string]float64{"x": 1}, 0))
			second := subsetStage([]string{"g2"}, []solver.TargetEntry{solver.Entry("y", 0, 0.1)},
				device.NewStaticEvaluator("y", map[string]float64{"y": 5}, 0))

			at, err := autotuner.New(ctx, sim, []tuner.Tuner{first, second})
			Expect(err).NotTo(HaveOccurred())

			Expect(at.Iterate(ctx)).To(Succeed()) // stage 0 tuned
			Expect(at.Iterate(ctx)).To(Succeed()) // stage 1 untuned
			Expect(at.Iterate(ctx)).To(Succeed()) // propose
			Expect(at.State().Index).To(Equal(1))
			Expect(at.Iterate(ctx)).To(Succeed()) // apply
			Expect(at.State().Index).To(Equal(0))
			Expect(at.Phase()).To(Equal(autotuner.PhaseDecide))
		})

		It("refuses to iterate when a stage declares an unknown gate", func() {
			eval := device.NewStaticEvaluator("e", map[string]float64{"x": 0}, 0)
			stage := subsetStage([]string{"g9"}, []solver.TargetEntry{solver.Entry("x", 0, 1)}, eval)

			at, err := autotuner.New(ctx, sim, []tuner.Tuner{stage})
			Expect(err).NotTo(HaveOccurred())

			ready, issues, err := at.ReadyToTune(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ready).To(BeFalse())
			Expect(issues).To(ContainElement(autotuner.Inconsistency{Stage: 0, Component: "declared gates", Missing: []string{"g9"}}))

			err = at.Iterate(ctx)
			Expect(err).To(MatchError(dynamo.ErrNotReady))
			var cerr *autotuner.ConsistencyError
			Expect(errors.As(err, &cerr)).To(BeTrue())
			Expect(cerr.Inconsistencies).To(Equal(issues))
			Expect(cerr.Error()).To(ContainSubstring("stage 0 declared gates: unknown gates g9"))
			Expect(eval.Calls).To(BeZero())
		})

		It("reports unknown gates in the last known voltages", func() {
			stage := subsetStage([]string{"g1"}, []solver.TargetEntry{solver.Entry("x", 0, 1)},
				device.NewStaticEvaluator("e", map[string]float64{"x": 0}, 0))
			stage.SetLastVoltages(dynamo.Voltages{"g1": 0, "gone": 1})

			at, err := autotuner.New(ctx, sim, []tuner.Tuner{stage})
			Expect(err).NotTo(HaveOccurred())
			ready, issues, err := at.ReadyToTune(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ready).To(BeFalse())
			Expect(issues).To(Equal([]autotuner.Inconsistency{{Stage: 0, Component: "last voltages", Missing: []string{"gone"}}}))
		})

		It("reports unknown gates in restored pending, solver and estimator positions", func() {
			eval := device.NewStaticEvaluator("e", map[string]float64{"x": 0}, 0)
			stage := subsetStage([]string{"g1"}, []solver.TargetEntry{solver.Entry("x", 0, 1)}, eval)
			at, err := autotuner.New(ctx, sim, []tuner.Tuner{stage})
			Expect(err).NotTo(HaveOccurred())

			cp := at.Snapshot()
			cp.State.Pending = dynamo.Voltages{"g1": 0.1, "phantom": 0.2}
			cp.Stages[0].Solver.Position = dynamo.Voltages{"g1": 0, "ghost2": 1}
			cp.Stages[0].Solver.Estimators[0].Position = dynamo.Voltages{"g1": 0, "ghost": 1}
			Expect(at.Restore(cp)).To(Succeed())

			ready, issues, err := at.ReadyToTune(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ready).To(BeFalse())
			Expect(issues).To(Equal([]autotuner.Inconsistency{
				{Stage: -1, Component: "pending voltages", Missing: []string{"phantom"}},
				{Stage: 0, Component: "solver position", Missing: []string{"ghost2"}},
				{Stage: 0, Component: "estimator 0 operating point", Missing: []string{"ghost"}},
			}))

			writes, seq := sim.Writes, at.Sequence()
			err = at.Iterate(ctx)
			var cerr *autotuner.ConsistencyError
			Expect(errors.As(err, &cerr)).To(BeTrue())
			Expect(err).To(MatchError(dynamo.ErrNotReady))
			Expect(cerr.Inconsistencies).To(Equal(issues))
			Expect(sim.Writes).To(Equal(writes))
			Expect(at.Sequence()).To(Equal(seq))
			Expect(at.Phase()).To(Equal(autotuner.PhaseApply))
			Expect(eval.Calls).To(BeZero())
		})

		It("propagates evaluator failures with stage context", func() {
			boom := errors.New("instrument offline")
			eval := device.NewFuncEvaluator("f", []string{"x"}, func(context.Context) (dynamo.Sample, error) {
				return nil, boom
			})
			stage := subsetStage([]string{"g1"}, []solver.TargetEntry{solver.Entry("x", 0, 1)}, eval)
			at, err := autotuner.New(ctx, sim, []tuner.Tuner{stage})
			Expect(err).NotTo(HaveOccurred())

			err = at.Iterate(ctx)
			Expect(err).To(MatchError(boom))
			Expect(err.Error()).To(HavePrefix("stage 0:"))
			Expect(at.State()).To(Equal(autotuner.State{}))
		})
	})

	Describe("Run", func() {
		It("drives a simulated device onto its targets", func() {
			sim = newDevice(
				device.ParameterModel{Name: "x", Offset: 0, Slopes: map[string]float64{"g1": 1, "g2": 0.5}},
				device.ParameterModel{Name: "contrast", Offset: 2, Slopes: map[string]float64{"g2": 0.1}},
			)
			gates := []string{"g1", "g2"}
			xs, err := tuner.NewSubset(
				[]dynamo.Evaluator{device.NewSimEvaluator("x", sim, "x")}, gates,
				newSolver(gates, []float64{0.8, 0.6}, 0.1, solver.Entry("x", 0.5, 0.01)))
			Expect(err).NotTo(HaveOccurred())

			cheap := device.NewSimEvaluator("cheap", sim, "contrast")
			expensive := device.NewSimEvaluator("expensive", sim, "contrast")
			dot, err := tuner.NewSensingDot([]dynamo.Evaluator{cheap}, []dynamo.Evaluator{expensive}, []string{"g2"},
				newSolver([]string{"g2"}, []float64{0.1}, 0.1, solver.Threshold("contrast", math.NaN(), 1, 1.5)))
			Expect(err).NotTo(HaveOccurred())

			at, err := autotuner.New(ctx, sim, []tuner.Tuner{xs, dot}, autotuner.WithLogger(logger))
			Expect(err).NotTo(HaveOccurred())

			n, err := at.Run(ctx, 200)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeNumerically(">", 3))
			Expect(at.IsTuningComplete()).To(BeTrue())
			Expect(sim.Exact()["x"]).To(BeNumerically("~", 0.5, 0.011))
			Expect(expensive.Calls).To(BeZero())
			Expect(xs.Solver().Estimators()[0].Updates()).To(BeNumerically(">", 0))
		})

		It("stops at the iteration limit", func() {
			stage := subsetStage([]string{"g1"}, []solver.TargetEntry{solver.Entry("x", 0, 0.1)},
				device.NewStaticEvaluator("e", map[string]float64{"x": 1}, 0))
			at, err := autotuner.New(ctx, sim, []tuner.Tuner{stage})
			Expect(err).NotTo(HaveOccurred())

			n, err := at.Run(ctx, 5)
			Expect(err).To(MatchError(autotuner.ErrIterationLimit))
			Expect(n).To(Equal(5))
		})

		It("stops when the context ends", func() {
			stage := subsetStage([]string{"g1"}, []solver.TargetEntry{solver.Entry("x", 0, 0.1)},
				device.NewStaticEvaluator("e", map[string]float64{"x": 1}, 0))
			at, err := autotuner.New(ctx, sim, []tuner.Tuner{stage})
			Expect(err).NotTo(HaveOccurred())

			cctx, cancel := context.WithCancel(ctx)
			cancel()
			n, err := at.Run(cctx, 0)
			Expect(err).To(MatchError(context.Canceled))
			Expect(n).To(BeZero())
		})
	})

	Describe("checkpointing", func() {
		var store *storage.MemoryStore

		BeforeEach(func() {
			store = storage.NewMemoryStore()
			Expect(store.Init(ctx)).To(Succeed())
		})

		build := func(opts ...autotuner.Option) (*autotuner.Autotuner, *tuner.Subset) {
			stage := subsetStage([]string{"g1"}, []solver.TargetEntry{solver.Entry("x", 0, 0.1)},
				device.NewStaticEvaluator("e", map[string]float64{"x": 1}, 0))
			at, err := autotuner.New(ctx, sim, []tuner.Tuner{stage}, opts...)
			Expect(err).NotTo(HaveOccurred())
			return at, stage
		}

		It("writes the state after every transition and resumes from it", func() {
			clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
			at, _ := build(
				autotuner.WithWriter(storage.NewWriter(store)),
				autotuner.WithRunID("run-1"),
				autotuner.WithLabel("demo"),
				autotuner.WithClock(func() time.Time { return clock }),
			)

			for i := 0; i < 2; i++ {
				Expect(at.Iterate(ctx)).To(Succeed())
			}
			Expect(at.Close(ctx)).To(Succeed())

			latest, ok, err := store.Latest(ctx, "run-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(latest.Sequence).To(Equal(1))
			Expect(latest.Label).To(Equal("demo"))
			Expect(latest.State.Pending).NotTo(BeNil())
			Expect(latest.Stages).To(HaveLen(1))
			Expect(latest.Timestamp.Equal(clock)).To(BeTrue())

			resumed, stage := build()
			Expect(resumed.Restore(latest)).To(Succeed())
			Expect(resumed.RunID()).To(Equal("run-1"))
			Expect(resumed.Sequence()).To(Equal(2))
			Expect(resumed.Phase()).To(Equal(autotuner.PhaseApply))
			Expect(resumed.State().Pending["g1"]).To(BeNumerically("~", -0.1, 1e-12))
			Expect(stage.LastSample()["x"].Value).To(Equal(1.0))

			Expect(resumed.Iterate(ctx)).To(Succeed())
			Expect(resumed.State().Index).To(Equal(0))
			Expect(sim.Writes).To(Equal(1))
		})

		It("rejects a checkpoint from a different hierarchy", func() {
			at, _ := build()
			cp := at.Snapshot()
			cp.Stages = append(cp.Stages, cp.Stages[0])

			other, _ := build()
			Expect(other.Restore(cp)).To(MatchError(dynamo.ErrTargetMismatch))
		})

		It("numbers checkpoints consecutively", func() {
			at, _ := build(autotuner.WithWriter(storage.NewWriter(store)))
			Expect(at.Sequence()).To(Equal(0))
			Expect(at.Iterate(ctx)).To(Succeed())
			Expect(at.Iterate(ctx)).To(Succeed())
			Expect(at.Iterate(ctx)).To(Succeed())
			Expect(at.Sequence()).To(Equal(3))
			Expect(at.Close(ctx)).To(Succeed())

			history, err := store.History(ctx, at.RunID())
			Expect(err).NotTo(HaveOccurred())
			Expect(history).NotTo(BeEmpty())
			Expect(history[len(history)-1].Sequence).To(Equal(2))
			Expect(history[len(history)-1].State).To(Equal(storage.State{}))
		})
	})
})
