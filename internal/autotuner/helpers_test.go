package autotuner_test

import (
	. "github.com/onsi/gomega"

	"github.com/san-kum/qtune/internal/device"
	"github.com/san-kum/qtune/internal/dynamo"
	"github.com/san-kum/qtune/internal/estimator"
	"github.com/san-kum/qtune/internal/solver"
	"github.com/san-kum/qtune/internal/tuner"
)

func newSolver(gates []string, gradient []float64, maxStep float64, entries ...solver.TargetEntry) *solver.Newton {
	target, err := solver.NewTarget(entries...)
	Expect(err).NotTo(HaveOccurred())

	ests := make([]*estimator.Kalman, 0, len(entries))
	for _, e := range entries {
		k, err := estimator.NewKalman(gates, []string{e.Name},
			estimator.WithGradient([][]float64{append([]float64(nil), gradient...)}))
		Expect(err).NotTo(HaveOccurred())
		ests = append(ests, k)
	}
	s, err := solver.NewNewton(target, gates, ests, solver.WithMaxStep(maxStep))
	Expect(err).NotTo(HaveOccurred())
	return s
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func subsetStage(gates []string, entries []solver.TargetEntry, evals ...dynamo.Evaluator) *tuner.Subset {
	s, err := tuner.NewSubset(evals, gates, newSolver(gates, ones(len(gates)), 0.1, entries...))
	Expect(err).NotTo(HaveOccurred())
	return s
}

func newDevice(params ...device.ParameterModel) *device.Sim {
	sim, err := device.NewSim(dynamo.Voltages{"g1": 0, "g2": 0}, params, device.WithNoise(1e-6), device.WithSeed(7))
	Expect(err).NotTo(HaveOccurred())
	return sim
}
