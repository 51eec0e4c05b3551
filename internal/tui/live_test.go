package tui

import (
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/san-kum/qtune/internal/autotuner"
	"github.com/san-kum/qtune/internal/dynamo"
)

func testModel() model {
	var paused atomic.Bool
	return newModel("double_dot", []StageInfo{
		{Kind: "subset", Parameters: []string{"tunnel"}},
		{Kind: "sensing_dot", Parameters: []string{"contrast"}},
	}, &paused)
}

func TestModelAbsorbsEvents(t *testing.T) {
	m := testModel()

	next, _ := m.Update(eventMsg(autotuner.Event{
		Phase:    autotuner.PhaseDecide,
		Stage:    0,
		Tuned:    true,
		Distance: 0.01,
		State:    autotuner.State{Index: 1},
		Voltages: dynamo.Voltages{"CB": 0.2},
	}))
	m = next.(model)
	next, _ = m.Update(eventMsg(autotuner.Event{
		Phase:    autotuner.PhasePropose,
		Stage:    1,
		StepNorm: 0.05,
		State:    autotuner.State{Index: 1, Pending: dynamo.Voltages{"SG": 0.05}},
		Voltages: dynamo.Voltages{"SG": 0.05},
	}))
	m = next.(model)

	if m.iterations != 2 {
		t.Errorf("expected 2 iterations, got %d", m.iterations)
	}
	if m.tunedCount[0] != 1 {
		t.Errorf("expected stage 0 tuned once, got %d", m.tunedCount[0])
	}
	if m.stepNorm != 0.05 {
		t.Errorf("expected step norm 0.05, got %g", m.stepNorm)
	}

	view := m.View()
	for _, want := range []string{"RUNNING", "sensing_dot", "tuned 1x", "SG", "+0.05000"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModelPauseToggle(t *testing.T) {
	m := testModel()
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'p'}})
	m = next.(model)
	if !m.paused.Load() {
		t.Fatal("expected paused")
	}
	if !strings.Contains(m.View(), "PAUSED") {
		t.Error("expected paused status")
	}
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'p'}})
	if next.(model).paused.Load() {
		t.Error("expected resumed")
	}
}

func TestModelQuit(t *testing.T) {
	_, cmd := testModel().Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestModelDone(t *testing.T) {
	m := testModel()
	next, _ := m.Update(doneMsg{iterations: 7})
	if !strings.Contains(next.(model).View(), "COMPLETE") {
		t.Error("expected complete status")
	}

	next, _ = m.Update(doneMsg{iterations: 3, err: errors.New("instrument offline")})
	view := next.(model).View()
	if !strings.Contains(view, "FAILED") || !strings.Contains(view, "instrument offline") {
		t.Error("expected failure in view")
	}
}

func TestSparklineSkipsNaN(t *testing.T) {
	s := Sparkline([]float64{1, math.NaN(), 0.5, 0.1}, 10)
	bars := 0
	for _, r := range s {
		if r >= '▁' && r <= '█' {
			bars++
		}
	}
	if bars != 3 {
		t.Errorf("expected 3 bars in %q", s)
	}
}
