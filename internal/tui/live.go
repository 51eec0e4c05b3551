package tui

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/san-kum/qtune/internal/autotuner"
)

const historyLen = 48

type eventMsg autotuner.Event

type doneMsg struct {
	iterations int
	err        error
}

// StageInfo labels one stage in the live view.
type StageInfo struct {
	Kind       string
	Parameters []string
}

type model struct {
	title  string
	stages []StageInfo

	paused *atomic.Bool

	iterations int
	phase      autotuner.Phase
	state      autotuner.State
	distance   map[int][]float64
	stepNorm   float64
	voltages   map[string]float64
	tunedCount map[int]int
	lastErr    error
	done       bool
	started    time.Time
	elapsed    time.Duration

	width int
}

func newModel(title string, stages []StageInfo, paused *atomic.Bool) model {
	return model{
		title:      title,
		stages:     stages,
		paused:     paused,
		distance:   make(map[int][]float64),
		tunedCount: make(map[int]int),
		stepNorm:   math.NaN(),
		started:    time.Now(),
		width:      80,
	}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "p", " ":
			if !m.done {
				m.paused.Store(!m.paused.Load())
			}
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case eventMsg:
		m = m.absorb(autotuner.Event(msg))
	case doneMsg:
		m.done = true
		m.lastErr = msg.err
		m.iterations = msg.iterations
		m.elapsed = time.Since(m.started)
	}
	return m, nil
}

func (m model) absorb(ev autotuner.Event) model {
	m.iterations++
	m.phase = ev.Phase
	m.state = ev.State
	m.elapsed = time.Since(m.started)
	if ev.Err != nil {
		m.lastErr = ev.Err
	}
	if ev.Voltages != nil {
		m.voltages = ev.Voltages
	}
	switch ev.Phase {
	case autotuner.PhaseDecide:
		h := append(m.distance[ev.Stage], ev.Distance)
		if len(h) > historyLen {
			h = h[len(h)-historyLen:]
		}
		m.distance[ev.Stage] = h
		if ev.Tuned {
			m.tunedCount[ev.Stage]++
		}
	case autotuner.PhasePropose:
		m.stepNorm = ev.StepNorm
	}
	return m
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(Title.Render("qtune") + "  " + Subtle.Render(m.title) + "\n\n")
	b.WriteString(m.status() + "\n\n")

	stageIdx := m.state.Index
	for i, st := range m.stages {
		marker, style := "·", StagePending
		switch {
		case m.done && m.lastErr == nil, i < stageIdx:
			marker, style = "✓", StageDone
		case i == stageIdx:
			marker, style = "▶", StageActive
		}
		line := fmt.Sprintf("%s %d %-12s %s", marker, i, st.Kind, strings.Join(st.Parameters, ","))
		b.WriteString(style.Render(line))
		if n := m.tunedCount[i]; n > 0 {
			b.WriteString(Subtle.Render(fmt.Sprintf("  tuned %dx", n)))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(MetricLabel.Render("distance  ") + Sparkline(m.distance[stageIdx], historyLen) + "\n")
	b.WriteString(MetricLabel.Render("last step ") + MetricValue.Render(formatValue(m.stepNorm)) + "\n")
	b.WriteString(MetricLabel.Render("progress  ") + ProgressBar(stageIdx, len(m.stages), 30) + "\n\n")

	b.WriteString(Panel.Render(m.voltageTable()) + "\n")
	b.WriteString(KeyHint.Render("p pause · q quit"))
	return b.String()
}

func (m model) status() string {
	label := fmt.Sprintf("iter %d  phase %s  %s", m.iterations, m.phase, m.elapsed.Truncate(time.Millisecond))
	switch {
	case m.done && m.lastErr != nil:
		return StatusFailed.Render("FAILED ") + label + "\n" + StatusFailed.Render(m.lastErr.Error())
	case m.done:
		return StatusRunning.Render("COMPLETE ") + label
	case m.paused.Load():
		return StatusPaused.Render("PAUSED ") + label
	default:
		return StatusRunning.Render("RUNNING ") + label
	}
}

func (m model) voltageTable() string {
	if len(m.voltages) == 0 {
		return Subtle.Render("no voltages yet")
	}
	gates := make([]string, 0, len(m.voltages))
	for g := range m.voltages {
		gates = append(gates, g)
	}
	sort.Strings(gates)
	lines := make([]string, len(gates))
	for i, g := range gates {
		lines[i] = fmt.Sprintf("%-6s %s", g, MetricValue.Render(fmt.Sprintf("%+.5f", m.voltages[g])))
	}
	return strings.Join(lines, "\n")
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.3g", v)
}

// Live drives an autotuner while rendering its progress.
type Live struct {
	program *tea.Program
	paused  atomic.Bool
	delay   time.Duration
}

// NewLive prepares the view. Pass Observe to autotuner.WithObserver before
// calling Run.
func NewLive(title string, stages []StageInfo, delay time.Duration) *Live {
	l := &Live{delay: delay}
	l.program = tea.NewProgram(newModel(title, stages, &l.paused), tea.WithAltScreen())
	return l
}

func (l *Live) Observe(ev autotuner.Event) {
	l.program.Send(eventMsg(ev))
}

// Run iterates at until tuning completes, the user quits or ctx ends. It
// returns the number of transitions and the error that stopped the loop.
func (l *Live) Run(ctx context.Context, at *autotuner.Autotuner, maxIterations int) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		n   int
		err error
	}
	finished := make(chan result, 1)
	go func() {
		n, err := l.loop(ctx, at, maxIterations)
		l.program.Send(doneMsg{iterations: n, err: err})
		finished <- result{n, err}
	}()

	_, perr := l.program.Run()
	cancel()
	res := <-finished
	if perr != nil {
		return res.n, perr
	}
	return res.n, res.err
}

func (l *Live) loop(ctx context.Context, at *autotuner.Autotuner, maxIterations int) (int, error) {
	n := 0
	for !at.IsTuningComplete() {
		if maxIterations > 0 && n >= maxIterations {
			return n, autotuner.ErrIterationLimit
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if l.paused.Load() {
			if err := sleep(ctx, 50*time.Millisecond); err != nil {
				return n, err
			}
			continue
		}
		if err := at.Iterate(ctx); err != nil {
			return n, err
		}
		n++
		if l.delay > 0 {
			if err := sleep(ctx, l.delay); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsQuit reports whether err only records that the user left the view.
func IsQuit(err error) bool {
	return errors.Is(err, context.Canceled)
}
