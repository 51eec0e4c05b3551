package storage

import (
	"encoding/csv"
	"io"
	"math"
	"sort"
	"strconv"
)

// Gates returns every gate seen in the history, sorted.
func Gates(history []Checkpoint) []string {
	seen := make(map[string]struct{})
	for _, c := range history {
		for g := range c.Voltages {
			seen[g] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// Parameters returns every parameter owned by some stage, sorted.
func Parameters(history []Checkpoint) []string {
	seen := make(map[string]struct{})
	for _, c := range history {
		for _, st := range c.Stages {
			for _, p := range st.Parameters {
				seen[p] = struct{}{}
			}
		}
	}
	return sortedKeys(seen)
}

func VoltageSeries(history []Checkpoint, gate string) []float64 {
	out := make([]float64, len(history))
	for i, c := range history {
		v, ok := c.Voltages[gate]
		if !ok {
			v = math.NaN()
		}
		out[i] = v
	}
	return out
}

// ParameterSeries returns the last measured value of a parameter at every
// checkpoint, NaN before it was first measured.
func ParameterSeries(history []Checkpoint, parameter string) []float64 {
	out := make([]float64, len(history))
	for i, c := range history {
		out[i] = parameterValue(c, parameter)
	}
	return out
}

func parameterValue(c Checkpoint, parameter string) float64 {
	for _, st := range c.Stages {
		if m, ok := st.LastSample[parameter]; ok {
			return m.Value
		}
	}
	return math.NaN()
}

// ExportCSV writes one row per checkpoint with the stage index, every
// gate voltage and every parameter's last measured value.
func ExportCSV(w io.Writer, history []Checkpoint) error {
	cw := csv.NewWriter(w)

	gates := Gates(history)
	params := Parameters(history)

	header := []string{"sequence", "timestamp", "stage", "awaiting_step"}
	header = append(header, gates...)
	header = append(header, params...)
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, c := range history {
		row := []string{
			strconv.Itoa(c.Sequence),
			c.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
			strconv.Itoa(c.State.Index),
			strconv.FormatBool(c.State.AwaitingStep),
		}
		for _, g := range gates {
			row = append(row, formatFloat(c.Voltages[g], hasKey(c.Voltages, g)))
		}
		for _, p := range params {
			v := parameterValue(c, p)
			row = append(row, formatFloat(v, !math.IsNaN(v)))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// ExportTunedCSV writes the tuned positions recorded by every stage of a
// checkpoint, one row per position.
func ExportTunedCSV(w io.Writer, c Checkpoint) error {
	cw := csv.NewWriter(w)

	gates := make(map[string]struct{})
	for _, st := range c.Stages {
		for _, g := range st.Gates {
			gates[g] = struct{}{}
		}
	}
	names := sortedKeys(gates)

	header := append([]string{"stage", "kind", "visit"}, names...)
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, st := range c.Stages {
		for j, pos := range st.TunedPositions {
			row := []string{strconv.Itoa(i), string(st.Kind), strconv.Itoa(j)}
			for _, g := range names {
				v, ok := pos[g]
				row = append(row, formatFloat(v, ok))
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func hasKey(m map[string]float64, k string) bool {
	_, ok := m[k]
	return ok
}

func formatFloat(v float64, ok bool) string {
	if !ok {
		return ""
	}
	return strconv.FormatFloat(v, 'g', 10, 64)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
