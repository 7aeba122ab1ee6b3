package ghost

import (
	"fmt"
	"math"

	"github.com/cnulatienpo/run-sub001/internal/protocol"
)

// DivergenceThreshold is the speed gap in m/s above which two ghosts are
// flagged as diverging at an index.
const DivergenceThreshold = 0.5

// ComparisonRow lines up the events at one index of two recordings.
type ComparisonRow struct {
	Index      int
	TimeSec    float64
	SpeedA     *float64
	SpeedB     *float64
	Divergence *float64
}

// Diverged reports whether both speeds are known and differ by more than
// DivergenceThreshold.
func (r ComparisonRow) Diverged() bool {
	return r.Divergence != nil && *r.Divergence > DivergenceThreshold
}

func (r ComparisonRow) String() string {
	label := ""
	if r.Diverged() {
		label = fmt.Sprintf(" divergence > %.2f m/s", *r.Divergence)
	}
	return fmt.Sprintf("[t=%.1fs] ghostA: %s   ghostB: %s%s", r.TimeSec, formatSpeed(r.SpeedA), formatSpeed(r.SpeedB), label)
}

// Compare walks both recordings index by index up to the longer one.
func Compare(a, b Recording) []ComparisonRow {
	limit := max(len(a.Events), len(b.Events))
	rows := make([]ComparisonRow, 0, limit)
	for i := 0; i < limit; i++ {
		evA := eventAt(a.Events, i)
		evB := eventAt(b.Events, i)

		row := ComparisonRow{
			Index:   i,
			TimeSec: eventTime(evA, i),
			SpeedA:  eventSpeed(evA),
			SpeedB:  eventSpeed(evB),
		}
		if row.SpeedA != nil && row.SpeedB != nil {
			d := math.Abs(*row.SpeedA - *row.SpeedB)
			row.Divergence = &d
		}
		rows = append(rows, row)
	}
	return rows
}

func eventAt(events []Event, i int) Event {
	if i < len(events) && events[i] != nil {
		return events[i]
	}
	return Event{}
}

func eventTime(ev Event, index int) float64 {
	if f, ok := protocol.Number(ev["t_ms"]); ok {
		return f / 1000
	}
	if f, ok := protocol.Number(ev["adjusted_t_ms"]); ok {
		return f / 1000
	}
	if received, ok := protocol.Number(ev[FieldReceivedAt]); ok {
		start, ok := protocol.Number(ev["start_time"])
		if !ok {
			start = received
		}
		return (received - start) / 1000
	}
	return float64(index)
}

func eventSpeed(ev Event) *float64 {
	if pos, ok := ev["position"].(map[string]any); ok {
		if f, ok := protocol.Number(pos["speed"]); ok {
			return &f
		}
	}
	for _, key := range []string{"stride", "velocity"} {
		if f, ok := protocol.Number(ev[key]); ok {
			return &f
		}
	}
	return nil
}

func formatSpeed(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f m/s", *v)
}
