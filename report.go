package mqttsim

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const (
	driftLagging    = 100 * time.Millisecond
	driftOverloaded = 200 * time.Millisecond

	clearLine = "\033[2K\r"
)

var (
	driftOKStyle         = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))  // Green
	driftLaggingStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")) // Orange
	driftOverloadedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")) // Red
	labelStyle           = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// DriftLevel is the severity of a drift reading.
type DriftLevel int

const (
	DriftOK DriftLevel = iota
	DriftLagging
	DriftOverloaded
)

func (l DriftLevel) String() string {
	switch l {
	case DriftLagging:
		return "lagging"
	case DriftOverloaded:
		return "overloaded"
	default:
		return "ok"
	}
}

func ClassifyDrift(d time.Duration) DriftLevel {
	switch {
	case d > driftOverloaded:
		return DriftOverloaded
	case d > driftLagging:
		return DriftLagging
	default:
		return DriftOK
	}
}

func driftStyle(d time.Duration) lipgloss.Style {
	switch ClassifyDrift(d) {
	case DriftOverloaded:
		return driftOverloadedStyle
	case DriftLagging:
		return driftLaggingStyle
	default:
		return driftOKStyle
	}
}

// Reporter keeps one status line on a terminal up to date.
type Reporter struct {
	w     io.Writer
	wrote bool
}

// NewReporter writes to w; a nil w discards everything.
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

// Render replaces the current status line with s.
func (r *Reporter) Render(s Stats) {
	if r.w == nil {
		return
	}
	fmt.Fprint(r.w, clearLine+FormatStats(s))
	r.wrote = true
}

// Finish ends the status line so later output starts on a fresh one.
func (r *Reporter) Finish() {
	if r.w == nil || !r.wrote {
		return
	}
	fmt.Fprintln(r.w)
}

// FormatStats renders s as a single line.
func FormatStats(s Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Clients: %d. Threads: %d. ", s.Clients, s.Threads)
	fmt.Fprintf(&b, "Sent: %d (%d/s). Recv: %d (%d/s). ",
		s.Total.Published, s.Rate.Published, s.Total.Received, s.Rate.Received)
	fmt.Fprintf(&b, "Connects: %d (%d/s). Disconnects: %d (%d/s). Errors: %d (%d/s). ",
		s.Total.Connected, s.Rate.Connected, s.Total.Disconnected, s.Rate.Disconnected,
		s.Total.Errored, s.Rate.Errored)
	fmt.Fprintf(&b, "Recv-sent: %+d. ", s.RecvMinusSent)
	if s.Latency.Valid() {
		fmt.Fprintf(&b, "Latency min/avg/max: %s/%s/%s. ",
			s.Latency.Min.Round(time.Microsecond),
			s.Latency.Avg.Round(time.Microsecond),
			s.Latency.Max.Round(time.Microsecond))
	}
	b.WriteString(labelStyle.Render("Drift avg/max:"))
	b.WriteString(" ")
	b.WriteString(driftStyle(s.DriftAvg).Render(fmt.Sprintf("%d ms", s.DriftAvg.Milliseconds())))
	b.WriteString("/")
	b.WriteString(driftStyle(s.DriftMax).Render(fmt.Sprintf("%d ms", s.DriftMax.Milliseconds())))
	if level := ClassifyDrift(s.DriftMax); level != DriftOK {
		b.WriteString(" ")
		b.WriteString(driftStyle(s.DriftMax).Render("(" + level.String() + ")"))
	}
	return b.String()
}
