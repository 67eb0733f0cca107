// Package report implements search.Reporter sinks: a console printer, the
// telemetry stores, the Kafka event stream, and a fan-out over several of
// them.
package report

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/bardlex/gompow/internal/database"
	"github.com/bardlex/gompow/internal/search"
)

// Console prints human-readable progress. Colors are used only when the
// writer is a terminal.
type Console struct {
	mu  sync.Mutex
	out io.Writer

	label *color.Color
	rate  *color.Color
	good  *color.Color
	bad   *color.Color
	dim   *color.Color
}

// NewConsole creates a console reporter writing to out
func NewConsole(out io.Writer) *Console {
	c := &Console{
		out:   out,
		label: color.New(color.FgCyan, color.Bold),
		rate:  color.New(color.FgYellow),
		good:  color.New(color.FgGreen, color.Bold),
		bad:   color.New(color.FgRed),
		dim:   color.New(color.Faint),
	}
	c.SetColor(isTerminal(out))
	return c
}

// isTerminal checks if the writer is a terminal
func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// SetColor forces colors on or off
func (c *Console) SetColor(enabled bool) {
	for _, col := range []*color.Color{c.label, c.rate, c.good, c.bad, c.dim} {
		if enabled {
			col.EnableColor()
		} else {
			col.DisableColor()
		}
	}
}

// PassCompleted prints one line per pass
func (c *Console) PassCompleted(_ context.Context, r search.PassReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "%s %s  %d hashes in %s  %s %s  %s\n",
		c.label.Sprintf("pass %d", r.Pass),
		r.Geometry,
		r.Hashes,
		r.Elapsed.Round(time.Millisecond),
		c.rate.Sprint(FormatRate(r.HashRate)),
		c.dim.Sprintf("(avg %s)", FormatRate(r.Average)),
		c.dim.Sprintf("time=%d elapsed=%s", r.Header.Time, r.Total.Round(time.Second)),
	)
}

// Solved prints the solution block
func (c *Console) Solved(_ context.Context, res search.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw := res.Header.Bytes()
	fmt.Fprintf(c.out, "%s\n", c.good.Sprint("solution found"))
	fmt.Fprintf(c.out, "  nonce   %d (0x%08x)\n", res.Nonce, res.Nonce)
	fmt.Fprintf(c.out, "  hash    %s\n", res.Hash)
	fmt.Fprintf(c.out, "  header  %s\n", hex.EncodeToString(raw[:]))
	fmt.Fprintf(c.out, "  device  %s %s\n", res.Device, res.Geometry)
	fmt.Fprintf(c.out, "  passes  %d in %s (last pass %s)\n",
		res.Passes, res.Elapsed.Round(time.Millisecond), res.PassElapsed.Round(time.Millisecond))
	if res.Average > 0 {
		fmt.Fprintf(c.out, "  rate    %s\n", FormatRate(res.Average))
	}
}

// Calibration prints the measured geometries, fastest first
func (c *Console) Calibration(cal *search.Calibration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "%s\n", c.label.Sprint("calibration"))
	for i, m := range cal.Measurements {
		if m.Err != nil {
			fmt.Fprintf(c.out, "  %-10s %s\n", m.Geometry, c.bad.Sprintf("failed: %v", m.Err))
			continue
		}
		line := fmt.Sprintf("  %-10s %s", m.Geometry, FormatRate(m.HashRate))
		if i == 0 {
			line = c.good.Sprint(line)
		}
		fmt.Fprintln(c.out, line)
	}
}

// History prints what the telemetry stores remember about device
func (c *Console) History(device string, window time.Duration, h *database.History) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.Empty() {
		fmt.Fprintf(c.out, "%s %s\n", c.label.Sprint("history"), c.dim.Sprintf("no recorded passes for %s", device))
		return
	}
	if len(h.Points) > 0 {
		fmt.Fprintf(c.out, "%s %s  %d windows over %s  mean %s\n",
			c.label.Sprint("history"), device, len(h.Points), window, c.rate.Sprint(FormatRate(h.Mean())))
	}
	if g := h.Latest; g != nil {
		fmt.Fprintf(c.out, "%s %s  pass %d at %s  %s  %s\n",
			c.label.Sprint("last run"), device, g.Pass,
			c.rate.Sprint(FormatRate(g.Hashrate)),
			c.dim.Sprintf("(avg %s)", FormatRate(g.Average)),
			c.dim.Sprintf("updated %s", g.UpdatedAt.UTC().Format(time.RFC3339)))
	}
}

// FormatRate formats a hash rate with an SI prefix, for example "73.52 MH/s"
func FormatRate(rate float64) string {
	units := []string{"H/s", "kH/s", "MH/s", "GH/s", "TH/s"}
	i := 0
	for rate >= 1000 && i < len(units)-1 {
		rate /= 1000
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%.0f %s", rate, units[i])
	}
	return fmt.Sprintf("%.2f %s", rate, units[i])
}

var _ search.Reporter = (*Console)(nil)
