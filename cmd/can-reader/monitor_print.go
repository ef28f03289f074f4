package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/kstaniek/go-canreader/internal/monitor"
)

// printMonitor writes the monitor table, one row per identifier.
func printMonitor(w io.Writer, entries []monitor.Entry, txRate, rxRate float64) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "ID\tLEN\tDATA\tCOUNT\tPERIOD\t\n")
	for _, e := range entries {
		id := fmt.Sprintf("%03X", e.Frame.ID())
		if e.Frame.Extended() {
			id = fmt.Sprintf("%08X", e.Frame.ID())
		}
		period := "-"
		if e.Period > 0 {
			period = e.Period.Round(100 * time.Microsecond).String()
		}
		fmt.Fprintf(tw, "%s\t%d\t% X\t%d\t%s\t\n", id, e.Frame.Len(), e.Frame.Data(), e.Count, period)
	}
	fmt.Fprintf(tw, "tx %.1f fps\trx %.1f fps\t\t\t\t\n", txRate, rxRate)
	return tw.Flush()
}

type monitorSource interface {
	MonitorEntries() []monitor.Entry
	Rates() (tx, rx float64)
}

func runMonitorPrinter(ctx context.Context, w io.Writer, src monitorSource, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			tx, rx := src.Rates()
			if err := printMonitor(w, src.MonitorEntries(), tx, rx); err != nil {
				return fmt.Errorf("print monitor: %w", err)
			}
		}
	}
}
