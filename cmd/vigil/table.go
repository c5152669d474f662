package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/loykin/vigil/internal/agent"
	"github.com/loykin/vigil/pkg/client"
)

// statusRow is one line of the status table, whichever backend produced it.
type statusRow struct {
	Name      string
	PID       int
	Mode      string
	HotReload bool
	State     string
	Uptime    time.Duration
}

var (
	stateRunning = color.New(color.FgGreen)
	stateChange  = color.New(color.FgYellow)
	stateDown    = color.New(color.FgRed)
)

func colorState(state string) string {
	switch state {
	case agent.StateRunning:
		return stateRunning.Sprint(state)
	case agent.StateStarting, agent.StateStopping, agent.StateRestarting:
		return stateChange.Sprint(state)
	default:
		return stateDown.Sprint(state)
	}
}

// renderStatusTable prints pid, config name, mode, uptime, hot-reload flag
// and state, one agent per line.
func renderStatusTable(w io.Writer, rows []statusRow) {
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(w, "no agents registered")
		return
	}
	_, _ = fmt.Fprintf(w, "%-8s %-20s %-10s %-12s %-7s %s\n", "PID", "NAME", "MODE", "UPTIME", "RELOAD", "STATE")
	for _, r := range rows {
		pid := "-"
		if r.PID > 0 {
			pid = fmt.Sprintf("%d", r.PID)
		}
		mode := r.Mode
		if mode == "" {
			mode = "-"
		}
		_, _ = fmt.Fprintf(w, "%-8s %-20s %-10s %-12s %-7s %s\n",
			pid, r.Name, mode, formatUptime(r.Uptime), formatBool(r.HotReload), colorState(r.State))
	}
}

// printStopResult writes one agent's multi-target stop outcome.
func printStopResult(w io.Writer, r client.StopResult) {
	label := stateRunning.Sprint("ok")
	if !r.OK {
		label = stateDown.Sprint("failed")
	} else if r.Forced {
		label = stateChange.Sprint("forced")
	}
	_, _ = fmt.Fprintf(w, "%-20s %s  %s\n", r.Name, label, r.Message)
}

func formatUptime(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Truncate(time.Second).String()
}

func formatBool(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
