package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/vigil/internal/agent"
	"github.com/loykin/vigil/internal/config"
	"github.com/loykin/vigil/internal/supervisor"
	"github.com/loykin/vigil/pkg/client"
)

// command carries the shared flags into each subcommand implementation.
type command struct {
	flags *GlobalFlags
}

// apiClient returns a daemon client when one should be used: always when
// --api-url was given, otherwise only if a daemon answers at the default
// address. nil means operate locally.
func (c command) apiClient(ctx context.Context) *client.Client {
	if c.flags.APIUrl != "" {
		return client.New(client.Config{BaseURL: c.flags.APIUrl, Timeout: c.flags.APITimeout})
	}
	cl := client.New(client.Config{Timeout: c.flags.APITimeout})
	probe, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if cl.IsReachable(probe) {
		slog.Debug("Using local daemon API")
		return cl
	}
	return nil
}

// Run starts the agent described by the config file.
func (c command) Run(flags RunFlags) error {
	spec, err := config.LoadAgentSpec(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("agent config %s: %w", flags.ConfigPath, err)
	}
	if flags.CheckInterval > 0 {
		spec.CheckInterval = flags.CheckInterval
	}
	ctx := context.Background()

	if cl := c.apiClient(ctx); cl != nil {
		return cl.Start(ctx, toWireSpec(spec), client.StartOptions{
			Force:     flags.Force,
			HotReload: flags.HotReload,
			Detach:    true,
		})
	}

	sup, err := newLocalSupervisor(c.flags)
	if err != nil {
		return err
	}
	defer sup.Shutdown()
	return sup.Start(ctx, spec, supervisor.StartOptions{
		Force:         flags.Force,
		HotReload:     flags.HotReload,
		CheckInterval: flags.CheckInterval,
		// The agent must outlive this CLI invocation.
		Detach: true,
	})
}

// Stop stops one agent or, with --all, every registered one.
func (c command) Stop(flags StopFlags) error {
	if flags.All == (flags.Target != "") {
		return errors.New("provide exactly one of <config>|<name> or --all")
	}
	ctx := context.Background()

	if flags.All {
		return c.stopAll(ctx, flags)
	}

	name, spec, err := resolveTarget(flags.Target)
	if err != nil {
		return err
	}
	if cl := c.apiClient(ctx); cl != nil {
		return cl.Stop(ctx, name, flags.Force, flags.Timeout)
	}
	sup, err := newLocalSupervisor(c.flags)
	if err != nil {
		return err
	}
	defer sup.Shutdown()
	if spec != nil {
		if err := sup.Register(*spec); err != nil {
			return err
		}
	}
	_, err = sup.Stop(ctx, name, flags.Force, flags.Timeout)
	return err
}

func (c command) stopAll(ctx context.Context, flags StopFlags) error {
	var results []client.StopResult
	if cl := c.apiClient(ctx); cl != nil {
		var err error
		results, err = cl.StopAll(ctx, flags.Force, flags.Timeout)
		if err != nil {
			return err
		}
	} else {
		sup, err := newLocalSupervisor(c.flags)
		if err != nil {
			return err
		}
		defer sup.Shutdown()
		local, err := sup.StopAll(ctx, flags.Force, flags.Timeout)
		if err != nil {
			return err
		}
		for _, r := range local {
			results = append(results, client.StopResult(r))
		}
	}

	failed := 0
	for _, r := range results {
		printStopResult(os.Stdout, r)
		if !r.OK {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d stops failed", failed, len(results))
	}
	return nil
}

// Restart cycles one agent, or reloads it in place with --hot-reload.
func (c command) Restart(flags RestartFlags) error {
	name, spec, err := resolveTarget(flags.Target)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if cl := c.apiClient(ctx); cl != nil {
		return cl.Restart(ctx, name, flags.HotReload, flags.Force, flags.Timeout)
	}
	sup, err := newLocalSupervisor(c.flags)
	if err != nil {
		return err
	}
	defer sup.Shutdown()
	if spec != nil {
		if err := sup.Register(*spec); err != nil {
			return err
		}
	}
	return sup.Restart(ctx, name, flags.HotReload, flags.Force, flags.Timeout)
}

// Status renders the agent table once, or continuously with --watch.
func (c command) Status(w io.Writer, flags StatusFlags) error {
	ctx := context.Background()
	if !flags.Watch {
		return c.renderStatusOnce(ctx, w, flags.Target)
	}

	// Watch mode: re-render until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(flags.Interval)
	defer ticker.Stop()
	for {
		_, _ = fmt.Fprint(w, "\033[2J\033[H")
		if err := c.renderStatusOnce(ctx, w, flags.Target); err != nil {
			return err
		}
		select {
		case <-sigCh:
			return nil
		case <-ticker.C:
		}
	}
}

func (c command) renderStatusOnce(ctx context.Context, w io.Writer, target string) error {
	rows, err := c.collectStatus(ctx, target)
	if err != nil {
		return err
	}
	renderStatusTable(w, rows)
	return nil
}

func (c command) collectStatus(ctx context.Context, target string) ([]statusRow, error) {
	if cl := c.apiClient(ctx); cl != nil {
		if target != "" {
			st, err := cl.Status(ctx, target)
			if err != nil {
				return nil, err
			}
			return []statusRow{rowFromWire(st)}, nil
		}
		sts, err := cl.StatusAll(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]statusRow, len(sts))
		for i, st := range sts {
			rows[i] = rowFromWire(st)
		}
		return rows, nil
	}

	sup, err := newLocalSupervisor(c.flags)
	if err != nil {
		return nil, err
	}
	defer sup.Shutdown()
	if target != "" {
		st, err := sup.Status(ctx, target)
		if err != nil {
			return nil, err
		}
		return []statusRow{rowFromStatus(st)}, nil
	}
	sts, err := sup.StatusAll(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]statusRow, len(sts))
	for i, st := range sts {
		rows[i] = rowFromStatus(st)
	}
	return rows, nil
}

func rowFromStatus(st agent.Status) statusRow {
	row := statusRow{
		Name:      st.Name,
		PID:       st.PID,
		Mode:      st.Mode,
		HotReload: st.HotReload,
		State:     st.State,
	}
	if st.Running && !st.StartedAt.IsZero() {
		row.Uptime = time.Since(st.StartedAt)
	}
	return row
}

func rowFromWire(st client.AgentStatus) statusRow {
	return statusRow{
		Name:      st.Name,
		PID:       st.PID,
		Mode:      st.Mode,
		HotReload: st.HotReload,
		State:     st.State,
		Uptime:    st.Uptime(),
	}
}
