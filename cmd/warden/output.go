package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/loykin/warden"
)

var errMissingConfig = errors.New("--config is required")

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

func printSpec(out io.Writer, cfg *warden.Config) {
	s := cfg.Spec
	table := tablewriter.NewWriter(out)
	table.Header("Property", "Value")
	_ = table.Append([]string{"Name", s.Name})
	_ = table.Append([]string{"Command", strings.Join(s.Argv(), " ")})
	_ = table.Append([]string{"Work dir", s.WorkDir})
	_ = table.Append([]string{"Auto restart", strconv.FormatBool(s.AutoRestart)})
	_ = table.Append([]string{"Min uptime", s.MinUptime.String()})
	_ = table.Append([]string{"Max restarts", strconv.Itoa(s.MaxRestarts)})
	if s.ExpBackoffRestartDelay > 0 {
		_ = table.Append([]string{"Restart delay", "exponential from " + s.ExpBackoffRestartDelay.String()})
	} else {
		_ = table.Append([]string{"Restart delay", s.RestartDelay.String()})
	}
	_ = table.Append([]string{"Kill timeout", s.KillTimeout.String()})
	if s.WaitReady {
		_ = table.Append([]string{"Readiness", fmt.Sprintf("%s within %s", orDefault(cfg.Readiness.Kind, "signal"), s.ReadyTimeout)})
	} else {
		_ = table.Append([]string{"Readiness", "on spawn"})
	}
	if s.MaxMemoryRestart > 0 {
		_ = table.Append([]string{"Memory limit", fmt.Sprintf("%s (checked every %s)", humanize.IBytes(s.MaxMemoryRestart), s.MemoryCheckInterval)})
	}
	if len(s.Env) > 0 {
		_ = table.Append([]string{"Env", strings.Join(slices.Sorted(maps.Keys(s.Env)), ", ")})
	}
	if s.Log.Enabled() {
		_ = table.Append([]string{"Stdout", orDefault(s.Log.StdoutPath, s.Log.Dir)})
		_ = table.Append([]string{"Stderr", orDefault(s.Log.StderrPath, s.Log.Dir)})
		if s.Log.CombinedPath != "" {
			_ = table.Append([]string{"Combined log", s.Log.CombinedPath})
		}
	}
	if cfg.Metrics.Listen != "" {
		_ = table.Append([]string{"Metrics", cfg.Metrics.Listen})
	}
	if cfg.History.Enabled {
		_ = table.Append([]string{"History sinks", strconv.Itoa(len(cfg.History.DSNs))})
	}
	_ = table.Render()
}

func printStatus(out io.Writer, st warden.Status) {
	table := tablewriter.NewWriter(out)
	table.Header("Property", "Value")
	_ = table.Append([]string{"Name", st.Name})
	_ = table.Append([]string{"State", st.State.String()})
	if st.PID > 0 {
		_ = table.Append([]string{"PID", strconv.Itoa(st.PID)})
	}
	if st.StartedAt != nil {
		_ = table.Append([]string{"Started", humanize.Time(*st.StartedAt)})
		_ = table.Append([]string{"Uptime", st.Uptime.Round(time.Millisecond).String()})
	}
	_ = table.Append([]string{"Restarts", strconv.Itoa(st.Restarts)})
	_ = table.Append([]string{"Fast restarts", strconv.Itoa(st.ConsecutiveFastRestarts)})
	if st.LastExitCode != nil {
		_ = table.Append([]string{"Last exit code", strconv.Itoa(*st.LastExitCode)})
	}
	if st.LastSignal != "" {
		_ = table.Append([]string{"Last signal", st.LastSignal})
	}
	if st.Reason != "" {
		_ = table.Append([]string{"Reason", string(st.Reason)})
	}
	if st.LastError != "" {
		_ = table.Append([]string{"Error", st.LastError})
	}
	_ = table.Render()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
