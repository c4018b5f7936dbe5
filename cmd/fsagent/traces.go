package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/fsagent/internal/trace"
)

const defaultRecentTraces = 10

// runTraces handles "fsagent traces [n|trace-id]". It reads the first
// SQLite sink in the configuration.
func runTraces(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	e, err := newEnv(stderr, opts)
	if err != nil {
		return err
	}

	var path, driver string
	for _, s := range e.cfg.Trace.Sinks {
		if s.Kind == "sqlite" {
			path, driver = e.path(s.Path), s.Driver
			break
		}
	}
	if path == "" {
		return errors.New("no sqlite trace sink configured")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(stdout, "No traces recorded at %s\n", path)
		return nil
	}

	sink, err := trace.NewSQLiteSink(path, driver)
	if err != nil {
		return err
	}
	defer sink.Close(ctx)

	n := defaultRecentTraces
	var traceID string
	if len(args) > 0 {
		if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
			n = v
		} else {
			traceID = args[0]
		}
	}

	var calls []trace.Call
	if traceID != "" {
		calls, err = sink.Trace(ctx, traceID)
		if err == nil && len(calls) == 0 {
			err = fmt.Errorf("trace %s not found", traceID)
		}
	} else {
		calls, err = sink.Recent(ctx, n)
	}
	if err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(calls)
	}
	if len(calls) == 0 {
		fmt.Fprintln(stdout, "No traces recorded")
		return nil
	}
	printCalls(stdout, calls, traceID != "")
	return nil
}

// printCalls writes one line per call. Within a single trace, children
// are indented under their parent.
func printCalls(w io.Writer, calls []trace.Call, nested bool) {
	depth := map[string]int{}
	for _, c := range calls {
		d := 0
		if nested && c.ParentID != "" {
			d = depth[c.ParentID] + 1
		}
		depth[c.ID] = d

		status := "ok"
		if c.Error != "" {
			status = "error: " + firstLine(c.Error)
		}
		id := c.TraceID
		if nested {
			id = c.ID
		}
		fmt.Fprintf(w, "%s  %s%-24s %8s  %s  %s\n",
			c.StartedAt.Local().Format(time.DateTime),
			strings.Repeat("  ", d),
			c.Op,
			c.Duration().Round(time.Millisecond),
			id,
			status,
		)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
