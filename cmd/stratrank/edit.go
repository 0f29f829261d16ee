package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/stratrank/internal/engine"
	"github.com/basket/stratrank/internal/override"
	"github.com/basket/stratrank/internal/persistence"
)

// setFlags returns the names of the flags given on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func runOverrideCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("override", flag.ContinueOnError)
	outcome := fs.String("outcome", "", "outcome id")
	task := fs.String("task", "", "task id")
	impact := fs.Float64("impact", 0, "impact override, 0-10")
	effort := fs.Float64("effort", 0, "effort override in hours, 0.5-160")
	reason := fs.String("reason", "", "why the machine estimate is wrong")
	session := fs.String("session", "", "session id recorded with the override")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	set := setFlags(fs)
	if *outcome == "" || *task == "" || !(set["impact"] || set["effort"] || set["reason"]) {
		fmt.Fprintln(os.Stderr, "usage: stratrank override -outcome <id> -task <id> [-impact n] [-effort h] [-reason text]")
		return 2
	}

	patch := override.Patch{SessionID: *session}
	if set["impact"] {
		patch.Impact = impact
	}
	if set["effort"] {
		patch.Effort = effort
	}
	if set["reason"] {
		patch.Reason = reason
	}

	a, err := openApp(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "override: %v\n", err)
		return 1
	}
	defer a.Close()

	merged, err := a.engine.ApplyOverride(ctx, *outcome, *task, patch)
	if engine.IsConflict(err) {
		fmt.Fprintf(os.Stderr, "override: a newer override exists; kept impact %.1f effort %.1fh\n", merged.Impact, merged.Effort)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "override: %v\n", err)
		return 1
	}
	fmt.Printf("%s: impact %.1f effort %.1fh priority %.1f\n", *task, merged.Impact, merged.Effort, merged.Priority)
	return 0
}

func runClearOverrideCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("clear-override", flag.ContinueOnError)
	outcome := fs.String("outcome", "", "outcome id")
	task := fs.String("task", "", "task id")
	session := fs.String("session", "", "session id recorded in the audit log")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *outcome == "" || *task == "" {
		fmt.Fprintln(os.Stderr, "usage: stratrank clear-override -outcome <id> -task <id>")
		return 2
	}

	a, err := openApp(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clear-override: %v\n", err)
		return 1
	}
	defer a.Close()

	if err := a.engine.ClearOverride(ctx, *outcome, *task, *session); err != nil {
		fmt.Fprintf(os.Stderr, "clear-override: %v\n", err)
		return 1
	}
	fmt.Printf("%s: override cleared\n", *task)
	return 0
}

func runToggleCommand(ctx context.Context, name string, args []string) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	outcome := fs.String("outcome", "", "outcome id")
	task := fs.String("task", "", "task id")
	reason := fs.String("reason", "", "removal reason (discard only)")
	session := fs.String("session", "", "session id recorded in the audit log")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *outcome == "" || *task == "" {
		fmt.Fprintf(os.Stderr, "usage: stratrank %s -outcome <id> -task <id>\n", name)
		return 2
	}

	a, err := openApp(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return 1
	}
	defer a.Close()

	var st persistence.TaskState
	if name == "discard" {
		st, err = a.engine.ToggleDiscard(ctx, *outcome, *task, *reason, *session)
	} else {
		st, err = a.engine.ToggleComplete(ctx, *outcome, *task, *session)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return 1
	}
	fmt.Printf("%s: %s\n", *task, stateLabel(st))
	return 0
}

func stateLabel(st persistence.TaskState) string {
	switch {
	case st.Completed:
		return "completed"
	case st.Discarded:
		return "discarded"
	default:
		return "active"
	}
}
