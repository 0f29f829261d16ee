package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
)

func runJobsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	outcome := fs.String("outcome", "", "outcome id")
	wait := fs.Duration("wait", 0, "drive resumed jobs for up to this long before printing")
	jsonOut := fs.Bool("json", false, "print jobs as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *outcome == "" {
		fmt.Fprintln(os.Stderr, "usage: stratrank jobs -outcome <id> [-wait 30s] [-json]")
		return 2
	}

	a, err := openApp(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer a.Close()

	if *wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, *wait)
		_ = a.queue.Wait(waitCtx)
		cancel()
	}

	jobs := a.queue.Snapshot(*outcome)
	p := stdoutPrinter()
	if *jsonOut {
		if err := p.json(jobs); err != nil {
			fmt.Fprintf(os.Stderr, "encode jobs: %v\n", err)
			return 1
		}
		return 0
	}
	p.jobs(jobs)
	if tripped := a.failover.Tripped(); len(tripped) > 0 {
		p.printf("%s %s\n", p.style(p.warn, "estimator breaker open:"), strings.Join(tripped, ", "))
	}
	return 0
}
