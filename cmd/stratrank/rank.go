package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/stratrank/internal/bus"
	"github.com/basket/stratrank/internal/engine"
	"github.com/basket/stratrank/internal/ranking"
	"github.com/basket/stratrank/internal/taskfile"
)

func runRankCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("rank", flag.ContinueOnError)
	file := fs.String("file", "", "task document (YAML or JSON)")
	outcome := fs.String("outcome", "", "outcome id (overrides the document)")
	strategyName := fs.String("strategy", "", "balanced, quick_wins, strategic_bets or urgent")
	session := fs.String("session", "", "session id recorded in the audit log")
	wait := fs.Duration("wait", 0, "wait up to this long for retries before printing")
	jsonOut := fs.Bool("json", false, "print the snapshot as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" && fs.NArg() == 1 {
		*file = fs.Arg(0)
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: stratrank rank -file <tasks.yaml> [-strategy s] [-wait 30s] [-json]")
		return 2
	}

	doc, err := taskfile.Load(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rank: %v\n", err)
		return 1
	}
	if *outcome != "" {
		doc.Outcome.ID = *outcome
	}
	strategy, err := pickStrategy(*strategyName, doc.Strategy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rank: %v\n", err)
		return 2
	}

	a, err := openApp(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rank: %v\n", err)
		return 1
	}
	defer a.Close()

	req := runRequest(doc, *session)
	req.Strategy = strategy
	snap, err := a.engine.TriggerRerun(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rank: %v\n", err)
		return 1
	}

	if *wait > 0 && len(snap.Pending) > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, *wait)
		if err := a.queue.Wait(waitCtx); err != nil {
			fmt.Fprintf(os.Stderr, "rank: retries still running after %s\n", *wait)
		}
		cancel()
		if snap, err = a.engine.Snapshot(ctx, doc.Outcome.ID, strategy); err != nil {
			fmt.Fprintf(os.Stderr, "rank: %v\n", err)
			return 1
		}
	}
	return printSnapshot(snap, *jsonOut)
}

func runShowCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	outcome := fs.String("outcome", "", "outcome id")
	strategyName := fs.String("strategy", "", "balanced, quick_wins, strategic_bets or urgent")
	flash := fs.Bool("flash", false, "re-arm the highlight window before printing")
	jsonOut := fs.Bool("json", false, "print the snapshot as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *outcome == "" {
		fmt.Fprintln(os.Stderr, "usage: stratrank show -outcome <id> [-strategy s] [-json]")
		return 2
	}
	strategy, err := pickStrategy(*strategyName, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "show: %v\n", err)
		return 2
	}

	a, err := openApp(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "show: %v\n", err)
		return 1
	}
	defer a.Close()

	if *flash {
		a.engine.FlashHighlights(*outcome)
	}
	snap, err := a.engine.Snapshot(ctx, *outcome, strategy)
	if errors.Is(err, engine.ErrNoRun) {
		fmt.Fprintf(os.Stderr, "show: outcome %s has not been ranked; run `stratrank rank` first\n", *outcome)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "show: %v\n", err)
		return 1
	}
	return printSnapshot(snap, *jsonOut)
}

// runWatchCommand attaches to an outcome and reprints its snapshot whenever
// something changes, until interrupted.
func runWatchCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	outcome := fs.String("outcome", "", "outcome id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *outcome == "" {
		fmt.Fprintln(os.Stderr, "usage: stratrank watch -outcome <id>")
		return 2
	}

	a, err := openApp(ctx, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	defer a.Close()

	snap, sub, err := a.engine.Attach(ctx, *outcome)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	defer a.engine.Detach(sub)

	p := stdoutPrinter()
	p.snapshot(snap)
	for {
		select {
		case <-ctx.Done():
			return 0
		case ev, ok := <-sub.Ch():
			if !ok {
				return 0
			}
			p.printf("\n%s %s\n", p.style(p.dim, time.Now().Format("15:04:05")), describeEvent(ev))
			if snap, err = a.engine.Snapshot(ctx, *outcome, ""); err == nil {
				p.snapshot(snap)
			}
		}
	}
}

func printSnapshot(snap engine.Snapshot, jsonOut bool) int {
	p := stdoutPrinter()
	if jsonOut {
		if err := p.json(snap); err != nil {
			fmt.Fprintf(os.Stderr, "encode snapshot: %v\n", err)
			return 1
		}
		return 0
	}
	p.snapshot(snap)
	return 0
}

// pickStrategy prefers the flag, then the document, then the config default
// (an empty result).
func pickStrategy(flagValue, docValue string) (ranking.Strategy, error) {
	if flagValue != "" {
		return ranking.ParseStrategy(flagValue)
	}
	if docValue != "" {
		return ranking.ParseStrategy(docValue)
	}
	return "", nil
}

func runRequest(doc taskfile.Document, sessionID string) engine.RunRequest {
	return engine.RunRequest{
		OutcomeID:   doc.Outcome.ID,
		OutcomeText: doc.Outcome.Text,
		SessionID:   sessionID,
		Tasks:       doc.ScoringTasks(),
		Edges:       doc.Edges,
		History:     doc.History(),
		Annotations: doc.Annotations(),
	}
}

func describeEvent(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.RetryEvent:
		if p.Error != "" {
			return fmt.Sprintf("%s %s attempt %d: %s", ev.Topic, p.TaskID, p.Attempt, p.Error)
		}
		return fmt.Sprintf("%s %s attempt %d", ev.Topic, p.TaskID, p.Attempt)
	case bus.RunEvent:
		return fmt.Sprintf("%s run %s: %d tasks, %d scored, %d failed", ev.Topic, p.RunID, p.TaskCount, p.Scored, p.Failed)
	case bus.ScoreUpdatedEvent:
		return fmt.Sprintf("%s %s priority %.1f (%s)", ev.Topic, p.TaskID, p.Priority, p.Source)
	case bus.OverrideEvent:
		return fmt.Sprintf("%s %s", ev.Topic, p.TaskID)
	case bus.TaskToggledEvent:
		return fmt.Sprintf("%s %s -> %s", ev.Topic, p.TaskID, p.State)
	default:
		return ev.Topic
	}
}
