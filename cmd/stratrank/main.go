package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/stratrank/internal/audit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `usage: stratrank <command> [flags]

RANKING:
  rank -file <tasks.yaml>       Start a new ranking run and print it
                                Flags: -strategy, -outcome, -wait 30s, -json
  show -outcome <id>            Print the current ranking
                                Flags: -strategy, -flash, -json
  watch -outcome <id>           Reprint the ranking whenever it changes

CORRECTIONS:
  override -outcome <id> -task <id> [-impact n] [-effort h] [-reason text]
  clear-override -outcome <id> -task <id>
  complete -outcome <id> -task <id>       Toggle completed
  discard -outcome <id> -task <id>        Toggle discarded (-reason text)

OPERATIONS:
  jobs -outcome <id>            List retry jobs (-wait to drive them)
  schedule                      Run configured periodic reruns until interrupted
  backup <dest.db>              Write a consistent copy of the database
  doctor [-json]                Run diagnostic checks
  version                       Print the version

STRATEGIES: balanced (default), quick_wins, strategic_bets, urgent

ENVIRONMENT VARIABLES:
  STRATRANK_HOME          Data directory (default: ~/.stratrank)
  STRATRANK_ESTIMATOR     Primary estimator provider (google, anthropic, openai, keyword, ...)
  GEMINI_API_KEY          Key for the google provider
  ANTHROPIC_API_KEY       Key for the anthropic provider
  OPENAI_API_KEY          Key for the openai provider
`)
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	os.Exit(dispatch(ctx, args[0], args[1:]))
}

func dispatch(ctx context.Context, cmd string, args []string) int {
	switch strings.ToLower(strings.TrimSpace(cmd)) {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return 0
	case "version", "-version", "--version":
		fmt.Println(Version)
		return 0
	case "rank":
		return runRankCommand(ctx, args)
	case "show":
		return runShowCommand(ctx, args)
	case "watch":
		return runWatchCommand(ctx, args)
	case "override":
		return runOverrideCommand(ctx, args)
	case "clear-override":
		return runClearOverrideCommand(ctx, args)
	case "complete":
		return runToggleCommand(ctx, "complete", args)
	case "discard":
		return runToggleCommand(ctx, "discard", args)
	case "jobs":
		return runJobsCommand(ctx, args)
	case "schedule":
		return runScheduleCommand(ctx, args)
	case "backup":
		return runBackupCommand(ctx, args)
	case "doctor":
		return runDoctorCommand(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		return 2
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "", reasonCode, message, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"stratrank","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}
