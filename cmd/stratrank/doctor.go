package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/basket/stratrank/internal/config"
	"github.com/basket/stratrank/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// Keep going; the checks report what is wrong.
	}

	diag := doctor.Run(ctx, &cfg, Version)

	p := stdoutPrinter()
	if jsonOutput {
		if err := p.json(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	p.printf("%s\n", p.style(p.title, fmt.Sprintf("stratrank doctor (%s)", diag.Timestamp.Format(time.RFC3339))))
	p.printf("System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Fingerprint)
	p.printf("---\n")

	for _, res := range diag.Results {
		status := fmt.Sprintf("%-4s", res.Status)
		switch res.Status {
		case "FAIL":
			status = p.style(p.down, status)
		case "WARN":
			status = p.style(p.warn, status)
		case "SKIP":
			status = p.style(p.dim, status)
		default:
			status = p.style(p.up, status)
		}
		p.printf("%s %-12s: %s\n", status, res.Name, res.Message)
		if res.Detail != "" {
			p.printf("     %s\n", p.style(p.dim, res.Detail))
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
