package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/accordsai/caselane/pkg/domain"
	"github.com/accordsai/caselane/services/casefile/internal/app"
	"github.com/accordsai/caselane/services/casefile/internal/config"
	"github.com/accordsai/caselane/services/casefile/internal/lifecycle"
	"github.com/accordsai/caselane/services/casefile/internal/render"

	flag "github.com/spf13/pflag"
)

const usage = "usage: casectl archive --case <case_id> --out <path> [--manifest <path>] | casectl pending [--status <s>]... [--priority <p>] [--limit <n>] | casectl templates lint --file <catalog.yaml>"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, out io.Writer) int {
	if len(args) < 1 {
		summary(out, "FAIL", map[string]any{"reason": usage})
		return 2
	}
	switch args[0] {
	case "archive":
		return runArchive(ctx, args[1:], out)
	case "pending":
		return runPending(ctx, args[1:], out)
	case "templates":
		if len(args) < 2 || args[1] != "lint" {
			summary(out, "FAIL", map[string]any{"reason": usage})
			return 2
		}
		return runTemplatesLint(args[2:], out)
	default:
		summary(out, "FAIL", map[string]any{"reason": "unknown command " + args[0]})
		return 2
	}
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, cfg.NewLogger())
}

// runArchive assembles a case bundle offline against the configured stores.
// It never changes the case status.
func runArchive(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	caseID := fs.String("case", "", "case id to assemble")
	outPath := fs.StringP("out", "o", "", "path to write the zip archive")
	manifestPath := fs.String("manifest", "", "optional path to also write manifest.json")
	if err := fs.Parse(args); err != nil {
		summary(out, "FAIL", map[string]any{"reason": err.Error()})
		return 2
	}
	if strings.TrimSpace(*caseID) == "" || strings.TrimSpace(*outPath) == "" {
		summary(out, "FAIL", map[string]any{"reason": "both --case and --out are required"})
		return 2
	}

	a, err := openApp(ctx)
	if err != nil {
		summary(out, "FAIL", map[string]any{"case_id": *caseID, "reason": err.Error()})
		return 1
	}
	defer a.Close()

	bundle, err := a.Archive.Assemble(ctx, *caseID)
	if err != nil {
		summary(out, "FAIL", map[string]any{"case_id": *caseID, "code": string(domain.CodeOf(err)), "reason": err.Error()})
		return 1
	}
	if err := os.WriteFile(*outPath, bundle.Archive, 0o644); err != nil {
		summary(out, "FAIL", map[string]any{"case_id": *caseID, "reason": "write archive failed: " + err.Error()})
		return 1
	}
	if *manifestPath != "" {
		if err := os.WriteFile(*manifestPath, bundle.ManifestJSON, 0o644); err != nil {
			summary(out, "FAIL", map[string]any{"case_id": *caseID, "reason": "write manifest failed: " + err.Error()})
			return 1
		}
	}

	counts := map[string]int{}
	for _, e := range bundle.Manifest.Entries {
		counts[string(e.Outcome)]++
	}
	summary(out, "PASS", map[string]any{
		"case_id":             *caseID,
		"case_number":         bundle.Manifest.Case.CaseNumber,
		"bundle_hash":         bundle.Manifest.BundleHash,
		"archive_path":        *outPath,
		"outcomes":            counts,
		"generation_complete": bundle.GenerationComplete,
	})
	return 0
}

func runPending(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	statuses := fs.StringSlice("status", nil, "status to include (repeatable or comma separated)")
	priority := fs.String("priority", "", "only cases with this derived priority")
	limit := fs.Int("limit", 0, "maximum number of cases")
	if err := fs.Parse(args); err != nil {
		summary(out, "FAIL", map[string]any{"reason": err.Error()})
		return 2
	}

	f := lifecycle.PendingFilter{Priority: domain.Priority(strings.TrimSpace(*priority)), Limit: *limit}
	if f.Priority != "" && !f.Priority.Valid() {
		summary(out, "FAIL", map[string]any{"reason": fmt.Sprintf("unknown priority %q", f.Priority)})
		return 2
	}
	for _, raw := range *statuses {
		st := domain.Status(strings.TrimSpace(raw))
		if !st.Valid() {
			summary(out, "FAIL", map[string]any{"reason": fmt.Sprintf("unknown status %q", st)})
			return 2
		}
		f.Statuses = append(f.Statuses, st)
	}

	a, err := openApp(ctx)
	if err != nil {
		summary(out, "FAIL", map[string]any{"reason": err.Error()})
		return 1
	}
	defer a.Close()

	cases, err := a.Cases.ListPending(ctx, f)
	if err != nil {
		summary(out, "FAIL", map[string]any{"reason": err.Error()})
		return 1
	}
	enc := json.NewEncoder(out)
	for _, p := range cases {
		_ = enc.Encode(map[string]any{
			"case_id":           p.Case.CaseID,
			"case_number":       p.Case.CaseNumber,
			"status":            p.Case.Status,
			"priority":          p.Priority,
			"days_waiting":      p.DaysWaiting,
			"days_until_expiry": p.DaysUntilExpiry,
			"reminder_count":    p.Case.ReminderCount,
		})
	}
	return 0
}

func runTemplatesLint(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("templates lint", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	file := fs.StringP("file", "f", "", "template catalog yaml")
	if err := fs.Parse(args); err != nil {
		summary(out, "FAIL", map[string]any{"reason": err.Error()})
		return 2
	}
	if strings.TrimSpace(*file) == "" {
		summary(out, "FAIL", map[string]any{"reason": "--file is required"})
		return 2
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		summary(out, "FAIL", map[string]any{"reason": "read catalog failed: " + err.Error()})
		return 1
	}
	cat, err := render.ParseCatalog(data)
	if err != nil {
		fields := map[string]any{"reason": err.Error()}
		var lint *render.LintError
		if errors.As(err, &lint) {
			fields["issues"] = lint.Issues
		}
		summary(out, "FAIL", fields)
		return 1
	}
	summary(out, "PASS", map[string]any{"templates": cat.IDs()})
	return 0
}

func summary(out io.Writer, status string, fields map[string]any) {
	line := map[string]any{"status": status, "timestamp_utc": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range fields {
		line[k] = v
	}
	b, _ := json.Marshal(line)
	fmt.Fprintln(out, string(b))
}
