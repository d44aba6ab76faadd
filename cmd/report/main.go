package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"tradeingest/internal/config"
	"tradeingest/internal/logger"
	"tradeingest/internal/model"
	"tradeingest/internal/store"
	"tradeingest/internal/store/backend"
)

type dailyReport struct {
	Day                  string      `json:"day"`
	GeneratedAt          string      `json:"generated_at"`
	Executions           int         `json:"executions"`
	Successful           int         `json:"successful"`
	Partial              int         `json:"partial"`
	Failed               int         `json:"failed"`
	Running              int         `json:"running"`
	SuccessRate          float64     `json:"success_rate"`
	TotalDurationSeconds float64     `json:"total_duration_seconds"`
	APICalls             int         `json:"api_calls"`
	CacheHits            int         `json:"cache_hits"`
	Processed            int         `json:"records_processed"`
	Inserted             int         `json:"records_inserted"`
	Skipped              int         `json:"records_skipped"`
	Rejected             int         `json:"records_rejected"`
	Reporters            []string    `json:"reporters"`
	Runs                 []runReport `json:"runs"`
}

type runReport struct {
	RunID           string          `json:"run_id"`
	Status          model.RunStatus `json:"status"`
	StartPeriod     string          `json:"start_period"`
	EndPeriod       string          `json:"end_period"`
	StartedAt       string          `json:"started_at"`
	CompletedAt     string          `json:"completed_at,omitempty"`
	DurationSeconds float64         `json:"duration_seconds"`
	UnitsTotal      int             `json:"units_total"`
	UnitsDone       int             `json:"units_done"`
	UnitsFailed     int             `json:"units_failed"`
	Inserted        int             `json:"records_inserted"`
	Skipped         int             `json:"records_skipped"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Failures        []failureReport `json:"failures,omitempty"`
}

type failureReport struct {
	Unit    string `json:"unit"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "build":
		if err := build(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "report build failed:", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: report build [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "options:")
	fmt.Fprintln(os.Stderr, "  --out        output directory (default: reports)")
	fmt.Fprintln(os.Stderr, "  --day        UTC day to report on, YYYY-MM-DD (default: today)")
	fmt.Fprintln(os.Stderr, "  --verbose    enable verbose (debug) logging")
}

func build(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	fs.Usage = usage
	outDir := fs.String("out", "reports", "output directory")
	dayValue := fs.String("day", "", "UTC day to report on, YYYY-MM-DD")
	verbose := fs.Bool("verbose", false, "enable verbose (debug) logging")
	_ = fs.Parse(args)

	_ = godotenv.Load()

	level, _ := logger.ParseLevel("", *verbose)
	log := logger.New(level)

	now := time.Now().UTC()
	day, err := parseDay(*dayValue, now)
	if err != nil {
		return err
	}

	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := backend.Open(ctx, *dbCfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := loadReport(ctx, st, day, now)
	if err != nil {
		return err
	}
	if report.Executions == 0 {
		log.Warn("report: no import runs found for day", "day", report.Day)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	base := filepath.Join(*outDir, "daily_report_"+day.Format("20060102"))
	if err := writeJSON(base+".json", report); err != nil {
		return fmt.Errorf("failed to write %s.json: %w", base, err)
	}
	if err := writeTextFile(base+".txt", report); err != nil {
		return fmt.Errorf("failed to write %s.txt: %w", base, err)
	}

	fmt.Printf("report build complete (day=%s runs=%d out=%s)\n", report.Day, report.Executions, *outDir)
	return nil
}

func parseDay(value string, now time.Time) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	day, err := time.Parse(time.DateOnly, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --day %q (expected YYYY-MM-DD)", value)
	}
	return day, nil
}

// loadReport aggregates the runs started on day together with their unit failures.
func loadReport(ctx context.Context, st store.Store, day, now time.Time) (dailyReport, error) {
	runs, err := st.ListRuns(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		return dailyReport{}, fmt.Errorf("failed to load import runs: %w", err)
	}
	failures := make(map[string][]model.UnitFailure)
	for _, run := range runs {
		list, err := st.ListUnitFailures(ctx, run.RunID)
		if err != nil {
			return dailyReport{}, fmt.Errorf("failed to load failures for run %s: %w", run.RunID, err)
		}
		failures[run.RunID.String()] = list
	}
	return buildReport(day, now, runs, failures), nil
}

func buildReport(day, now time.Time, runs []model.ImportRun, failures map[string][]model.UnitFailure) dailyReport {
	report := dailyReport{
		Day:         day.Format(time.DateOnly),
		GeneratedAt: now.UTC().Format(time.RFC3339),
		Reporters:   []string{},
		Runs:        make([]runReport, 0, len(runs)),
	}

	for _, run := range runs {
		report.Executions++
		switch run.Status {
		case model.RunSuccess:
			report.Successful++
		case model.RunPartial:
			report.Partial++
		case model.RunFailed:
			report.Failed++
		default:
			report.Running++
		}
		report.TotalDurationSeconds += run.Duration().Seconds()
		report.APICalls += run.APICalls
		report.CacheHits += run.CacheHits
		report.Processed += run.Processed
		report.Inserted += run.Inserted
		report.Skipped += run.Skipped
		report.Rejected += run.Rejected
		report.Reporters = append(report.Reporters, run.ReporterScope...)

		entry := runReport{
			RunID:           run.RunID.String(),
			Status:          run.Status,
			StartPeriod:     run.StartPeriod.String(),
			EndPeriod:       run.EndPeriod.String(),
			StartedAt:       run.StartedAt.UTC().Format(time.RFC3339),
			DurationSeconds: run.Duration().Seconds(),
			UnitsTotal:      run.UnitsTotal,
			UnitsDone:       run.UnitsDone,
			UnitsFailed:     run.UnitsFailed,
			Inserted:        run.Inserted,
			Skipped:         run.Skipped,
			ErrorMessage:    run.ErrorMessage,
		}
		if run.CompletedAt != nil {
			entry.CompletedAt = run.CompletedAt.UTC().Format(time.RFC3339)
		}
		for _, failure := range failures[entry.RunID] {
			entry.Failures = append(entry.Failures, failureReport{Unit: failure.UnitKey, Stage: failure.Stage, Message: failure.Message})
		}
		report.Runs = append(report.Runs, entry)
	}

	slices.Sort(report.Reporters)
	report.Reporters = slices.Compact(report.Reporters)
	if report.Executions > 0 {
		report.SuccessRate = float64(report.Successful) / float64(report.Executions) * 100
	}
	return report
}

func writeJSON(path string, value any) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func writeTextFile(path string, report dailyReport) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return writeText(file, report)
}

func writeText(w io.Writer, report dailyReport) error {
	lines := []string{
		"Comtrade Data Pipeline - Daily Report " + strings.ReplaceAll(report.Day, "-", ""),
		strings.Repeat("=", 50),
		fmt.Sprintf("Total Executions: %d", report.Executions),
		fmt.Sprintf("Successful Executions: %d", report.Successful),
		fmt.Sprintf("Partial Executions: %d", report.Partial),
		fmt.Sprintf("Failed Executions: %d", report.Failed),
		fmt.Sprintf("Success Rate: %.2f%%", report.SuccessRate),
		fmt.Sprintf("Total Execution Time: %.2f seconds", report.TotalDurationSeconds),
		fmt.Sprintf("Total API Calls: %d", report.APICalls),
		fmt.Sprintf("Total Cache Hits: %d", report.CacheHits),
		fmt.Sprintf("Total Records Processed: %d", report.Processed),
		fmt.Sprintf("Total Records Inserted: %d", report.Inserted),
		fmt.Sprintf("Total Records Skipped: %d", report.Skipped),
		fmt.Sprintf("Countries Processed: %s", strings.Join(report.Reporters, ", ")),
	}
	for _, run := range report.Runs {
		if len(run.Failures) == 0 && run.ErrorMessage == "" {
			continue
		}
		lines = append(lines, "", fmt.Sprintf("Run %s (%s): %s", run.RunID, run.Status, run.ErrorMessage))
		for _, failure := range run.Failures {
			lines = append(lines, fmt.Sprintf("  %s [%s] %s", failure.Unit, failure.Stage, failure.Message))
		}
	}
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}
