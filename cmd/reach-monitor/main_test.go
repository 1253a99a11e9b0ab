package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/cam3ron2/reach-monitor/internal/app"
	"github.com/cam3ron2/reach-monitor/internal/calendar"
	"github.com/cam3ron2/reach-monitor/internal/ingest"
	"go.uber.org/zap/zapcore"
)

func TestLogLevel(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input string
		want  zapcore.Level
	}{
		{name: "debug", input: "debug", want: zapcore.DebugLevel},
		{name: "warn", input: "warn", want: zapcore.WarnLevel},
		{name: "error", input: "error", want: zapcore.ErrorLevel},
		{name: "default_info", input: "other", want: zapcore.InfoLevel},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := logLevel(tc.input)
			if got != tc.want {
				t.Fatalf("logLevel(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestShouldIgnoreLoggerSyncError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil_error", err: nil, want: false},
		{name: "einval_direct", err: syscall.EINVAL, want: true},
		{name: "enotty_direct", err: syscall.ENOTTY, want: true},
		{name: "wrapped_einval", err: fmt.Errorf("wrapped: %w", syscall.EINVAL), want: true},
		{name: "other_error", err: errors.New("boom"), want: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := shouldIgnoreLoggerSyncError(tc.err)
			if got != tc.want {
				t.Fatalf("shouldIgnoreLoggerSyncError(%v) = %t, want %t", tc.err, got, tc.want)
			}
		})
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		args      []string
		wantMode  string
		wantDate  string
		wantStart string
		wantEnd   string
		wantErr   string
	}{
		{
			name:     "defaults_to_serve",
			args:     nil,
			wantMode: modeServe,
		},
		{
			name:     "daily_with_date",
			args:     []string{"-mode", "daily", "-date", "2025-02-17"},
			wantMode: modeDaily,
			wantDate: "2025-02-17",
		},
		{
			name:     "analyze_mode_is_case_insensitive",
			args:     []string{"-mode", "Analyze"},
			wantMode: modeAnalyze,
		},
		{
			name:      "range",
			args:      []string{"-mode", "range", "-start", "2025-02-01", "-end", "2025-02-07"},
			wantMode:  modeRange,
			wantStart: "2025-02-01",
			wantEnd:   "2025-02-07",
		},
		{
			name:    "range_requires_both_bounds",
			args:    []string{"-mode", "range", "-start", "2025-02-01"},
			wantErr: "requires -start and -end",
		},
		{
			name:    "range_inverted",
			args:    []string{"-mode", "range", "-start", "2025-02-07", "-end", "2025-02-01"},
			wantErr: "is before",
		},
		{
			name:    "invalid_date",
			args:    []string{"-mode", "daily", "-date", "02/17/2025"},
			wantErr: "invalid -date",
		},
		{
			name:    "unknown_mode",
			args:    []string{"-mode", "weekly"},
			wantErr: "unknown mode",
		},
		{
			name:    "unknown_flag",
			args:    []string{"-verbose"},
			wantErr: "flag provided but not defined",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			opts, err := parseFlags(tc.args, io.Discard)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("parseFlags() error = %v, want containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlags() unexpected error: %v", err)
			}
			if opts.mode != tc.wantMode {
				t.Fatalf("parseFlags().mode = %q, want %q", opts.mode, tc.wantMode)
			}
			assertDate(t, "date", opts.date, tc.wantDate)
			assertDate(t, "start", opts.start, tc.wantStart)
			assertDate(t, "end", opts.end, tc.wantEnd)
		})
	}
}

func TestJobError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		result  app.JobResult
		wantErr string
	}{
		{name: "success", result: app.JobResult{Mode: "daily", Status: app.JobSuccess}},
		{name: "partial", result: app.JobResult{Mode: "daily", Status: app.JobPartial}},
		{name: "skipped", result: app.JobResult{Mode: "daily", Status: app.JobSkipped}},
		{
			name:    "failed_with_errors",
			result:  app.JobResult{Mode: "analyze", Status: app.JobFailed, Errors: []error{errors.New("bad thresholds")}},
			wantErr: "analyze job failed: bad thresholds",
		},
		{
			name:    "failed_pairs_only",
			result:  app.JobResult{Mode: "range", Status: app.JobFailed, Stats: ingest.Stats{Errors: 4}},
			wantErr: "4 pairs failed",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := jobError(tc.result)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("jobError() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("jobError() = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func assertDate(t *testing.T, name string, got time.Time, want string) {
	t.Helper()
	if want == "" {
		if !got.IsZero() {
			t.Fatalf("%s = %s, want zero", name, calendar.Format(got))
		}
		return
	}
	if calendar.Format(got) != want {
		t.Fatalf("%s = %s, want %s", name, calendar.Format(got), want)
	}
}
