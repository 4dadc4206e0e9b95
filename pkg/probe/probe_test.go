package probe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRun(t *testing.T) {
	probes := []Probe{
		{
			Name:     "speech",
			Check:    func(ctx context.Context) error { return nil },
			Critical: true,
		},
		{
			Name:  "connectivity",
			Check: func(ctx context.Context) error { return errors.New("probe url unreachable") },
		},
		{
			Name: "slow",
			Check: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
			Timeout: 20 * time.Millisecond,
		},
		{
			Name:  "panics",
			Check: func(ctx context.Context) error { panic("boom") },
		},
		{Name: "missing"},
	}

	results := Run(context.Background(), probes)

	if len(results) != len(probes) {
		t.Fatalf("Expected %d results, got %d", len(probes), len(results))
	}
	for i, r := range results {
		if r.Probe.Name != probes[i].Name {
			t.Errorf("Result %d: expected probe %q, got %q", i, probes[i].Name, r.Probe.Name)
		}
	}
	if results[0].Error != nil {
		t.Errorf("Expected speech probe to pass, got error: %v", results[0].Error)
	}
	if results[1].Error == nil {
		t.Error("Expected connectivity probe to fail, got nil")
	}
	if !errors.Is(results[2].Error, context.DeadlineExceeded) {
		t.Errorf("Expected slow probe to hit its timeout, got %v", results[2].Error)
	}
	if results[3].Error == nil {
		t.Error("Expected panicking probe to report an error")
	}
	if results[4].Error == nil {
		t.Error("Expected probe without a check to fail")
	}
}

func TestAnalyzeResults(t *testing.T) {
	tests := []struct {
		name    string
		results []Result
		wantErr bool
	}{
		{
			name: "All Pass",
			results: []Result{
				{Probe: Probe{Name: "P1", Critical: true}, Error: nil},
			},
			wantErr: false,
		},
		{
			name: "Critical Failure",
			results: []Result{
				{Probe: Probe{Name: "P1", Critical: true}, Error: errors.New("fail")},
			},
			wantErr: true,
		},
		{
			name: "Non-Critical Failure",
			results: []Result{
				{Probe: Probe{Name: "P1", Critical: false}, Error: errors.New("fail")},
			},
			wantErr: false,
		},
		{
			name: "Mixed Failure",
			results: []Result{
				{Probe: Probe{Name: "P1", Critical: false}, Error: errors.New("fail")},
				{Probe: Probe{Name: "P2", Critical: true}, Error: errors.New("fail")},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AnalyzeResults(tt.results)
			if (err != nil) != tt.wantErr {
				t.Errorf("AnalyzeResults() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
