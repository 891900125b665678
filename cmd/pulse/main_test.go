package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"pve-pulse/internal/config"
)

func TestReportStartup(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantOut  string
	}{
		{name: "help", err: pflag.ErrHelp, wantCode: 0},
		{
			name:     "configuration error",
			err:      &config.ConfigurationError{Field: "state_file", Reason: "unable to open database file"},
			wantCode: 2,
			wantOut:  "invalid configuration state_file: unable to open database file",
		},
		{
			name:     "wrapped configuration error",
			err:      fmt.Errorf("startup: %w", &config.ConfigurationError{Field: "tls_ca_path", Reason: "read CA file"}),
			wantCode: 2,
			wantOut:  "tls_ca_path",
		},
		{name: "other", err: errors.New("boom"), wantCode: 2, wantOut: "load config: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if code := reportStartup(&buf, tt.err); code != tt.wantCode {
				t.Fatalf("expected exit %d, got %d", tt.wantCode, code)
			}
			if !strings.Contains(buf.String(), tt.wantOut) {
				t.Fatalf("expected %q in output, got %q", tt.wantOut, buf.String())
			}
			if tt.wantOut == "" && buf.Len() != 0 {
				t.Fatalf("expected no output, got %q", buf.String())
			}
		})
	}
}
