package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeBuffer(t *testing.T, buf *bytes.Buffer) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp), buf.String())
	return resp
}

func TestOutputFormatter_JSON(t *testing.T) {
	tests := []struct {
		name      string
		traceID   string
		write     func(*OutputFormatter) error
		wantState string
		wantCode  string
	}{
		{
			name:      "success",
			write:     func(f *OutputFormatter) error { return f.Success(map[string]int{"applied": 2}) },
			wantState: "ok",
		},
		{
			name:      "success with run",
			traceID:   "0190d5c4-run",
			write:     func(f *OutputFormatter) error { return f.Success(map[string]int{"points": 100}) },
			wantState: "ok",
		},
		{
			name:      "error",
			write:     func(f *OutputFormatter) error { return f.Error(ErrCodeConfig, "unknown backend", nil) },
			wantState: "error",
			wantCode:  ErrCodeConfig,
		},
		{
			name:    "rejected with run",
			traceID: "0190d5c4-run",
			write: func(f *OutputFormatter) error {
				return f.Rejected(ErrCodeRejected, "missing market", map[string]string{"eventId": "evt-bad"})
			},
			wantState: "error",
			wantCode:  ErrCodeRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			f := &OutputFormatter{Format: "json", Writer: buf, TraceID: tt.traceID}
			require.NoError(t, tt.write(f))

			resp := decodeBuffer(t, buf)
			assert.Equal(t, tt.wantState, resp.Status)
			assert.Equal(t, tt.traceID, resp.TraceID)
			if tt.wantCode == "" {
				assert.Nil(t, resp.Error)
				assert.NotNil(t, resp.Data)
				return
			}
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestOutputFormatter_JSONOmitsEmptyTraceID(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, f.Success("done"))
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestOutputFormatter_Text(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf, TraceID: "ignored-in-text"}

	require.NoError(t, f.Success("2 read, 2 applied"))
	require.NoError(t, f.Error(ErrCodeNotFound, "journal missing", map[string]string{"path": "x.jsonl"}))

	out := buf.String()
	assert.Contains(t, out, "2 read, 2 applied\n")
	assert.Contains(t, out, "Error ["+ErrCodeNotFound+"]: journal missing")
	assert.NotContains(t, out, "Details:", "details need --verbose")
	assert.NotContains(t, out, "ignored-in-text")

	buf.Reset()
	f.Verbose = true
	require.NoError(t, f.Error(ErrCodeNotFound, "journal missing", map[string]string{"path": "x.jsonl"}))
	assert.Contains(t, buf.String(), "Details: map[path:x.jsonl]")
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag}

	f.VerboseLog("Processing %s", "evt-1")
	assert.Empty(t, diag.String())

	f.Verbose = true
	f.VerboseLog("Processing %s", "evt-1")
	assert.Equal(t, "Processing evt-1\n", diag.String())
	assert.Empty(t, out.String())

	f.ErrWriter = nil
	f.VerboseLog("fallback")
	assert.Equal(t, "fallback\n", out.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "missing dir")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitSuccess, "ok", nil))
	assert.Equal(t, ExitSuccess, GetExitCode(wrapped))

	cause := errors.New("disk full")
	err := WrapExitError(ExitCommandError, "failed to open database", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "failed to open database: disk full", err.Error())
}
