package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRun_JSONReport(t *testing.T) {
	out, err := execute(t, "run", "--seed", "3", "--per-category", "5", "--format", "json")
	require.NoError(t, err, out)

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.EqualValues(t, 3, report["seed"])
	assert.EqualValues(t, 30, report["total_cases"])
}

func TestRun_TextReportSingleTarget(t *testing.T) {
	out, err := execute(t, "run", "--seed", "4", "--per-category", "3", "--targets", "normalizer")
	require.NoError(t, err, out)
	assert.Contains(t, out, "normalizer")
	assert.Contains(t, out, "no crashes or timeouts")
}

func TestRun_InvalidFlags(t *testing.T) {
	_, err := execute(t, "run", "--format", "xml")
	assert.ErrorContains(t, err, "unsupported format")

	_, err = execute(t, "run", "--targets", "kernel", "--limit", "1")
	assert.ErrorContains(t, err, "unknown target")

	_, err = execute(t, "run", "extra")
	assert.Error(t, err)
}
