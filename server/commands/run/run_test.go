package run

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	pterm.DisableStyling()
	os.Exit(m.Run())
}

func varsFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vars.yaml")
	require.NoError(t, os.WriteFile(path, []byte("amount: 250\n"), 0o600))
	return path
}

func TestRunStopsAtWaitState(t *testing.T) {
	out := &bytes.Buffer{}
	err := Run(context.Background(), &Options{
		BpmnFile:  "../../../testdata/approval.bpmn",
		ProcessID: "Approval",
		VarsFile:  varsFile(t),
		MaxSteps:  10,
	}, out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Review (USER_TASK)")
	assert.NotContains(t, out.String(), "Book (SERVICE_TASK)")
	assert.Contains(t, out.String(), "still active")
}

func TestRunCompletesTasks(t *testing.T) {
	out := &bytes.Buffer{}
	err := Run(context.Background(), &Options{
		BpmnFile:      "../../../testdata/approval.bpmn",
		ProcessID:     "Approval",
		VarsFile:      varsFile(t),
		CompleteTasks: true,
		MaxSteps:      10,
		Dump:          true,
	}, out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Book (SERVICE_TASK)")
	assert.Contains(t, out.String(), "Done (END_EVENT)")
	assert.Contains(t, out.String(), "completed")
}

func TestRunUnknownProcess(t *testing.T) {
	err := Run(context.Background(), &Options{
		BpmnFile:  "../../../testdata/approval.bpmn",
		ProcessID: "Missing",
		MaxSteps:  10,
	}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestRunMissingFile(t *testing.T) {
	err := Run(context.Background(), &Options{BpmnFile: "nope.bpmn", ProcessID: "x"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}
