package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pressplay/automation/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateCommandReportsScannedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "save.dds"), make([]byte, 1<<20), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audio.ogg"), make([]byte, 1<<20), 0o644))

	configFile = filepath.Join(t.TempDir(), "missing.yaml")

	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"estimate", dir})
	require.NoError(t, root.Execute())

	var got types.EstimateBreakdown
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, int64(2), got.ScannedFiles)
	assert.Equal(t, int64(2<<20), got.SampledBytes)
}

func TestStatusCommandReportsEmptyQueueOnFirstRun(t *testing.T) {
	configFile = filepath.Join(t.TempDir(), "missing.yaml")

	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"status"})
	require.NoError(t, root.Execute())

	var got statusOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, types.StateWaitingForEvents, got.State)
	assert.Empty(t, got.Jobs)
}
