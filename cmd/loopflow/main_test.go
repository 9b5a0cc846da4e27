package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/BaSui01/loopflow/config"
	"github.com/BaSui01/loopflow/testutil"
	"github.com/BaSui01/loopflow/testutil/fixtures"
	"github.com/BaSui01/loopflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func writeWorkflow(t *testing.T, name, content string) string {
	t.Helper()
	return testutil.WriteFile(t, "", name, content)
}

func TestRunWorkflow(t *testing.T) {
	path := writeWorkflow(t, "review.yaml", reviewYAML)
	cfg := config.DefaultConfig()
	cfg.Agent.Endpoint = ""

	var out, logOut bytes.Buffer
	result, err := runWorkflow(context.Background(), cfg, path, "go", zap.NewNop(), &out, &logOut)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, workflow.RunCompleted, result.Status)

	var printed workflow.RunResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, result.RunID, printed.RunID)
	assert.Equal(t, "final answer", printed.Output)

	assert.Contains(t, logOut.String(), "Run started")
	assert.Contains(t, logOut.String(), "Loop ")
}

func TestRunWorkflow_Pipeline(t *testing.T) {
	path := writeWorkflow(t, "pipeline.json", testutil.MustJSON(fixtures.Pipeline("p", "trim", "uppercase")))

	var out, logOut bytes.Buffer
	result, err := runWorkflow(testutil.TestContext(t), config.DefaultConfig(), path, "  quiet  ", zap.NewNop(), &out, &logOut)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, result.Status)
	assert.Equal(t, "QUIET", result.Output)
	assert.Empty(t, result.Loops)
}

func TestRunWorkflow_AgentWithoutEndpointFails(t *testing.T) {
	path := writeWorkflow(t, "agent.json", `{
		"id": "agentic",
		"stages": [{"id": "s1", "nodes": [{"id": "a", "kind": "agent", "agent": {"system_prompt": "x", "user_prompt": "{{input}}"}}]}]
	}`)
	cfg := config.DefaultConfig()
	cfg.Agent.Endpoint = ""

	var out, logOut bytes.Buffer
	result, err := runWorkflow(context.Background(), cfg, path, "go", zap.NewNop(), &out, &logOut)
	assert.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, workflow.RunFailed, result.Status)
	assert.NotEmpty(t, out.String())
}

func TestRunWorkflow_MissingFile(t *testing.T) {
	var out, logOut bytes.Buffer
	result, err := runWorkflow(context.Background(), config.DefaultConfig(), filepath.Join(t.TempDir(), "nope.yaml"), "", zap.NewNop(), &out, &logOut)
	assert.Error(t, err)
	assert.Nil(t, result)
	assert.Empty(t, out.String())
}

func TestValidateWorkflow(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, validateWorkflow(writeWorkflow(t, "review.yaml", reviewYAML), &out))
	assert.Contains(t, out.String(), `workflow "review" is valid: 1 stages, 1 loops`)
	assert.Contains(t, out.String(), "nodes=[writer]")

	out.Reset()
	err := validateWorkflow(writeWorkflow(t, "bad.json", `{"id":"bad","stages":[]}`), &out)
	assert.Error(t, err)
	assert.Empty(t, out.String())
}

func TestInitLogger(t *testing.T) {
	logger := initLogger(config.LogConfig{Level: "debug", Format: "console", OutputPaths: []string{"stderr"}})
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger = initLogger(config.LogConfig{Level: "bogus", Format: "json"})
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}
