package invoker

import (
	"errors"
	"testing"

	"github.com/BaSui01/loopflow/types"
	"github.com/stretchr/testify/assert"
)

func TestRenderPrompt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"both placeholders", "Refine {input} for {prompt}", "Refine draft for goal"},
		{"repeated", "{input}/{input}", "draft/draft"},
		{"none", "static text", "static text"},
		{"unknown placeholder kept", "{other} {input}", "{other} draft"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderPrompt(tt.template, "draft", "goal"))
		})
	}
}

func TestRequest_Validate(t *testing.T) {
	t.Parallel()

	ok := Request{SystemPrompt: "sys", UserPrompt: "user"}
	assert.NoError(t, ok.Validate())

	noSystem := Request{SystemPrompt: "  ", UserPrompt: "user"}
	err := noSystem.Validate()
	assert.True(t, types.IsErrorCode(err, types.ErrNodeConfig))
	assert.False(t, types.IsRetryable(err))

	noUser := Request{SystemPrompt: "sys"}
	assert.Error(t, noUser.Validate())

	badTool := Request{SystemPrompt: "sys", UserPrompt: "u", Tools: []ToolConfig{{ToolID: "t1"}, {}}}
	err = badTool.Validate()
	assert.ErrorContains(t, err, "index 1")
}

func TestSucceeded_Placeholder(t *testing.T) {
	t.Parallel()

	res := Succeeded("", nil)
	assert.True(t, res.Success)
	assert.Equal(t, NoOutputPlaceholder, res.Output)
	assert.NotNil(t, res.ToolOutputs)
	assert.NoError(t, res.Err())
}

func TestFailed_KeepsClassification(t *testing.T) {
	t.Parallel()

	res := Failed(types.NewUpstreamError(503, "unavailable"))
	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, types.ErrUpstreamError, res.Code)
	assert.Equal(t, "unavailable", res.Error)

	plain := Failed(errors.New("boom"))
	assert.False(t, plain.Retryable)
	assert.Equal(t, types.ErrNodeFailed, plain.Code)
	assert.Equal(t, "boom", plain.Error)

	err := plain.Err()
	assert.True(t, types.IsErrorCode(err, types.ErrNodeFailed))
}
