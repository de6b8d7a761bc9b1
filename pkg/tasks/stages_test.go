package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/foreman/pkg/config"
)

func TestStageClassifierDefaultRules(t *testing.T) {
	c, err := NewStageClassifier(config.DefaultStageRules())
	require.NoError(t, err)

	cases := []struct {
		output string
		want   string
	}{
		{"Reading src/main.go to understand the flow", "reading code"},
		{"Editing the handler in server.go", "writing code"},
		{"Running go test ./... now", "running tests"},
		{"git commit -m 'fix race'", "committing"},
		{"Planning the approach first", "planning"},
		{"npm install left 3 warnings", "installing dependencies"},
		{"something entirely different", defaultStage},
		{"", defaultStage},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Classify(tc.output), "output: %q", tc.output)
	}
}

func TestStageClassifierFirstMatchWins(t *testing.T) {
	c, err := NewStageClassifier([]config.StageRule{
		{Pattern: `test`, Label: "running tests"},
		{Pattern: `test|read`, Label: "reading code"},
	})
	require.NoError(t, err)
	assert.Equal(t, "running tests", c.Classify("running the test suite"))
	assert.Equal(t, "reading code", c.Classify("read the docs"))
}

func TestStageClassifierCaseInsensitive(t *testing.T) {
	c, err := NewStageClassifier([]config.StageRule{{Pattern: `deploy`, Label: "deploying"}})
	require.NoError(t, err)
	assert.Equal(t, "deploying", c.Classify("DEPLOYING to staging"))
}

func TestStageClassifierRejectsBadPattern(t *testing.T) {
	_, err := NewStageClassifier([]config.StageRule{{Pattern: `[unclosed`, Label: "x"}})
	require.Error(t, err)
}
