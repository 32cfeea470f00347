package diagram

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build("ETL Pipeline", linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)

	assert.Contains(t, output, "=== ETL Pipeline ===")
	assert.Contains(t, output, "┌")
	assert.Contains(t, output, "┘")
	assert.Contains(t, output, "▼")
	for _, label := range []string{"Start", "fetch", "summarize", "End"} {
		assert.Contains(t, output, label)
	}
	assert.NotContains(t, output, "aws_s3")
}

func TestRenderASCIIWithStatus(t *testing.T) {
	model := &DiagramModel{
		Title: "Test",
		Nodes: []*Node{
			{ID: "s", Label: "Start", Kind: NodeKindStart},
			{ID: "a", Label: "step-a", Kind: NodeKindAgent, Status: &StatusOverlay{Status: "completed", DurationMs: 100}},
			{ID: "b", Label: "step-b", Kind: NodeKindAgent, Status: &StatusOverlay{Status: "failed", Error: strings.Repeat("x", 80)}},
			{ID: "c", Label: "step-c", Kind: NodeKindAgent, Status: &StatusOverlay{Status: "running"}},
			{ID: "e", Label: "step-e", Kind: NodeKindAgent, Status: &StatusOverlay{Status: "skipped"}},
			{ID: "f", Label: "step-f", Kind: NodeKindAgent, Status: &StatusOverlay{Status: "pending"}},
			{ID: "end", Label: "End", Kind: NodeKindEnd},
		},
		Levels: [][]string{{"s"}, {"a", "b", "c"}, {"e", "f"}, {"end"}},
	}

	output := RenderASCII(model)

	for _, tag := range []string{"[OK]", "[FAIL]", "[RUN]", "[SKIP]", "[PEND]", "100ms"} {
		assert.Contains(t, output, tag)
	}
	assert.Contains(t, output, strings.Repeat("x", 37)+"...")
	assert.NotContains(t, output, strings.Repeat("x", 41))
}

func TestRenderASCIISkipsUnknownLevelIDs(t *testing.T) {
	model := &DiagramModel{
		Nodes:  []*Node{{ID: "a", Label: "only", Kind: NodeKindAgent}},
		Levels: [][]string{{"a", "missing"}},
	}
	output := RenderASCII(model)
	assert.Equal(t, 1, strings.Count(output, "only"))
}

func TestRenderASCIIBranchLabels(t *testing.T) {
	model, err := Build("Review", branchingWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)

	assert.Contains(t, output, "<?> check")
	assert.Contains(t, output, "(*) each")
	assert.Contains(t, output, "check -[true]-> approve")
	assert.Contains(t, output, "check -[false]-> reject")
}
