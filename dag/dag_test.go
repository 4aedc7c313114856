package dag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/fortressi/saga"
)

func compensatedState() saga.State {
	return saga.State{
		SagaID:   "renewal-1",
		SagaName: "permit-renewal",
		Status:   saga.StatusFailed,
		Steps: []saga.StepState{
			{Name: "validate", Status: saga.StepSucceeded},
			{Name: "submit", Status: saga.StepUndoFinished},
			{Name: "pay", Status: saga.StepUndoFailed},
			{Name: "review", Status: saga.StepFailed},
			{Name: "approve", Status: saga.StepNeverStarted},
		},
	}
}

func ids(g *Graph) []string {
	sorted, err := topo.Sort(g)
	if err != nil {
		return nil
	}
	out := make([]string, len(sorted))
	for i, n := range sorted {
		out[i] = n.(*Node).DOTID()
	}
	return out
}

func TestFromStateCompensationPath(t *testing.T) {
	g := FromState(compensatedState())

	assert.Equal(t, 7, g.Nodes().Len())

	review, _ := g.Step("review")
	undoPay, ok := g.Step("undo_pay")
	require.True(t, ok)
	undoSubmit, ok := g.Step("undo_submit")
	require.True(t, ok)

	assert.True(t, g.HasEdgeFromTo(review.ID(), undoPay.ID()), "compensation starts at the failed step")
	assert.True(t, g.HasEdgeFromTo(undoPay.ID(), undoSubmit.ID()), "compensation runs in reverse")

	_, hasValidateUndo := g.Step("undo_validate")
	assert.False(t, hasValidateUndo)

	order := ids(g)
	require.NotEmpty(t, order, "graph is acyclic")
	pos := func(id string) int {
		for i, v := range order {
			if v == id {
				return i
			}
		}
		return -1
	}
	assert.Less(t, pos("validate"), pos("review"))
	assert.Less(t, pos("review"), pos("undo_pay"))
	assert.Less(t, pos("undo_pay"), pos("undo_submit"))
}

func TestFromStateRolledBack(t *testing.T) {
	g := FromState(saga.State{
		SagaID: "s-2",
		Status: saga.StatusFailed,
		Steps: []saga.StepState{
			{Name: "a", Status: saga.StepUndoFinished},
			{Name: "b", Status: saga.StepUndoFinished},
		},
	})

	b, _ := g.Step("b")
	undoB, _ := g.Step("undo_b")
	undoA, _ := g.Step("undo_a")
	assert.True(t, g.HasEdgeFromTo(b.ID(), undoB.ID()))
	assert.True(t, g.HasEdgeFromTo(undoB.ID(), undoA.ID()))
}

func TestExportToDot(t *testing.T) {
	out, err := FromState(compensatedState()).ExportToDot()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, `strict digraph "renewal-1"`), out)
	assert.Contains(t, out, "rankdir=LR")
	assert.Contains(t, out, "undo_pay")
	assert.Contains(t, out, "fillcolor=salmon")
	assert.Contains(t, out, "style=dashed")
}

func TestAddStepIsIdempotent(t *testing.T) {
	g := New("g")
	first := g.AddStep("x", "X")
	second := g.AddStep("x", "ignored")
	assert.Same(t, first, second)
	assert.Equal(t, 1, g.Nodes().Len())
}
