package decompose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/state"
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

func workflow(instruction string) *models.Workflow {
	return &models.Workflow{
		WorkflowID:  "wf-1",
		ProjectID:   "p-1",
		Instruction: instruction,
		Phase:       models.PhaseMeeting,
	}
}

func TestSelectLanes(t *testing.T) {
	tests := []struct {
		name        string
		instruction string
		want        []models.WorkerType
	}{
		{
			"developer only",
			"Add a logout button",
			[]models.WorkerType{models.WorkerDeveloper},
		},
		{
			"test keyword",
			"Add a logout button with tests",
			[]models.WorkerType{models.WorkerDeveloper, models.WorkerTest},
		},
		{
			"research and design",
			"Research caching options and design the schema",
			[]models.WorkerType{models.WorkerResearch, models.WorkerDesign, models.WorkerDeveloper},
		},
		{
			"japanese keywords",
			"ログイン機能を調査してテストを追加する",
			[]models.WorkerType{models.WorkerResearch, models.WorkerDeveloper, models.WorkerTest},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectLanes(tt.instruction, Options{}))
		})
	}
}

func TestSelectLanesForceFlag(t *testing.T) {
	lanes := SelectLanes("plain instruction", Options{
		ForceLanes: []models.WorkerType{models.WorkerReviewer},
	})
	assert.Equal(t, []models.WorkerType{models.WorkerDeveloper, models.WorkerReviewer}, lanes)
}

func TestDecomposeBuildsTree(t *testing.T) {
	d := New(logger.Default())

	res, err := d.Decompose(workflow("Add login with tests and a review"), nil, Options{})
	require.NoError(t, err)
	require.Len(t, res.Children, 3) // developer, test, reviewer

	for _, child := range res.Children {
		assert.Equal(t, "wf-1", child.ParentID)
		assert.Equal(t, models.StatusPending, child.Status)
		gcs := res.Grandchildren[child.ID]
		require.NotEmpty(t, gcs)
		assert.Equal(t, child.Children, ticketIDs(gcs))
		for _, gc := range gcs {
			assert.Equal(t, child.ID, gc.ParentID)
			assert.NotEmpty(t, gc.Title)
			assert.NotEmpty(t, gc.AcceptanceCriteria)
		}
	}
}

func TestDecomposeIsDeterministic(t *testing.T) {
	d := New(logger.Default())
	wf := workflow("Refactor the auth module and add tests")

	first, err := d.Decompose(wf, nil, Options{})
	require.NoError(t, err)
	second, err := d.Decompose(wf, nil, Options{})
	require.NoError(t, err)

	require.Len(t, second.Children, len(first.Children))
	for i := range first.Children {
		assert.Equal(t, first.Children[i].ID, second.Children[i].ID)
		assert.Equal(t, first.Children[i].WorkerType, second.Children[i].WorkerType)
		assert.Equal(t,
			ticketIDs(first.Grandchildren[first.Children[i].ID]),
			ticketIDs(second.Grandchildren[second.Children[i].ID]))
	}
}

func TestDecomposeDependencyEdges(t *testing.T) {
	d := New(logger.Default())

	res, err := d.Decompose(workflow("Implement search with tests"), nil, Options{})
	require.NoError(t, err)

	var devIDs []string
	var testGCs []*models.Ticket
	for _, child := range res.Children {
		switch child.WorkerType {
		case models.WorkerDeveloper:
			devIDs = ticketIDs(res.Grandchildren[child.ID])
		case models.WorkerTest:
			testGCs = res.Grandchildren[child.ID]
		}
	}
	require.NotEmpty(t, devIDs)
	require.NotEmpty(t, testGCs)
	for _, gc := range testGCs {
		assert.Equal(t, devIDs, gc.DependsOn)
	}

	// Developer leaves have no dependencies: the graph is a DAG rooted there.
	for _, id := range devIDs {
		for _, child := range res.Children {
			for _, gc := range res.Grandchildren[child.ID] {
				if gc.ID == id {
					assert.Empty(t, gc.DependsOn)
				}
			}
		}
	}
}

func TestDecomposeEmptyInstruction(t *testing.T) {
	d := New(logger.Default())
	_, err := d.Decompose(workflow("   "), nil, Options{})
	require.Error(t, err)
}

func TestDecomposeFoldsKnowledge(t *testing.T) {
	d := New(logger.Default())
	knowledge := []*state.KnowledgeEntry{{
		Title:    "Session store quirks",
		Category: state.CategoryTechnicalNote,
		Content:  "Sessions are keyed by tenant id.",
	}}

	res, err := d.Decompose(workflow("Add login"), knowledge, Options{})
	require.NoError(t, err)

	dev := res.Grandchildren[res.Children[0].ID][0]
	assert.Contains(t, dev.Description, "Session store quirks")
}

func ticketIDs(tickets []*models.Ticket) []string {
	ids := make([]string, 0, len(tickets))
	for _, t := range tickets {
		ids = append(ids, t.ID)
	}
	return ids
}
