package budget_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/drug-budget/budget"
)

func TestCreateRequest_NumbersPerFiscalYear(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var numbers []string
	for _, fy := range []int{2568, 2568, 2569, 2568} {
		r, err := env.engine.CreateRequest(ctx, budget.NewRequest{FiscalYear: fy, DepartmentID: &deptPharmacy}, "alice")
		require.NoError(t, err)
		numbers = append(numbers, r.RequestNumber)
	}
	assert.Equal(t, []string{"BR-2568-001", "BR-2568-002", "BR-2569-001", "BR-2568-003"}, numbers)
}

func TestCreateRequest_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.CreateRequest(ctx, budget.NewRequest{FiscalYear: 2500}, "alice")
	assert.ErrorIs(t, err, budget.ErrValidationFailed)
	assert.Equal(t, budget.CodeInvalidFiscalYear, budget.CodeOf(err))

	_, err = env.engine.CreateRequest(ctx, budget.NewRequest{FiscalYear: testYear}, "")
	assert.Equal(t, budget.CodeUserRequired, budget.CodeOf(err))
}

func TestCreateRequest_Audited(t *testing.T) {
	env := newTestEnv(t)
	r := env.newDraft(t, nil)

	entries, err := env.engine.AuditTrail(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, budget.AuditCreate, entries[0].Action)
	assert.Equal(t, budget.EntityRequest, entries[0].EntityType)
	assert.Equal(t, r.RequestNumber, entries[0].NewValue)
	assert.Equal(t, "alice", entries[0].UserID)
	assert.Equal(t, fixedNow, entries[0].CreatedAt)
}

func TestUpdateRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := env.newDraft(t, &deptPharmacy)

	text := "Stock-out risk for the coming rainy season"
	r, err := env.engine.UpdateRequest(ctx, r.ID, budget.RequestPatch{Justification: &text, ClearDepartment: true}, "alice")
	require.NoError(t, err)
	assert.Equal(t, text, r.Justification)
	assert.True(t, r.IsCentral())

	entries, err := env.engine.AuditTrail(ctx, r.ID)
	require.NoError(t, err)
	var fields []string
	for _, e := range entries {
		if e.Action == budget.AuditUpdate {
			fields = append(fields, e.FieldName)
		}
	}
	assert.ElementsMatch(t, []string{"justification", "department_id"}, fields)

	// Not editable once submitted.
	env.addItem(t, r.ID, env.para, "1")
	_, err = env.engine.Submit(ctx, r.ID, "alice")
	require.NoError(t, err)
	_, err = env.engine.UpdateRequest(ctx, r.ID, budget.RequestPatch{Justification: &text}, "alice")
	assert.ErrorIs(t, err, budget.ErrPreconditionFailed)
}

func TestDeleteRequest(t *testing.T) {
	// GIVEN: A draft with items
	// WHEN: It is deleted without and then with cascade
	// THEN: The first delete is refused, the second hides the request

	env := newTestEnv(t)
	ctx := context.Background()
	r := env.newDraft(t, &deptPharmacy)
	env.addItem(t, r.ID, env.para, "10")

	err := env.engine.DeleteRequest(ctx, r.ID, false, "alice")
	assert.Equal(t, budget.CodeHasItems, budget.CodeOf(err))

	require.NoError(t, env.engine.DeleteRequest(ctx, r.ID, true, "alice"))

	_, err = env.engine.GetRequest(ctx, r.ID)
	assert.ErrorIs(t, err, budget.ErrNotFound)

	list, err := env.engine.ListRequests(ctx, budget.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteRequest_OnlyDraftOrRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := env.newDraft(t, &deptPharmacy)
	env.addItem(t, r.ID, env.para, "10")
	_, err := env.engine.Submit(ctx, r.ID, "alice")
	require.NoError(t, err)

	err = env.engine.DeleteRequest(ctx, r.ID, true, "alice")
	assert.Equal(t, budget.CodeInvalidStatus, budget.CodeOf(err))

	_, err = env.engine.Reject(ctx, r.ID, "bob", "wrong year")
	require.NoError(t, err)
	assert.NoError(t, env.engine.DeleteRequest(ctx, r.ID, true, "alice"))
}

func TestListRequests_Filters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.newDraft(t, &deptPharmacy)
	env.newDraft(t, &deptEmergency)
	env.newDraft(t, nil)
	env.addItem(t, a.ID, env.para, "1")
	_, err := env.engine.Submit(ctx, a.ID, "alice")
	require.NoError(t, err)

	all, err := env.engine.ListRequests(ctx, budget.RequestFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	submitted := budget.StatusSubmitted
	list, err := env.engine.ListRequests(ctx, budget.RequestFilter{Status: &submitted})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	list, err = env.engine.ListRequests(ctx, budget.RequestFilter{DepartmentID: &deptEmergency})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	other := 2569
	list, err = env.engine.ListRequests(ctx, budget.RequestFilter{FiscalYear: &other})
	require.NoError(t, err)
	assert.Empty(t, list)
}
