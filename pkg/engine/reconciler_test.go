package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	resources []string
	patches   []string
	commits   []string
	checks    []string
}

func (o *countingObserver) ObservePatch(key string, outcome Outcome, _ time.Duration) {
	o.patches = append(o.patches, key+":"+string(outcome))
}

func (o *countingObserver) ObserveCommit(status Status, outcome Outcome, _ time.Duration) {
	o.commits = append(o.commits, string(status)+":"+string(outcome))
}

func (o *countingObserver) ObserveResource(role, op string, outcome Outcome) {
	o.resources = append(o.resources, role+":"+op+":"+string(outcome))
}

func (o *countingObserver) ObserveValidation(check string, ready bool) {
	if ready {
		o.checks = append(o.checks, check+":ready")
		return
	}
	o.checks = append(o.checks, check+":blocked")
}

func newTestReconciler(res *fakeResources, obs SyncObserver) *Reconciler {
	return NewReconciler(res, testReference(), obs, zerolog.Nop())
}

func TestReconcile_NoChangeMakesNoCalls(t *testing.T) {
	res := &fakeResources{}
	r := newTestReconciler(res, nil)

	for _, handle := range []string{"", "alice"} {
		result, err := r.Reconcile(context.Background(), "ch-1", RoleCopilot, handle, handle)
		require.NoError(t, err)
		assert.Empty(t, result.Ops)
	}
	assert.Empty(t, res.recorded())
}

func TestReconcile_DeleteThenCreate(t *testing.T) {
	tests := []struct {
		name       string
		prev, next string
		want       []string
	}{
		{"replace", "alice", "bob", []string{"delete role-copilot alice", "create role-copilot bob"}},
		{"assign", "", "bob", []string{"create role-copilot bob"}},
		{"unassign", "alice", "", []string{"delete role-copilot alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &fakeResources{}
			obs := &countingObserver{}
			r := newTestReconciler(res, obs)

			result, err := r.Reconcile(context.Background(), "ch-1", RoleCopilot, tt.prev, tt.next)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.recorded())
			assert.Len(t, result.Ops, len(tt.want))
			assert.Len(t, obs.resources, len(tt.want))
			assert.Equal(t, tt.next != "", result.Created())
			assert.Equal(t, tt.prev != "", result.Deleted())
		})
	}
}

func TestReconcile_FailedDeleteStillCreates(t *testing.T) {
	res := &fakeResources{deleteErr: errors.New("gone")}
	r := newTestReconciler(res, nil)

	result, err := r.Reconcile(context.Background(), "ch-1", RoleReviewer, "alice", "bob")
	require.Error(t, err)
	assert.True(t, IsCommitError(err))
	assert.ErrorContains(t, err, "gone")
	assert.Equal(t, []string{"delete role-reviewer alice", "create role-reviewer bob"}, res.recorded())
	assert.False(t, result.Deleted())
	assert.True(t, result.Created())
}

func TestReconcile_UnknownRole(t *testing.T) {
	res := &fakeResources{}
	r := newTestReconciler(res, nil)

	_, err := r.Reconcile(context.Background(), "ch-1", "Approver", "alice", "bob")
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ErrCodeUnknownRole, ee.Code)
	assert.Empty(t, res.recorded())
}

func TestReconcile_RequiresPersistedEntity(t *testing.T) {
	res := &fakeResources{}
	r := newTestReconciler(res, nil)

	_, err := r.Reconcile(context.Background(), "", RoleCopilot, "", "bob")
	assert.ErrorIs(t, err, ErrNotPersisted)
	assert.Empty(t, res.recorded())
}
