package ledger

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"holon/internal/domain"
)

type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

func openFileLedger(t *testing.T, path string, clock func() time.Time) *Ledger {
	t.Helper()
	backend, err := OpenFile(path)
	require.NoError(t, err)
	l, err := Open(context.Background(), backend, Options{Trunk: "main", RunID: "run-test", Now: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newTestLedger(t *testing.T) *Ledger {
	clock := &stepClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), step: time.Second}
	return openFileLedger(t, filepath.Join(t.TempDir(), "ledger.jsonl"), clock.Now)
}

func strPtr(s string) *string { return &s }

func createIntent(t *testing.T, l *Ledger, id string, parent *string, branch string) Event {
	t.Helper()
	ev, err := l.Append(context.Background(), Record{Type: EventIntentCreated, Payload: IntentCreated{
		ID:       id,
		ParentID: parent,
		Goal:     "goal " + id,
		State:    domain.StateProposed,
		Branch:   branch,
	}})
	require.NoError(t, err)
	return ev
}

func move(t *testing.T, l *Ledger, id string, states ...domain.IntentState) {
	t.Helper()
	for i := 1; i < len(states); i++ {
		_, err := l.Append(context.Background(), Record{Type: EventIntentStateChanged, Payload: IntentStateChanged{
			IntentID: id, From: states[i-1], To: states[i],
		}})
		require.NoError(t, err)
	}
}

func TestAppendAssignsSeqAndNonDecreasingTS(t *testing.T) {
	clock := &stepClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), step: -time.Minute}
	l := openFileLedger(t, filepath.Join(t.TempDir(), "ledger.jsonl"), clock.Now)

	a := createIntent(t, l, "root", nil, "intent/root/work")
	b := createIntent(t, l, "other", nil, "intent/other/work")
	require.Equal(t, int64(1), a.Seq)
	require.Equal(t, int64(2), b.Seq)
	require.False(t, b.TS.Before(a.TS), "clock moving backwards must not reorder ts")
	require.Equal(t, "holon", a.AgentID)
	require.Equal(t, "run-test", a.RunID)
	require.Equal(t, "root", a.IntentID())
}

func TestAppendRejectsUnknownParentAndDuplicates(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	createIntent(t, l, "root", nil, "intent/root/work")

	_, err := l.Append(ctx, Record{Type: EventIntentCreated, Payload: IntentCreated{ID: "orphan", ParentID: strPtr("missing"), State: domain.StateProposed}})
	require.ErrorIs(t, err, domain.ErrLedgerConsistency)

	_, err = l.Append(ctx, Record{Type: EventIntentCreated, Payload: IntentCreated{ID: "root", State: domain.StateProposed}})
	require.ErrorIs(t, err, domain.ErrLedgerConsistency)
	require.Equal(t, int64(1), l.LastSeq(), "rejected writes must not consume a seq")
}

func TestAppendRejectsInvalidTransition(t *testing.T) {
	l := newTestLedger(t)
	createIntent(t, l, "root", nil, "intent/root/work")

	_, err := l.Append(context.Background(), Record{Type: EventIntentStateChanged, Payload: IntentStateChanged{
		IntentID: "root", From: domain.StateProposed, To: domain.StateExecuting,
	}})
	require.ErrorIs(t, err, domain.ErrLedgerConsistency)

	_, err = l.Append(context.Background(), Record{Type: EventIntentStateChanged, Payload: IntentStateChanged{
		IntentID: "root", From: domain.StatePlanning, To: domain.StateReady,
	}})
	require.ErrorContains(t, err, "is proposed")
}

func TestExecutionStartedRequiresSelectedPlan(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	createIntent(t, l, "root", nil, "intent/root/work")

	_, err := l.Append(ctx, Record{Type: EventExecutionStarted, Payload: ExecutionStarted{IntentID: "root", PlanID: "root.v1.p"}})
	require.ErrorIs(t, err, domain.ErrLedgerConsistency)

	_, err = l.Append(ctx, Record{Type: EventPlanVariantCreated, Payload: PlanVariantCreated{
		PlanID: "root.v1.p", IntentID: "root", Predicted: domain.Metrics{PSuccess: 0.5, Impact: 1},
	}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{Type: EventPlanSelected, Payload: PlanSelected{IntentID: "root", PlanID: "root.v1.p"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{Type: EventExecutionStarted, Payload: ExecutionStarted{IntentID: "root", PlanID: "root.v1.p"}})
	require.NoError(t, err)

	_, err = l.Append(ctx, Record{Type: EventExecutionCompleted, Payload: ExecutionCompleted{
		IntentID: "root", PlanID: "root.v1.p", Status: StatusSuccess, Actual: domain.ActualMetrics{PSuccess: 0.7},
	}})
	require.ErrorContains(t, err, "0 or 1")
}

func TestPlanVariantMetricsValidated(t *testing.T) {
	l := newTestLedger(t)
	createIntent(t, l, "root", nil, "intent/root/work")
	_, err := l.Append(context.Background(), Record{Type: EventPlanVariantCreated, Payload: PlanVariantCreated{
		PlanID: "root.v1.p", IntentID: "root", Predicted: domain.Metrics{PSuccess: 1.5},
	}})
	require.ErrorIs(t, err, domain.ErrLedgerConsistency)
}

func TestMergeTargetLaw(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	createIntent(t, l, "root", nil, "intent/root/work")
	createIntent(t, l, "child", strPtr("root"), "intent/root/child/work")

	_, err := l.Append(ctx, Record{Type: EventGitMergeAttempted, Payload: GitMergeAttempted{
		IntentID: "child", Source: "intent/root/child/work", Target: "main", TargetKind: TargetParent, Status: StatusSuccess,
	}})
	require.ErrorContains(t, err, "not the parent branch")

	_, err = l.Append(ctx, Record{Type: EventGitMergeAttempted, Payload: GitMergeAttempted{
		IntentID: "child", Source: "intent/root/child/work", Target: "main", TargetKind: TargetTrunk, Status: StatusSuccess,
	}})
	require.ErrorContains(t, err, "cannot merge into trunk")

	_, err = l.Append(ctx, Record{Type: EventGitMergeAttempted, Payload: GitMergeAttempted{
		IntentID: "root", Source: "intent/root/work", Target: "main", TargetKind: TargetTrunk, Status: StatusSuccess,
	}})
	require.ErrorContains(t, err, "approved review")

	// a refused attempt is still recordable
	_, err = l.Append(ctx, Record{Type: EventGitMergeAttempted, Payload: GitMergeAttempted{
		IntentID: "root", Source: "intent/root/work", Target: "main", TargetKind: TargetTrunk, Status: StatusFailed, Reason: "no review",
	}})
	require.NoError(t, err)

	_, err = l.Append(ctx, Record{Type: EventGitMergeAttempted, Payload: GitMergeAttempted{
		IntentID: "child", Source: "intent/root/child/work", Target: "intent/root/work", TargetKind: TargetParent, Status: StatusSuccess,
	}})
	require.NoError(t, err)
}

func TestRootPromotionRequiresApproval(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	createIntent(t, l, "root", nil, "intent/root/work")

	_, err := l.Append(ctx, Record{Type: EventHumanReviewDecision, Payload: HumanReviewDecision{IntentID: "root", Decision: domain.DecisionApproved, Reviewer: "ana"}})
	require.ErrorContains(t, err, "without a review request")

	_, err = l.Append(ctx, Record{Type: EventHumanReviewRequested, Payload: HumanReviewRequested{IntentID: "root"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{Type: EventIntentPromoted, Payload: IntentPromoted{IntentID: "root", Trunk: "main"}})
	require.ErrorIs(t, err, domain.ErrLedgerConsistency)

	_, err = l.Append(ctx, Record{Type: EventHumanReviewDecision, Payload: HumanReviewDecision{IntentID: "root", Decision: domain.DecisionApproved, Reviewer: "ana"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{Type: EventIntentPromoted, Payload: IntentPromoted{IntentID: "root", Trunk: "release"}})
	require.ErrorContains(t, err, "not trunk")
	_, err = l.Append(ctx, Record{Type: EventIntentPromoted, Payload: IntentPromoted{IntentID: "root", Trunk: "main"}})
	require.NoError(t, err)
}

func TestEntropyOverspendNeedsOverride(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	createIntent(t, l, "root", nil, "intent/root/work")
	createIntent(t, l, "child", strPtr("root"), "intent/root/child/work")
	_, err := l.Append(ctx, Record{Type: EventBudgetAllocated, Payload: BudgetAllocated{IntentID: "root", Entropy: 10, Cost: 10}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{Type: EventBudgetAllocated, Payload: BudgetAllocated{IntentID: "child", ParentID: "root", Entropy: 5, Cost: 5}})
	require.NoError(t, err)

	_, err = l.Append(ctx, Record{Type: EventPlanVariantCreated, Payload: PlanVariantCreated{PlanID: "child.v1.p", IntentID: "child"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{Type: EventPlanSelected, Payload: PlanSelected{IntentID: "child", PlanID: "child.v1.p"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{Type: EventExecutionStarted, Payload: ExecutionStarted{IntentID: "child", PlanID: "child.v1.p"}})
	require.NoError(t, err)

	done := ExecutionCompleted{IntentID: "child", PlanID: "child.v1.p", Status: StatusSuccess, Actual: domain.ActualMetrics{PSuccess: 1, Entropy: 7}}
	_, err = l.Append(ctx, Record{Type: EventExecutionCompleted, Payload: done})
	require.ErrorContains(t, err, "without override")

	_, err = l.Append(ctx, Record{Type: EventBudgetOverride, Payload: BudgetOverride{IntentID: "child", Entropy: 2, Reason: "approved"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{Type: EventExecutionCompleted, Payload: done})
	require.NoError(t, err)
}

func TestCorrectionReferencesEarlierEventOfSameType(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	created := createIntent(t, l, "root", nil, "intent/root/work")

	_, err := l.Append(ctx, Record{Type: CorrectionOf(EventPlanSelected), Payload: Correction{RefSeq: created.Seq, Reason: "typo"}})
	require.ErrorContains(t, err, "of type intent_created")

	_, err = l.Append(ctx, Record{Type: CorrectionOf(EventIntentCreated), Payload: Correction{RefSeq: 99, Reason: "typo"}})
	require.ErrorIs(t, err, domain.ErrLedgerConsistency)

	ev, err := l.Append(ctx, Record{Type: CorrectionOf(EventIntentCreated), Payload: Correction{IntentID: "root", RefSeq: created.Seq, Reason: "goal wording"}})
	require.NoError(t, err)
	base, ok := ev.Type.IsCorrection()
	require.True(t, ok)
	require.Equal(t, EventIntentCreated, base)
}

func TestUnknownEventTypeRejected(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append(context.Background(), Record{Type: "intent_teleported", Payload: map[string]string{}})
	require.ErrorContains(t, err, "unknown event type")
}

func TestFileLedgerReopenReplaysAndObserves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	clock := &stepClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), step: time.Second}
	l := openFileLedger(t, path, clock.Now)
	createIntent(t, l, "root", nil, "intent/root/work")
	move(t, l, "root", domain.StateProposed, domain.StatePlanning)
	require.NoError(t, l.Close())

	reopened := openFileLedger(t, path, clock.Now)
	require.Equal(t, int64(2), reopened.LastSeq())

	var seen []int64
	reopened.Observe(func(ev Event) { seen = append(seen, ev.Seq) })
	move(t, reopened, "root", domain.StatePlanning, domain.StateReady)
	require.Equal(t, []int64{1, 2, 3}, seen)

	// the index survived the reopen, so a stale from-state is refused
	_, err := reopened.Append(context.Background(), Record{Type: EventIntentStateChanged, Payload: IntentStateChanged{
		IntentID: "root", From: domain.StatePlanning, To: domain.StateReady,
	}})
	require.ErrorIs(t, err, domain.ErrLedgerConsistency)
}

func TestExportReadBackAndVerify(t *testing.T) {
	l := newTestLedger(t)
	createIntent(t, l, "root", nil, "intent/root/work")
	move(t, l, "root", domain.StateProposed, domain.StatePlanning, domain.StateReady)

	var buf bytes.Buffer
	require.NoError(t, l.Export(&buf))
	events, err := ReadJSONL(&buf)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.NoError(t, Verify(events, "main"))

	events[1], events[2] = events[2], events[1]
	err = Verify(events, "main")
	require.ErrorIs(t, err, domain.ErrLedgerConsistency)
	require.Equal(t, int64(3), domain.SeqOf(err))
}

func TestSinceWindows(t *testing.T) {
	l := newTestLedger(t)
	createIntent(t, l, "a", nil, "intent/a/work")
	createIntent(t, l, "b", nil, "intent/b/work")
	createIntent(t, l, "c", nil, "intent/c/work")

	page := l.Since(1, 1)
	require.Len(t, page, 1)
	require.Equal(t, int64(2), page[0].Seq)
	require.Len(t, l.Since(0, 0), 3)
	require.Empty(t, l.Since(3, 10))
}

func TestSQLiteBackendIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	backend, err := OpenSQLite(ctx, t.TempDir())
	require.NoError(t, err)
	l, err := Open(ctx, backend, Options{Trunk: "main"})
	require.NoError(t, err)
	defer l.Close()

	createIntent(t, l, "root", nil, "intent/root/work")

	_, err = backend.DB.ExecContext(ctx, `UPDATE ledger_events SET event_type='x' WHERE seq=1`)
	require.ErrorContains(t, err, "append-only")
	_, err = backend.DB.ExecContext(ctx, `DELETE FROM ledger_events`)
	require.ErrorContains(t, err, "append-only")

	loaded, err := backend.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, EventIntentCreated, loaded[0].Type)
	require.Equal(t, "root", loaded[0].IntentID())
}
