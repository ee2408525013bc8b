package bus

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func deliverTask(t *testing.T, store *Store, to ...string) Meta {
	t.Helper()
	meta := Meta{
		ID:       NewTaskID(time.Now()),
		To:       to,
		From:     "operator",
		Priority: PriorityP2,
		Title:    "do the thing",
		Signals:  Signals{Kind: SignalUserRequest, RootID: "r1"},
	}
	_, err := store.Deliver(meta, "body text")
	require.NoError(t, err)
	return meta
}

func TestDeliverWritesOneCopyPerRecipient(t *testing.T) {
	store := openTestStore(t)
	meta := deliverTask(t, store, "alice", "bob")

	for _, agent := range []string{"alice", "bob"} {
		ids, err := store.ListInbox(agent, StateNew)
		require.NoError(t, err)
		assert.Equal(t, []string{meta.ID}, ids)
	}
}

func TestDeliverIsIdempotentByID(t *testing.T) {
	store := openTestStore(t)
	meta := Meta{ID: NewTaskID(time.Now()), To: []string{"alice"}, From: "operator", Title: "x", Signals: Signals{Kind: SignalUserRequest}}

	_, err := store.Deliver(meta, "body")
	require.NoError(t, err)
	_, err = store.Deliver(meta, "body")
	require.NoError(t, err, "redelivering identical content must be a no-op")

	ids, err := store.ListInbox("alice", StateNew)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestDeliverAfterClaimIsStillIdempotent(t *testing.T) {
	store := openTestStore(t)
	meta := Meta{ID: NewTaskID(time.Now()), To: []string{"alice"}, From: "operator", Title: "x", Signals: Signals{Kind: SignalUserRequest}}

	_, err := store.Deliver(meta, "body")
	require.NoError(t, err)
	_, err = store.Claim("alice", meta.ID)
	require.NoError(t, err)

	paths, err := store.Deliver(meta, "body")
	require.NoError(t, err, "re-delivering an id that advanced past new is a no-op")
	require.Len(t, paths, 1)

	newIDs, err := store.ListInbox("alice", StateNew)
	require.NoError(t, err)
	assert.Empty(t, newIDs, "no second copy lands in new")

	inProgress, err := store.ListInbox("alice", StateInProgress)
	require.NoError(t, err)
	assert.Equal(t, []string{meta.ID}, inProgress)
}

func TestDeliverConflictingContentFails(t *testing.T) {
	store := openTestStore(t)
	meta := Meta{ID: NewTaskID(time.Now()), To: []string{"alice"}, From: "operator", Title: "x", Signals: Signals{Kind: SignalUserRequest}}

	_, err := store.Deliver(meta, "body one")
	require.NoError(t, err)
	_, err = store.Deliver(meta, "body two")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyExists))
}

func TestClaimMovesToInProgressAndIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	meta := deliverTask(t, store, "alice")

	task, err := store.Claim("alice", meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, task.Meta.ID)

	ids, err := store.ListInbox("alice", StateInProgress)
	require.NoError(t, err)
	assert.Equal(t, []string{meta.ID}, ids)

	// Claiming an already in_progress task succeeds (idempotent).
	_, err = store.Claim("alice", meta.ID)
	assert.NoError(t, err)
}

func TestClaimAfterProcessedFails(t *testing.T) {
	store := openTestStore(t)
	meta := deliverTask(t, store, "alice")

	_, err := store.Claim("alice", meta.ID)
	require.NoError(t, err)
	_, err = store.CloseTask("alice", meta.ID, OutcomeDone, "done", "", ReceiptExtra{}, false)
	require.NoError(t, err)

	_, err = store.Claim("alice", meta.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyProcessed))
}

// TestNoLostClaim: concurrent claim attempts against the same (agent, id)
// never lose the packet: at least one succeeds and it ends up in in_progress
// exactly once.
func TestNoLostClaim(t *testing.T) {
	store := openTestStore(t)
	meta := deliverTask(t, store, "alice")

	const n = 16
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Claim("alice", meta.ID)
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	// Every caller observes either a successful claim (possibly onto an
	// already in_progress packet, which is defined as idempotent success) or
	// a conflict; with a single renamer holding s.mu the only way to fail is
	// claim_conflict on a source file another goroutine already moved.
	assert.GreaterOrEqual(t, count, 1)

	ids, err := store.ListInbox("alice", StateInProgress)
	require.NoError(t, err)
	assert.Equal(t, []string{meta.ID}, ids)
}

func TestUpdateBumpsMtimeAndAppendsBody(t *testing.T) {
	store := openTestStore(t)
	meta := deliverTask(t, store, "alice")

	task, err := store.Claim("alice", meta.ID)
	require.NoError(t, err)
	info1, err := os.Stat(task.Path)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	err = store.Update("alice", meta.ID, "operator", "and also X", nil, nil)
	require.NoError(t, err)

	updated, err := store.Open("alice", meta.ID, false)
	require.NoError(t, err)
	info2, err := os.Stat(updated.Path)
	require.NoError(t, err)

	assert.True(t, info2.ModTime().After(info1.ModTime()), "update must strictly bump mtime")
	assert.Contains(t, updated.Body, "and also X")
}

func TestUpdateAfterProcessedFails(t *testing.T) {
	store := openTestStore(t)
	meta := deliverTask(t, store, "alice")
	_, err := store.Claim("alice", meta.ID)
	require.NoError(t, err)
	_, err = store.CloseTask("alice", meta.ID, OutcomeDone, "done", "", ReceiptExtra{}, false)
	require.NoError(t, err)

	err = store.Update("alice", meta.ID, "operator", "too late", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyProcessed))
}

// TestReceiptIffProcessed: a receipt exists exactly when the
// packet is processed, never before, and close always writes both.
func TestReceiptIffProcessed(t *testing.T) {
	store := openTestStore(t)
	meta := deliverTask(t, store, "alice")
	_, err := store.Claim("alice", meta.ID)
	require.NoError(t, err)

	_, err = store.ReadReceipt("alice", meta.ID)
	require.Error(t, err, "no receipt before close")

	_, err = store.CloseTask("alice", meta.ID, OutcomeDone, "all good", "deadbeef", ReceiptExtra{}, false)
	require.NoError(t, err)

	receipt, err := store.ReadReceipt("alice", meta.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, receipt.Outcome)
	assert.Equal(t, "deadbeef", receipt.CommitSha)

	ids, err := store.ListInbox("alice", StateProcessed)
	require.NoError(t, err)
	assert.Equal(t, []string{meta.ID}, ids)
}

func TestCloseAgainFails(t *testing.T) {
	store := openTestStore(t)
	meta := deliverTask(t, store, "alice")
	_, err := store.Claim("alice", meta.ID)
	require.NoError(t, err)
	_, err = store.CloseTask("alice", meta.ID, OutcomeDone, "done", "", ReceiptExtra{}, false)
	require.NoError(t, err)

	_, err = store.CloseTask("alice", meta.ID, OutcomeDone, "done again", "", ReceiptExtra{}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyProcessed))
}

func TestCloseNotifiesOrchestrator(t *testing.T) {
	store := openTestStore(t)
	meta := deliverTask(t, store, "exec")
	_, err := store.Claim("exec", meta.ID)
	require.NoError(t, err)

	_, err = store.CloseTask("exec", meta.ID, OutcomeDone, "shipped", "deadbeef", ReceiptExtra{}, true)
	require.NoError(t, err)

	ids, err := store.ListInbox("orchestrator", StateNew)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	task, err := store.Open("orchestrator", ids[0], false)
	require.NoError(t, err)
	assert.Equal(t, SignalTaskComplete, task.Meta.Signals.Kind)
	assert.Equal(t, "exec", task.Meta.References["sourceAgent"])
	assert.Equal(t, meta.ID, task.Meta.References["sourceTask"])
}

func TestCloseWithoutNotifySkipsOrchestrator(t *testing.T) {
	store := openTestStore(t)
	meta := deliverTask(t, store, "exec")
	_, err := store.Claim("exec", meta.ID)
	require.NoError(t, err)

	_, err = store.CloseTask("exec", meta.ID, OutcomeDone, "shipped", "", ReceiptExtra{}, false)
	require.NoError(t, err)

	ids, err := store.ListInbox("orchestrator", StateNew)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStatusSummaryCountsPerState(t *testing.T) {
	store := openTestStore(t)
	deliverTask(t, store, "alice")
	m2 := deliverTask(t, store, "alice")
	_, err := store.Claim("alice", m2.ID)
	require.NoError(t, err)

	summaries, err := store.StatusSummary([]string{"alice"})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].Counts[StateNew])
	assert.Equal(t, 1, summaries[0].Counts[StateInProgress])
}

func TestRecentReceiptsMostRecentFirst(t *testing.T) {
	store := openTestStore(t)
	m1 := deliverTask(t, store, "alice")
	_, err := store.Claim("alice", m1.ID)
	require.NoError(t, err)
	_, err = store.CloseTask("alice", m1.ID, OutcomeDone, "first", "", ReceiptExtra{}, false)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	m2 := deliverTask(t, store, "alice")
	_, err = store.Claim("alice", m2.ID)
	require.NoError(t, err)
	_, err = store.CloseTask("alice", m2.ID, OutcomeDone, "second", "", ReceiptExtra{}, false)
	require.NoError(t, err)

	receipts, err := store.RecentReceipts("alice", 10)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, m2.ID, receipts[0].TaskID, "most recent receipt first")
}
