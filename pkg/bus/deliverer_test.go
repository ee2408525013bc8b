package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendFollowUpRejectsMissingTo(t *testing.T) {
	store := openTestStore(t)
	d := NewDeliverer(store)
	parent := Meta{ID: "t1", Signals: Signals{RootID: "r1"}}

	_, _, err := d.SendFollowUp("alice", parent, FollowUp{
		Title: "x", Body: "y", Signals: Signals{Kind: SignalExecute, Phase: "implement"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestSendFollowUpRejectsMissingTitle(t *testing.T) {
	store := openTestStore(t)
	d := NewDeliverer(store)
	parent := Meta{ID: "t1", Signals: Signals{RootID: "r1"}}

	_, _, err := d.SendFollowUp("alice", parent, FollowUp{
		To: []string{"bob"}, Body: "y", Signals: Signals{Kind: SignalExecute, Phase: "implement"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestSendFollowUpRejectsMissingBody(t *testing.T) {
	store := openTestStore(t)
	d := NewDeliverer(store)
	parent := Meta{ID: "t1", Signals: Signals{RootID: "r1"}}

	_, _, err := d.SendFollowUp("alice", parent, FollowUp{
		To: []string{"bob"}, Title: "x", Signals: Signals{Kind: SignalExecute, Phase: "implement"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestSendFollowUpRejectsMissingSignalsKind(t *testing.T) {
	store := openTestStore(t)
	d := NewDeliverer(store)
	parent := Meta{ID: "t1", Signals: Signals{RootID: "r1"}}

	_, _, err := d.SendFollowUp("alice", parent, FollowUp{
		To: []string{"bob"}, Title: "x", Body: "y", Signals: Signals{Phase: "implement"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaInvalid)
	var berr *Error
	require.True(t, errors.As(err, &berr))
}

func TestSendFollowUpRejectsMissingSignalsPhase(t *testing.T) {
	store := openTestStore(t)
	d := NewDeliverer(store)
	parent := Meta{ID: "t1", Signals: Signals{RootID: "r1"}}

	_, _, err := d.SendFollowUp("alice", parent, FollowUp{
		To: []string{"bob"}, Title: "x", Body: "y", Signals: Signals{Kind: SignalExecute},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestSendRejectsRecipientOffRoster(t *testing.T) {
	store := openTestStore(t)
	d := NewDeliverer(store).WithRoster([]string{"alice", "bob"})

	_, _, err := d.Send(DeliverRequest{
		To: []string{"bob", "mallory"}, From: "alice", Title: "x", Body: "y",
		Signals: Signals{Kind: SignalExecute},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "mallory")

	// Nothing was delivered, not even to the valid recipient.
	ids, err := store.ListInbox("bob", StateNew)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSendWithoutRosterAcceptsAnyRecipient(t *testing.T) {
	store := openTestStore(t)
	d := NewDeliverer(store)

	_, _, err := d.Send(DeliverRequest{
		To: []string{"anyone"}, From: "alice", Title: "x", Body: "y",
		Signals: Signals{Kind: SignalExecute},
	})
	require.NoError(t, err)
}

func TestSendFollowUpDeliversValidFollowUp(t *testing.T) {
	store := openTestStore(t)
	d := NewDeliverer(store)
	parent := Meta{ID: "t1", Signals: Signals{RootID: "r1"}}

	id, paths, err := d.SendFollowUp("alice", parent, FollowUp{
		To: []string{"bob"}, Title: "x", Body: "y", Signals: Signals{Kind: SignalExecute, Phase: "implement"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, paths, 1)

	task, err := store.Open("bob", id, false)
	require.NoError(t, err)
	assert.Equal(t, "r1", task.Meta.Signals.RootID, "rootId inherited from parent's signals")
	assert.Equal(t, parent.ID, task.Meta.Signals.ParentID)
}
