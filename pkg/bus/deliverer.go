package bus

import (
	"fmt"
	"time"
)

// DeliverRequest is the input to a one-shot delivery, matching the fields an
// operator or another component fills in before a packet has an id or
// timestamps.
type DeliverRequest struct {
	To         []string
	From       string
	Priority   Priority
	Title      string
	Body       string
	Signals    Signals
	References map[string]string
}

// Deliverer wraps a Store with the id/timestamp bookkeeping every caller of
// deliver() would otherwise repeat.
type Deliverer struct {
	store  *Store
	roster map[string]bool
}

// NewDeliverer returns a Deliverer over store.
func NewDeliverer(store *Store) *Deliverer {
	return &Deliverer{store: store}
}

// WithRoster restricts Send to the named recipients: a recipient not on the
// roster fails the delivery. Without a roster, any recipient is accepted.
func (d *Deliverer) WithRoster(names []string) *Deliverer {
	d.roster = make(map[string]bool, len(names))
	for _, n := range names {
		d.roster[n] = true
	}
	return d
}

// Send builds a Meta from req, assigns it a fresh id, and delivers it to
// every recipient. It returns the assigned task id and the paths written.
func (d *Deliverer) Send(req DeliverRequest) (string, []string, error) {
	if d.roster != nil {
		for _, to := range req.To {
			if !d.roster[to] {
				return "", nil, newErr("Send", KindNotFound, fmt.Errorf("recipient %s is not on the roster", to))
			}
		}
	}
	if req.Priority == "" {
		req.Priority = PriorityP2
	}
	now := time.Now()
	meta := Meta{
		ID:         NewTaskID(now),
		To:         req.To,
		From:       req.From,
		Priority:   req.Priority,
		Title:      req.Title,
		Signals:    req.Signals,
		References: req.References,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	paths, err := d.store.Deliver(meta, req.Body)
	if err != nil {
		return meta.ID, paths, err
	}
	return meta.ID, paths, nil
}

// validateFollowUp enforces the follow-up contract: a
// non-empty to, title, body, and a signals object carrying both kind and
// phase. A follow-up missing any of these is rejected rather than silently
// delivered with blank fields.
func validateFollowUp(f FollowUp) error {
	switch {
	case len(f.To) == 0:
		return newErr("SendFollowUp", KindSchemaInvalid, fmt.Errorf("follow-up missing to"))
	case f.Title == "":
		return newErr("SendFollowUp", KindSchemaInvalid, fmt.Errorf("follow-up missing title"))
	case f.Body == "":
		return newErr("SendFollowUp", KindSchemaInvalid, fmt.Errorf("follow-up missing body"))
	case f.Signals.Kind == "":
		return newErr("SendFollowUp", KindSchemaInvalid, fmt.Errorf("follow-up missing signals.kind"))
	case f.Signals.Phase == "":
		return newErr("SendFollowUp", KindSchemaInvalid, fmt.Errorf("follow-up missing signals.phase"))
	}
	return nil
}

// SendFollowUp delivers a FollowUp produced by a parsed turn output, stamping
// its parentId/rootId lineage from the closing task's signals.
func (d *Deliverer) SendFollowUp(from string, parent Meta, f FollowUp) (string, []string, error) {
	if err := validateFollowUp(f); err != nil {
		return "", nil, err
	}
	signals := f.Signals
	if signals.RootID == "" {
		signals.RootID = parent.Signals.RootID
	}
	if signals.RootID == "" {
		signals.RootID = parent.ID
	}
	signals.ParentID = parent.ID

	return d.Send(DeliverRequest{
		To:         f.To,
		From:       from,
		Title:      f.Title,
		Body:       f.Body,
		Signals:    signals,
		References: f.Refs,
	})
}
