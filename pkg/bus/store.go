package bus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const packetDelimiter = "---"

// Store is the filesystem-shaped task/receipt store. All
// multi-step writes are tmp-file-then-rename; rename is the only
// state-changing primitive, over directories instead of database buckets.
type Store struct {
	root string

	// mu serializes the rename sequences within one process. Cross-process
	// safety comes from rename atomicity and O_EXCL create, not from mu.
	mu sync.Mutex

	index *receiptIndex
}

// Open opens (creating if absent) the AgentBus rooted at root.
func Open(root string) (*Store, error) {
	for _, dir := range []string{"inbox", "receipts", "artifacts", "state"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, newErr("Open", KindIOError, err)
		}
	}
	idx, err := openReceiptIndex(filepath.Join(root, "state", "receipt-index.bbolt"))
	if err != nil {
		return nil, newErr("Open", KindIOError, err)
	}
	return &Store{root: root, index: idx}, nil
}

// Close releases the non-authoritative receipt index. The filesystem state
// itself needs no close: it is always consistent on disk.
func (s *Store) Close() error {
	if s.index != nil {
		return s.index.close()
	}
	return nil
}

func (s *Store) inboxDir(agent string, state State) string {
	return filepath.Join(s.root, "inbox", agent, string(state))
}

func (s *Store) receiptPath(agent, taskID string) string {
	return filepath.Join(s.root, "receipts", agent, taskID+".json")
}

func (s *Store) packetFileName(taskID, suffix string) string {
	if suffix == "" {
		return taskID + ".md"
	}
	return taskID + "__" + suffix + ".md"
}

// NewTaskID returns a monotonic-prefixed, collision-resistant task id: a
// millisecond wall-clock prefix (so lexical sort approximates creation
// order) followed by a random suffix.
func NewTaskID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func encodePacket(meta Meta, body string) ([]byte, error) {
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(packetDelimiter)
	b.WriteByte('\n')
	b.Write(metaJSON)
	b.WriteByte('\n')
	b.WriteString(packetDelimiter)
	b.WriteByte('\n')
	b.WriteString(body)
	return []byte(b.String()), nil
}

func decodePacket(data []byte) (Meta, string, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !sc.Scan() || strings.TrimSpace(sc.Text()) != packetDelimiter {
		return Meta{}, "", fmt.Errorf("malformed packet: missing header delimiter")
	}
	var metaLines []string
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == packetDelimiter {
			break
		}
		metaLines = append(metaLines, line)
	}
	var meta Meta
	if err := json.Unmarshal([]byte(strings.Join(metaLines, "\n")), &meta); err != nil {
		return Meta{}, "", fmt.Errorf("malformed packet: %w", err)
	}
	var bodyLines []string
	for sc.Scan() {
		bodyLines = append(bodyLines, sc.Text())
	}
	return meta, strings.Join(bodyLines, "\n"), nil
}

// deliver writes one physical copy of the packet into every recipient's new
// directory. Idempotent by packet id in whatever state the copy has reached:
// a re-delivery with identical content (or of a copy that already advanced
// past new) is a no-op; differing content still in new is already_exists.
func (s *Store) deliver(meta Meta, body string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(meta.To) == 0 {
		return nil, newErr("deliver", KindIOError, fmt.Errorf("packet %s has no recipients", meta.ID))
	}
	stamped := meta.CreatedAt.IsZero()
	if stamped {
		meta.CreatedAt = time.Now()
	}
	meta.UpdatedAt = meta.CreatedAt

	data, err := encodePacket(meta, body)
	if err != nil {
		return nil, newErr("deliver", KindIOError, err)
	}

	var paths []string
	for _, agent := range meta.To {
		dir := s.inboxDir(agent, StateNew)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, newErr("deliver", KindIOError, err)
		}
		suffix := ""
		if v, ok := meta.References["deliverSuffix"]; ok {
			suffix = v
		}
		fileName := s.packetFileName(meta.ID, suffix)

		if state, existingPath, ok := s.findPacketFile(agent, fileName); ok {
			if state != StateNew {
				// The copy already advanced past new; writing a second file
				// here would break exactly-one-state, so the re-delivery is
				// a no-op against the advanced copy.
				paths = append(paths, existingPath)
				continue
			}
			existing, err := os.ReadFile(existingPath)
			if err == nil && string(existing) == string(data) {
				paths = append(paths, existingPath)
				continue
			}
			if err == nil && stamped {
				// The timestamps were stamped by this call, so compare
				// against the existing copy under its own timestamps.
				if prev, _, derr := decodePacket(existing); derr == nil {
					cmp := meta
					cmp.CreatedAt, cmp.UpdatedAt = prev.CreatedAt, prev.UpdatedAt
					if again, eerr := encodePacket(cmp, body); eerr == nil && string(existing) == string(again) {
						paths = append(paths, existingPath)
						continue
					}
				}
			}
			return paths, newErr("deliver", KindAlreadyExists, fmt.Errorf("packet %s already exists for %s with different content", meta.ID, agent))
		}
		path := filepath.Join(dir, fileName)
		if err := writeAtomic(path, data); err != nil {
			return paths, newErr("deliver", KindIOError, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// findPacketFile locates one exact packet file name across agent's state
// directories. Unlike findPacket it does not match by id prefix, so suffixed
// copies of the same id (coalesced digests) stay independent.
func (s *Store) findPacketFile(agent, fileName string) (State, string, bool) {
	for _, st := range AllStates {
		p := filepath.Join(s.inboxDir(agent, st), fileName)
		if _, err := os.Stat(p); err == nil {
			return st, p, true
		}
	}
	return "", "", false
}

// findPacket locates the current file for (agent, taskId) across all states,
// returning its state and path, or ErrNotFound.
func (s *Store) findPacket(agent, taskID string) (State, string, error) {
	for _, st := range AllStates {
		dir := s.inboxDir(agent, st)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if strings.HasPrefix(e.Name(), taskID+".") || strings.HasPrefix(e.Name(), taskID+"__") {
				return st, filepath.Join(dir, e.Name()), nil
			}
		}
	}
	return "", "", newErr("findPacket", KindNotFound, fmt.Errorf("task %s not found for agent %s", taskID, agent))
}

// listInbox returns the task ids currently in the given state directory,
// sorted by mtime ascending (callers needing ordering rely on this;
// no stronger guarantee is made).
func (s *Store) listInbox(agent string, state State) ([]string, error) {
	dir := s.inboxDir(agent, state)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newErr("listInbox", KindIOError, err)
	}

	type idMtime struct {
		id    string
		mtime time.Time
	}
	var items []idMtime
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		id := taskIDFromFilename(e.Name())
		items = append(items, idMtime{id: id, mtime: info.ModTime()})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].mtime.Before(items[j].mtime) })

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.id)
	}
	return ids, nil
}

func taskIDFromFilename(name string) string {
	name = strings.TrimSuffix(name, ".md")
	if i := strings.Index(name, "__"); i >= 0 {
		return name[:i]
	}
	return name
}

// open returns the current packet for (agent, taskId) regardless of state.
// If markSeen is true and the packet is in new, it is atomically renamed to
// seen before the read.
func (s *Store) open(agent, taskID string, markSeen bool) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, path, err := s.findPacket(agent, taskID)
	if err != nil {
		return Task{}, err
	}

	if markSeen && state == StateNew {
		path, err = s.renamePacket(agent, taskID, path, StateSeen)
		if err != nil {
			return Task{}, newErr("open", KindIOError, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Task{}, newErr("open", KindIOError, err)
	}
	meta, body, err := decodePacket(data)
	if err != nil {
		return Task{}, newErr("open", KindIOError, err)
	}
	return Task{Meta: meta, Body: body, Path: path}, nil
}

// renamePacket moves a packet file from its current path into the given
// state's directory for agent, preserving its filename.
func (s *Store) renamePacket(agent, taskID, fromPath string, to State) (string, error) {
	toDir := s.inboxDir(agent, to)
	if err := os.MkdirAll(toDir, 0o755); err != nil {
		return "", err
	}
	toPath := filepath.Join(toDir, filepath.Base(fromPath))
	if err := os.Rename(fromPath, toPath); err != nil {
		return "", err
	}
	return toPath, nil
}

// claim atomically moves a packet into in_progress. Idempotent if already
// there; fails with not_found if the packet does not exist in any state for
// this agent. Concurrent claimants racing the same source file will see
// exactly one os.Rename succeed (same id, same destination path), so a
// second renamer observes the source gone and reports claim_conflict.
func (s *Store) claim(agent, taskID string) (Task, error) {
	s.mu.Lock()
	state, path, err := s.findPacket(agent, taskID)
	if err != nil {
		s.mu.Unlock()
		return Task{}, err
	}
	if state == StateInProgress {
		s.mu.Unlock()
		return s.open(agent, taskID, false)
	}
	if state == StateProcessed {
		s.mu.Unlock()
		return Task{}, newErr("claim", KindAlreadyProcessed, fmt.Errorf("task %s already processed for %s", taskID, agent))
	}

	newPath, err := s.renamePacket(agent, taskID, path, StateInProgress)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return Task{}, newErr("claim", KindClaimConflict, err)
		}
		return Task{}, newErr("claim", KindIOError, err)
	}
	data, err := os.ReadFile(newPath)
	if err != nil {
		return Task{}, newErr("claim", KindIOError, err)
	}
	meta, body, err := decodePacket(data)
	if err != nil {
		return Task{}, newErr("claim", KindIOError, err)
	}
	return Task{Meta: meta, Body: body, Path: newPath}, nil
}

// update rewrites the packet in place with an appended body fragment and a
// shallow-merged signals/references patch. Always bumps mtime, the signal
// the Supervisor watches for supersede.
func (s *Store) update(agent, taskID, fromAgent, appendBody string, signalsPatch *Signals, referencesPatch map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, path, err := s.findPacket(agent, taskID)
	if err != nil {
		return err
	}
	if state == StateProcessed {
		return newErr("update", KindAlreadyProcessed, fmt.Errorf("task %s already processed for %s", taskID, agent))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return newErr("update", KindIOError, err)
	}
	meta, body, err := decodePacket(data)
	if err != nil {
		return newErr("update", KindIOError, err)
	}

	if appendBody != "" {
		body = body + "\n\n---\nupdate from " + fromAgent + ":\n" + appendBody
	}
	if signalsPatch != nil {
		mergeSignals(&meta.Signals, *signalsPatch)
	}
	if len(referencesPatch) > 0 {
		if meta.References == nil {
			meta.References = map[string]string{}
		}
		for k, v := range referencesPatch {
			meta.References[k] = v
		}
	}
	meta.UpdatedAt = time.Now()

	newData, err := encodePacket(meta, body)
	if err != nil {
		return newErr("update", KindIOError, err)
	}
	if err := writeAtomic(path, newData); err != nil {
		return newErr("update", KindIOError, err)
	}
	// tmp-and-rename on the same path still changes the file's identity on
	// some filesystems; force the mtime forward explicitly so the bump is
	// guaranteed even on filesystems with coarse rename-preserves-mtime
	// semantics.
	now := time.Now()
	_ = os.Chtimes(path, now, now)
	return nil
}

func mergeSignals(dst *Signals, patch Signals) {
	if patch.Kind != "" {
		dst.Kind = patch.Kind
	}
	if patch.Phase != "" {
		dst.Phase = patch.Phase
	}
	if patch.RootID != "" {
		dst.RootID = patch.RootID
	}
	if patch.ParentID != "" {
		dst.ParentID = patch.ParentID
	}
	if patch.NotifyOrchestrator != nil {
		dst.NotifyOrchestrator = patch.NotifyOrchestrator
	}
	dst.Smoke = dst.Smoke || patch.Smoke
}

// close writes the Receipt then renames the packet to processed, in that
// order, so a crash between the two never leaves a processed packet without
// a receipt. If notifyOrchestrator, a
// TASK_COMPLETE packet is delivered to the orchestrator pointing at the new
// receipt.
func (s *Store) close(agent, taskID string, outcome Outcome, note, commitSha string, extra ReceiptExtra, notifyOrchestrator bool) (Receipt, error) {
	s.mu.Lock()
	state, path, err := s.findPacket(agent, taskID)
	if err != nil {
		s.mu.Unlock()
		return Receipt{}, err
	}
	if state == StateProcessed {
		s.mu.Unlock()
		return Receipt{}, newErr("close", KindAlreadyProcessed, fmt.Errorf("task %s already processed for %s", taskID, agent))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.mu.Unlock()
		return Receipt{}, newErr("close", KindIOError, err)
	}
	meta, _, err := decodePacket(data)
	if err != nil {
		s.mu.Unlock()
		return Receipt{}, newErr("close", KindIOError, err)
	}

	receipt := Receipt{
		Agent:        agent,
		TaskID:       taskID,
		Outcome:      outcome,
		Note:         note,
		CommitSha:    commitSha,
		Task:         meta,
		ReceiptExtra: extra,
		ClosedAt:     time.Now(),
	}
	receiptJSON, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return Receipt{}, newErr("close", KindIOError, err)
	}
	rPath := s.receiptPath(agent, taskID)
	if err := os.MkdirAll(filepath.Dir(rPath), 0o755); err != nil {
		s.mu.Unlock()
		return Receipt{}, newErr("close", KindIOError, err)
	}
	if err := writeAtomic(rPath, receiptJSON); err != nil {
		s.mu.Unlock()
		return Receipt{}, newErr("close", KindIOError, err)
	}

	if _, err := s.renamePacket(agent, taskID, path, StateProcessed); err != nil {
		s.mu.Unlock()
		return Receipt{}, newErr("close", KindIOError, err)
	}
	s.mu.Unlock()

	if s.index != nil {
		_ = s.index.put(receipt)
	}

	if notifyOrchestrator {
		followMeta := Meta{
			ID:       NewTaskID(time.Now()),
			To:       []string{"orchestrator"},
			From:     agent,
			Priority: PriorityP2,
			Title:    "TASK_COMPLETE: " + meta.Title,
			Signals: Signals{
				Kind:   SignalTaskComplete,
				Phase:  meta.Signals.Phase,
				RootID: meta.Signals.RootID,
			},
			References: map[string]string{
				"receiptPath": rPath,
				"sourceAgent": agent,
				"sourceTask":  taskID,
				"sourceKind":  string(meta.Signals.Kind),
			},
		}
		if _, err := s.deliver(followMeta, fmt.Sprintf("Task %s closed by %s with outcome %s.", taskID, agent, outcome)); err != nil {
			return receipt, newErr("close", KindIOError, fmt.Errorf("receipt written but TASK_COMPLETE notification failed: %w", err))
		}
	}

	return receipt, nil
}

// readReceipt reads the durable receipt for (agent, taskId).
func (s *Store) readReceipt(agent, taskID string) (Receipt, error) {
	data, err := os.ReadFile(s.receiptPath(agent, taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return Receipt{}, newErr("readReceipt", KindNotFound, err)
		}
		return Receipt{}, newErr("readReceipt", KindIOError, err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return Receipt{}, newErr("readReceipt", KindIOError, err)
	}
	return r, nil
}

// recentReceipts returns up to limit receipts, most recent first, optionally
// filtered by agent. Served from the bbolt index when available (a read
// accelerator, not a source of truth); falls back to a filesystem scan if the
// index is unavailable.
func (s *Store) recentReceipts(agent string, limit int) ([]Receipt, error) {
	if s.index != nil {
		// An empty index is not authoritative: receipts written by another
		// process land on the filesystem without passing through this
		// process's index, so fall through to the scan in that case.
		if rs, err := s.index.recent(agent, limit); err == nil && len(rs) > 0 {
			return rs, nil
		}
	}
	return s.scanReceipts(agent, limit)
}

func (s *Store) scanReceipts(agent string, limit int) ([]Receipt, error) {
	var agents []string
	if agent != "" {
		agents = []string{agent}
	} else {
		entries, err := os.ReadDir(filepath.Join(s.root, "receipts"))
		if err != nil {
			return nil, nil
		}
		for _, e := range entries {
			if e.IsDir() {
				agents = append(agents, e.Name())
			}
		}
	}

	var all []Receipt
	for _, a := range agents {
		dir := filepath.Join(s.root, "receipts", a)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			var r Receipt
			if json.Unmarshal(data, &r) == nil {
				all = append(all, r)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ClosedAt.After(all[j].ClosedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// StatusSummary reports, per roster agent, the count of tasks in each inbox
// state.
type StatusSummary struct {
	Agent  string        `json:"agent"`
	Counts map[State]int `json:"counts"`
}

// statusSummary builds one StatusSummary per agent in roster.
func (s *Store) statusSummary(roster []string) ([]StatusSummary, error) {
	out := make([]StatusSummary, 0, len(roster))
	for _, agent := range roster {
		counts := make(map[State]int, len(AllStates))
		for _, st := range AllStates {
			ids, err := s.listInbox(agent, st)
			if err != nil {
				return nil, err
			}
			counts[st] = len(ids)
		}
		out = append(out, StatusSummary{Agent: agent, Counts: counts})
	}
	return out, nil
}

// openTasksForRoot lists every task across roster still sitting in new,
// seen, or in_progress (i.e. not yet closed) whose rootId matches, for the
// enlarged autopilot context snapshot.
func (s *Store) openTasksForRoot(roster []string, rootID string) ([]Task, error) {
	var out []Task
	openStates := []State{StateNew, StateSeen, StateInProgress}
	for _, agent := range roster {
		for _, st := range openStates {
			ids, err := s.listInbox(agent, st)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				task, err := s.open(agent, id, false)
				if err != nil {
					continue
				}
				if task.Meta.Signals.RootID == rootID {
					out = append(out, task)
				}
			}
		}
	}
	return out, nil
}

// Exposed methods covering the store's public operations.

func (s *Store) Deliver(meta Meta, body string) ([]string, error) { return s.deliver(meta, body) }
func (s *Store) ListInbox(agent string, state State) ([]string, error) {
	return s.listInbox(agent, state)
}
func (s *Store) Open(agent, taskID string, markSeen bool) (Task, error) {
	return s.open(agent, taskID, markSeen)
}
func (s *Store) Claim(agent, taskID string) (Task, error) { return s.claim(agent, taskID) }
func (s *Store) Update(agent, taskID, fromAgent, appendBody string, signalsPatch *Signals, referencesPatch map[string]string) error {
	return s.update(agent, taskID, fromAgent, appendBody, signalsPatch, referencesPatch)
}
func (s *Store) CloseTask(agent, taskID string, outcome Outcome, note, commitSha string, extra ReceiptExtra, notifyOrchestrator bool) (Receipt, error) {
	return s.close(agent, taskID, outcome, note, commitSha, extra, notifyOrchestrator)
}
func (s *Store) ReadReceipt(agent, taskID string) (Receipt, error) { return s.readReceipt(agent, taskID) }
func (s *Store) RecentReceipts(agent string, limit int) ([]Receipt, error) {
	return s.recentReceipts(agent, limit)
}
func (s *Store) StatusSummary(roster []string) ([]StatusSummary, error) { return s.statusSummary(roster) }
func (s *Store) OpenTasksForRoot(roster []string, rootID string) ([]Task, error) {
	return s.openTasksForRoot(roster, rootID)
}
func (s *Store) Root() string { return s.root }

// receiptIndex is a small bbolt-backed cache of receipts keyed by
// closedAt||agent||taskId, filled as tasks are closed (it is not rebuilt from
// the filesystem); it exists only to make recentReceipts fast, never as the
// system of record.
type receiptIndex struct {
	db *bolt.DB
}

var receiptsBucket = []byte("receipts")

func openReceiptIndex(path string) (*receiptIndex, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(receiptsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &receiptIndex{db: db}, nil
}

func (ri *receiptIndex) close() error { return ri.db.Close() }

func (ri *receiptIndex) put(r Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%020d:%s:%s", r.ClosedAt.UnixNano(), r.Agent, r.TaskID)
	return ri.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(receiptsBucket).Put([]byte(key), data)
	})
}

func (ri *receiptIndex) recent(agent string, limit int) ([]Receipt, error) {
	var out []Receipt
	err := ri.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(receiptsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r Receipt
			if json.Unmarshal(v, &r) != nil {
				continue
			}
			if agent != "" && r.Agent != agent {
				continue
			}
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}
