package journal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/root-11/maslite/agent"
	"github.com/root-11/maslite/message"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "journal_test.db")
	j, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpenCreatesDB(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "run.db")

	j, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestRecordAndListCycles(t *testing.T) {
	j := newTestJournal(t)

	if err := j.RecordCycle(0, 0.0, 2); err != nil {
		t.Fatalf("RecordCycle(0): %v", err)
	}
	if err := j.RecordCycle(1, 5.0, 1); err != nil {
		t.Fatalf("RecordCycle(1): %v", err)
	}

	got, err := j.Cycles(0)
	if err != nil {
		t.Fatalf("Cycles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(Cycles) = %d, want 2", len(got))
	}
	if got[0].Cycle != 0 || got[1].Cycle != 1 {
		t.Fatalf("cycles out of order: %+v", got)
	}
	if got[1].VirtualTime != 5.0 || got[1].Activated != 1 {
		t.Fatalf("unexpected cycle row: %+v", got[1])
	}
}

func TestRecordAndListMessages(t *testing.T) {
	j := newTestJournal(t)

	if err := j.RecordMessage(3, "ping", "a", "unicast:b", 1, false); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	if err := j.RecordMessage(3, "ping", "a", "unicast:ghost", 0, true); err != nil {
		t.Fatalf("RecordMessage (dropped): %v", err)
	}
	if err := j.RecordMessage(4, "other", "b", "broadcast", 3, false); err != nil {
		t.Fatalf("RecordMessage (cycle 4): %v", err)
	}

	got, err := j.MessagesByCycle(3)
	if err != nil {
		t.Fatalf("MessagesByCycle: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(MessagesByCycle(3)) = %d, want 2", len(got))
	}
	var sawDropped bool
	for _, m := range got {
		if m.Dropped {
			sawDropped = true
		}
		if m.Sender != message.ID("a") {
			t.Errorf("Sender = %q, want %q", m.Sender, "a")
		}
	}
	if !sawDropped {
		t.Fatal("expected one dropped message row")
	}
}

func TestRecordAndListFaults(t *testing.T) {
	j := newTestJournal(t)

	f := &agent.Fault{
		Cycle:       7,
		VirtualTime: 12.5,
		AgentID:     "worker-1",
		Kind:        "update",
		Err:         errors.New("boom"),
	}
	if err := j.RecordFault(f); err != nil {
		t.Fatalf("RecordFault: %v", err)
	}

	got, err := j.FaultsByAgent("worker-1", 0)
	if err != nil {
		t.Fatalf("FaultsByAgent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(FaultsByAgent) = %d, want 1", len(got))
	}
	if got[0].Cycle != 7 || got[0].Hook != "update" || got[0].Error != "boom" {
		t.Fatalf("unexpected fault row: %+v", got[0])
	}
}

func TestFaultsByAgentFiltersByID(t *testing.T) {
	j := newTestJournal(t)

	_ = j.RecordFault(&agent.Fault{Cycle: 1, AgentID: "a", Kind: "setup", Err: errors.New("x")})
	_ = j.RecordFault(&agent.Fault{Cycle: 2, AgentID: "b", Kind: "setup", Err: errors.New("y")})

	got, err := j.FaultsByAgent("b", 0)
	if err != nil {
		t.Fatalf("FaultsByAgent: %v", err)
	}
	if len(got) != 1 || got[0].AgentID != "b" {
		t.Fatalf("FaultsByAgent(b) = %+v, want exactly one row for b", got)
	}
}
