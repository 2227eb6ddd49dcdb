package ledger

import (
	"testing"
)

func TestLedgerAppend(t *testing.T) {
	l := NewLedger(LedgerTypeEscrow)
	seq, err := l.Append("deposit", "agent-1", map[string]interface{}{"amountMinor": 500})
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Fatalf("expected seq 1, got %d", seq)
	}
	if l.Length() != 1 {
		t.Fatalf("expected length 1, got %d", l.Length())
	}
}

func TestLedgerChainIntegrity(t *testing.T) {
	l := NewLedger(LedgerTypePayment)
	l.Append("queued", "system", map[string]interface{}{"paymentId": "p1"})
	l.Append("processing", "system", map[string]interface{}{"paymentId": "p1"})
	l.Append("completed", "system", map[string]interface{}{"paymentId": "p1", "txHash": "0xabc"})

	ok, reason := l.Verify()
	if !ok {
		t.Fatalf("expected valid chain, got: %s", reason)
	}
}

func TestLedgerGet(t *testing.T) {
	l := NewLedger(LedgerTypeEscrow)
	l.Append("submission_fee", "agent-1", map[string]interface{}{"findingId": "f1"})

	entry, err := l.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if entry.EntryType != "submission_fee" {
		t.Fatalf("expected submission_fee, got %s", entry.EntryType)
	}
}

func TestLedgerGetNotFound(t *testing.T) {
	l := NewLedger(LedgerTypePayment)
	_, err := l.Get(99)
	if err == nil {
		t.Fatal("expected error for missing entry")
	}
}

func TestLedgerHead(t *testing.T) {
	l := NewLedger(LedgerTypePayment)
	if l.Head() != "genesis" {
		t.Fatal("expected genesis head")
	}
	l.Append("completed", "system", map[string]interface{}{"paymentId": "p1"})
	if l.Head() == "genesis" {
		t.Fatal("head should change after append")
	}
}

func TestLedgerHashChaining(t *testing.T) {
	l := NewLedger(LedgerTypeEscrow)
	l.Append("deposit", "sys", map[string]interface{}{"x": 1})
	l.Append("withdrawal", "sys", map[string]interface{}{"x": 2})

	e1, _ := l.Get(1)
	e2, _ := l.Get(2)
	if e2.PrevHash != e1.ContentHash {
		t.Fatal("second entry prev_hash should match first content_hash")
	}
}

func TestLedgerType(t *testing.T) {
	l := NewLedger(LedgerTypePayment)
	if l.Type() != LedgerTypePayment {
		t.Fatalf("expected PAYMENT, got %s", l.Type())
	}
}

func TestLedgerDeterministicHash(t *testing.T) {
	l1 := NewLedger(LedgerTypeEscrow)
	l1.Append("deposit", "sys", map[string]interface{}{"x": 1})
	l2 := NewLedger(LedgerTypeEscrow)
	l2.Append("deposit", "sys", map[string]interface{}{"x": 1})

	e1, _ := l1.Get(1)
	e2, _ := l2.Get(1)
	if e1.ContentHash != e2.ContentHash {
		t.Fatal("same input should produce same hash")
	}
}
