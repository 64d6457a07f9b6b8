package broker

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"otcbroker/escrow"
)

func TestCheckpointsRequirePath(t *testing.T) {
	if _, err := OpenCheckpoints("  ", nil); err == nil {
		t.Fatal("expected error for blank path")
	}
}

func TestCursorMutateRoundTrip(t *testing.T) {
	env := newEnv(t)
	legID := uuid.NewString()

	if _, found, err := env.checkpoints.Cursor(legID); err != nil || found {
		t.Fatalf("fresh cursor: found=%v err=%v", found, err)
	}

	err := env.checkpoints.MutateCursor(legID, func(cursor *WatchCursor) error {
		cursor.Seen["tx-1:0"] = true
		cursor.Total = "42000"
		cursor.TipHeight = 812
		return nil
	})
	if err != nil {
		t.Fatalf("mutate cursor: %v", err)
	}

	cursor, found, err := env.checkpoints.Cursor(legID)
	if err != nil || !found {
		t.Fatalf("load cursor: found=%v err=%v", found, err)
	}
	if cursor.LegID != legID {
		t.Fatalf("leg id = %q, want %q", cursor.LegID, legID)
	}
	if !cursor.Seen["tx-1:0"] || cursor.Total != "42000" || cursor.TipHeight != 812 {
		t.Fatalf("cursor contents round-trip mismatch: %+v", cursor)
	}
	if cursor.UpdatedAt.IsZero() {
		t.Fatal("expected UpdatedAt to be stamped")
	}

	// Second mutation sees the prior state.
	err = env.checkpoints.MutateCursor(legID, func(cursor *WatchCursor) error {
		if !cursor.Seen["tx-1:0"] {
			t.Fatal("expected previously seen deposit inside mutation")
		}
		cursor.Seen["tx-2:1"] = true
		return nil
	})
	if err != nil {
		t.Fatalf("second mutate: %v", err)
	}

	if err := env.checkpoints.DeleteCursor(legID); err != nil {
		t.Fatalf("delete cursor: %v", err)
	}
	if _, found, err := env.checkpoints.Cursor(legID); err != nil || found {
		t.Fatalf("deleted cursor still present: found=%v err=%v", found, err)
	}
}

func TestMutateCursorPropagatesCallbackError(t *testing.T) {
	env := newEnv(t)
	boom := errors.New("boom")
	err := env.checkpoints.MutateCursor(uuid.NewString(), func(*WatchCursor) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestEscrowRecordRoundTrip(t *testing.T) {
	env := newEnv(t)
	esc := &escrow.Escrow{
		Address:   "escrow-one",
		LedgerID:  "UTXO-Main",
		Operator:  "broker-op",
		Payback:   "payback-addr",
		Recipient: "recipient-addr",
		Currency:  "BTC",
		SwapValue: big.NewInt(100000),
		FeeValue:  big.NewInt(250),
		State:     escrow.StateCollection,
		CreatedAt: time.Now().Unix(),
	}
	if err := env.checkpoints.PutEscrow(esc); err != nil {
		t.Fatalf("put escrow: %v", err)
	}

	// Lookup normalises the ledger id, matching the registry.
	got, found, err := env.checkpoints.GetEscrow("utxo-main", "escrow-one")
	if err != nil || !found {
		t.Fatalf("get escrow: found=%v err=%v", found, err)
	}
	if got.Address != esc.Address || got.Currency != esc.Currency || got.State != escrow.StateCollection {
		t.Fatalf("record mismatch: %+v", got)
	}
	if got.SwapValue.Cmp(esc.SwapValue) != 0 || got.FeeValue.Cmp(esc.FeeValue) != 0 {
		t.Fatalf("value mismatch: swap=%s fee=%s", got.SwapValue, got.FeeValue)
	}

	// Re-put with a latched state; the read must reflect it.
	esc.State = escrow.StateCompleted
	esc.SwapExecuted = true
	if err := env.checkpoints.PutEscrow(esc); err != nil {
		t.Fatalf("update escrow: %v", err)
	}
	got, _, err = env.checkpoints.GetEscrow("utxo-main", "escrow-one")
	if err != nil {
		t.Fatalf("reload escrow: %v", err)
	}
	if got.State != escrow.StateCompleted || !got.SwapExecuted {
		t.Fatalf("latched state lost: %+v", got)
	}
}

func TestEscrowRecordsFilterByLedger(t *testing.T) {
	env := newEnv(t)
	for _, rec := range []struct {
		ledger, address string
	}{
		{"utxo-main", "addr-a"},
		{"utxo-main", "addr-b"},
		{"evm-main", "addr-c"},
	} {
		err := env.checkpoints.PutEscrow(&escrow.Escrow{
			Address:   rec.address,
			LedgerID:  rec.ledger,
			Currency:  "BTC",
			SwapValue: big.NewInt(1),
			FeeValue:  big.NewInt(0),
			State:     escrow.StateCollection,
		})
		if err != nil {
			t.Fatalf("put %s/%s: %v", rec.ledger, rec.address, err)
		}
	}

	records, err := env.checkpoints.EscrowRecords("utxo-main")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	for _, rec := range records {
		if rec.LedgerID != "utxo-main" {
			t.Fatalf("foreign ledger leaked into listing: %+v", rec)
		}
	}
}

func TestDeployMarkerLifecycle(t *testing.T) {
	env := newEnv(t)
	marker := DeployMarker{
		LegID:       uuid.NewString(),
		TxID:        "0xdeploy",
		SubmittedAt: time.Now().UTC(),
	}
	if err := env.checkpoints.PutDeployMarker("evm-main", "0xescrow", marker); err != nil {
		t.Fatalf("put marker: %v", err)
	}
	got, found, err := env.checkpoints.GetDeployMarker("evm-main", "0xescrow")
	if err != nil || !found {
		t.Fatalf("get marker: found=%v err=%v", found, err)
	}
	if got.TxID != "0xdeploy" || got.LegID != marker.LegID {
		t.Fatalf("marker mismatch: %+v", got)
	}
	if err := env.checkpoints.DeleteDeployMarker("evm-main", "0xescrow"); err != nil {
		t.Fatalf("delete marker: %v", err)
	}
	if _, found, _ := env.checkpoints.GetDeployMarker("evm-main", "0xescrow"); found {
		t.Fatal("marker survived delete")
	}
}

func TestClosedCheckpointsRejectOperations(t *testing.T) {
	var closed *Checkpoints
	if err := closed.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
	if _, _, err := closed.Cursor("leg"); !errors.Is(err, errCheckpointsClosed) {
		t.Fatalf("cursor on nil store: %v", err)
	}
	if err := closed.PutEscrow(&escrow.Escrow{}); !errors.Is(err, errCheckpointsClosed) {
		t.Fatalf("put on nil store: %v", err)
	}
}
