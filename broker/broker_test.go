package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"otcbroker/broker/storage"
	"otcbroker/chain"
	"otcbroker/deal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type env struct {
	deals       *deal.Store
	payouts     *storage.Store
	checkpoints *Checkpoints
	registry    *chain.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := deal.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	payouts, err := storage.Open(filepath.Join(t.TempDir(), "payouts.db"))
	if err != nil {
		t.Fatalf("open payout store: %v", err)
	}
	t.Cleanup(func() { payouts.Close() })
	checkpoints, err := OpenCheckpoints(filepath.Join(t.TempDir(), "checkpoints.db"), nil)
	if err != nil {
		t.Fatalf("open checkpoints: %v", err)
	}
	t.Cleanup(func() { checkpoints.Close() })
	return &env{
		deals:       deal.NewStore(db),
		payouts:     payouts,
		checkpoints: checkpoints,
		registry:    chain.NewRegistry(),
	}
}

// seedLegs persists a two-leg deal with the given states and returns it.
func seedLegs(t *testing.T, deals *deal.Store, stateA, stateB deal.LegState) *deal.Deal {
	t.Helper()
	d := &deal.Deal{
		ID:        uuid.New(),
		Reference: "OTC-BRK-" + uuid.NewString()[:8],
		Status:    deal.StatusOpen,
		Legs: []deal.Leg{
			{
				ID:                  uuid.New(),
				Party:               deal.PartyA,
				LedgerID:            "utxo-main",
				Asset:               "BTC",
				EscrowAddress:       "escrow-a-" + uuid.NewString()[:8],
				CounterpartyAddress: "party-b-receive",
				PaybackAddress:      "party-a-payback",
				SwapValue:           "100000",
				FeeValue:            "250",
				State:               stateA,
			},
			{
				ID:                  uuid.New(),
				Party:               deal.PartyB,
				LedgerID:            "evm-main",
				Asset:               "ETH",
				EscrowAddress:       "escrow-b-" + uuid.NewString()[:8],
				CounterpartyAddress: "party-a-receive",
				PaybackAddress:      "party-b-payback",
				SwapValue:           "500000",
				FeeValue:            "1200",
				State:               stateB,
			},
		},
	}
	if err := deals.CreateDeal(context.Background(), d); err != nil {
		t.Fatalf("seed deal: %v", err)
	}
	return d
}

type sendCall struct {
	Asset  string
	From   string
	To     string
	Amount *big.Int
	TxID   string
}

// fakeAdapter is an in-memory chain.Adapter for worker tests. Deposits are
// keyed address|asset; sends record their arguments and mint sequential
// transaction ids.
type fakeAdapter struct {
	id            string
	deposits      map[string]chain.DepositPage
	listErr       error
	sends         []sendCall
	sendErr       error
	sendSeq       int
	feeErr        error
	confirmations map[string]uint64
	dropped       map[string]bool
	reverted      map[string]bool
}

func newFakeAdapter(id string) *fakeAdapter {
	return &fakeAdapter{
		id:            id,
		deposits:      make(map[string]chain.DepositPage),
		confirmations: make(map[string]uint64),
		dropped:       make(map[string]bool),
		reverted:      make(map[string]bool),
	}
}

func (f *fakeAdapter) setDeposits(address, asset string, total int64, deposits ...chain.Deposit) {
	f.deposits[address+"|"+asset] = chain.DepositPage{
		Deposits:       deposits,
		TotalConfirmed: big.NewInt(total),
	}
}

func (f *fakeAdapter) LedgerID() string { return f.id }

func (f *fakeAdapter) Init(ctx context.Context) error { return nil }

func (f *fakeAdapter) GenerateEscrowAccount(asset, dealID, party string) (chain.EscrowAccountRef, error) {
	return chain.EscrowAccountRef{
		LedgerID: f.id,
		Address:  f.id + "-" + dealID + "-" + party,
		KeyRef:   "m/1/" + party,
	}, nil
}

func (f *fakeAdapter) ListConfirmedDeposits(ctx context.Context, asset, address string, minConf, sinceHeight uint64) (chain.DepositPage, error) {
	if f.listErr != nil {
		return chain.DepositPage{TotalConfirmed: big.NewInt(0)}, f.listErr
	}
	page, ok := f.deposits[address+"|"+asset]
	if !ok {
		return chain.DepositPage{TotalConfirmed: big.NewInt(0)}, nil
	}
	return page, nil
}

func (f *fakeAdapter) Send(ctx context.Context, asset, from, to string, amount *big.Int) (chain.SubmittedTx, error) {
	if f.sendErr != nil {
		return chain.SubmittedTx{}, f.sendErr
	}
	f.sendSeq++
	txid := fmt.Sprintf("%s-tx-%d", f.id, f.sendSeq)
	f.sends = append(f.sends, sendCall{
		Asset:  asset,
		From:   from,
		To:     to,
		Amount: new(big.Int).Set(amount),
		TxID:   txid,
	})
	f.confirmations[txid] = 0
	return chain.SubmittedTx{TxID: txid}, nil
}

func (f *fakeAdapter) EnsureFeeBudget(ctx context.Context, from, asset string, amount, minNative *big.Int) error {
	return f.feeErr
}

func (f *fakeAdapter) TxConfirmations(ctx context.Context, txid string) (uint64, error) {
	if f.reverted[txid] {
		return 0, chain.ErrTxReverted
	}
	if f.dropped[txid] {
		return 0, chain.ErrTxDropped
	}
	return f.confirmations[txid], nil
}

func (f *fakeAdapter) ValidateAddress(address string) bool { return address != "" }
