package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"otcbroker/chain"
	"otcbroker/deal"
	"otcbroker/escrow"
)

// ErrEscrowPending reports that the escrow program is not live on its ledger
// yet. The caller retries after the deployment confirms.
var ErrEscrowPending = errors.New("broker: escrow program deployment pending")

// SettleOutcome is what driving one escrow transition produced. On ledgers
// where a deployed program moves funds itself, DrivingTxID carries the
// transaction that executed the distribution and Transfers stays empty. On
// custodial ledgers the transfers are the movements the broker must now
// submit, and DrivingTxID stays empty.
type SettleOutcome struct {
	State       escrow.State
	DrivingTxID string
	Transfers   []escrow.Transfer
}

// Program is one escrow instance as the orchestrator drives it, independent
// of whether a deployed contract or the broker's own custody hosts it.
type Program interface {
	// Ensure makes the escrow instance exist on its ledger. It returns
	// ErrEscrowPending while a deployment is still confirming.
	Ensure(ctx context.Context) error
	// State returns the instance's lifecycle state.
	State(ctx context.Context) (escrow.State, error)
	// CanSwap reports whether collected deposits cover swap plus fee value.
	CanSwap(ctx context.Context) (bool, error)
	// Swap drives the escrow to COMPLETED and distributes its value.
	Swap(ctx context.Context) (*SettleOutcome, error)
	// Revert drives the escrow to REVERTED and returns deposits to payback.
	Revert(ctx context.Context) (*SettleOutcome, error)
	// Refund pushes value that arrived after completion back to payback.
	Refund(ctx context.Context) (*SettleOutcome, error)
	// Sweep clears a foreign asset sent to the escrow address by mistake.
	Sweep(ctx context.Context, asset string) (*SettleOutcome, error)
	// Replay reconstructs the outcome of a terminal transition whose payout
	// records were lost, without moving the state machine again.
	Replay(ctx context.Context) (*SettleOutcome, error)
}

// custodialRuntime hosts the engine and scratch ledger shared by every
// program on one broker-custodied ledger.
type custodialRuntime struct {
	adapter      chain.Adapter
	ledger       *custodialLedger
	engine       *escrow.Engine
	operator     string
	feeRecipient string
	minConf      uint64
}

func newCustodialRuntime(adapter chain.Adapter, checkpoints *Checkpoints, settings LedgerSettings, log *slog.Logger) *custodialRuntime {
	ledger := newCustodialLedger(adapter.LedgerID(), checkpoints, log)
	engine := escrow.NewEngine()
	engine.SetLedger(ledger)
	engine.SetFeeRecipient(settings.FeeRecipient)
	engine.SetReserve(settings.Reserve)
	engine.SetEmitter(&logEmitter{log: log})
	return &custodialRuntime{
		adapter:      adapter,
		ledger:       ledger,
		engine:       engine,
		operator:     settings.Operator,
		feeRecipient: settings.FeeRecipient,
		minConf:      settings.MinConfirmations,
	}
}

func (rt *custodialRuntime) program(leg deal.Leg) (Program, error) {
	swap, err := leg.SwapAmount()
	if err != nil {
		return nil, err
	}
	fee, err := leg.FeeAmount()
	if err != nil {
		return nil, err
	}
	return &custodialProgram{rt: rt, leg: leg, swap: swap, fee: fee}, nil
}

// custodialProgram runs the escrow state machine inside the broker. The
// ledger only ever sees plain value transfers; all program rules live in the
// engine and the checkpointed record.
type custodialProgram struct {
	rt   *custodialRuntime
	leg  deal.Leg
	swap *big.Int
	fee  *big.Int
}

func (p *custodialProgram) Ensure(ctx context.Context) error {
	if _, ok := p.rt.ledger.EscrowGet(p.leg.EscrowAddress); ok {
		return nil
	}
	_, err := p.rt.engine.Initialize(
		p.leg.EscrowAddress,
		p.leg.LedgerID,
		p.rt.operator,
		p.leg.PaybackAddress,
		p.leg.CounterpartyAddress,
		p.leg.Asset,
		p.swap,
		p.fee,
	)
	if errors.Is(err, escrow.ErrAlreadyInitialized) {
		return nil
	}
	return err
}

// seed refreshes the scratch balance for one asset from the ledger's
// confirmed view.
func (p *custodialProgram) seed(ctx context.Context, asset string) error {
	page, err := p.rt.adapter.ListConfirmedDeposits(ctx, asset, p.leg.EscrowAddress, p.rt.minConf, 0)
	if err != nil {
		return fmt.Errorf("list deposits for %s: %w", p.leg.EscrowAddress, err)
	}
	p.rt.ledger.SetBalance(p.leg.EscrowAddress, asset, page.TotalConfirmed)
	return nil
}

func (p *custodialProgram) State(ctx context.Context) (escrow.State, error) {
	return p.rt.engine.State(p.leg.EscrowAddress)
}

func (p *custodialProgram) CanSwap(ctx context.Context) (bool, error) {
	if err := p.seed(ctx, p.leg.Asset); err != nil {
		return false, err
	}
	return p.rt.engine.CanSwap(p.leg.EscrowAddress)
}

func (p *custodialProgram) Swap(ctx context.Context) (*SettleOutcome, error) {
	if err := p.seed(ctx, p.leg.Asset); err != nil {
		return nil, err
	}
	settlement, err := p.rt.engine.Swap(p.leg.EscrowAddress, p.rt.operator)
	if err != nil {
		return nil, err
	}
	return outcomeFromSettlement(settlement), nil
}

func (p *custodialProgram) Revert(ctx context.Context) (*SettleOutcome, error) {
	if err := p.seed(ctx, p.leg.Asset); err != nil {
		return nil, err
	}
	settlement, err := p.rt.engine.Revert(p.leg.EscrowAddress, p.rt.operator)
	if err != nil {
		return nil, err
	}
	return outcomeFromSettlement(settlement), nil
}

func (p *custodialProgram) Refund(ctx context.Context) (*SettleOutcome, error) {
	if err := p.seed(ctx, p.leg.Asset); err != nil {
		return nil, err
	}
	settlement, err := p.rt.engine.Refund(p.leg.EscrowAddress)
	if err != nil {
		return nil, err
	}
	return outcomeFromSettlement(settlement), nil
}

func (p *custodialProgram) Sweep(ctx context.Context, asset string) (*SettleOutcome, error) {
	if err := p.seed(ctx, asset); err != nil {
		return nil, err
	}
	settlement, err := p.rt.engine.Sweep(p.leg.EscrowAddress, asset)
	if err != nil {
		return nil, err
	}
	return outcomeFromSettlement(settlement), nil
}

// Replay recomputes the distribution of an already latched terminal state.
// The lost payouts were never broadcast, so the ledger's confirmed balance
// still holds the full escrow value and the arithmetic lands on the same
// transfers the crashed run produced.
func (p *custodialProgram) Replay(ctx context.Context) (*SettleOutcome, error) {
	esc, err := p.rt.engine.Get(p.leg.EscrowAddress)
	if err != nil {
		return nil, err
	}
	if !esc.State.Terminal() {
		return nil, &escrow.InvalidStateError{Have: esc.State, Want: escrow.StateCompleted}
	}
	if err := p.seed(ctx, esc.Currency); err != nil {
		return nil, err
	}
	balance, err := p.rt.ledger.BalanceOf(esc.Address, esc.Currency)
	if err != nil {
		return nil, err
	}
	var transfers []escrow.Transfer
	if esc.State == escrow.StateCompleted {
		transfers = escrow.SwapDistribution(esc, balance, p.rt.feeRecipient)
	} else {
		transfers = escrow.RevertDistribution(esc, balance, p.rt.feeRecipient)
	}
	return &SettleOutcome{State: esc.State, Transfers: transfers}, nil
}

func outcomeFromSettlement(s *escrow.Settlement) *SettleOutcome {
	return &SettleOutcome{State: s.Escrow.State, Transfers: s.Transfers}
}

// contractHost is the slice of an adapter needed to manage program
// deployments on a ledger that hosts escrow contracts.
type contractHost interface {
	LedgerID() string
	TxConfirmations(ctx context.Context, txid string) (uint64, error)
	Deployed(ctx context.Context, address string) (bool, error)
	DeployEscrowLeg(ctx context.Context, dealID, party, payback, recipient, asset string, swapValue, feeValue *big.Int) (string, error)
}

// boundProgram is the call surface of one deployed escrow contract.
type boundProgram interface {
	State(ctx context.Context) (escrow.State, error)
	CanSwap(ctx context.Context) (bool, error)
	Swap(ctx context.Context) (string, error)
	RevertEscrow(ctx context.Context) (string, error)
	Refund(ctx context.Context) (string, error)
	Sweep(ctx context.Context, asset string) (string, error)
	FindSettlementTx(ctx context.Context, sinceHeight uint64) (string, escrow.State, error)
	SettlementTransfers(ctx context.Context, txid string) ([]escrow.Transfer, error)
}

// contractProgram drives an escrow hosted as a deployed contract. The program
// enforces its own rules and moves its own funds; the broker submits the
// driving transactions and tracks their confirmation.
type contractProgram struct {
	host        contractHost
	bound       boundProgram
	checkpoints *Checkpoints
	leg         deal.Leg
	swap        *big.Int
	fee         *big.Int
	nowFn       func() time.Time
}

func newContractProgram(host contractHost, bound boundProgram, checkpoints *Checkpoints, leg deal.Leg) (Program, error) {
	swap, err := leg.SwapAmount()
	if err != nil {
		return nil, err
	}
	fee, err := leg.FeeAmount()
	if err != nil {
		return nil, err
	}
	return &contractProgram{
		host:        host,
		bound:       bound,
		checkpoints: checkpoints,
		leg:         leg,
		swap:        swap,
		fee:         fee,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Ensure deploys the escrow contract when the counterfactual address has no
// code yet. The deploy marker makes the factory call idempotent across
// restarts: while a recorded deployment is still in flight the method keeps
// reporting ErrEscrowPending instead of broadcasting again.
func (p *contractProgram) Ensure(ctx context.Context) error {
	deployed, err := p.host.Deployed(ctx, p.leg.EscrowAddress)
	if err != nil {
		return err
	}
	if deployed {
		return p.checkpoints.DeleteDeployMarker(p.leg.LedgerID, p.leg.EscrowAddress)
	}
	marker, ok, err := p.checkpoints.GetDeployMarker(p.leg.LedgerID, p.leg.EscrowAddress)
	if err != nil {
		return err
	}
	if ok {
		_, err := p.host.TxConfirmations(ctx, marker.TxID)
		switch {
		case err == nil:
			return ErrEscrowPending
		case errors.Is(err, chain.ErrTxDropped):
			// The factory call vanished; deploy again below.
		case errors.Is(err, chain.ErrTxReverted):
			if derr := p.checkpoints.DeleteDeployMarker(p.leg.LedgerID, p.leg.EscrowAddress); derr != nil {
				return derr
			}
			return fmt.Errorf("escrow deployment %s reverted", marker.TxID)
		default:
			return err
		}
	}
	txid, err := p.host.DeployEscrowLeg(ctx,
		p.leg.DealID.String(),
		p.leg.Party,
		p.leg.PaybackAddress,
		p.leg.CounterpartyAddress,
		p.leg.Asset,
		p.swap,
		p.fee,
	)
	if err != nil {
		return err
	}
	marker = DeployMarker{LegID: p.leg.ID.String(), TxID: txid, SubmittedAt: p.nowFn()}
	if err := p.checkpoints.PutDeployMarker(p.leg.LedgerID, p.leg.EscrowAddress, marker); err != nil {
		return err
	}
	return ErrEscrowPending
}

func (p *contractProgram) State(ctx context.Context) (escrow.State, error) {
	deployed, err := p.host.Deployed(ctx, p.leg.EscrowAddress)
	if err != nil {
		return 0, err
	}
	if !deployed {
		return 0, ErrEscrowPending
	}
	return p.bound.State(ctx)
}

func (p *contractProgram) CanSwap(ctx context.Context) (bool, error) {
	return p.bound.CanSwap(ctx)
}

func (p *contractProgram) Swap(ctx context.Context) (*SettleOutcome, error) {
	txid, err := p.bound.Swap(ctx)
	if err != nil {
		return nil, err
	}
	return &SettleOutcome{State: escrow.StateCompleted, DrivingTxID: txid}, nil
}

func (p *contractProgram) Revert(ctx context.Context) (*SettleOutcome, error) {
	txid, err := p.bound.RevertEscrow(ctx)
	if err != nil {
		return nil, err
	}
	return &SettleOutcome{State: escrow.StateReverted, DrivingTxID: txid}, nil
}

func (p *contractProgram) Refund(ctx context.Context) (*SettleOutcome, error) {
	state, err := p.bound.State(ctx)
	if err != nil {
		return nil, err
	}
	txid, err := p.bound.Refund(ctx)
	if err != nil {
		return nil, err
	}
	return &SettleOutcome{State: state, DrivingTxID: txid}, nil
}

func (p *contractProgram) Sweep(ctx context.Context, asset string) (*SettleOutcome, error) {
	state, err := p.bound.State(ctx)
	if err != nil {
		return nil, err
	}
	txid, err := p.bound.Sweep(ctx, asset)
	if err != nil {
		return nil, err
	}
	return &SettleOutcome{State: state, DrivingTxID: txid}, nil
}

// Replay recovers the driving transaction of a terminal transition that was
// broadcast but never recorded, by scanning the program's settlement events.
func (p *contractProgram) Replay(ctx context.Context) (*SettleOutcome, error) {
	txid, state, err := p.bound.FindSettlementTx(ctx, 0)
	if err != nil {
		return nil, err
	}
	return &SettleOutcome{State: state, DrivingTxID: txid}, nil
}

// logEmitter forwards engine events to structured logging so every custodial
// transition leaves an audit line.
type logEmitter struct {
	log *slog.Logger
}

func (e *logEmitter) Emit(event *escrow.Event) {
	if e == nil || e.log == nil || event == nil {
		return
	}
	attrs := make([]any, 0, 2*len(event.Attributes))
	for key, value := range event.Attributes {
		attrs = append(attrs, key, value)
	}
	e.log.Info(event.Type, attrs...)
}
