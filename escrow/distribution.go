package escrow

import "math/big"

// SwapDistribution returns the ordered transfers a successful swap issues for
// the given custodial balance: swapValue to the recipient, feeValue to the fee
// recipient, any surplus back to payback. Zero-amount movements are omitted.
// The result depends only on the escrow parameters and the balance, so the
// same distribution can be recomputed when replaying a settlement whose
// payouts were lost.
func SwapDistribution(esc *Escrow, balance *big.Int, feeRecipient string) []Transfer {
	if esc == nil {
		return nil
	}
	bal := cloneBigInt(balance)
	surplus := new(big.Int).Sub(bal, esc.RequiredValue())
	transfers := make([]Transfer, 0, 3)
	if esc.SwapValue != nil && esc.SwapValue.Sign() > 0 {
		transfers = append(transfers, Transfer{To: esc.Recipient, Asset: esc.Currency, Amount: cloneBigInt(esc.SwapValue), Purpose: PurposeSwap})
	}
	if esc.FeeValue != nil && esc.FeeValue.Sign() > 0 {
		transfers = append(transfers, Transfer{To: feeRecipient, Asset: esc.Currency, Amount: cloneBigInt(esc.FeeValue), Purpose: PurposeFee})
	}
	if surplus.Sign() > 0 {
		transfers = append(transfers, Transfer{To: esc.Payback, Asset: esc.Currency, Amount: surplus, Purpose: PurposeRefund})
	}
	return transfers
}

// RevertDistribution returns the ordered transfers a revert issues for the
// given custodial balance: the fee recipient keeps up to feeValue of whatever
// was deposited and the remainder returns to payback. Zero-amount movements
// are omitted.
func RevertDistribution(esc *Escrow, balance *big.Int, feeRecipient string) []Transfer {
	if esc == nil {
		return nil
	}
	bal := cloneBigInt(balance)
	fee := cloneBigInt(esc.FeeValue)
	if fee.Cmp(bal) > 0 {
		fee = cloneBigInt(bal)
	}
	remainder := new(big.Int).Sub(bal, fee)
	transfers := make([]Transfer, 0, 2)
	if fee.Sign() > 0 {
		transfers = append(transfers, Transfer{To: feeRecipient, Asset: esc.Currency, Amount: fee, Purpose: PurposeFee})
	}
	if remainder.Sign() > 0 {
		transfers = append(transfers, Transfer{To: esc.Payback, Asset: esc.Currency, Amount: remainder, Purpose: PurposeRefund})
	}
	return transfers
}
