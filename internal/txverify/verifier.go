// Package txverify proves that a client-supplied signed transaction can
// only do what the builder would have built for the same ledger state.
// Once the escrow key co-signs, every instruction in the transaction runs
// with the escrow's authority, so any byte the client was able to vary is
// a byte an attacker controls.
//
// Every check is a hard rejection. The checks run in a fixed order and the
// first failure wins; only the final capacity check touches the ledger, so
// the structural checks are deterministic given the transaction and sale
// record alone.
package txverify

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/mintflow/launchpad/internal/logging"
	"github.com/mintflow/launchpad/internal/metrics"
	"github.com/mintflow/launchpad/internal/sale"
	"github.com/mintflow/launchpad/internal/txbuild"
)

// ErrRejected wraps every structural rejection. Capacity failures surface
// the sale package's supply errors instead so callers can map them to a
// distinct response code.
var ErrRejected = errors.New("txverify: transaction rejected")

// Check names, used as rejection diagnostics and metric labels.
const (
	CheckAmounts     = "amount_derivation"
	CheckSignature   = "signature_presence"
	CheckCardinality = "instruction_cardinality"
	CheckFeePayer    = "fee_payer"
	CheckProgram     = "program_allowlist"
	CheckAccounts    = "account_match"
	CheckData        = "data_match"
	CheckCapacity    = "ledger_capacity"
)

// allowedPrograms is the fixed set of programs a settlement transaction may
// invoke. Anything else is treated as hostile, not merely malformed.
var allowedPrograms = map[solana.PublicKey]bool{
	solana.SystemProgramID:                    true,
	solana.TokenProgramID:                     true,
	solana.SPLAssociatedTokenAccountProgramID: true,
}

// Verifier validates settlement transactions against re-derived expectations.
type Verifier struct {
	ledger *sale.Ledger
}

// New creates a verifier backed by the given ledger.
func New(ledger *sale.Ledger) *Verifier {
	return &Verifier{ledger: ledger}
}

// VerifyPurchase checks a signed purchase transaction. The caller must hold
// the sale's purchase lease: the capacity re-check is only meaningful while
// no concurrent settlement can advance the counters.
func (v *Verifier) VerifyPurchase(ctx context.Context, s *sale.Sale, buyer solana.PublicKey, tx *solana.Transaction, amounts txbuild.Amounts) error {
	keys, err := txbuild.SaleKeys(s)
	if err != nil {
		return err
	}

	// The echoed amounts are untrusted input. Recompute the payment and
	// split from the sale record for the echoed unit count; only the
	// canonical figures ever shape the expected instructions, and an echo
	// that disagrees means the client built a transaction settling terms
	// the sale never quoted.
	canonical, err := txbuild.PurchaseSplit(s, amounts.Units)
	if err != nil {
		return reject(CheckAmounts, err)
	}
	if amounts.LamportsDue != canonical.LamportsDue ||
		amounts.UnitsToVault != canonical.UnitsToVault ||
		amounts.UnitsToClaimable != canonical.UnitsToClaimable {
		return reject(CheckAmounts, fmt.Errorf(
			"echoed amounts diverge from sale terms for %d units: lamports %d want %d, vault %d want %d, claimable %d want %d",
			amounts.Units,
			amounts.LamportsDue, canonical.LamportsDue,
			amounts.UnitsToVault, canonical.UnitsToVault,
			amounts.UnitsToClaimable, canonical.UnitsToClaimable))
	}

	expected := txbuild.PurchaseInstructions(keys, buyer, canonical)
	if err := v.verifyStructure(ctx, s, buyer, tx, expected); err != nil {
		return err
	}

	// Capacity re-check against a fresh read, not the snapshot the builder
	// saw. Runs last so a stale client gets the structural diagnostic first.
	fresh, err := v.ledger.Get(ctx, s.Mint)
	if err != nil {
		return err
	}
	if amounts.Units > fresh.Remaining() {
		metrics.ValidatorRejectionsTotal.WithLabelValues(CheckCapacity).Inc()
		return fmt.Errorf("%w: %d units requested, %d remaining", sale.ErrExceedsSupply, amounts.Units, fresh.Remaining())
	}
	return nil
}

// VerifyClaim checks a signed claim transaction against the wallet's current
// claimable balance. The caller must hold the sale's claim lease.
func (v *Verifier) VerifyClaim(ctx context.Context, s *sale.Sale, buyer solana.PublicKey, tx *solana.Transaction, amounts txbuild.Amounts) error {
	keys, err := txbuild.SaleKeys(s)
	if err != nil {
		return err
	}

	// A claim moves tokens only. Purchase figures in the echo mean the
	// client is replaying amounts from a different flow.
	if amounts.LamportsDue != 0 || amounts.UnitsToVault != 0 || amounts.UnitsToClaimable != amounts.Units {
		return reject(CheckAmounts, fmt.Errorf(
			"echoed claim amounts carry purchase figures: lamports %d, vault %d, claimable %d for %d units",
			amounts.LamportsDue, amounts.UnitsToVault, amounts.UnitsToClaimable, amounts.Units))
	}

	expected, err := txbuild.ClaimInstructions(keys, buyer, amounts.Units, amounts.CreatesAccount)
	if err != nil {
		return err
	}
	if err := v.verifyStructure(ctx, s, buyer, tx, expected); err != nil {
		return err
	}

	claimable, err := v.ledger.ClaimableBalance(ctx, s.Mint, buyer.String())
	if err != nil {
		return err
	}
	if amounts.Units > claimable {
		metrics.ValidatorRejectionsTotal.WithLabelValues(CheckCapacity).Inc()
		return fmt.Errorf("%w: %d units requested, %d claimable", sale.ErrExceedsClaimable, amounts.Units, claimable)
	}
	return nil
}

// verifyStructure runs the ordered structural checks against the expected
// instruction set.
func (v *Verifier) verifyStructure(ctx context.Context, s *sale.Sale, buyer solana.PublicKey, tx *solana.Transaction, expected []solana.Instruction) error {
	msg := &tx.Message

	// 1. Buyer signature presence. The cryptographic check is the network's
	// job at submission; here we only require that the slot is filled.
	if err := checkBuyerSignature(tx, buyer); err != nil {
		return reject(CheckSignature, err)
	}

	// 2. Exact instruction count. Extra instructions would execute with the
	// escrow's signature attached, so any surplus is an attack surface.
	if got, want := len(msg.Instructions), len(expected); got != want {
		return reject(CheckCardinality, fmt.Errorf("%d instructions, expected %d", got, want))
	}

	// 3. Fee payer is always the buyer.
	if len(msg.AccountKeys) == 0 || !msg.AccountKeys[0].Equals(buyer) {
		payer := "<none>"
		if len(msg.AccountKeys) > 0 {
			payer = msg.AccountKeys[0].String()
		}
		return reject(CheckFeePayer, fmt.Errorf("fee payer %s, expected buyer %s", payer, buyer))
	}

	// 4. Program allow-list. An unknown program id means the client is
	// probing for an escrow-signed escape hatch; record it as hostile.
	for i, ci := range msg.Instructions {
		prog, err := resolveKey(msg, ci.ProgramIDIndex)
		if err != nil {
			return reject(CheckProgram, fmt.Errorf("instruction %d: %v", i, err))
		}
		if !allowedPrograms[prog] {
			metrics.SecurityEventsTotal.WithLabelValues("unknown_program").Inc()
			logging.SecurityEvent(ctx, "unknown_program",
				"sale", s.Mint,
				"buyer", buyer.String(),
				"instruction", i,
				"program", prog.String(),
			)
			return reject(CheckProgram, fmt.Errorf("instruction %d targets program %s", i, prog))
		}
	}

	// 5. Byte-for-byte account and data comparison against the re-derived
	// expected instructions.
	for i, want := range expected {
		if err := compareInstruction(msg, msg.Instructions[i], want); err != nil {
			var re *rejection
			if errors.As(err, &re) {
				return reject(re.check, fmt.Errorf("instruction %d: %v", i, re.err))
			}
			return err
		}
	}
	return nil
}

func checkBuyerSignature(tx *solana.Transaction, buyer solana.PublicKey) error {
	msg := &tx.Message
	numSigners := int(msg.Header.NumRequiredSignatures)
	for i := 0; i < numSigners && i < len(msg.AccountKeys); i++ {
		if !msg.AccountKeys[i].Equals(buyer) {
			continue
		}
		if i >= len(tx.Signatures) || tx.Signatures[i].IsZero() {
			return fmt.Errorf("buyer %s holds a signer slot but no signature", buyer)
		}
		return nil
	}
	return fmt.Errorf("buyer %s is not a required signer", buyer)
}

// compareInstruction checks one compiled instruction against its expected
// counterpart: program id, account list in order, and raw data payload.
func compareInstruction(msg *solana.Message, got solana.CompiledInstruction, want solana.Instruction) error {
	prog, err := resolveKey(msg, got.ProgramIDIndex)
	if err != nil {
		return &rejection{check: CheckProgram, err: err}
	}
	if !prog.Equals(want.ProgramID()) {
		return &rejection{check: CheckProgram, err: fmt.Errorf("program %s, expected %s", prog, want.ProgramID())}
	}

	wantAccts := want.Accounts()
	if len(got.Accounts) != len(wantAccts) {
		return &rejection{check: CheckAccounts, err: fmt.Errorf("%d accounts, expected %d", len(got.Accounts), len(wantAccts))}
	}
	for j, idx := range got.Accounts {
		key, err := resolveKey(msg, idx)
		if err != nil {
			return &rejection{check: CheckAccounts, err: fmt.Errorf("account %d: %v", j, err)}
		}
		if !key.Equals(wantAccts[j].PublicKey) {
			return &rejection{check: CheckAccounts, err: fmt.Errorf("account %d is %s, expected %s", j, key, wantAccts[j].PublicKey)}
		}
	}

	wantData, err := want.Data()
	if err != nil {
		return fmt.Errorf("txverify: encode expected instruction: %w", err)
	}
	if !bytes.Equal([]byte(got.Data), wantData) {
		return &rejection{check: CheckData, err: fmt.Errorf("data payload %x, expected %x", []byte(got.Data), wantData)}
	}
	return nil
}

func resolveKey(msg *solana.Message, idx uint16) (solana.PublicKey, error) {
	if int(idx) >= len(msg.AccountKeys) {
		return solana.PublicKey{}, fmt.Errorf("account index %d out of range", idx)
	}
	return msg.AccountKeys[idx], nil
}

// rejection carries a check name through compareInstruction so the caller
// can attach the instruction index before wrapping.
type rejection struct {
	check string
	err   error
}

func (r *rejection) Error() string { return r.err.Error() }

func reject(check string, err error) error {
	metrics.ValidatorRejectionsTotal.WithLabelValues(check).Inc()
	return fmt.Errorf("%w (%s): %v", ErrRejected, check, err)
}
