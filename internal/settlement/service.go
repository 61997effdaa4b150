package settlement

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/mintflow/launchpad/internal/chain"
	"github.com/mintflow/launchpad/internal/keyvault"
	"github.com/mintflow/launchpad/internal/lockmgr"
	"github.com/mintflow/launchpad/internal/logging"
	"github.com/mintflow/launchpad/internal/metrics"
	"github.com/mintflow/launchpad/internal/sale"
	"github.com/mintflow/launchpad/internal/traces"
	"github.com/mintflow/launchpad/internal/txbuild"
	"github.com/mintflow/launchpad/internal/txverify"
	"github.com/mintflow/launchpad/internal/validation"
)

// Config bounds the engine's waits.
type Config struct {
	LockTTL        time.Duration // lease TTL while a settlement is in flight
	LockWait       time.Duration // bounded wait to acquire the lease
	ConfirmTimeout time.Duration // bounded wait for on-chain confirmation
}

func (c *Config) defaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.LockWait <= 0 {
		c.LockWait = 10 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 90 * time.Second
	}
}

// Service drives purchase and claim settlements end to end.
type Service struct {
	ledger   *sale.Ledger
	locks    *lockmgr.Manager
	builder  *txbuild.Builder
	verifier *txverify.Verifier
	chain    chain.Client
	vault    *keyvault.Vault
	cfg      Config
}

// NewService wires the settlement engine.
func NewService(ledger *sale.Ledger, locks *lockmgr.Manager, chainClient chain.Client, vault *keyvault.Vault, cfg Config) *Service {
	cfg.defaults()
	return &Service{
		ledger:   ledger,
		locks:    locks,
		builder:  txbuild.New(ledger, chainClient),
		verifier: txverify.New(ledger),
		chain:    chainClient,
		vault:    vault,
		cfg:      cfg,
	}
}

// PrepareResult is the advisory output of a prepare call: an unsigned
// transaction for the client to sign plus the exact amounts it settles.
type PrepareResult struct {
	Transaction   string          `json:"transaction"` // base64 wire encoding, unsigned
	Amounts       txbuild.Amounts `json:"amounts"`
	EscrowAddress string          `json:"escrowAddress"`
}

// ConfirmResult reports a recorded settlement.
type ConfirmResult struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot,omitempty"`
	Amounts   txbuild.Amounts `json:"amounts"`
}

// PreparePurchase builds an unsigned purchase transaction. Advisory only:
// no counter moves and no lock is taken.
func (s *Service) PreparePurchase(ctx context.Context, mint, buyer string, units uint64) (*PrepareResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.prepare_purchase",
		traces.SaleMint(mint), traces.Buyer(buyer), traces.Mode(ModePurchase), traces.Units(units))
	defer span.End()

	buyerKey, err := solana.PublicKeyFromBase58(buyer)
	if err != nil {
		return nil, newError(CodeInvalidArgument, "buyer is not a valid address", err)
	}

	sal, err := s.ledger.Get(ctx, mint)
	if err != nil {
		return nil, s.mapLedgerError(err, nil)
	}

	res, err := s.builder.BuildPurchase(ctx, sal, buyerKey, units)
	if err != nil {
		return nil, s.mapBuildError(err, sal)
	}
	return s.prepareResult(res, sal)
}

// PrepareClaim builds an unsigned claim transaction for the wallet's full
// claimable balance.
func (s *Service) PrepareClaim(ctx context.Context, mint, buyer string) (*PrepareResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.prepare_claim",
		traces.SaleMint(mint), traces.Buyer(buyer), traces.Mode(ModeClaim))
	defer span.End()

	buyerKey, err := solana.PublicKeyFromBase58(buyer)
	if err != nil {
		return nil, newError(CodeInvalidArgument, "buyer is not a valid address", err)
	}

	sal, err := s.ledger.Get(ctx, mint)
	if err != nil {
		return nil, s.mapLedgerError(err, nil)
	}

	res, err := s.builder.BuildClaim(ctx, sal, buyerKey)
	if err != nil {
		return nil, s.mapBuildError(err, sal)
	}
	return s.prepareResult(res, sal)
}

func (s *Service) prepareResult(res *txbuild.Result, sal *sale.Sale) (*PrepareResult, error) {
	encoded, err := encodeTransaction(res.Tx)
	if err != nil {
		return nil, newError(CodeInternal, "failed to encode transaction", err)
	}
	return &PrepareResult{
		Transaction:   encoded,
		Amounts:       res.Amounts,
		EscrowAddress: sal.EscrowAddress,
	}, nil
}

// ConfirmPurchase validates a buyer-signed purchase transaction, co-signs
// with the escrow key, submits it, awaits confirmation, and records the
// purchase. The per-sale purchase lease is held from before the final
// capacity check until after the ledger write.
func (s *Service) ConfirmPurchase(ctx context.Context, mint, buyer string, amounts txbuild.Amounts, signedTx string) (*ConfirmResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.confirm_purchase",
		traces.SaleMint(mint), traces.Buyer(buyer), traces.Mode(ModePurchase), traces.Units(amounts.Units))
	defer span.End()

	return s.confirm(ctx, ModePurchase, mint, buyer, amounts, signedTx)
}

// ConfirmClaim is the claim-mode counterpart of ConfirmPurchase.
func (s *Service) ConfirmClaim(ctx context.Context, mint, buyer string, amounts txbuild.Amounts, signedTx string) (*ConfirmResult, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.confirm_claim",
		traces.SaleMint(mint), traces.Buyer(buyer), traces.Mode(ModeClaim), traces.Units(amounts.Units))
	defer span.End()

	return s.confirm(ctx, ModeClaim, mint, buyer, amounts, signedTx)
}

func (s *Service) confirm(ctx context.Context, mode, mint, buyer string, amounts txbuild.Amounts, signedTx string) (*ConfirmResult, error) {
	buyerKey, err := solana.PublicKeyFromBase58(buyer)
	if err != nil {
		return nil, newError(CodeInvalidArgument, "buyer is not a valid address", err)
	}
	if amounts.Units == 0 {
		return nil, newError(CodeInvalidArgument, "amounts.units must be positive", nil)
	}
	tx, err := decodeTransaction(signedTx)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(mode, "rejected").Inc()
		return nil, newError(CodeInvalidStructure, "transaction does not decode", err)
	}

	// Lock first. Everything from the status check through the ledger write
	// must happen inside the lease window or two confirms could both pass
	// the capacity check against the same stale counters.
	lease, err := s.acquireLease(ctx, mode, mint)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	fresh, err := s.ledger.Get(ctx, mint)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(mode, "rejected").Inc()
		return nil, s.mapLedgerError(err, nil)
	}

	// Status gate runs before any validator work.
	switch mode {
	case ModePurchase:
		if fresh.Status != sale.StatusActive {
			metrics.SettlementsTotal.WithLabelValues(mode, "rejected").Inc()
			return nil, newError(CodeSaleNotActive, "sale is not active", sale.ErrNotActive)
		}
		err = s.verifier.VerifyPurchase(ctx, fresh, buyerKey, tx, amounts)
	case ModeClaim:
		if fresh.Status != sale.StatusFinalized {
			metrics.SettlementsTotal.WithLabelValues(mode, "rejected").Inc()
			return nil, newError(CodeSaleNotFinalized, "sale is not finalized", sale.ErrNotFinalized)
		}
		err = s.verifier.VerifyClaim(ctx, fresh, buyerKey, tx, amounts)
	default:
		return nil, newError(CodeInternal, "unknown settlement mode", nil)
	}
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(mode, "rejected").Inc()
		return nil, s.mapVerifyError(ctx, err, mode, fresh, buyerKey)
	}

	// Escrow co-sign. The private key lives only inside the callback.
	err = s.vault.WithSigner(ctx, fresh.EscrowKeyRef, func(key solana.PrivateKey) error {
		_, signErr := tx.PartialSign(func(pk solana.PublicKey) *solana.PrivateKey {
			if pk.Equals(key.PublicKey()) {
				return &key
			}
			return nil
		})
		return signErr
	})
	if err != nil {
		logging.L(ctx).Error("escrow signing failed",
			"sale", mint, "buyer", buyer, "mode", mode, "error", err)
		metrics.SettlementsTotal.WithLabelValues(mode, "internal").Inc()
		return nil, newError(CodeInternal, "escrow signing unavailable", err)
	}

	// Past this point the transaction may reach the chain, so the remaining
	// steps run on a detached context: a client disconnect must not abandon
	// a possibly-landed transfer before the ledger write.
	detached := context.WithoutCancel(ctx)

	submitStart := time.Now()
	sig, err := s.chain.Submit(detached, tx)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(mode, "submission_failed").Inc()
		return nil, newError(CodeSubmissionFailed, "transaction rejected at submission", err)
	}

	conf, err := s.chain.AwaitConfirmation(detached, sig, s.cfg.ConfirmTimeout)
	if err != nil {
		// The transaction was accepted by the network and its fate is
		// unknown. Park the signature for reconciliation and surface it to
		// the caller. Never resubmit, never record.
		return nil, s.parkTimeout(detached, mode, fresh, buyer, amounts, sig, err)
	}
	metrics.ChainSubmitDuration.Observe(time.Since(submitStart).Seconds())
	if !conf.Succeeded() {
		metrics.SettlementsTotal.WithLabelValues(mode, "execution_failed").Inc()
		return nil, newError(CodeSubmissionFailed, "transaction confirmed but failed execution",
			fmt.Errorf("%w: %v", chain.ErrExecutionFailed, conf.ExecErr)).
			withDetail("signature", sig.String())
	}

	if err := s.record(detached, mode, fresh, buyer, amounts, sig); err != nil {
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues(mode, "recorded").Inc()
	logging.L(ctx).Info("settlement recorded",
		"sale", mint, "buyer", buyer, "mode", mode,
		"units", amounts.Units, "signature", sig.String(), "slot", conf.Slot)

	return &ConfirmResult{Signature: sig.String(), Slot: conf.Slot, Amounts: amounts}, nil
}

func (s *Service) acquireLease(ctx context.Context, mode, mint string) (*lockmgr.Lease, error) {
	key := lockmgr.PurchaseKey(mint)
	if mode == ModeClaim {
		key = lockmgr.ClaimKey(mint)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWait)
	defer cancel()

	start := time.Now()
	lease, err := s.locks.Acquire(waitCtx, key, s.cfg.LockTTL)
	metrics.LockWaitDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, lockmgr.ErrWaitTimeout) {
			metrics.SettlementsTotal.WithLabelValues(mode, "lock_timeout").Inc()
			return nil, newError(CodeLockTimeout, "sale is busy, retry shortly", err)
		}
		return nil, newError(CodeInternal, "failed to acquire sale lease", err)
	}
	return lease, nil
}

// parkTimeout records the unknown-fate signature for out-of-band
// reconciliation. Ledger counters stay untouched.
func (s *Service) parkTimeout(ctx context.Context, mode string, sal *sale.Sale, buyer string, amounts txbuild.Amounts, sig solana.Signature, cause error) error {
	parkErr := s.ledger.ParkSignature(ctx, &sale.PendingSignature{
		SaleMint:  sal.Mint,
		Buyer:     buyer,
		Mode:      mode,
		Units:     amounts.Units,
		Signature: sig.String(),
	})
	if parkErr != nil {
		logging.L(ctx).Error("failed to park timed-out signature, manual reconciliation required",
			"sale", sal.Mint, "buyer", buyer, "mode", mode,
			"units", amounts.Units, "signature", sig.String(), "error", parkErr)
	} else {
		metrics.PendingSignaturesTotal.Inc()
	}

	metrics.SettlementsTotal.WithLabelValues(mode, "confirmation_timeout").Inc()
	logging.L(ctx).Warn("confirmation timed out, signature parked",
		"sale", sal.Mint, "buyer", buyer, "mode", mode, "signature", sig.String())

	return newError(CodeConfirmationTimeout, "confirmation timed out, transaction fate unknown", cause).
		withDetail("signature", sig.String())
}

// record performs the single ledger write for a confirmed-and-successful
// transaction. A failure here means the chain and ledger disagree, so it is
// logged with everything a human needs to reconcile by hand.
func (s *Service) record(ctx context.Context, mode string, sal *sale.Sale, buyer string, amounts txbuild.Amounts, sig solana.Signature) error {
	var err error
	switch mode {
	case ModePurchase:
		err = s.ledger.RecordPurchase(ctx, &sale.Purchase{
			SaleMint:         sal.Mint,
			Buyer:            buyer,
			LamportsPaid:     amounts.LamportsDue,
			Units:            amounts.Units,
			UnitsToClaimable: amounts.UnitsToClaimable,
			UnitsToVault:     amounts.UnitsToVault,
			Signature:        sig.String(),
		})
		if err == nil {
			metrics.UnitsSoldTotal.WithLabelValues(sal.Mint).Add(float64(amounts.Units))
		}
	case ModeClaim:
		err = s.ledger.RecordClaim(ctx, sal.Mint, buyer, amounts.Units, sig.String())
		if err == nil {
			metrics.UnitsClaimedTotal.WithLabelValues(sal.Mint).Add(float64(amounts.Units))
		}
	}
	if err != nil {
		logging.L(ctx).Error("on-chain transfer confirmed but ledger write failed, manual reconciliation required",
			"sale", sal.Mint, "buyer", buyer, "mode", mode,
			"units", amounts.Units, "lamports", amounts.LamportsDue,
			"signature", sig.String(), "error", err)
		metrics.SettlementsTotal.WithLabelValues(mode, "record_failed").Inc()
		return newError(CodeInternal, "settlement confirmed on chain but not recorded", err).
			withDetail("signature", sig.String())
	}
	return nil
}

func (s *Service) mapLedgerError(err error, _ *sale.Sale) error {
	if errors.Is(err, sale.ErrNotFound) {
		return newError(CodeSaleNotFound, "sale not found", err)
	}
	return newError(CodeInternal, "ledger read failed", err)
}

func (s *Service) mapBuildError(err error, sal *sale.Sale) error {
	switch {
	case errors.Is(err, sale.ErrNotActive):
		return newError(CodeSaleNotActive, "sale is not active", err)
	case errors.Is(err, sale.ErrNotFinalized):
		return newError(CodeSaleNotFinalized, "sale is not finalized", err)
	case errors.Is(err, sale.ErrExceedsSupply):
		return newError(CodeExceedsAvailable, "sale is sold out", err).
			withDetail("tokens_available", sal.Remaining())
	case errors.Is(err, sale.ErrExceedsClaimable):
		return newError(CodeExceedsAvailable, "nothing left to claim", err).
			withDetail("tokens_available", 0)
	case errors.Is(err, txbuild.ErrInvalidAmount), errors.Is(err, txbuild.ErrAmountTooBig):
		return newError(CodeInvalidArgument, "invalid purchase amount", err)
	case errors.Is(err, txbuild.ErrBadAddress):
		return newError(CodeInternal, "sale record carries a malformed address", err)
	}
	return newError(CodeInternal, "failed to build transaction", err)
}

func (s *Service) mapVerifyError(ctx context.Context, err error, mode string, fresh *sale.Sale, buyer solana.PublicKey) error {
	switch {
	case errors.Is(err, sale.ErrExceedsSupply):
		return newError(CodeExceedsAvailable, "remaining supply is below the transaction amount", err).
			withDetail("tokens_available", fresh.Remaining())
	case errors.Is(err, sale.ErrExceedsClaimable):
		claimable, balErr := s.ledger.ClaimableBalance(ctx, fresh.Mint, buyer.String())
		e := newError(CodeExceedsAvailable, "claimable balance is below the transaction amount", err)
		if balErr == nil {
			e.withDetail("tokens_available", claimable)
		}
		return e
	case errors.Is(err, txverify.ErrRejected):
		return newError(CodeInvalidStructure, "transaction does not match expected structure", err)
	}
	return newError(CodeInternal, "transaction validation failed", err)
}

func encodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeTransaction(encoded string) (*solana.Transaction, error) {
	if len(encoded) > validation.MaxTransactionSize {
		return nil, fmt.Errorf("transaction exceeds %d encoded bytes", validation.MaxTransactionSize)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}
