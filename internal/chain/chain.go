// Package chain handles all Solana RPC interaction for sale settlement:
// blockhash fetch, transaction submission, and confirmation polling.
//
// Submission is deliberately never retried. A submit whose outcome is
// unknown may still land on chain, and a blind retry could double-spend
// the escrow. Only idempotent reads go through the retry helper.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/mintflow/launchpad/internal/retry"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrRPCConnection    = errors.New("chain: rpc request failed")
	ErrSubmissionFailed = errors.New("chain: transaction rejected at submission")
	ErrConfirmTimeout   = errors.New("chain: confirmation timed out")
	ErrExecutionFailed  = errors.New("chain: transaction confirmed but failed execution")
)

// SubmitError wraps submission/confirmation failures with context.
type SubmitError struct {
	Op        string // Operation that failed
	Signature string // Transaction signature if available
	Err       error  // Underlying error
}

func (e *SubmitError) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("chain: %s failed (sig: %s): %v", e.Op, e.Signature, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Confirmation is the terminal state of a submitted transaction.
type Confirmation struct {
	Signature solana.Signature
	Slot      uint64
	// ExecErr is non-nil when the transaction was included in a block but
	// its inner instructions failed. Such a transaction must never be
	// recorded as a successful settlement.
	ExecErr any
}

// Succeeded reports whether the transaction both landed and executed cleanly.
func (c *Confirmation) Succeeded() bool { return c.ExecErr == nil }

// Client is the settlement engine's view of the chain.
type Client interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	// AccountExists reports whether an account is present on chain. Used to
	// decide whether a claim needs a create-destination-account instruction.
	AccountExists(ctx context.Context, addr solana.PublicKey) (bool, error)
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	// AwaitConfirmation polls until the signature reaches the configured
	// commitment or timeout elapses. On timeout it returns ErrConfirmTimeout;
	// the caller decides what to do with the still-in-flight signature.
	AwaitConfirmation(ctx context.Context, sig solana.Signature, timeout time.Duration) (*Confirmation, error)
}

// RPCClient abstracts the solana-go RPC client for testing.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// RPC implements Client against a Solana JSON-RPC endpoint.
type RPC struct {
	client       RPCClient
	commitment   rpc.CommitmentType
	pollInterval time.Duration
	logger       *slog.Logger
}

// New creates a chain client for the given endpoint.
func New(endpoint, commitment string, pollInterval time.Duration, logger *slog.Logger) *RPC {
	return NewWithClient(rpc.New(endpoint), commitment, pollInterval, logger)
}

// NewWithClient creates a chain client around an existing RPC client.
func NewWithClient(client RPCClient, commitment string, pollInterval time.Duration, logger *slog.Logger) *RPC {
	return &RPC{
		client:       client,
		commitment:   commitmentFromString(commitment),
		pollInterval: pollInterval,
		logger:       logger,
	}
}

func commitmentFromString(s string) rpc.CommitmentType {
	switch s {
	case "processed":
		return rpc.CommitmentProcessed
	case "finalized":
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

// LatestBlockhash fetches a fresh blockhash for transaction construction.
func (r *RPC) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var out *rpc.GetLatestBlockhashResult
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var err error
		out, err = r.client.GetLatestBlockhash(ctx, r.commitment)
		return err
	})
	if err != nil {
		return solana.Hash{}, fmt.Errorf("%w: get latest blockhash: %v", ErrRPCConnection, err)
	}
	return out.Value.Blockhash, nil
}

// AccountExists reports whether addr is present on chain.
func (r *RPC) AccountExists(ctx context.Context, addr solana.PublicKey) (bool, error) {
	var out *rpc.GetAccountInfoResult
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var err error
		out, err = r.client.GetAccountInfo(ctx, addr)
		if errors.Is(err, rpc.ErrNotFound) {
			out = nil
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: get account info: %v", ErrRPCConnection, err)
	}
	return out != nil && out.Value != nil, nil
}

// Submit sends a fully signed transaction. Preflight stays enabled so
// outright-invalid transactions (stale blockhash, bad signature) are
// rejected without consuming a slot; those come back as ErrSubmissionFailed
// and are safe for the client to retry with a freshly prepared transaction.
func (r *RPC) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := r.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: r.commitment,
	})
	if err != nil {
		return solana.Signature{}, &SubmitError{Op: "submit", Err: fmt.Errorf("%w: %v", ErrSubmissionFailed, err)}
	}

	r.logger.Info("transaction submitted", "signature", sig.String())
	return sig, nil
}

// AwaitConfirmation polls signature status until the configured commitment
// is reached or timeout elapses.
func (r *RPC) AwaitConfirmation(ctx context.Context, sig solana.Signature, timeout time.Duration) (*Confirmation, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		status, err := r.signatureStatus(ctx, sig)
		if err != nil {
			r.logger.Warn("signature status poll failed", "signature", sig.String(), "error", err)
		} else if status != nil && r.reached(status.ConfirmationStatus) {
			return &Confirmation{
				Signature: sig,
				Slot:      status.Slot,
				ExecErr:   status.Err,
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, &SubmitError{
				Op:        "await confirmation",
				Signature: sig.String(),
				Err:       fmt.Errorf("%w after %s", ErrConfirmTimeout, timeout),
			}
		}

		select {
		case <-ctx.Done():
			return nil, &SubmitError{Op: "await confirmation", Signature: sig.String(), Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (r *RPC) signatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	var out *rpc.GetSignatureStatusesResult
	err := retry.Do(ctx, 2, 100*time.Millisecond, func() error {
		var err error
		out, err = r.client.GetSignatureStatuses(ctx, true, sig)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get signature statuses: %v", ErrRPCConnection, err)
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

// reached reports whether the observed confirmation status satisfies the
// configured commitment. Finalized always satisfies confirmed.
func (r *RPC) reached(status rpc.ConfirmationStatusType) bool {
	switch r.commitment {
	case rpc.CommitmentProcessed:
		return status == rpc.ConfirmationStatusProcessed ||
			status == rpc.ConfirmationStatusConfirmed ||
			status == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentFinalized:
		return status == rpc.ConfirmationStatusFinalized
	default:
		return status == rpc.ConfirmationStatusConfirmed ||
			status == rpc.ConfirmationStatusFinalized
	}
}
