package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRPC scripts responses for the RPC client interface.
type fakeRPC struct {
	mu sync.Mutex

	blockhash    solana.Hash
	blockhashErr error

	accountExists bool
	accountErr    error

	submitSig   solana.Signature
	submitErr   error
	submitCalls int

	statuses   []*rpc.SignatureStatusesResult // one per poll, last repeats
	statusErr  error
	statusPoll int
}

func (f *fakeRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	if f.blockhashErr != nil {
		return nil, f.blockhashErr
	}
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: f.blockhash, LastValidBlockHeight: 100},
	}, nil
}

func (f *fakeRPC) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	if !f.accountExists {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{}}, nil
}

func (f *fakeRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil {
		return solana.Signature{}, f.submitErr
	}
	return f.submitSig, nil
}

func (f *fakeRPC) GetSignatureStatuses(ctx context.Context, search bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	idx := f.statusPoll
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.statusPoll++
	if idx < 0 {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{f.statuses[idx]}}, nil
}

func newTestClient(f *fakeRPC) *RPC {
	return NewWithClient(f, "confirmed", 5*time.Millisecond, slog.New(slog.DiscardHandler))
}

func someSig() solana.Signature {
	var sig solana.Signature
	sig[0] = 0xAB
	return sig
}

func TestLatestBlockhash(t *testing.T) {
	var h solana.Hash
	h[0] = 0x42
	f := &fakeRPC{blockhash: h}

	got, err := newTestClient(f).LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestLatestBlockhashRPCFailure(t *testing.T) {
	f := &fakeRPC{blockhashErr: errors.New("connection refused")}

	_, err := newTestClient(f).LatestBlockhash(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRPCConnection)
}

func TestSubmitRejected(t *testing.T) {
	f := &fakeRPC{submitErr: errors.New("Blockhash not found")}

	_, err := newTestClient(f).Submit(context.Background(), &solana.Transaction{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubmissionFailed)

	var se *SubmitError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "submit", se.Op)
	assert.Equal(t, 1, f.submitCalls, "submission must never be retried")
}

func TestAwaitConfirmationSuccess(t *testing.T) {
	f := &fakeRPC{statuses: []*rpc.SignatureStatusesResult{
		nil, // first poll: not yet visible
		{Slot: 42, ConfirmationStatus: rpc.ConfirmationStatusProcessed},
		{Slot: 42, ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
	}}

	conf, err := newTestClient(f).AwaitConfirmation(context.Background(), someSig(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), conf.Slot)
	assert.True(t, conf.Succeeded())
}

func TestAwaitConfirmationExecutionError(t *testing.T) {
	f := &fakeRPC{statuses: []*rpc.SignatureStatusesResult{
		{Slot: 43, ConfirmationStatus: rpc.ConfirmationStatusFinalized, Err: map[string]any{"InstructionError": []any{0, "Custom"}}},
	}}

	conf, err := newTestClient(f).AwaitConfirmation(context.Background(), someSig(), time.Second)
	require.NoError(t, err)
	assert.False(t, conf.Succeeded(), "confirmed-but-failed must not count as success")
	assert.NotNil(t, conf.ExecErr)
}

func TestAwaitConfirmationTimeout(t *testing.T) {
	f := &fakeRPC{statuses: []*rpc.SignatureStatusesResult{
		{ConfirmationStatus: rpc.ConfirmationStatusProcessed}, // never reaches confirmed
	}}

	_, err := newTestClient(f).AwaitConfirmation(context.Background(), someSig(), 30*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfirmTimeout)

	var se *SubmitError
	require.True(t, errors.As(err, &se))
	assert.NotEmpty(t, se.Signature, "timeout must surface the signature for reconciliation")
}

func TestAwaitConfirmationSurvivesPollErrors(t *testing.T) {
	f := &fakeRPC{statusErr: errors.New("flaky")}
	c := newTestClient(f)

	// Flip to a confirmed status after a few failed polls.
	go func() {
		time.Sleep(20 * time.Millisecond)
		f.mu.Lock()
		f.statusErr = nil
		f.statuses = []*rpc.SignatureStatusesResult{{Slot: 7, ConfirmationStatus: rpc.ConfirmationStatusConfirmed}}
		f.mu.Unlock()
	}()

	conf, err := c.AwaitConfirmation(context.Background(), someSig(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), conf.Slot)
}

func TestAccountExists(t *testing.T) {
	addr := solana.NewWallet().PublicKey()

	exists, err := newTestClient(&fakeRPC{accountExists: true}).AccountExists(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = newTestClient(&fakeRPC{}).AccountExists(context.Background(), addr)
	require.NoError(t, err)
	assert.False(t, exists, "rpc not-found means the account is absent, not an error")

	_, err = newTestClient(&fakeRPC{accountErr: errors.New("boom")}).AccountExists(context.Background(), addr)
	assert.ErrorIs(t, err, ErrRPCConnection)
}

func TestCommitmentMapping(t *testing.T) {
	tests := []struct {
		commitment string
		status     rpc.ConfirmationStatusType
		reached    bool
	}{
		{"processed", rpc.ConfirmationStatusProcessed, true},
		{"confirmed", rpc.ConfirmationStatusProcessed, false},
		{"confirmed", rpc.ConfirmationStatusConfirmed, true},
		{"confirmed", rpc.ConfirmationStatusFinalized, true},
		{"finalized", rpc.ConfirmationStatusConfirmed, false},
		{"finalized", rpc.ConfirmationStatusFinalized, true},
	}

	for _, tt := range tests {
		c := NewWithClient(&fakeRPC{}, tt.commitment, time.Millisecond, slog.New(slog.DiscardHandler))
		assert.Equal(t, tt.reached, c.reached(tt.status), "%s vs %s", tt.commitment, tt.status)
	}
}
