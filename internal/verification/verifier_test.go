package verification

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Mosaic-Protocol/internal/errors"
	"Mosaic-Protocol/internal/events"
)

func TestVerifyEmitsOrderedSequence(t *testing.T) {
	rec := &events.Recorder{}
	signer, err := NewSigner(nil, WithEvents(rec))
	require.NoError(t, err)

	out, err := signer.Verify(context.Background(), Job{RunID: "r", AgentName: "scout", Output: "42"})
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.Equal(t, Commit("42"), out.Commitment)
	assert.Equal(t, []events.Type{
		events.TypeVerificationStart,
		events.TypeVerificationJobCreated,
		events.TypeVerificationCommitted,
		events.TypeVerificationProofGenerating,
		events.TypeVerificationProofGenerated,
		events.TypeVerificationVerified,
		events.TypeVerificationComplete,
	}, rec.Types())

	sig, err := hexutil.Decode(out.Proof)
	require.NoError(t, err)
	assert.NoError(t, CheckProof(out.JobID, "42", sig, signer.Address()))
	assert.Error(t, CheckProof(out.JobID, "43", sig, signer.Address()), "tampered output")
}

func TestVerifyRejected(t *testing.T) {
	rec := &events.Recorder{}
	signer, err := NewSigner(nil, WithEvents(rec), WithRejector(func(j Job) bool { return j.AgentName == "shady" }))
	require.NoError(t, err)

	out, err := signer.Verify(context.Background(), Job{AgentName: "shady", Output: "x"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeVerificationFailed, xerrors.CodeOf(err))
	assert.False(t, out.Verified)

	types := rec.Types()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, events.TypeVerificationFailed, types[len(types)-2])
	assert.Equal(t, events.TypeVerificationComplete, types[len(types)-1])
}

func TestProofFromOtherKeyFails(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(key)
	require.NoError(t, err)
	other, err := NewSigner(nil)
	require.NoError(t, err)

	out, err := signer.Verify(context.Background(), Job{Output: "data"})
	require.NoError(t, err)
	sig, _ := hexutil.Decode(out.Proof)
	assert.Error(t, CheckProof(out.JobID, "data", sig, other.Address()))
}

func TestVerifyStopsOnCancelledContext(t *testing.T) {
	signer, err := NewSigner(nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := signer.Verify(ctx, Job{Output: "x"})
	assert.Error(t, err)
	assert.False(t, out.Verified)
}

func TestConcurrentVerifyIssuesDistinctJobs(t *testing.T) {
	signer, err := NewSigner(nil, WithEvents(&events.Recorder{}))
	require.NoError(t, err)

	const n = 8
	outs := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := signer.Verify(context.Background(), Job{RunID: fmt.Sprintf("run-%d", i), AgentName: "scout", Output: "42"})
			assert.NoError(t, err)
			outs[i] = out
		}()
	}
	wg.Wait()

	jobs := map[string]bool{}
	txs := map[common.Hash]bool{}
	for _, out := range outs {
		assert.True(t, out.Verified)
		jobs[out.JobID] = true
		txs[out.TxHash] = true
	}
	assert.Len(t, jobs, n)
	assert.Len(t, txs, n)
}
