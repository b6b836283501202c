package settle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/x402/settle/types"
)

type mockValidator struct {
	validateFunc func(ctx context.Context, export *types.SealedExport) types.ValidationResult
}

func (m *mockValidator) Validate(ctx context.Context, export *types.SealedExport) types.ValidationResult {
	if m.validateFunc != nil {
		return m.validateFunc(ctx, export)
	}
	return types.ValidationResult{Valid: true, Rules: types.RuleFlags{Toll: true, Signer: true, OraclePrice: true, OracleFresh: true}}
}

type mockAuthority struct {
	authenticateFunc func(ctx context.Context, callerID string) (string, error)
	signFunc         func(ctx context.Context, group [][]byte, token string) ([][]byte, error)
	authCalls        atomic.Int32
	signCalls        atomic.Int32
}

func (m *mockAuthority) Authenticate(ctx context.Context, callerID string) (string, error) {
	m.authCalls.Add(1)
	if m.authenticateFunc != nil {
		return m.authenticateFunc(ctx, callerID)
	}
	return "token-" + callerID, nil
}

func (m *mockAuthority) Sign(ctx context.Context, group [][]byte, token string) ([][]byte, error) {
	m.signCalls.Add(1)
	if m.signFunc != nil {
		return m.signFunc(ctx, group, token)
	}
	return group, nil
}

type mockBroadcaster struct {
	submitFunc func(ctx context.Context, signed [][]byte) (Receipt, error)
	calls      atomic.Int32
}

func (m *mockBroadcaster) Submit(ctx context.Context, signed [][]byte) (Receipt, error) {
	m.calls.Add(1)
	if m.submitFunc != nil {
		return m.submitFunc(ctx, signed)
	}
	return Receipt{TxnID: "TXID", ConfirmedRound: 1234}, nil
}

type mockSeals struct {
	err error
}

func (m mockSeals) Verify(types.SealedExport) error { return m.err }

func testExport() *types.SealedExport {
	return &types.SealedExport{
		ExportID: "export-1",
		AtomicGroup: types.AtomicGroup{
			Transactions: [][]byte{{1}, {2}},
			GroupID:      make([]byte, 32),
			TxnCount:     2,
		},
		Routing:   types.Routing{Network: "algorand-testnet"},
		BatchSize: 1,
	}
}

// collectEvents registers a hook and returns a function that waits for n
// events.
func collectEvents(p *Pipeline) func(t *testing.T, n int) []types.AuditEvent {
	var mu sync.Mutex
	var events []types.AuditEvent
	p.OnOutcome(func(e types.AuditEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	return func(t *testing.T, n int) []types.AuditEvent {
		t.Helper()
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(events) >= n
		}, time.Second, 5*time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		return append([]types.AuditEvent(nil), events...)
	}
}

func TestPipelineConfirmed(t *testing.T) {
	auth := &mockAuthority{}
	bc := &mockBroadcaster{}
	var gotToken string
	auth.signFunc = func(ctx context.Context, group [][]byte, token string) ([][]byte, error) {
		gotToken = token
		return group, nil
	}
	p := NewPipeline(&mockValidator{}, auth, bc)
	events := collectEvents(p)

	out := p.Execute(context.Background(), testExport(), "agent-7")
	require.NotNil(t, out.Success)
	assert.Nil(t, out.Failure)
	assert.Equal(t, "TXID", out.Success.TxnID)
	assert.Equal(t, uint64(1234), out.Success.ConfirmedRound)
	assert.Equal(t, 2, out.Success.TxnCount)
	assert.NotEmpty(t, out.Success.GroupID)
	assert.Equal(t, "export-1", out.ExportID)
	assert.Equal(t, "agent-7", out.CallerID)
	assert.Equal(t, "token-agent-7", gotToken)

	got := events(t, 1)
	require.Len(t, got, 1)
	assert.True(t, got[0].Outcome.Confirmed())
	assert.Equal(t, "algorand-testnet", got[0].Network)
}

func TestPipelineStageFailures(t *testing.T) {
	tests := []struct {
		name          string
		validator     *mockValidator
		auth          *mockAuthority
		bc            *mockBroadcaster
		callerID      string
		wantStage     types.FailedStage
		wantBreach    bool
		wantSignCalls int32
		wantBroadcast int32
	}{
		{
			name: "validation",
			validator: &mockValidator{validateFunc: func(ctx context.Context, export *types.SealedExport) types.ValidationResult {
				return types.ValidationResult{Errors: []string{"toll: missing", "signer: wrong"}}
			}},
			auth:      &mockAuthority{},
			bc:        &mockBroadcaster{},
			callerID:  "agent",
			wantStage: types.FailedValidation,
		},
		{
			name:      "missing caller",
			validator: &mockValidator{},
			auth:      &mockAuthority{},
			bc:        &mockBroadcaster{},
			wantStage: types.FailedAuth,
		},
		{
			name:      "auth",
			validator: &mockValidator{},
			auth: &mockAuthority{authenticateFunc: func(ctx context.Context, callerID string) (string, error) {
				return "", errors.New("unknown caller")
			}},
			bc:        &mockBroadcaster{},
			callerID:  "agent",
			wantStage: types.FailedAuth,
		},
		{
			name:      "sign",
			validator: &mockValidator{},
			auth: &mockAuthority{signFunc: func(ctx context.Context, group [][]byte, token string) ([][]byte, error) {
				return nil, errors.New("hsm unavailable")
			}},
			bc:            &mockBroadcaster{},
			callerID:      "agent",
			wantStage:     types.FailedSign,
			wantSignCalls: 1,
		},
		{
			name:      "sign policy breach",
			validator: &mockValidator{},
			auth: &mockAuthority{signFunc: func(ctx context.Context, group [][]byte, token string) ([][]byte, error) {
				return nil, errors.New("spending policy exceeded for account")
			}},
			bc:            &mockBroadcaster{},
			callerID:      "agent",
			wantStage:     types.FailedSign,
			wantBreach:    true,
			wantSignCalls: 1,
		},
		{
			name:      "short signed group",
			validator: &mockValidator{},
			auth: &mockAuthority{signFunc: func(ctx context.Context, group [][]byte, token string) ([][]byte, error) {
				return group[:1], nil
			}},
			bc:            &mockBroadcaster{},
			callerID:      "agent",
			wantStage:     types.FailedSign,
			wantSignCalls: 1,
		},
		{
			name:      "broadcast",
			validator: &mockValidator{},
			auth:      &mockAuthority{},
			bc: &mockBroadcaster{submitFunc: func(ctx context.Context, signed [][]byte) (Receipt, error) {
				return Receipt{}, errors.New("not confirmed after 10 rounds")
			}},
			callerID:      "agent",
			wantStage:     types.FailedBroadcast,
			wantSignCalls: 1,
			wantBroadcast: 1,
		},
		{
			name:      "broadcast policy breach",
			validator: &mockValidator{},
			auth:      &mockAuthority{},
			bc: &mockBroadcaster{submitFunc: func(ctx context.Context, signed [][]byte) (Receipt, error) {
				return Receipt{}, errors.New("transaction rejected by ApprovalProgram")
			}},
			callerID:      "agent",
			wantStage:     types.FailedBroadcast,
			wantBreach:    true,
			wantSignCalls: 1,
			wantBroadcast: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline(tt.validator, tt.auth, tt.bc)
			events := collectEvents(p)

			out := p.Execute(context.Background(), testExport(), tt.callerID)
			require.NotNil(t, out.Failure)
			assert.Nil(t, out.Success)
			assert.Equal(t, tt.wantStage, out.Failure.FailedStage)
			assert.Equal(t, tt.wantBreach, out.Failure.IsPolicyBreach)
			assert.NotEmpty(t, out.Failure.Reason)
			assert.Equal(t, tt.wantSignCalls, tt.auth.signCalls.Load())
			assert.Equal(t, tt.wantBroadcast, tt.bc.calls.Load())

			got := events(t, 1)
			assert.Len(t, got, 1, "exactly one audit event per outcome")
		})
	}
}

func TestPipelineValidationReasonListsAllErrors(t *testing.T) {
	v := &mockValidator{validateFunc: func(ctx context.Context, export *types.SealedExport) types.ValidationResult {
		return types.ValidationResult{
			Errors:         []string{"toll: missing", "oracle_stale: old"},
			OracleSnapshot: &types.OracleSnapshot{Pair: "USDC/USD"},
		}
	}}
	out := NewPipeline(v, &mockAuthority{}, &mockBroadcaster{}).Execute(context.Background(), testExport(), "agent")
	require.NotNil(t, out.Failure)
	assert.Equal(t, "toll: missing; oracle_stale: old", out.Failure.Reason)
	require.NotNil(t, out.Oracle)
	assert.Equal(t, "USDC/USD", out.Oracle.Pair)
}

func TestPipelineSealMismatch(t *testing.T) {
	auth := &mockAuthority{}
	p := NewPipeline(&mockValidator{}, auth, &mockBroadcaster{}, WithSealVerifier(mockSeals{err: errors.New("edited")}))

	out := p.Execute(context.Background(), testExport(), "agent")
	require.NotNil(t, out.Failure)
	assert.Equal(t, types.FailedValidation, out.Failure.FailedStage)
	assert.Contains(t, out.Failure.Reason, "seal_mismatch")
	assert.Zero(t, auth.authCalls.Load())
}

func TestPipelineRunsAfterCallerCancels(t *testing.T) {
	release := make(chan struct{})
	bc := &mockBroadcaster{submitFunc: func(ctx context.Context, signed [][]byte) (Receipt, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return Receipt{}, err
		}
		return Receipt{TxnID: "LATE", ConfirmedRound: 9}, nil
	}}
	p := NewPipeline(&mockValidator{}, &mockAuthority{}, bc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan types.SettlementOutcome, 1)
	go func() { done <- p.Execute(ctx, testExport(), "agent") }()

	cancel()
	close(release)

	select {
	case out := <-done:
		require.NotNil(t, out.Success)
		assert.Equal(t, "LATE", out.Success.TxnID)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not reach a terminal state")
	}
}

func TestPipelineStageTimeout(t *testing.T) {
	auth := &mockAuthority{authenticateFunc: func(ctx context.Context, callerID string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	timeouts := DefaultStageTimeouts
	timeouts.Authenticate = 20 * time.Millisecond
	p := NewPipeline(&mockValidator{}, auth, &mockBroadcaster{}, WithStageTimeouts(timeouts))

	out := p.Execute(context.Background(), testExport(), "agent")
	require.NotNil(t, out.Failure)
	assert.Equal(t, types.FailedAuth, out.Failure.FailedStage)
}

func TestPipelineHookPanicDoesNotEscape(t *testing.T) {
	p := NewPipeline(&mockValidator{}, &mockAuthority{}, &mockBroadcaster{})
	p.OnSettled(func(types.AuditEvent) { panic("boom") })
	events := collectEvents(p)

	out := p.Execute(context.Background(), testExport(), "agent")
	assert.True(t, out.Confirmed())
	assert.Len(t, events(t, 1), 1)
}

func TestPipelineHookDoesNotBlock(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	p := NewPipeline(&mockValidator{}, &mockAuthority{}, &mockBroadcaster{})
	p.OnFailed(func(types.AuditEvent) { <-block })

	done := make(chan struct{})
	go func() {
		p.Execute(context.Background(), testExport(), "")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a slow audit hook blocked the pipeline")
	}
}

func TestIsPolicyBreach(t *testing.T) {
	assert.True(t, IsPolicyBreach(errors.New("TransactionPool.Remember: transaction ABC: logic eval error: assert failed pc=12")))
	assert.True(t, IsPolicyBreach(errors.New("rejected by logic")))
	assert.True(t, IsPolicyBreach(errors.New("Approval program rejected")))
	assert.False(t, IsPolicyBreach(errors.New("connection reset by peer")))
	assert.False(t, IsPolicyBreach(nil))
}

func TestFailureCode(t *testing.T) {
	assert.Equal(t, types.ErrCodePolicyBreach, FailureCode(&types.SettlementFailure{FailedStage: types.FailedSign, IsPolicyBreach: true}))
	assert.Equal(t, types.ErrCodeAuthFailed, FailureCode(&types.SettlementFailure{FailedStage: types.FailedAuth}))
	assert.Equal(t, types.ErrCodeBroadcastFailed, FailureCode(&types.SettlementFailure{FailedStage: types.FailedBroadcast}))
	assert.Equal(t, types.ErrCodeValidationFailed, FailureCode(&types.SettlementFailure{FailedStage: types.FailedValidation}))
	assert.Empty(t, FailureCode(nil))
}
