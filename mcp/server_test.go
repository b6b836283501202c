package mcp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/x402/settle"
	"github.com/x402-foundation/x402/settle/builder"
	"github.com/x402-foundation/x402/settle/chain"
	"github.com/x402-foundation/x402/settle/client"
	"github.com/x402-foundation/x402/settle/paygate"
	"github.com/x402-foundation/x402/settle/price"
	"github.com/x402-foundation/x402/settle/replay"
	"github.com/x402-foundation/x402/settle/seal"
	"github.com/x402-foundation/x402/settle/signer"
	"github.com/x402-foundation/x402/settle/types"
	"github.com/x402-foundation/x402/settle/validate"
)

type paramsFunc func(ctx context.Context) (chain.SuggestedParams, error)

func (f paramsFunc) SuggestedParams(ctx context.Context) (chain.SuggestedParams, error) {
	return f(ctx)
}

type broadcasterFunc func(ctx context.Context, signed [][]byte) (settle.Receipt, error)

func (f broadcasterFunc) Submit(ctx context.Context, signed [][]byte) (settle.Receipt, error) {
	return f(ctx, signed)
}

var testParams = chain.SuggestedParams{MinFee: 1000, FirstValid: 10, LastValid: 1010}

func newSession(t *testing.T) (*mcpsdk.ClientSession, *client.ProofSigner) {
	t.Helper()
	agentKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	treasuryKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	treasury := chain.Address(treasuryKey.PublicKey())

	fw := replay.NewFirewall(nil)
	t.Cleanup(fw.Close)
	gate := paygate.New(paygate.Terms{Network: "algorand-testnet", AssetID: 10458941, AssetSymbol: "USDC", AssetDecimals: 6, Amount: 100000, PayTo: treasury}, fw)

	sealer, err := seal.New(nil)
	require.NoError(t, err)
	b, err := builder.New(builder.Config{
		PaymentAssetID:      10458941,
		Treasury:            treasury,
		Network:             "algorand-testnet",
		DefaultTollAmount:   100000,
		DefaultSlippageBips: 50,
	}, paramsFunc(func(ctx context.Context) (chain.SuggestedParams, error) { return testParams, nil }), sealer)
	require.NoError(t, err)

	gk := validate.New(validate.Config{PaymentAssetID: 10458941, Treasury: treasury},
		price.StaticOracle{Quote: price.Quote{Pair: "USDC/USD", Price: price.PriceScale}})
	local, err := signer.NewLocal(signer.Config{Keys: map[string]string{"agent-7": agentKey.String()}})
	require.NoError(t, err)
	bc := broadcasterFunc(func(ctx context.Context, signed [][]byte) (settle.Receipt, error) {
		return settle.Receipt{TxnID: "MCPTX", ConfirmedRound: 42}, nil
	})
	svc := settle.NewService(gate, b, settle.NewPipeline(gk, local, bc, settle.WithSealVerifier(sealer)))

	srv := httptest.NewServer(Handler(NewServer(svc, "test")))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-agent", Version: "1.0.0"}, nil)
	session, err := mcpClient.Connect(ctx, &mcpsdk.SSEClientTransport{Endpoint: srv.URL}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session, client.NewProofSigner(agentKey)
}

func callTool(t *testing.T, session *mcpsdk.ClientSession, name string, args map[string]interface{}, meta map[string]interface{}) (*mcpsdk.CallToolResult, map[string]interface{}) {
	t.Helper()
	params := &mcpsdk.CallToolParams{Name: name, Arguments: args}
	if meta != nil {
		params.Meta = mcpsdk.Meta(meta)
	}
	result, err := session.CallTool(context.Background(), params)
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)
	var body map[string]interface{}
	_ = json.Unmarshal([]byte(text.Text), &body)
	return result, body
}

func TestToolsAreListed(t *testing.T) {
	session, _ := newSession(t)
	tools, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{ToolRequestAction, ToolExecuteSettlement, ToolPaymentTerms}, names)
}

func TestRequestActionWithoutPaymentReturnsTerms(t *testing.T) {
	session, agent := newSession(t)
	result, body := callTool(t, session, ToolRequestAction, map[string]interface{}{"sender": agent.Address().String()}, nil)
	assert.True(t, result.IsError)
	assert.Equal(t, "payment_required", body["status"])
}

func TestPaidActionAndSettlement(t *testing.T) {
	session, agent := newSession(t)

	_, termsBody := callTool(t, session, ToolPaymentTerms, nil, nil)
	raw, err := json.Marshal(termsBody)
	require.NoError(t, err)
	var terms types.PaymentTerms
	require.NoError(t, json.Unmarshal(raw, &terms))
	header, err := agent.PayTerms(&terms, testParams)
	require.NoError(t, err)

	result, body := callTool(t, session, ToolRequestAction,
		map[string]interface{}{"sender": agent.Address().String(), "amount": 100000},
		map[string]interface{}{PaymentMetaKey: header})
	require.False(t, result.IsError, body)
	export, ok := body["sealedExport"].(map[string]interface{})
	require.True(t, ok)

	result, body = callTool(t, session, ToolExecuteSettlement,
		map[string]interface{}{"sealedExport": export, "callerId": "agent-7"}, nil)
	require.False(t, result.IsError, body)
	success, ok := body["success"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "MCPTX", success["txnId"])

	// a replayed proof is refused
	result, body = callTool(t, session, ToolRequestAction,
		map[string]interface{}{"sender": agent.Address().String()},
		map[string]interface{}{PaymentMetaKey: header})
	assert.True(t, result.IsError)
	assert.Equal(t, "replay_detected", body["reason"])
}

func TestRequestActionRejectsOversizedBatch(t *testing.T) {
	session, agent := newSession(t)
	intents := make([]interface{}, builder.MaxBatchSize+1)
	for i := range intents {
		intents[i] = map[string]interface{}{}
	}
	result, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      ToolRequestAction,
		Arguments: map[string]interface{}{"sender": agent.Address().String(), "intents": intents},
	})
	if err != nil {
		// rejected by input schema validation
		return
	}
	assert.True(t, result.IsError)
}
