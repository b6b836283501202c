// Package mcp exposes the settlement engine to AI agents as Model Context
// Protocol tools. A payment proof travels in the call's _meta under
// PaymentMetaKey, or in the "payment" argument.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/x402-foundation/x402/settle"
	"github.com/x402-foundation/x402/settle/types"
)

const (
	// PaymentMetaKey is the _meta key for the base64 payment proof.
	PaymentMetaKey = "x402/payment"

	ToolRequestAction     = "request_action"
	ToolExecuteSettlement = "execute_settlement"
	ToolPaymentTerms      = "payment_terms"
)

var (
	requestActionSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "payment": {"type": "string", "description": "base64 payment proof; omit to receive the payment terms"},
    "sender": {"type": "string"},
    "amount": {"type": "integer", "minimum": 1},
    "destinationChain": {"type": "string"},
    "destinationRecipient": {"type": "string"},
    "slippageBips": {"type": "integer", "minimum": 0, "maximum": 10000},
    "intents": {"type": "array", "maxItems": 16, "items": {"type": "object"}}
  },
  "required": ["sender"]
}`)

	executeSettlementSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "sealedExport": {"type": "object"},
    "callerId": {"type": "string"}
  },
  "required": ["sealedExport", "callerId"]
}`)

	paymentTermsSchema = json.RawMessage(`{"type": "object"}`)
)

type requestActionArgs struct {
	settle.ActionRequest
	Payment      string  `json:"payment,omitempty"`
	SlippageBips *uint64 `json:"slippageBips,omitempty"`
}

type executeSettlementArgs struct {
	SealedExport *types.SealedExport `json:"sealedExport"`
	CallerID     string              `json:"callerId"`
}

// Tools implements the MCP tool handlers.
type Tools struct {
	svc    *settle.Service
	logger zerolog.Logger
}

type Option func(*Tools)

func WithLogger(l zerolog.Logger) Option {
	return func(t *Tools) {
		t.logger = l
	}
}

// NewServer creates an MCP server with the settlement tools registered.
func NewServer(svc *settle.Service, version string, opts ...Option) *mcpsdk.Server {
	t := &Tools{svc: svc, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(t)
	}

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "x402-settle",
		Version: version,
	}, nil)

	server.AddTool(&mcpsdk.Tool{
		Name:        ToolPaymentTerms,
		Description: "Return the payment terms for requesting a settlement action.",
		InputSchema: paymentTermsSchema,
	}, t.paymentTerms)

	server.AddTool(&mcpsdk.Tool{
		Name: ToolRequestAction,
		Description: "Build a sealed export of unsigned transactions for a paid trade or bridge action. " +
			"Without a valid payment proof the result carries the payment terms.",
		InputSchema: requestActionSchema,
	}, t.requestAction)

	server.AddTool(&mcpsdk.Tool{
		Name:        ToolExecuteSettlement,
		Description: "Sign and broadcast a sealed export through the settlement pipeline. Each export runs at most once.",
		InputSchema: executeSettlementSchema,
	}, t.executeSettlement)

	return server
}

// Handler serves server over the SSE transport.
func Handler(server *mcpsdk.Server) http.Handler {
	return mcpsdk.NewSSEHandler(func(req *http.Request) *mcpsdk.Server {
		return server
	}, &mcpsdk.SSEOptions{})
}

func (t *Tools) paymentTerms(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return jsonResult(t.svc.Terms(), false), nil
}

func (t *Tools) requestAction(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args requestActionArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err), nil
	}
	if err := t.svc.ValidateActionRequest(args.ActionRequest, args.SlippageBips); err != nil {
		return errorResult(err), nil
	}

	payment := args.Payment
	if meta := requestMeta(req); meta != nil {
		if p, ok := meta[PaymentMetaKey].(string); ok && p != "" {
			payment = p
		}
	}

	decision := t.svc.Authorize(ctx, payment)
	switch {
	case decision.Rejection != nil:
		return jsonResult(decision.Rejection, true), nil
	case decision.Verified == nil:
		return jsonResult(decision.Challenge, true), nil
	}

	export, err := t.svc.BuildAction(ctx, decision.Verified, args.ActionRequest, args.SlippageBips)
	if err != nil {
		t.logger.Warn().Err(err).Str("tool", ToolRequestAction).Msg("failed to build export")
		return errorResult(err), nil
	}
	return jsonResult(map[string]interface{}{
		"sealedExport": export,
		"instructions": settle.Instructions,
	}, false), nil
}

func (t *Tools) executeSettlement(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args executeSettlementArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err), nil
	}
	outcome, err := t.svc.Execute(ctx, args.SealedExport, args.CallerID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(outcome, !outcome.Confirmed()), nil
}

func decodeArgs(req *mcpsdk.CallToolRequest, v interface{}) error {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, v); err != nil {
		return fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	return nil
}

func requestMeta(req *mcpsdk.CallToolRequest) map[string]any {
	if req.Params.Meta == nil {
		return nil
	}
	return req.Params.Meta.GetMeta()
}

// jsonResult returns v as both structured and text content.
func jsonResult(v interface{}, isError bool) *mcpsdk.CallToolResult {
	raw, err := json.Marshal(v)
	if err != nil {
		return errorResult(err)
	}
	return &mcpsdk.CallToolResult{
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
		StructuredContent: json.RawMessage(raw),
		IsError:           isError,
	}
}

func errorResult(err error) *mcpsdk.CallToolResult {
	var se *settle.SettlementError
	if errors.As(err, &se) {
		return jsonResult(se, true)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
		IsError: true,
	}
}
