// Package node is an HTTP client for a ledger node. It supplies suggested
// transaction parameters to the builder and broadcasts signed groups for
// the settlement pipeline.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/x402-foundation/x402/settle"
	"github.com/x402-foundation/x402/settle/chain"
)

const (
	// DefaultWaitRounds is how many rounds Submit waits for confirmation.
	DefaultWaitRounds = 10
	// DefaultValidityWindow is the LastValid - FirstValid span of built
	// transactions.
	DefaultValidityWindow = 1000
	// TokenHeader carries the node API token.
	TokenHeader = "X-Node-API-Token"

	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"
)

// Config configures a node Client.
type Config struct {
	URL        string
	Token      string
	WaitRounds uint64
	Timeout    time.Duration
}

// Client talks to a node's REST API.
type Client struct {
	baseURL    string
	token      string
	waitRounds uint64
	httpClient *http.Client
}

// NewClient creates a node client
func NewClient(config Config) *Client {
	if config.WaitRounds == 0 {
		config.WaitRounds = DefaultWaitRounds
	}
	httpCli := &http.Client{}
	if config.Timeout > 0 {
		httpCli.Timeout = config.Timeout
	}
	return &Client{
		baseURL:    strings.TrimRight(config.URL, "/"),
		token:      config.Token,
		waitRounds: config.WaitRounds,
		httpClient: httpCli,
	}
}

type paramsResponse struct {
	Fee         uint64 `json:"fee"`
	MinFee      uint64 `json:"min-fee"`
	LastRound   uint64 `json:"last-round"`
	GenesisID   string `json:"genesis-id"`
	GenesisHash []byte `json:"genesis-hash"`
}

type submitRequest struct {
	Transactions [][]byte `json:"transactions"`
}

type submitResponse struct {
	TxID string `json:"txId"`
}

type pendingResponse struct {
	ConfirmedRound uint64 `json:"confirmed-round"`
	PoolError      string `json:"pool-error"`
}

type statusResponse struct {
	LastRound uint64 `json:"last-round"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// SuggestedParams fetches the parameters new transactions are built against.
func (c *Client) SuggestedParams(ctx context.Context) (chain.SuggestedParams, error) {
	var resp paramsResponse
	if err := c.do(ctx, http.MethodGet, "/v2/transactions/params", nil, &resp); err != nil {
		return chain.SuggestedParams{}, errors.Wrap(err, "failed to fetch suggested params")
	}
	gh, err := chain.DigestFromBytes(resp.GenesisHash)
	if err != nil {
		return chain.SuggestedParams{}, errors.Wrap(err, "invalid genesis hash")
	}
	return chain.SuggestedParams{
		Fee:         resp.Fee,
		MinFee:      resp.MinFee,
		FirstValid:  resp.LastRound,
		LastValid:   resp.LastRound + DefaultValidityWindow,
		GenesisID:   resp.GenesisID,
		GenesisHash: gh,
	}, nil
}

// Submit posts a signed group and waits up to the configured number of
// rounds for it to be confirmed. Node rejection messages are returned
// verbatim so that policy rejections can be recognised.
func (c *Client) Submit(ctx context.Context, signed [][]byte) (settle.Receipt, error) {
	var sub submitResponse
	if err := c.do(ctx, http.MethodPost, "/v2/transactions", submitRequest{Transactions: signed}, &sub); err != nil {
		return settle.Receipt{}, err
	}
	if sub.TxID == "" {
		return settle.Receipt{}, errors.New("node accepted the group without a transaction id")
	}

	round, err := c.waitForConfirmation(ctx, sub.TxID)
	if err != nil {
		return settle.Receipt{}, err
	}
	return settle.Receipt{TxnID: sub.TxID, ConfirmedRound: round}, nil
}

func (c *Client) waitForConfirmation(ctx context.Context, txID string) (uint64, error) {
	var status statusResponse
	if err := c.do(ctx, http.MethodGet, "/v2/status", nil, &status); err != nil {
		return 0, errors.Wrap(err, "failed to read node status")
	}

	round := status.LastRound
	for waited := uint64(0); waited <= c.waitRounds; waited++ {
		var pending pendingResponse
		if err := c.do(ctx, http.MethodGet, "/v2/transactions/pending/"+url.PathEscape(txID), nil, &pending); err != nil {
			return 0, errors.Wrap(err, "failed to read pending transaction")
		}
		if pending.ConfirmedRound > 0 {
			return pending.ConfirmedRound, nil
		}
		if pending.PoolError != "" {
			return 0, errors.Errorf("transaction %s rejected: %s", txID, pending.PoolError)
		}
		if waited == c.waitRounds {
			break
		}
		if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v2/status/wait-for-block-after/%d", round), nil, &status); err != nil {
			return 0, errors.Wrap(err, "failed to wait for block")
		}
		round = status.LastRound
	}
	return 0, errors.Errorf("transaction %s not confirmed after %d rounds", txID, c.waitRounds)
}

// Ping reports whether the node is healthy.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request body")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		req.Header.Set(headerContentType, mimeApplicationJSON)
	}
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) == nil && e.Message != "" {
			return errors.New(e.Message)
		}
		return errors.Errorf("node returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode node response")
	}
	return nil
}
