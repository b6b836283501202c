package node

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// AssetParams describes a ledger asset.
type AssetParams struct {
	ID       uint64
	Name     string
	UnitName string
	Decimals int
}

type assetResponse struct {
	Index  uint64 `json:"index"`
	Params struct {
		Name     string `json:"name"`
		UnitName string `json:"unit-name"`
		Decimals int    `json:"decimals"`
	} `json:"params"`
}

// Asset fetches the parameters of asset id.
func (c *Client) Asset(ctx context.Context, id uint64) (AssetParams, error) {
	var resp assetResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v2/assets/%d", id), nil, &resp); err != nil {
		return AssetParams{}, errors.Wrapf(err, "failed to fetch asset %d", id)
	}
	return AssetParams{
		ID:       resp.Index,
		Name:     resp.Params.Name,
		UnitName: resp.Params.UnitName,
		Decimals: resp.Params.Decimals,
	}, nil
}

// CheckAsset compares the configured symbol and decimals of the payment
// asset with what the ledger reports.
func (c *Client) CheckAsset(ctx context.Context, id uint64, symbol string, decimals int) error {
	asset, err := c.Asset(ctx, id)
	if err != nil {
		return err
	}
	if asset.Decimals != decimals {
		return errors.Errorf("asset %d has %d decimals, configured %d", id, asset.Decimals, decimals)
	}
	if symbol != "" && asset.UnitName != symbol {
		return errors.Errorf("asset %d unit name is %q, configured %q", id, asset.UnitName, symbol)
	}
	return nil
}
