package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultOracleTimeout bounds a single price fetch.
const DefaultOracleTimeout = 3 * time.Second

// HTTPOracleConfig configures an HTTPOracle.
type HTTPOracleConfig struct {
	// URL returns a JSON document {"pair", "price", "timestamp"} where price
	// is a decimal number or string and timestamp is unix seconds.
	URL string
	// Pair is reported when the feed omits it.
	Pair string
	// Timeout defaults to DefaultOracleTimeout.
	Timeout time.Duration
}

// HTTPOracle reads quotes from a JSON price feed.
type HTTPOracle struct {
	url        string
	pair       string
	httpClient *http.Client
}

type priceResponse struct {
	Pair      string      `json:"pair"`
	Price     json.Number `json:"price"`
	Timestamp int64       `json:"timestamp"`
}

// NewHTTPOracle creates an oracle client for a price feed URL.
func NewHTTPOracle(config HTTPOracleConfig) *HTTPOracle {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultOracleTimeout
	}
	return &HTTPOracle{
		url:  config.URL,
		pair: config.Pair,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (o *HTTPOracle) FetchPrice(ctx context.Context) (Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return Quote{}, errors.Wrap(err, "failed to create price request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return Quote{}, errors.Wrap(err, "failed to fetch price")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, errors.Errorf("price feed returned status %d", resp.StatusCode)
	}

	var body priceResponse
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return Quote{}, errors.Wrap(err, "failed to decode price")
	}

	scaled, err := ParseScaled(body.Price.String())
	if err != nil {
		return Quote{}, err
	}
	if body.Timestamp <= 0 {
		return Quote{}, errors.New("price feed returned no timestamp")
	}

	pair := body.Pair
	if pair == "" {
		pair = o.pair
	}
	return Quote{
		Pair:      pair,
		Price:     scaled,
		Timestamp: time.Unix(body.Timestamp, 0),
	}, nil
}

// ParseScaled converts a non-negative decimal string to a PriceScale fixed
// point integer. Digits beyond the sixth decimal place are truncated.
func ParseScaled(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("price: empty value")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("price: invalid value %q", s)
	}
	if len(frac) > 6 {
		frac = frac[:6]
	}
	frac += strings.Repeat("0", 6-len(frac))
	f, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("price: invalid value %q", s)
	}
	if w > (1<<64-1-f)/PriceScale {
		return 0, ErrOverflow
	}
	return w*PriceScale + f, nil
}
