package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/vault-engine/internal/model"
)

// HTTPOracle reads USD prices from a CoinGecko-compatible endpoint:
//
//	GET {base}/simple/price?ids={id}&vs_currencies=usd&include_last_updated_at=true
//	{"staked-ether":{"usd":2000.12,"last_updated_at":1718000000}}
//
// Prices are decoded as json.Number and parsed straight into decimals so no
// float64 rounding enters the valuation.
type HTTPOracle struct {
	baseURL  string
	priceIDs map[string]string // asset ID → upstream coin id
	client   *http.Client
	limiter  *rate.Limiter
	now      func() time.Time
}

// HTTPOptions tunes the HTTP oracle.
type HTTPOptions struct {
	Timeout time.Duration
	// RatePerSecond caps outbound requests; public price APIs throttle hard.
	RatePerSecond float64
	Burst         int
}

// NewHTTPOracle creates an oracle for the given asset → coin id mapping.
func NewHTTPOracle(baseURL string, priceIDs map[string]string, opts HTTPOptions) *HTTPOracle {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	ids := make(map[string]string, len(priceIDs))
	for k, v := range priceIDs {
		ids[k] = v
	}
	return &HTTPOracle{
		baseURL:  strings.TrimRight(baseURL, "/"),
		priceIDs: ids,
		client:   &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(limit, opts.Burst),
		now:      time.Now,
	}
}

func (o *HTTPOracle) GetPrice(ctx context.Context, assetID string) (model.PriceQuote, error) {
	coinID, ok := o.priceIDs[assetID]
	if !ok || coinID == "" {
		return model.PriceQuote{}, fmt.Errorf("%w: no price id for %s", ErrUnavailable, assetID)
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return model.PriceQuote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, assetID, err)
	}

	q := url.Values{}
	q.Set("ids", coinID)
	q.Set("vs_currencies", "usd")
	q.Set("include_last_updated_at", "true")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, assetID, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, assetID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.PriceQuote{}, fmt.Errorf("%w: %s: upstream status %d", ErrUnavailable, assetID, resp.StatusCode)
	}

	var body map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return model.PriceQuote{}, fmt.Errorf("%w: %s: decode: %v", ErrUnavailable, assetID, err)
	}

	fields, ok := body[coinID]
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("%w: %s: %s missing from response", ErrUnavailable, assetID, coinID)
	}
	usd, ok := fields["usd"]
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("%w: %s: no usd price", ErrUnavailable, assetID)
	}
	price, err := decimal.NewFromString(usd.String())
	if err != nil {
		return model.PriceQuote{}, fmt.Errorf("%w: %s: bad price %q", ErrUnavailable, assetID, usd.String())
	}

	asOf := o.now().UTC()
	if ts, ok := fields["last_updated_at"]; ok {
		if secs, err := strconv.ParseInt(ts.String(), 10, 64); err == nil {
			asOf = time.Unix(secs, 0).UTC()
		}
	}

	return model.PriceQuote{Asset: assetID, USDPerUnit: price, AsOf: asOf}, nil
}
