package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/StrathCole/oracle-client/pkg/clock"
	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/logging"
	"github.com/StrathCole/oracle-client/pkg/sources"
	"github.com/StrathCole/oracle-client/pkg/version"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 1 << 20

// Source fetches prices from a JSON market-data endpoint. The URL, price
// path and timestamp path may reference {id} (the provider id configured for
// the symbol) and {symbol} (the canonical symbol).
type Source struct {
	*sources.Base
	client        *http.Client
	clock         clock.Clock
	url           string
	pricePath     string
	timestampPath string
	timestampUnit string
	headers       map[string]string
}

// NewSource creates a new REST source
func NewSource(cfg config.SourceConfig, logger *logging.Logger) (sources.Source, error) {
	return NewSourceWithClient(cfg, &http.Client{}, clock.Real{}, logger)
}

// NewSourceWithClient creates a REST source with an explicit HTTP client and clock.
func NewSourceWithClient(cfg config.SourceConfig, client *http.Client, clk clock.Clock, logger *logging.Logger) (*Source, error) {
	rc := cfg.REST
	if rc == nil || rc.URL == "" {
		return nil, fmt.Errorf("%w", ErrURLRequired)
	}
	if rc.PricePath == "" {
		return nil, fmt.Errorf("%w", ErrPricePathRequired)
	}
	if len(rc.Pairs) == 0 {
		return nil, fmt.Errorf("%w", ErrPairsConfigRequired)
	}

	unit := rc.TimestampUnit
	if unit == "" {
		unit = "s"
	}

	return &Source{
		Base:          sources.NewBase(sources.DescriptorFromConfig(cfg), rc.Pairs, logger),
		client:        client,
		clock:         clk,
		url:           rc.URL,
		pricePath:     rc.PricePath,
		timestampPath: rc.TimestampPath,
		timestampUnit: unit,
		headers:       rc.Headers,
	}, nil
}

func expand(template, symbol, id string, escape func(string) string) string {
	return strings.NewReplacer(
		"{id}", escape(id),
		"{symbol}", escape(symbol),
	).Replace(template)
}

// Call issues a GET for the symbol. Non-2xx responses are returned as-is for
// the retry controller to classify.
func (s *Source) Call(ctx context.Context, symbol string) (*sources.Response, error) {
	canonical := sources.NormalizeSymbol(symbol)
	id, ok := s.SourceSymbol(canonical)
	if !ok {
		return nil, fmt.Errorf("%w: %s", sources.ErrUnsupportedSymbol, symbol)
	}

	endpoint := expand(s.url, canonical, id, url.QueryEscape)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.AgentString())
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", canonical, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &sources.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Decode extracts the price and optional timestamp using the configured paths.
func (s *Source) Decode(symbol string, resp *sources.Response) (sources.Observation, error) {
	canonical := sources.NormalizeSymbol(symbol)
	id, ok := s.SourceSymbol(canonical)
	if !ok {
		return sources.Observation{}, fmt.Errorf("%w: %s", sources.ErrUnsupportedSymbol, symbol)
	}
	if !gjson.ValidBytes(resp.Body) {
		return sources.Observation{}, fmt.Errorf("%w: body is not JSON", sources.ErrInvalidResponse)
	}

	pricePath := expand(s.pricePath, canonical, id, escapePath)
	priceResult := gjson.GetBytes(resp.Body, pricePath)
	if !priceResult.Exists() {
		return sources.Observation{}, fmt.Errorf("%w: %s", ErrPathNotFound, pricePath)
	}

	price, err := decimal.NewFromString(priceResult.String())
	if err != nil {
		return sources.Observation{}, fmt.Errorf("%w: price %q: %w", sources.ErrInvalidResponse, priceResult.String(), err)
	}
	if err := sources.CheckPrice(canonical, price); err != nil {
		return sources.Observation{}, err
	}

	ts := s.clock.Now()
	if s.timestampPath != "" {
		tsPath := expand(s.timestampPath, canonical, id, escapePath)
		tsResult := gjson.GetBytes(resp.Body, tsPath)
		if !tsResult.Exists() {
			return sources.Observation{}, fmt.Errorf("%w: %s", ErrPathNotFound, tsPath)
		}
		ts, err = s.parseTimestamp(tsResult)
		if err != nil {
			return sources.Observation{}, err
		}
	}

	return sources.Observation{Price: price, Timestamp: ts}, nil
}

func (s *Source) parseTimestamp(r gjson.Result) (time.Time, error) {
	if r.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339, r.Str); err == nil {
			return t, nil
		}
	}

	n := r.Int()
	if n <= 0 {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", sources.ErrInvalidResponse, r.Raw)
	}
	if s.timestampUnit == "ms" {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}

// escapePath escapes gjson path metacharacters in a substituted value.
func escapePath(v string) string {
	return strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`).Replace(v)
}
