package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/logging"
)

func priceServer(t *testing.T, price float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"ethereum":{"usd":%g,"last_updated_at":%d}}`, price, time.Now().Unix())
	}))
	t.Cleanup(srv.Close)
	return srv
}

const stackYAML = `
sources:
  - kind: rest
    name: primary
    enabled: true
    priority: 0
    rest:
      url: %s/price?ids={id}
      price_path: "{id}.usd"
      timestamp_path: "{id}.last_updated_at"
      pairs:
        ETH: ethereum
  - kind: rest
    name: backup
    enabled: false
    priority: 1
    rest:
      url: %s/price?ids={id}
      price_path: "{id}.usd"
      timestamp_path: "{id}.last_updated_at"
      pairs:
        ETH: ethereum
`

func TestBuild_RegistersDisabledSources(t *testing.T) {
	primary := priceServer(t, 3000)
	backup := priceServer(t, 3001)

	cfg, err := config.Parse([]byte(fmt.Sprintf(stackYAML, primary.URL, backup.URL)))
	require.NoError(t, err)
	require.NoError(t, config.Validate(cfg))

	logger := logging.NewNoopLogger()
	st, err := build(cfg, logger)
	require.NoError(t, err)
	defer st.close(logger)

	orch := st.orchestrator
	require.Len(t, orch.Status().Sources, 2)

	ctx := context.Background()
	q, err := orch.GetPrice(ctx, "ETH", 0)
	require.NoError(t, err)
	assert.Equal(t, "primary", q.Source)

	require.NoError(t, orch.SetSourceEnabled("backup", true))
	require.NoError(t, orch.SetSourceEnabled("primary", false))

	q, err = orch.GetPrice(ctx, "ETH", 0)
	require.NoError(t, err)
	assert.Equal(t, "backup", q.Source)
	assert.Equal(t, "3001", q.Price.String())
}
