package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quotepipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidatePrintsDefaultTopology(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\n")

	out, err := execute(t, "--config", path, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "tickers")
	assert.Contains(t, out, "discovery.wikipedia")
	assert.Regexp(t, `quotes\s+fetch\.quote\s+5\s+tickers\s+prices\s+5`, out)
	assert.Regexp(t, `postgres\s+sink\.postgres\s+5\s+prices\s+-\s+5`, out)
	assert.Regexp(t, `db\.dsn\s+sink\.postgres`, out)
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: error
pipeline:
  queues:
    tickers: {payload: identifier}
  workers:
    seed: {kind: discovery.static, output_queue: tickers}
  schedulers:
    quotes: {kind: fetch.bogus, instances: 2, input_queue: tickers}
`)
	_, err := execute(t, "--config", path, "validate")
	require.ErrorContains(t, err, "fetch.bogus")
}

func TestRunFetchesAndLogsQuotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		symbol := filepath.Base(r.URL.Path)
		fmt.Fprintf(w, `<html><body>
<fin-streamer data-symbol="%[1]s" data-field="regularMarketPrice">101.50</fin-streamer>
<fin-streamer data-symbol="%[1]s" data-field="regularMarketChange">-0.25</fin-streamer>
<fin-streamer data-symbol="%[1]s" data-field="regularMarketChangePercent">(-0.25%%)</fin-streamer>
</body></html>`, symbol)
	}))
	t.Cleanup(srv.Close)

	path := writeConfig(t, fmt.Sprintf(`
logging:
  level: error
pipeline:
  join_timeout: 10s
  queues:
    tickers: {payload: identifier}
    prices: {payload: record}
  workers:
    seed: {kind: discovery.static, output_queue: tickers}
  schedulers:
    quotes: {kind: fetch.quote, instances: 2, input_queue: tickers, output_queue: prices}
    printer: {kind: sink.log, instances: 1, input_queue: prices}
discovery:
  symbols: [AAPL, MSFT, GOOG]
fetch:
  base_url: %s/quote/
politeness:
  jitter_max: 0s
`, srv.URL))

	_, err := execute(t, "--config", path, "run")
	require.NoError(t, err)
}

func TestRunFailsOnBadConfig(t *testing.T) {
	path := writeConfig(t, "fetch:\n  timeout: -1s\n")
	_, err := execute(t, "--config", path, "run")
	require.ErrorContains(t, err, "fetch.timeout")
}
