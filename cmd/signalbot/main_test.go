package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func setupEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("SIGNALBOT_STORE_DIR", dir)
}

func TestRegisterSubscribersReset(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "register", "42", "95000")
	require.NoError(t, err)
	assert.Contains(t, out, "set to $95000.00")

	_, err = execute(t, "subscribe", "7")
	require.NoError(t, err)

	out, err = execute(t, "subscribers")
	require.NoError(t, err)
	assert.Regexp(t, `7\s+96000.00`, out)
	assert.Regexp(t, `42\s+95000.00`, out)

	_, err = execute(t, "reset", "42")
	require.NoError(t, err)
	out, err = execute(t, "subscribers")
	require.NoError(t, err)
	assert.NotContains(t, out, "42")
}

func TestBadArguments(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "register", "abc", "1")
	assert.ErrorContains(t, err, "not an integer")

	_, err = execute(t, "register", "1", "0")
	assert.ErrorContains(t, err, "invalid reference price")

	_, err = execute(t, "history")
	assert.Error(t, err)
}

func TestEstimateWithFixedPrice(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "estimate", "buy", "100", "--price", "50000")
	require.NoError(t, err)
	assert.Contains(t, out, "Binance: 0.001998 BTC")

	out, err = execute(t, "estimate", "sell", "0.5", "--price", "97000")
	require.NoError(t, err)
	assert.Contains(t, out, "Paymonade: $48015.00")
}

// klines serves a 20-flat then zigzag series ending at 105.
func klines(t *testing.T) *httptest.Server {
	closes := make([]float64, 0, 40)
	p := 100.0
	for i := 0; i < 20; i++ {
		closes = append(closes, p)
	}
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			p += 1
		} else {
			p -= 0.5
		}
		closes = append(closes, p)
	}
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]string, len(closes))
	for i, c := range closes {
		open := start.Add(time.Duration(i) * 5 * time.Minute).UnixMilli()
		rows[i] = fmt.Sprintf(`[%d,"%g","%g","%g","%g","1"]`, open, c, c, c, c)
	}
	body := "[" + strings.Join(rows, ",") + "]"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/klines":
			w.Write([]byte(body))
		case "/api/v3/ticker/price":
			w.Write([]byte(`{"symbol":"BTCUSDT","price":"105.00"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunOnce(t *testing.T) {
	setupEnv(t)
	srv := klines(t)
	t.Setenv("SIGNALBOT_MARKET_BINANCE_URL", srv.URL)
	t.Setenv("SIGNALBOT_MARKET_FALLBACK", "false")
	t.Setenv("SIGNALBOT_MARKET_LIMIT", "40")

	_, err := execute(t, "register", "42", "100")
	require.NoError(t, err)

	_, err = execute(t, "run", "--once")
	require.NoError(t, err)

	out, err := execute(t, "history", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "BUY")
	assert.Contains(t, out, "105.00")

	// the BUY rolled the reference forward
	out, err = execute(t, "status", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "Reference: $105.00")
	assert.Contains(t, out, "+0.00 USD")
}
