// internal/api/api_integration_test.go
package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "escrow-ledger/internal"
	"escrow-ledger/internal/idempotency"
)

// testApp is the global application instance for testing.
var testApp *app.Application

// testServer is the httptest server.
var testServer *httptest.Server

// TestMain boots the whole application on a throwaway SQLite file.
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "ledger-api-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	setupEnvVars(dir)

	testApp = app.NewApplication()
	if err := testApp.Initialize(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize test application: %v\n", err)
		os.Exit(1)
	}
	testServer = httptest.NewServer(testApp.HTTPHandler)

	code := m.Run()

	testServer.Close()
	if err := testApp.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to shutdown test application: %v\n", err)
		code = 1
	}
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

func setupEnvVars(dir string) {
	_ = os.Setenv("ENV", "test")
	_ = os.Setenv("LOG_LEVEL", "error")
	_ = os.Setenv("DB_DRIVER", "sqlite")
	_ = os.Setenv("DB_SQLITE_PATH", filepath.Join(dir, "api.db"))
	_ = os.Setenv("LEDGER_MAX_RETRIES", "5")
	_ = os.Unsetenv("REDIS_URL")
	_ = os.Unsetenv("OTEL_ENDPOINT")
}

// newUser returns a user id no other test touches.
func newUser(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func makeRequest(t *testing.T, method, path, body string, headers ...string) (*http.Response, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, testServer.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(respBody)
}

func decodeMap(t *testing.T, body string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &out), body)
	return out
}

func decimalField(t *testing.T, m map[string]interface{}, field string) decimal.Decimal {
	t.Helper()
	raw, ok := m[field].(string)
	require.True(t, ok, "field %s missing in %v", field, m)
	d, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return d
}

func assertWallet(t *testing.T, userID string, balance, held, earned, spent string) {
	t.Helper()
	resp, body := makeRequest(t, http.MethodGet, "/wallets/"+userID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	w := decodeMap(t, body)
	assert.True(t, decimal.RequireFromString(balance).Equal(decimalField(t, w, "balance")), "balance of %s: %v", userID, w["balance"])
	assert.True(t, decimal.RequireFromString(held).Equal(decimalField(t, w, "held_balance")), "held of %s: %v", userID, w["held_balance"])
	assert.True(t, decimal.RequireFromString(earned).Equal(decimalField(t, w, "total_earned")), "earned of %s: %v", userID, w["total_earned"])
	assert.True(t, decimal.RequireFromString(spent).Equal(decimalField(t, w, "total_spent")), "spent of %s: %v", userID, w["total_spent"])
}

func deposit(t *testing.T, userID, amount string) {
	t.Helper()
	resp, body := makeRequest(t, http.MethodPost, "/wallets/"+userID+"/deposit", fmt.Sprintf(`{"amount":%q,"description":"top-up"}`, amount))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
}

// hold escrows amount and returns the transaction id.
func hold(t *testing.T, payer, payee, amount string) string {
	t.Helper()
	payload := fmt.Sprintf(`{"payer_id":%q,"payee_id":%q,"amount":%q,"project_id":"project-1","milestone_id":"m-1","platform_fee":"2.50"}`, payer, payee, amount)
	resp, body := makeRequest(t, http.MethodPost, "/escrow/holds", payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	tx := decodeMap(t, body)["transaction"].(map[string]interface{})
	return tx["id"].(string)
}

func TestHealth(t *testing.T) {
	resp, body := makeRequest(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body)
}

func TestDepositAndWithdrawIntegration(t *testing.T) {
	user := newUser("client")

	t.Run("NewWalletIsEmpty", func(t *testing.T) {
		assertWallet(t, user, "0", "0", "0", "0")
	})

	t.Run("SuccessfulDeposit", func(t *testing.T) {
		resp, body := makeRequest(t, http.MethodPost, "/wallets/"+user+"/deposit", `{"amount":"100.00"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		out := decodeMap(t, body)
		wallet := out["wallet"].(map[string]interface{})
		assert.True(t, decimal.NewFromInt(100).Equal(decimalField(t, wallet, "balance")))
		record := out["transaction"].(map[string]interface{})
		assert.Equal(t, "credit", record["type"])
		assert.Equal(t, "completed", record["status"])
	})

	t.Run("InvalidAmounts", func(t *testing.T) {
		for _, amount := range []string{`"-10.00"`, `"0"`, `"1.001"`, `"abc"`, `"1e999999999"`, `"10000000000000000"`} {
			resp, body := makeRequest(t, http.MethodPost, "/wallets/"+user+"/deposit", `{"amount":`+amount+`}`)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "amount %s: %s", amount, body)
		}
	})

	t.Run("MissingAmount", func(t *testing.T) {
		resp, body := makeRequest(t, http.MethodPost, "/wallets/"+user+"/deposit", `{}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body, "invalid input provided")
	})

	t.Run("MalformedBody", func(t *testing.T) {
		resp, _ := makeRequest(t, http.MethodPost, "/wallets/"+user+"/deposit", `{"amount":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("SuccessfulWithdrawal", func(t *testing.T) {
		resp, body := makeRequest(t, http.MethodPost, "/wallets/"+user+"/withdraw", `{"amount":"40"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		assertWallet(t, user, "60", "0", "0", "0")
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		resp, body := makeRequest(t, http.MethodPost, "/wallets/"+user+"/withdraw", `{"amount":"1000"}`)
		assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
		assert.Contains(t, body, "insufficient funds")
		assertWallet(t, user, "60", "0", "0", "0")
	})
}

func TestEscrowLifecycleIntegration(t *testing.T) {
	client := newUser("client")
	freelancer := newUser("freelancer")
	deposit(t, client, "1000")

	id := hold(t, client, freelancer, "400")
	assertWallet(t, client, "600", "400", "0", "0")

	t.Run("ReleasePaysThePayee", func(t *testing.T) {
		resp, body := makeRequest(t, http.MethodPost, "/escrow/holds/"+id+"/release", `{"description":"milestone approved"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		receipt := decodeMap(t, body)
		assert.Equal(t, "released", receipt["transaction"].(map[string]interface{})["status"])
		assert.NotNil(t, receipt["payee_wallet"])

		assertWallet(t, client, "600", "0", "0", "400")
		assertWallet(t, freelancer, "400", "0", "400", "0")
	})

	t.Run("SecondReleaseIsAConflict", func(t *testing.T) {
		resp, _ := makeRequest(t, http.MethodPost, "/escrow/holds/"+id+"/release", "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		resp, _ = makeRequest(t, http.MethodPost, "/escrow/holds/"+id+"/refund", "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assertWallet(t, freelancer, "400", "0", "400", "0")
	})

	t.Run("GetTransactionShowsEvents", func(t *testing.T) {
		resp, body := makeRequest(t, http.MethodGet, "/transactions/"+id, "")
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		record := decodeMap(t, body)
		events := record["events"].([]interface{})
		require.Len(t, events, 2)
		assert.Equal(t, "held", events[0].(map[string]interface{})["type"])
		assert.Equal(t, "released", events[1].(map[string]interface{})["type"])
		assert.Equal(t, "2.5", record["platform_fee"])
	})

	t.Run("UnknownTransaction", func(t *testing.T) {
		resp, _ := makeRequest(t, http.MethodPost, "/escrow/holds/"+uuid.NewString()+"/release", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp, _ = makeRequest(t, http.MethodGet, "/transactions/not-a-uuid", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("HoldBeyondBalance", func(t *testing.T) {
		payload := fmt.Sprintf(`{"payer_id":%q,"amount":"600.01","project_id":"p"}`, client)
		resp, _ := makeRequest(t, http.MethodPost, "/escrow/holds", payload)
		assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	})

	t.Run("HoldValidation", func(t *testing.T) {
		resp, _ := makeRequest(t, http.MethodPost, "/escrow/holds", `{"amount":"10","project_id":"p"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "payer is required")
		payload := fmt.Sprintf(`{"payer_id":%q,"amount":"10","project_id":"p","platform_fee":"-1"}`, client)
		resp, _ = makeRequest(t, http.MethodPost, "/escrow/holds", payload)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "negative fee")
	})
}

func TestRefundIntegration(t *testing.T) {
	client := newUser("client")
	freelancer := newUser("freelancer")
	deposit(t, client, "500")

	t.Run("FullRefund", func(t *testing.T) {
		id := hold(t, client, freelancer, "200")
		resp, body := makeRequest(t, http.MethodPost, "/escrow/holds/"+id+"/refund", `{"description":"cancelled"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		assertWallet(t, client, "500", "0", "0", "0")
	})

	t.Run("PartialRefundKeepsRemainderHeld", func(t *testing.T) {
		id := hold(t, client, freelancer, "200")
		resp, body := makeRequest(t, http.MethodPost, "/escrow/holds/"+id+"/refund", `{"amount":"50","remainder":"hold"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		remainder := decodeMap(t, body)["remainder"].(map[string]interface{})
		assert.Equal(t, "held", remainder["status"])
		assert.Equal(t, id, remainder["parent_id"])
		assertWallet(t, client, "350", "150", "0", "0")

		resp, body = makeRequest(t, http.MethodPost, "/escrow/holds/"+remainder["id"].(string)+"/release", "")
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		assertWallet(t, client, "350", "0", "0", "150")
		assertWallet(t, freelancer, "150", "0", "150", "0")
	})

	t.Run("PartialRefundNeedsPolicy", func(t *testing.T) {
		id := hold(t, client, freelancer, "100")
		resp, _ := makeRequest(t, http.MethodPost, "/escrow/holds/"+id+"/refund", `{"amount":"10"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp, _ = makeRequest(t, http.MethodPost, "/escrow/holds/"+id+"/refund", `{"amount":"10","remainder":"split"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assertWallet(t, client, "250", "100", "0", "150")
	})
}

func TestTransferIntegration(t *testing.T) {
	payer := newUser("client")
	payee := newUser("freelancer")
	deposit(t, payer, "500")

	t.Run("SuccessfulTransfer", func(t *testing.T) {
		payload := fmt.Sprintf(`{"payer_id":%q,"payee_id":%q,"amount":"50"}`, payer, payee)
		resp, body := makeRequest(t, http.MethodPost, "/transfers", payload)
		require.Equal(t, http.StatusCreated, resp.StatusCode, body)
		record := decodeMap(t, body)["transaction"].(map[string]interface{})
		assert.Equal(t, "transfer", record["type"])
		assert.Equal(t, "released", record["status"])
		assertWallet(t, payer, "450", "0", "0", "50")
		assertWallet(t, payee, "50", "0", "50", "0")
	})

	t.Run("SamePartyTransfer", func(t *testing.T) {
		payload := fmt.Sprintf(`{"payer_id":%q,"payee_id":%q,"amount":"10"}`, payer, payer)
		resp, _ := makeRequest(t, http.MethodPost, "/transfers", payload)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("InsufficientFundsInSourceWallet", func(t *testing.T) {
		payload := fmt.Sprintf(`{"payer_id":%q,"payee_id":%q,"amount":"200"}`, payee, payer)
		resp, _ := makeRequest(t, http.MethodPost, "/transfers", payload)
		assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	})
}

func TestIdempotencyIntegration(t *testing.T) {
	user := newUser("client")
	key := uuid.NewString()

	first, firstBody := makeRequest(t, http.MethodPost, "/wallets/"+user+"/deposit", `{"amount":"25"}`, idempotency.HeaderKey, key)
	require.Equal(t, http.StatusOK, first.StatusCode, firstBody)
	second, secondBody := makeRequest(t, http.MethodPost, "/wallets/"+user+"/deposit", `{"amount":"25"}`, idempotency.HeaderKey, key)
	require.Equal(t, http.StatusOK, second.StatusCode)

	assert.Equal(t, "true", second.Header.Get(idempotency.HeaderReplayed))
	assert.JSONEq(t, firstBody, secondBody)
	assertWallet(t, user, "25", "0", "0", "0")

	reused, _ := makeRequest(t, http.MethodPost, "/wallets/"+user+"/deposit", `{"amount":"30"}`, idempotency.HeaderKey, key)
	assert.Equal(t, http.StatusUnprocessableEntity, reused.StatusCode)
	assertWallet(t, user, "25", "0", "0", "0")
}

func TestConcurrentHoldsIntegration(t *testing.T) {
	client := newUser("client")
	deposit(t, client, "500")

	payload := fmt.Sprintf(`{"payer_id":%q,"amount":"300","project_id":"p"}`, client)
	codes := make([]int, 2)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, testServer.URL+"/escrow/holds", strings.NewReader(payload))
			if err != nil {
				return
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			codes[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{http.StatusCreated, http.StatusPaymentRequired}, codes)
	assertWallet(t, client, "200", "300", "0", "0")
}

func TestHistoryStatsAndReconciliationIntegration(t *testing.T) {
	client := newUser("client")
	freelancer := newUser("freelancer")
	deposit(t, client, "500")
	released := hold(t, client, freelancer, "100")
	hold(t, client, freelancer, "150")
	resp, body := makeRequest(t, http.MethodPost, "/escrow/holds/"+released+"/release", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	t.Run("Pagination", func(t *testing.T) {
		resp, body := makeRequest(t, http.MethodGet, "/wallets/"+client+"/transactions?limit=2&offset=0", "")
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		page := decodeMap(t, body)
		assert.Len(t, page["data"], 2)
		assert.EqualValues(t, 3, page["total_count"])
		assert.Equal(t, true, page["has_more"])

		resp, body = makeRequest(t, http.MethodGet, "/wallets/"+client+"/transactions?limit=2&offset=2", "")
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		page = decodeMap(t, body)
		assert.Len(t, page["data"], 1)
		assert.Equal(t, false, page["has_more"])
	})

	t.Run("Filters", func(t *testing.T) {
		resp, body := makeRequest(t, http.MethodGet, "/wallets/"+client+"/transactions?status=held", "")
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		assert.EqualValues(t, 1, decodeMap(t, body)["total_count"])

		resp, _ = makeRequest(t, http.MethodGet, "/wallets/"+client+"/transactions?status=bogus", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp, _ = makeRequest(t, http.MethodGet, "/wallets/"+client+"/transactions?offset=-1", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("EmptyHistoryIsAnEmptyList", func(t *testing.T) {
		resp, body := makeRequest(t, http.MethodGet, "/wallets/"+newUser("nobody")+"/transactions", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, `"data":[]`)
	})

	t.Run("Stats", func(t *testing.T) {
		resp, body := makeRequest(t, http.MethodGet, "/wallets/"+client+"/stats", "")
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		stats := decodeMap(t, body)
		assert.EqualValues(t, 1, stats["open_holds"])
		assert.True(t, decimal.NewFromInt(150).Equal(decimalField(t, stats, "open_hold_amount")))
		assert.EqualValues(t, 3, stats["transaction_count"])
	})

	t.Run("Reconciliation", func(t *testing.T) {
		for _, user := range []string{client, freelancer} {
			resp, body := makeRequest(t, http.MethodGet, "/wallets/"+user+"/reconciliation", "")
			require.Equal(t, http.StatusOK, resp.StatusCode, body)
			assert.Equal(t, true, decodeMap(t, body)["consistent"], body)
		}
	})

	t.Run("UnknownWalletIsNotFound", func(t *testing.T) {
		ghost := newUser("ghost")
		resp, body := makeRequest(t, http.MethodGet, "/wallets/"+ghost+"/reconciliation", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, body)

		var count int
		require.NoError(t, testApp.DB.Get(&count, testApp.DB.Rebind(`SELECT COUNT(*) FROM wallets WHERE user_id = ?`), ghost))
		assert.Zero(t, count)
	})
}
