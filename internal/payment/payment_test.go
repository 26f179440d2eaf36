package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verus/internal/config"
	"verus/internal/db"
	"verus/internal/domain"
	"verus/internal/migrate"
	"verus/internal/payment"
)

const testNetwork = "hedera-testnet"

func testNetworks() map[string]config.NetworkConfig {
	return map[string]config.NetworkConfig{
		testNetwork: {
			PrivateKey: "test-operator-key",
			AccountID:  "0.0.2",
			Address:    "0xoperator",
		},
	}
}

func testRequirement() payment.Requirement {
	return payment.Requirement{
		Scheme:   payment.SchemeExact,
		Network:  testNetwork,
		Asset:    "0.0.7171672",
		Amount:   "1",
		Decimals: 0,
		PayTo:    "0xoperator",
	}
}

func newFacilitator(t *testing.T) *payment.Facilitator {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	table, err := payment.NewTable(testNetworks())
	require.NoError(t, err)
	return &payment.Facilitator{DB: conn, Table: table}
}

func signedPayload(t *testing.T, table *payment.Table, req payment.Requirement) payment.Payload {
	t.Helper()
	signer, err := table.Signer(req.Network)
	require.NoError(t, err)
	p, err := signer.Sign(req)
	require.NoError(t, err)
	return p
}

func TestVerifyIsIdempotent(t *testing.T) {
	f := newFacilitator(t)
	req := testRequirement()
	p := signedPayload(t, f.Table, req)

	first, err := f.Verify(context.Background(), p, req)
	require.NoError(t, err)
	second, err := f.Verify(context.Background(), p, req)
	require.NoError(t, err)

	assert.True(t, first.Valid)
	assert.Equal(t, first, second)
	assert.Equal(t, "0xoperator", first.Payer)
}

func TestVerifyRejectsMismatches(t *testing.T) {
	f := newFacilitator(t)
	req := testRequirement()
	p := signedPayload(t, f.Table, req)

	bigger := req
	bigger.Amount = "2"
	verdict, err := f.Verify(context.Background(), p, bigger)
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
	assert.Contains(t, verdict.Reason, "amount")

	tampered := p
	tampered.Token += "x"
	verdict, err = f.Verify(context.Background(), tampered, req)
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
}

func TestSettleIsExactlyOnce(t *testing.T) {
	f := newFacilitator(t)
	req := testRequirement()
	p := signedPayload(t, f.Table, req)

	receipt, err := f.Settle(context.Background(), p, req)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.NotEmpty(t, receipt.TxHash)
	assert.Equal(t, testNetwork, receipt.Network)

	_, err = f.Settle(context.Background(), p, req)
	var se domain.SettlementError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Reason, "already settled")
}

func TestSettleUnsupportedNetwork(t *testing.T) {
	f := newFacilitator(t)
	req := testRequirement()
	p := signedPayload(t, f.Table, req)

	req.Network = "unsupported-chain"
	_, err := f.Settle(context.Background(), p, req)
	var un domain.UnsupportedNetworkError
	require.ErrorAs(t, err, &un)
	assert.Equal(t, "unsupported-chain", un.Network)

	var count int
	require.NoError(t, f.DB.QueryRow(`SELECT COUNT(*) FROM settlements`).Scan(&count))
	assert.Zero(t, count, "failed settle must not mutate state")
}

func TestSupportedKinds(t *testing.T) {
	f := newFacilitator(t)
	kinds := f.Supported()
	require.Len(t, kinds, 1)
	assert.Equal(t, testNetwork, kinds[0].Network)
	assert.Equal(t, payment.SchemeExact, kinds[0].Scheme)
	assert.Equal(t, "0xoperator", kinds[0].Extra["feePayer"])
}

func TestPayloadHeaderRoundTrip(t *testing.T) {
	table, err := payment.NewTable(testNetworks())
	require.NoError(t, err)
	p := signedPayload(t, table, testRequirement())

	header, err := payment.EncodePayload(p)
	require.NoError(t, err)
	decoded, err := payment.DecodePayload(header)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)

	_, err = payment.DecodePayload("not base64!!")
	assert.Error(t, err)
}

func TestMiddlewareChallengesAndAdmits(t *testing.T) {
	f := newFacilitator(t)
	req := testRequirement()
	prices := map[string]payment.Requirement{"POST /paid": req}

	var gated payment.Gated
	var sawPayment bool
	handler := payment.Middleware(prices, f, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gated, sawPayment = payment.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	srv := httptest.NewServer(handler)
	defer srv.Close()

	// No payment: 402 with the restated requirement.
	resp, err := http.Post(srv.URL+"/paid", "application/json", nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	var challenge payment.RequiredResponse
	require.NoError(t, json.Unmarshal(body, &challenge))
	require.Len(t, challenge.Accepts, 1)
	assert.Equal(t, req.Amount, challenge.Accepts[0].Amount)

	// Unlisted route passes through.
	resp, err = http.Post(srv.URL+"/free", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, sawPayment)

	// Valid payment is admitted into the handler context.
	p := signedPayload(t, f.Table, req)
	header, err := payment.EncodePayload(p)
	require.NoError(t, err)
	httpReq, err := http.NewRequest(http.MethodPost, srv.URL+"/paid", nil)
	require.NoError(t, err)
	httpReq.Header.Set(payment.PaymentHeader, header)
	resp, err = http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, sawPayment)
	assert.Equal(t, p, gated.Payload)
	assert.Equal(t, req, gated.Requirement)
}

func TestTransportAnswersChallenge(t *testing.T) {
	f := newFacilitator(t)
	req := testRequirement()
	prices := map[string]payment.Requirement{"POST /paid": req}

	handler := payment.Middleware(prices, f, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"ok":true}`)
	}))
	srv := httptest.NewServer(handler)
	defer srv.Close()

	client := &http.Client{
		Transport: &payment.Transport{Table: f.Table},
		Timeout:   5 * time.Second,
	}
	resp, err := client.Post(srv.URL+"/paid", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "transport should answer the 402 challenge transparently")
}

func TestTransportLeavesUnknownNetworksAlone(t *testing.T) {
	table, err := payment.NewTable(testNetworks())
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(payment.RequiredResponse{
			Version: payment.Version,
			Accepts: []payment.Requirement{{Scheme: payment.SchemeExact, Network: "unsupported-chain"}},
			Error:   "payment required",
		})
	}))
	defer srv.Close()

	client := &http.Client{Transport: &payment.Transport{Table: table}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestSettleInvalidPayloadReportsFailure(t *testing.T) {
	f := newFacilitator(t)
	req := testRequirement()
	p := signedPayload(t, f.Table, req)
	p.Token += "tampered"

	receipt, err := f.Settle(context.Background(), p, req)
	require.NoError(t, err)
	assert.False(t, receipt.Success)
	assert.NotEmpty(t, receipt.Error)

	var count int
	require.NoError(t, f.DB.QueryRow(`SELECT COUNT(*) FROM settlements`).Scan(&count))
	assert.Zero(t, count)
}

func TestTableUnknownNetwork(t *testing.T) {
	table, err := payment.NewTable(testNetworks())
	require.NoError(t, err)
	_, err = table.Signer("nope")
	var un domain.UnsupportedNetworkError
	assert.True(t, errors.As(err, &un))
}
