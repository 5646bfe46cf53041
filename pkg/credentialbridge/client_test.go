package credentialbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline-labs/mechworker/pkg/chain"
)

func testWallet(t *testing.T) *chain.Wallet {
	t.Helper()
	w, err := chain.LoadAgentKeyHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f36231")
	require.NoError(t, err)
	return w
}

func TestCapabilitiesReturnsProviders(t *testing.T) {
	wallet := testWallet(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/credentials/capabilities", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Worker-Signature"))
		assert.Equal(t, wallet.Address().Hex(), r.Header.Get("X-Worker-Address"))

		var body capabilitiesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "req-1", body.RequestID)

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(capabilitiesResponse{Providers: []string{"github", "openai"}})
	}))
	defer srv.Close()

	c := New(srv.URL, wallet)
	providers, err := c.Capabilities(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"github", "openai"}, providers)
}

func TestCapabilitiesErrorsOnNon200(t *testing.T) {
	wallet := testWallet(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, wallet)
	_, err := c.Capabilities(context.Background(), "")
	assert.Error(t, err)
}

func TestCredentialsReturnsGrant(t *testing.T) {
	wallet := testWallet(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/credentials/github", r.URL.Path)
		json.NewEncoder(w).Encode(CredentialGrant{AccessToken: "tok", Provider: "github", ExpiresIn: 3600})
	}))
	defer srv.Close()

	c := New(srv.URL, wallet)
	grant, err := c.Credentials(context.Background(), "github", nil)
	require.NoError(t, err)
	assert.Equal(t, "tok", grant.AccessToken)
}

type fakeSigner struct {
	payment string
	calls   int
}

func (f *fakeSigner) SignPayment(ctx context.Context, provider, amountDue string) (string, error) {
	f.calls++
	return f.payment, nil
}

func TestCredentialsRetriesOn402WithPayment(t *testing.T) {
	wallet := testWallet(t)
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if r.Header.Get("X-Payment") == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(CredentialGrant{Config: map[string]interface{}{"amountDue": "1000000"}})
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(CredentialGrant{AccessToken: "paid-tok", Provider: "openai"})
	}))
	defer srv.Close()

	c := New(srv.URL, wallet)
	signer := &fakeSigner{payment: "0xpayment"}
	grant, err := c.Credentials(context.Background(), "openai", signer)
	require.NoError(t, err)
	assert.Equal(t, "paid-tok", grant.AccessToken)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, signer.calls)
}

func TestCredentialsFailsOn402WithoutSigner(t *testing.T) {
	wallet := testWallet(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(CredentialGrant{})
	}))
	defer srv.Close()

	c := New(srv.URL, wallet)
	_, err := c.Credentials(context.Background(), "openai", nil)
	assert.Error(t, err)
}
