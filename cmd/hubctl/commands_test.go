package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/channel-hub/internal/middleware"
	"github.com/mmeshcher/channel-hub/internal/signature"
)

const payee = "0x00000000000000000000000000000000000000bb"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HUB_TOKEN", "")
	t.Setenv("OPERATOR_SECRET", "")

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSettle_SendsForceAndToken(t *testing.T) {
	auth := middleware.NewOperatorAuth("s3cret")

	var gotForce bool
	srv := httptest.NewServer(auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/settlement/"+payee, r.URL.Path)

		var req struct {
			Force bool `json:"force"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotForce = req.Force

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"job-1","payeeId":"` + payee + `","status":"completed","stage":"complete","totalAmount":"5"}`))
	})))
	defer srv.Close()

	out, err := run(t, "settle", payee, "--force", "--addr", srv.URL, "--secret", "s3cret", "--operator", "alice")
	require.NoError(t, err)
	assert.True(t, gotForce)
	assert.Contains(t, out, `"status": "completed"`)
}

func TestSettle_FailedJobIsPrintedAndReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"id":"job-2","status":"failed","stage":"bridging","failureReason":"bridge_failed","error":"bridge: unavailable"}`))
	}))
	defer srv.Close()

	out, err := run(t, "settle", payee, "--addr", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge_failed")
	assert.Contains(t, out, `"id": "job-2"`)
}

func TestSettle_APIErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"in_progress","message":"settlement already running"}`))
	}))
	defer srv.Close()

	_, err := run(t, "settle", payee, "--addr", srv.URL)
	require.Error(t, err)
	assert.Equal(t, "in_progress: settlement already running", err.Error())
}

func TestSettle_InvalidPayee(t *testing.T) {
	_, err := run(t, "settle", "bob", "--addr", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid payee id")
}

func TestJobs_EmptyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out, err := run(t, "jobs", "--active", "--addr", strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/settlement/"+payee+"/due", r.URL.Path)
		w.Write([]byte(`{"payeeId":"` + payee + `","due":true}`))
	}))
	defer srv.Close()

	out, err := run(t, "due", payee, "--addr", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)
}

func TestSign_ProducesVerifiableInstruction(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyHex := hex.EncodeToString(crypto.FromECDSA(key))

	out, err := run(t, "sign", payee, "12.5", "--key", keyHex)
	require.NoError(t, err)

	var got signedInstruction
	require.NoError(t, json.Unmarshal([]byte(out), &got))

	assert.Equal(t, strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()), got.PayerID)
	assert.Equal(t, payee, got.PayeeID)
	assert.Equal(t, "12.5", got.Amount.String())
	assert.NoError(t, signature.NewVerifier().Verify(got.PayerID, []byte(got.Message), got.Signature))
}

func TestSign_RequiresKey(t *testing.T) {
	t.Setenv("PAYER_KEY", "")
	_, err := run(t, "sign", payee, "1")
	require.Error(t, err)
}

func TestToken(t *testing.T) {
	out, err := run(t, "token", "--secret", "s3cret", "--operator", "alice")
	require.NoError(t, err)
	assert.Equal(t, middleware.NewOperatorAuth("s3cret").Token("alice")+"\n", out)
}
