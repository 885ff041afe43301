package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoneVerifier(t *testing.T) {
	t.Run("Should accept every request and report no validation required", func(t *testing.T) {
		v, err := New(Config{Strategy: "none"})
		require.NoError(t, err)
		assert.False(t, v.RequiresValidation())
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		assert.NoError(t, v.Verify(req.Context(), req, []byte("body")))
	})
}

func TestHMACVerifier(t *testing.T) {
	t.Run("Should verify a valid signature", func(t *testing.T) {
		body := []byte("hello world")
		secret := "topsecret"
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))

		v, err := New(Config{Strategy: "hmac", Secret: secret, Header: "X-Sig"})
		require.NoError(t, err)
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		req.Header.Set("X-Sig", sig)
		assert.NoError(t, v.Verify(req.Context(), req, body))
	})

	t.Run("Should fail on a missing header", func(t *testing.T) {
		v, err := New(Config{Strategy: "hmac", Secret: "s", Header: "X-Sig"})
		require.NoError(t, err)
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		err = v.Verify(req.Context(), req, []byte("abc"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing signature header")
	})

	t.Run("Should fail on invalid hex encoding", func(t *testing.T) {
		v, err := New(Config{Strategy: "hmac", Secret: "s", Header: "X-Sig"})
		require.NoError(t, err)
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		req.Header.Set("X-Sig", "not-hex")
		err = v.Verify(req.Context(), req, []byte("abc"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid signature encoding")
	})

	t.Run("Should fail on a signature mismatch", func(t *testing.T) {
		body := []byte("hello world")
		mac := hmac.New(sha256.New, []byte("wrongsecret"))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))

		v, err := New(Config{Strategy: "hmac", Secret: "topsecret", Header: "X-Sig"})
		require.NoError(t, err)
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		req.Header.Set("X-Sig", sig)
		err = v.Verify(req.Context(), req, body)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "signature mismatch")
	})

	t.Run("Should resolve its secret from an env:// indirection", func(t *testing.T) {
		t.Setenv("HMAC_SECRET", "abc")
		v, err := New(Config{Strategy: "hmac", Secret: "env://HMAC_SECRET", Header: "X-Sig"})
		require.NoError(t, err)
		mac := hmac.New(sha256.New, []byte("abc"))
		mac.Write([]byte("x"))
		sig := hex.EncodeToString(mac.Sum(nil))
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		req.Header.Set("X-Sig", sig)
		assert.NoError(t, v.Verify(req.Context(), req, []byte("x")))
	})
}

func TestStripeVerifier(t *testing.T) {
	sign := func(secret string, ts int64, body []byte) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(strconv.FormatInt(ts, 10)))
		mac.Write([]byte("."))
		mac.Write(body)
		return hex.EncodeToString(mac.Sum(nil))
	}

	t.Run("Should verify a valid signature within tolerance", func(t *testing.T) {
		body := []byte(`{"id":"evt_1"}`)
		ts := time.Now().Unix()
		secret := "whsec_123"
		v1 := sign(secret, ts, body)
		header := "t=" + strconv.FormatInt(ts, 10) + ", v1=" + v1

		v, err := New(Config{Strategy: "stripe", Secret: secret})
		require.NoError(t, err)
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		req.Header.Set("Stripe-Signature", header)
		assert.NoError(t, v.Verify(req.Context(), req, body))
	})

	t.Run("Should reject a timestamp outside the tolerance window", func(t *testing.T) {
		body := []byte("{}")
		ts := time.Now().Add(-10 * time.Minute).Unix()
		secret := "whsec_123"
		v1 := sign(secret, ts, body)
		header := "t=" + strconv.FormatInt(ts, 10) + ", v1=" + v1

		v, err := New(Config{Strategy: "stripe", Secret: secret})
		require.NoError(t, err)
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		req.Header.Set("Stripe-Signature", header)
		err = v.Verify(req.Context(), req, body)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timestamp skew too large")
	})

	t.Run("Should admit a timestamp exactly at the tolerance boundary", func(t *testing.T) {
		body := []byte(`{"id":"evt_1"}`)
		secret := "whsec_123"
		tolerance := 5 * time.Minute
		ts := time.Now().Add(-tolerance).Unix()
		v1 := sign(secret, ts, body)
		header := "t=" + strconv.FormatInt(ts, 10) + ", v1=" + v1

		v, err := New(Config{Strategy: "stripe", Secret: secret, Tolerance: tolerance})
		require.NoError(t, err)
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		req.Header.Set("Stripe-Signature", header)
		assert.NoError(t, v.Verify(req.Context(), req, body))
	})

	t.Run("Should fail on missing header parts", func(t *testing.T) {
		v, err := New(Config{Strategy: "stripe", Secret: "s"})
		require.NoError(t, err)
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		req.Header.Set("Stripe-Signature", "t=123")
		err = v.Verify(req.Context(), req, []byte("x"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid Stripe-Signature format")
	})

	t.Run("Should accept when any v1 candidate matches", func(t *testing.T) {
		body := []byte(`{"id":"evt_1"}`)
		ts := time.Now().Unix()
		secret := "whsec_123"
		good := sign(secret, ts, body)
		bad := "deadbeef"
		header := "t=" + strconv.FormatInt(ts, 10) + ", v1=" + bad + ", v1=" + good

		v, err := New(Config{Strategy: "stripe", Secret: secret})
		require.NoError(t, err)
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		req.Header.Set("Stripe-Signature", header)
		assert.NoError(t, v.Verify(req.Context(), req, body))
	})

	t.Run("Should fail on a signature mismatch", func(t *testing.T) {
		body := []byte("{}")
		ts := time.Now().Unix()
		header := "t=" + strconv.FormatInt(ts, 10) + ", v1=aaaaaaaa"

		v, err := New(Config{Strategy: "stripe", Secret: "whsec_123"})
		require.NoError(t, err)
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		req.Header.Set("Stripe-Signature", header)
		err = v.Verify(req.Context(), req, body)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "signature mismatch")
	})
}

func TestGitHubVerifier(t *testing.T) {
	t.Run("Should verify a valid signature", func(t *testing.T) {
		body := []byte(`{"a":1}`)
		secret := "ghs_abc"
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))

		v, err := New(Config{Strategy: "github", Secret: secret})
		require.NoError(t, err)
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		req.Header.Set("X-Hub-Signature-256", "sha256="+sig)
		assert.NoError(t, v.Verify(req.Context(), req, body))
	})

	t.Run("Should fail on a malformed header prefix", func(t *testing.T) {
		v, err := New(Config{Strategy: "github", Secret: "s"})
		require.NoError(t, err)
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		req.Header.Set("X-Hub-Signature-256", "badprefix=")
		err = v.Verify(req.Context(), req, []byte("x"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid GitHub signature header")
	})

	t.Run("Should fail on an empty signature value", func(t *testing.T) {
		v, err := New(Config{Strategy: "github", Secret: "s"})
		require.NoError(t, err)
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		req.Header.Set("X-Hub-Signature-256", "sha256=")
		err = v.Verify(req.Context(), req, []byte("x"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing GitHub signature")
	})

	t.Run("Should fail on invalid hex encoding", func(t *testing.T) {
		v, err := New(Config{Strategy: "github", Secret: "s"})
		require.NoError(t, err)
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		req.Header.Set("X-Hub-Signature-256", "sha256=nothex")
		err = v.Verify(req.Context(), req, []byte("x"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid GitHub signature encoding")
	})

	t.Run("Should fail on a signature mismatch", func(t *testing.T) {
		body := []byte(`{"a":1}`)
		mac := hmac.New(sha256.New, []byte("wrong"))
		mac.Write(body)
		sig := hex.EncodeToString(mac.Sum(nil))

		v, err := New(Config{Strategy: "github", Secret: "ghs_abc"})
		require.NoError(t, err)
		req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, "/", http.NoBody)
		req.Header.Set("X-Hub-Signature-256", "sha256="+sig)
		err = v.Verify(req.Context(), req, body)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "signature mismatch")
	})
}

func TestFactory_ErrorPaths(t *testing.T) {
	t.Run("Should fail on an unknown strategy", func(t *testing.T) {
		_, err := New(Config{Strategy: "unknown"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown verification strategy")
	})

	t.Run("Should fail when hmac has no header configured", func(t *testing.T) {
		_, err := New(Config{Strategy: "hmac", Secret: "s"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing signature header name")
	})

	t.Run("Should fail when the secret is empty", func(t *testing.T) {
		_, err := New(Config{Strategy: "stripe", Secret: ""})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty secret")
	})

	t.Run("Should fail when the referenced env var is not set", func(t *testing.T) {
		_, err := New(Config{Strategy: "github", Secret: "env://MISSING_ENV_VAR"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "secret env not set")
	})
}
