package webhook

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
)

const testSecret = "whsec_test_secret"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signedHeaders(secret, resourceID, requestID string, ts int64) http.Header {
	h := http.Header{}
	h.Set(HeaderRequestID, requestID)
	h.Set(HeaderSignature, Sign(secret, resourceID, requestID, ts))
	return h
}

// flip replaces the byte at i with a different character.
func flip(s string, i int) string {
	b := []byte(s)
	if b[i] == '0' {
		b[i] = '1'
	} else {
		b[i] = '0'
	}
	return string(b)
}

func TestVerify_ValidSignature(t *testing.T) {
	v := NewVerifier(VerifierConfig{Secret: testSecret}, quietLogger())
	h := signedHeaders(testSecret, "123456", "req-abc", 1700000000000)

	if !v.Verify(h, "123456") {
		t.Fatal("expected valid signature to verify")
	}
}

func TestVerify_Deterministic(t *testing.T) {
	v := NewVerifier(VerifierConfig{Secret: testSecret}, quietLogger())
	h := signedHeaders(testSecret, "pay-1", "req-1", 1700000000123)
	before := h.Clone()

	for i := 0; i < 10; i++ {
		if !v.Verify(h, "pay-1") {
			t.Fatalf("iteration %d: expected true", i)
		}
	}
	bad := h.Clone()
	bad.Set(HeaderRequestID, "req-2")
	for i := 0; i < 10; i++ {
		if v.Verify(bad, "pay-1") {
			t.Fatalf("iteration %d: expected false", i)
		}
	}

	if h.Get(HeaderSignature) != before.Get(HeaderSignature) || h.Get(HeaderRequestID) != before.Get(HeaderRequestID) {
		t.Error("Verify mutated the headers")
	}
	if Sign(testSecret, "pay-1", "req-1", 1700000000123) != before.Get(HeaderSignature) {
		t.Error("Sign is not deterministic")
	}
}

func TestVerify_TamperedSignatureRejected(t *testing.T) {
	v := NewVerifier(VerifierConfig{Secret: testSecret}, quietLogger())
	h := signedHeaders(testSecret, "987", "req-xyz", 1700000000000)
	sig := h.Get(HeaderSignature)

	for i := range sig {
		tampered := h.Clone()
		tampered.Set(HeaderSignature, flip(sig, i))
		if v.Verify(tampered, "987") {
			t.Errorf("signature tampered at %d (%q) still verified", i, flip(sig, i))
		}
	}
}

func TestVerify_TamperedRequestIDRejected(t *testing.T) {
	v := NewVerifier(VerifierConfig{Secret: testSecret}, quietLogger())
	h := signedHeaders(testSecret, "987", "req-xyz", 1700000000000)
	requestID := h.Get(HeaderRequestID)

	for i := range requestID {
		tampered := h.Clone()
		tampered.Set(HeaderRequestID, flip(requestID, i))
		if v.Verify(tampered, "987") {
			t.Errorf("request id tampered at %d still verified", i)
		}
	}
}

func TestVerify_TamperedResourceIDRejected(t *testing.T) {
	v := NewVerifier(VerifierConfig{Secret: testSecret}, quietLogger())
	resourceID := "sub-2c938084726fca480172750000000000"
	h := signedHeaders(testSecret, resourceID, "req-1", 1700000000000)

	for i := range resourceID {
		if v.Verify(h, flip(resourceID, i)) {
			t.Errorf("resource id tampered at %d still verified", i)
		}
	}
}

func TestVerify_UppercaseDigestAccepted(t *testing.T) {
	v := NewVerifier(VerifierConfig{Secret: testSecret}, quietLogger())
	h := signedHeaders(testSecret, "1", "r", 42)
	ts, digest := parseSignature(h.Get(HeaderSignature))
	h.Set(HeaderSignature, "ts="+ts+",v1="+strings.ToUpper(digest))

	if !v.Verify(h, "1") {
		t.Error("expected case-insensitive hex comparison")
	}
}

func TestVerify_MissingInputs(t *testing.T) {
	valid := signedHeaders(testSecret, "42", "req-1", 1700000000000)

	tests := []struct {
		name       string
		secret     string
		headers    http.Header
		resourceID string
	}{
		{"no secret", "", valid, "42"},
		{"no resource id", testSecret, valid, ""},
		{"no request id", testSecret, func() http.Header {
			h := valid.Clone()
			h.Del(HeaderRequestID)
			return h
		}(), "42"},
		{"no signature", testSecret, func() http.Header {
			h := valid.Clone()
			h.Del(HeaderSignature)
			return h
		}(), "42"},
		{"no ts", testSecret, func() http.Header {
			h := valid.Clone()
			_, digest := parseSignature(h.Get(HeaderSignature))
			h.Set(HeaderSignature, "v1="+digest)
			return h
		}(), "42"},
		{"garbage signature", testSecret, func() http.Header {
			h := valid.Clone()
			h.Set(HeaderSignature, "not-a-signature")
			return h
		}(), "42"},
		{"wrong secret", "other-secret", valid, "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(VerifierConfig{Secret: tt.secret}, quietLogger())
			if v.Verify(tt.headers, tt.resourceID) {
				t.Error("expected Verify to return false")
			}
		})
	}
}

func TestVerify_AllowUnsigned(t *testing.T) {
	tests := []struct {
		name       string
		cfg        VerifierConfig
		headers    http.Header
		wantResult bool
	}{
		{"bypass outside production", VerifierConfig{AllowUnsigned: true}, http.Header{}, true},
		{"bypass ignored in production", VerifierConfig{AllowUnsigned: true, Production: true}, http.Header{}, false},
		{"bypass disabled", VerifierConfig{Secret: testSecret}, http.Header{}, false},
		{"bypass does not accept bad signatures", VerifierConfig{Secret: testSecret, AllowUnsigned: true}, http.Header{
			HeaderRequestID: []string{"r"},
			HeaderSignature: []string{"ts=1,v1=00"},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(tt.cfg, quietLogger())
			if got := v.Verify(tt.headers, "123"); got != tt.wantResult {
				t.Errorf("Verify() = %v, want %v", got, tt.wantResult)
			}
		})
	}
}

func TestParseSignature(t *testing.T) {
	tests := []struct {
		header string
		ts     string
		v1     string
	}{
		{"ts=1,v1=abc", "1", "abc"},
		{"v1=abc,ts=1", "1", "abc"},
		{" ts = 1 , v1 = abc ", "1", "abc"},
		{"ts=1", "1", ""},
		{"", "", ""},
		{"v2=zzz,ts=5,v1=def", "5", "def"},
	}
	for _, tt := range tests {
		ts, v1 := parseSignature(tt.header)
		if ts != tt.ts || v1 != tt.v1 {
			t.Errorf("parseSignature(%q) = (%q, %q), want (%q, %q)", tt.header, ts, v1, tt.ts, tt.v1)
		}
	}
}
