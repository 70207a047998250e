package validate

import (
	"errors"
	"net"
	"strings"
	"testing"
)

func TestURL(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		constraints URLConstraints
		wantErr     error
	}{
		{
			name:  "valid HTTPS URL",
			input: "https://example.com/path",
			constraints: URLConstraints{
				AllowedSchemes: []string{"https"},
			},
		},
		{
			name:  "valid HTTP URL",
			input: "http://example.com",
			constraints: URLConstraints{
				AllowedSchemes: []string{"http", "https"},
			},
		},
		{
			name:        "empty URL",
			input:       "",
			constraints: URLConstraints{AllowedSchemes: []string{"https"}},
			wantErr:     ErrEmpty,
		},
		{
			name:        "disallowed scheme",
			input:       "ftp://example.com",
			constraints: URLConstraints{AllowedSchemes: []string{"https"}},
			wantErr:     ErrDisallowedScheme,
		},
		{
			name:  "URL too long",
			input: "https://example.com/" + strings.Repeat("a", 2048),
			constraints: URLConstraints{
				AllowedSchemes: []string{"https"},
				MaxLength:      2048,
			},
			wantErr: ErrStringTooLong,
		},
		{
			name:        "missing hostname",
			input:       "https:///webhook",
			constraints: URLConstraints{AllowedSchemes: []string{"https"}},
			wantErr:     ErrInvalidURL,
		},
		{
			name:  "domain allowlist subdomain",
			input: "https://hooks.example.com/webhook",
			constraints: URLConstraints{
				AllowedDomains: []string{"example.com"},
			},
		},
		{
			name:  "domain not in allowlist",
			input: "https://example.org/webhook",
			constraints: URLConstraints{
				AllowedDomains: []string{"example.com"},
			},
			wantErr: ErrDisallowedDomain,
		},
		{
			name:        "localhost blocked",
			input:       "https://localhost:8080/webhook",
			constraints: URLConstraints{BlockPrivate: true},
			wantErr:     ErrPrivateHost,
		},
		{
			name:        "private IP blocked",
			input:       "https://10.0.0.5/webhook",
			constraints: URLConstraints{BlockPrivate: true},
			wantErr:     ErrPrivateHost,
		},
		{
			name:        "public IP allowed",
			input:       "https://8.8.8.8/webhook",
			constraints: URLConstraints{BlockPrivate: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := URL(tt.input, tt.constraints)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("URL() unexpected error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("URL() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCallbackURL(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		production bool
		wantErr    error
	}{
		{"production https", "https://pay.example.com/webhook/mercadopago", true, nil},
		{"production http", "http://pay.example.com/webhook/mercadopago", true, ErrDisallowedScheme},
		{"production localhost", "https://localhost/webhook/mercadopago", true, ErrPrivateHost},
		{"development localhost", "http://localhost:8080/webhook/mercadopago", false, nil},
		{"development bad scheme", "ftp://localhost/webhook", false, ErrDisallowedScheme},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CallbackURL(tt.input, tt.production)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CallbackURL(%q, %t) error = %v, want %v", tt.input, tt.production, err, tt.wantErr)
			}
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fd00::1", true},
		{"8.8.8.8", false},
		{"2001:4860:4860::8888", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := isPrivateIP(net.ParseIP(tt.ip)); got != tt.want {
				t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}
