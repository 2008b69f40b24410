package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubResolver map[string][]string

func (s stubResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addrs, ok := s[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func TestValidateCallbackURL(t *testing.T) {
	r := stubResolver{
		"hooks.example.com":  {"93.184.216.34"},
		"sneaky.example.com": {"93.184.216.34", "10.0.0.7"},
	}

	tests := []struct {
		name      string
		url       string
		allowHTTP bool
		ok        bool
	}{
		{name: "public https", url: "https://hooks.example.com/in", ok: true},
		{name: "http rejected by default", url: "http://hooks.example.com/in"},
		{name: "http allowed in development", url: "http://hooks.example.com/in", allowHTTP: true, ok: true},
		{name: "ftp", url: "ftp://hooks.example.com"},
		{name: "no host", url: "https:///path"},
		{name: "localhost", url: "https://localhost/x"},
		{name: "loopback literal", url: "https://127.0.0.1/x"},
		{name: "private literal", url: "https://192.168.1.10/x"},
		{name: "link local literal", url: "https://169.254.169.254/latest"},
		{name: "resolves to private", url: "https://sneaky.example.com/x"},
		{name: "unresolvable", url: "https://nowhere.example.com/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCallbackURL(context.Background(), r, tt.url, tt.allowHTTP)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrUnsafeCallback)
		})
	}
}
