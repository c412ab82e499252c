package security

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func addrs(s ...string) []netip.Addr {
	out := make([]netip.Addr, len(s))
	for i, a := range s {
		out[i] = netip.MustParseAddr(a)
	}
	return out
}

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://203.0.113.10/hook", true},
		{"http://8.8.8.8/hook", true},
		{"ftp://8.8.8.8/hook", false},
		{"https:///hook", false},
		{"https://user:pw@8.8.8.8/hook", false},
		{"http://localhost/hook", false},
		{"http://api.localhost/hook", false},
		{"http://127.0.0.1:8080/hook", false},
		{"http://10.0.0.5/hook", false},
		{"http://100.64.1.1/hook", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://[::1]/hook", false},
		{"http://[::ffff:127.0.0.1]/hook", false},
		{"http://0.0.0.0/hook", false},
	}
	for _, tc := range tests {
		err := ValidateEndpointURL(tc.url)
		assert.Equal(t, tc.ok, err == nil, "ValidateEndpointURL(%q) err = %v", tc.url, err)
	}
}

func TestEndpointValidator_ResolvedAddresses(t *testing.T) {
	v := NewEndpointValidator().WithResolver(staticResolver{
		"hooks.buyer.ng":  addrs("203.0.113.7"),
		"rebind.evil.ng":  addrs("203.0.113.8", "10.1.2.3"),
		"empty.buyer.ng":  nil,
		"mapped.buyer.ng": addrs("::ffff:192.168.0.10"),
	})
	ctx := context.Background()

	assert.NoError(t, v.Validate(ctx, "https://hooks.buyer.ng/agrolink"))

	err := v.Validate(ctx, "https://rebind.evil.ng/x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlockedDestination)

	assert.ErrorIs(t, v.Validate(ctx, "https://mapped.buyer.ng/x"), ErrBlockedDestination)
	assert.ErrorContains(t, v.Validate(ctx, "https://empty.buyer.ng/x"), "no addresses")
	assert.ErrorContains(t, v.Validate(ctx, "https://unknown.buyer.ng/x"), "cannot resolve")
}

func TestWebhookURLValidator(t *testing.T) {
	strict := WebhookURLValidator(true)
	assert.Error(t, strict("http://8.8.8.8/hook"), "plain http rejected when https is required")
	assert.NoError(t, strict("https://8.8.8.8/hook"))

	lax := WebhookURLValidator(false)
	assert.NoError(t, lax("http://8.8.8.8/hook"))
	assert.ErrorIs(t, lax("http://192.168.1.1/hook"), ErrBlockedDestination)
}
