package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
		ok     bool
	}{
		{400, InvalidRequest, true},
		{401, AuthorizationError, true},
		{403, Forbidden, true},
		{404, NotFound, true},
		{429, TooManyRequests, true},
		{500, ServerError, true},
		{200, 0, false},
		{418, 0, false},
		{502, 0, false},
	}

	for _, tt := range tests {
		got, ok := KindFromStatus(tt.status)
		assert.Equal(t, tt.ok, ok, "status %d", tt.status)
		assert.Equal(t, tt.want, got, "status %d", tt.status)
		if ok {
			assert.NotEmpty(t, got.Description())
		}
	}
}

func TestAPIErrorTemporary(t *testing.T) {
	assert.True(t, newAPIError(429, "").Temporary())
	assert.True(t, newAPIError(500, "").Temporary())
	assert.True(t, newAPIError(503, "").Temporary())
	assert.False(t, newAPIError(400, "").Temporary())
	assert.False(t, newAPIError(404, "").Temporary())
}

func TestAPIErrorIdentifier(t *testing.T) {
	e := newAPIError(500, `{"error":{"code":"internal","message":"boom"}}`)
	assert.Equal(t, "internal", e.Identifier())
	assert.Equal(t, "boom", e.Message)

	raw := newAPIError(500, "upstream unavailable")
	assert.Equal(t, "upstream unavailable", raw.Identifier())
	assert.Contains(t, raw.Error(), "ServerError")

	unmapped := newAPIError(502, "bad gateway")
	assert.Equal(t, "API error 502: bad gateway", unmapped.Error())
}
