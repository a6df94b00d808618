package precondition

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/cartengine/internal/domain"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		ifMatch string
		version string
		want    domain.Precondition
		wantErr bool
	}{
		{name: "absent"},
		{name: "wildcard", ifMatch: "*", want: domain.Precondition{Wildcard: true}},
		{name: "weak etag", ifMatch: `W/"cart:c1:3:1700"`, want: domain.Precondition{ETag: `W/"cart:c1:3:1700"`}},
		{name: "quoted version in If-Match", ifMatch: `"7"`, want: domain.Precondition{Version: 7}},
		{name: "version header", version: "4", want: domain.Precondition{Version: 4}},
		{name: "If-Match wins", ifMatch: "5", version: "4", want: domain.Precondition{Version: 5}},
		{name: "garbage If-Match", ifMatch: `W/"order:1"`, wantErr: true},
		{name: "zero version", version: "0", wantErr: true},
		{name: "negative version", version: "-3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.ifMatch, tt.version)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("PATCH", "/cart/items/1", nil)
	r.Header.Set(HeaderCartVersion, "9")
	p, err := FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, int64(9), p.Version)
}

func TestGuard_Require(t *testing.T) {
	compatible := NewGuard(ModeCompatible, []string{"cart.merge"})
	strict := NewGuard(ModeStrict, nil)
	none := domain.Precondition{}
	some := domain.Precondition{Version: 1}

	assert.NoError(t, compatible.Require("cart.add_item", none))
	assert.True(t, domain.IsKind(compatible.Require("cart.merge", none), domain.KindPreconditionRequired))
	assert.NoError(t, compatible.Require("cart.merge", some))

	err := strict.Require("cart.add_item", none)
	assert.ErrorIs(t, err, domain.ErrPreconditionRequired)
	assert.Equal(t, domain.EPRECONDITIONREQUIRED, domain.ErrorCode(err))
	assert.NoError(t, strict.Require("cart.add_item", some))
}

func TestGuard_Check(t *testing.T) {
	g := NewGuard(ModeCompatible, nil)
	cart := &domain.Cart{ID: "c1", Version: 3, UpdatedAt: time.Unix(10, 0)}

	assert.NoError(t, g.Check(domain.Precondition{}, cart))
	assert.NoError(t, g.Check(domain.Precondition{Version: 3}, cart))
	assert.NoError(t, g.Check(domain.Precondition{ETag: cart.ETag()}, cart))

	err := g.Check(domain.Precondition{Version: 2}, cart)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
	assert.True(t, domain.Retryable(err))
	detail := domain.ErrorDetail(err).(map[string]any)
	assert.Equal(t, int64(3), detail["version"])
	assert.Equal(t, cart.ETag(), detail["etag"])
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeCompatible, m)

	m, err = ParseMode("STRICT")
	require.NoError(t, err)
	assert.Equal(t, ModeStrict, m)

	_, err = ParseMode("lenient")
	assert.Error(t, err)
}
