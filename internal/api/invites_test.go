package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heysme/heysme-server/internal/domain"
	"github.com/heysme/heysme-server/internal/events"
)

type inviteList struct {
	Codes []domain.InviteCode `json:"codes"`
}

func TestInviteFlow(t *testing.T) {
	env := newTestEnv(t, false)
	for _, id := range []string{adminID, "user_b", "user_c", "user_d"} {
		env.seedUser(t, id, false)
	}

	rr := env.do(t, http.MethodPost, "/api/admin/invites", adminID, map[string]interface{}{
		"count": 1, "max_uses": 2, "expires_in": "72h",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeBody[inviteList](t, rr)
	require.Len(t, created.Codes, 1)
	code := created.Codes[0].Code
	require.NotNil(t, created.Codes[0].ExpiresAt)

	rr = env.do(t, http.MethodPost, "/api/invite/validate", "", map[string]string{"code": strings.ToLower(code)})
	require.Equal(t, http.StatusOK, rr.Code)
	valid := decodeBody[map[string]interface{}](t, rr)
	assert.Equal(t, true, valid["valid"])
	assert.EqualValues(t, 2, valid["remaining"])

	rr = env.do(t, http.MethodPost, "/api/invite/redeem", "user_b", map[string]string{"code": code})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, true, decodeBody[map[string]interface{}](t, rr)["redeemed"])
	assert.Contains(t, env.events.published(), events.InviteRedeemed)

	rr = env.do(t, http.MethodPost, "/api/invite/redeem", "user_b", map[string]string{"code": code})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/invite/redeem", "user_c", map[string]string{"code": code})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/invite/redeem", "user_d", map[string]string{"code": code})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invite_exhausted", decodeBody[map[string]string](t, rr)["error"])

	rr = env.do(t, http.MethodPost, "/api/invite/validate", "", map[string]string{"code": code})
	valid = decodeBody[map[string]interface{}](t, rr)
	assert.Equal(t, false, valid["valid"])
	assert.Equal(t, "invite_exhausted", valid["reason"])

	rr = env.do(t, http.MethodGet, "/api/admin/invites", adminID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	listed := decodeBody[inviteList](t, rr)
	require.Len(t, listed.Codes, 1)
	assert.Equal(t, 2, listed.Codes[0].UsedCount)
}

func TestValidateInviteUnknownCode(t *testing.T) {
	env := newTestEnv(t, false)

	rr := env.do(t, http.MethodPost, "/api/invite/validate", "", map[string]string{"code": "NOPE-NOPE"})
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeBody[map[string]interface{}](t, rr)
	assert.Equal(t, false, got["valid"])
	assert.Equal(t, "invite_invalid", got["reason"])

	rr = env.do(t, http.MethodPost, "/api/invite/validate", "", map[string]string{"code": "  "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRedeemUnknownInvite(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedUser(t, "user_b", false)

	rr := env.do(t, http.MethodPost, "/api/invite/redeem", "user_b", map[string]string{"code": "NOPE-NOPE"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invite_invalid", decodeBody[map[string]string](t, rr)["error"])
	assert.Empty(t, env.events.published())
}

func TestInviteAccessControl(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedUser(t, "user_b", false)

	rr := env.do(t, http.MethodPost, "/api/admin/invites", "user_b", map[string]int{"count": 1})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/invite/redeem", "", map[string]string{"code": "X"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/pages", "user_b", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "invite_required", decodeBody[map[string]string](t, rr)["error"])
}

func TestCreateInvitesValidation(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedUser(t, adminID, false)

	tests := map[string]map[string]interface{}{
		"too many":       {"count": maxInviteBatch + 1},
		"negative uses":  {"max_uses": -1},
		"bad duration":   {"expires_in": "soon"},
		"negative delay": {"expires_in": "-1h"},
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/admin/invites", adminID, body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}

	rr := env.do(t, http.MethodGet, "/api/admin/invites?limit=0", adminID, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
