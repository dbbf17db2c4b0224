package auth

import (
	"testing"
	"time"

	"github.com/octaskly/octaskly/pkg/dispatchererr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.Issue("client-1", RoleClient, time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims.Subject)
	assert.Equal(t, RoleClient, claims.Role)
	assert.True(t, claims.HasPermission(PermTaskCreate))
	assert.False(t, claims.HasPermission(PermWorkerManage))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.Issue("client-1", RoleClient, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.Error(t, err)
	de, ok := dispatchererr.As(err)
	require.True(t, ok)
	assert.Equal(t, dispatchererr.Unauthenticated, de.Kind)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewVerifier("secret-a")
	token, err := issuer.Issue("client-1", RoleClient, time.Hour)
	require.NoError(t, err)

	verifier := NewVerifier("secret-b")
	_, err = verifier.Verify(token)
	require.Error(t, err)
}

func TestAuthorizeForbidsMissingPermission(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.Issue("client-1", RoleClient, time.Hour)
	require.NoError(t, err)

	_, err = v.Authorize(token, PermWorkerManage)
	require.Error(t, err)
	de, ok := dispatchererr.As(err)
	require.True(t, ok)
	assert.Equal(t, dispatchererr.Forbidden, de.Kind)
}

func TestRolePermissionExpansion(t *testing.T) {
	tests := []struct {
		role Role
		want []Permission
	}{
		{RoleAdmin, []Permission{PermTaskCreate, PermTaskList, PermTaskGet, PermTaskCancel, PermStatsRead, PermWorkerManage, PermSystemShutdown}},
		{RoleDispatcher, []Permission{PermTaskCreate, PermTaskList, PermTaskGet, PermTaskCancel, PermStatsRead, PermWorkerManage}},
		{RoleWorker, []Permission{PermWorkerRegister, PermTaskResult}},
		{RoleClient, []Permission{PermTaskCreate, PermTaskListOwn, PermTaskGetOwn}},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, PermissionsFor(tt.role))
		})
	}
}

func TestWhitelistEmptyAcceptsAll(t *testing.T) {
	w := NewWhitelist(nil)
	assert.True(t, w.Empty())
	assert.True(t, w.Allows("anything"))
}

func TestWhitelistRestrictsToAllowedIDs(t *testing.T) {
	w := NewWhitelist([]string{"w1", "w2"})
	assert.False(t, w.Empty())
	assert.True(t, w.Allows("w1"))
	assert.False(t, w.Allows("w3"))
}
