package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nous-run/nous/internal/auth"
	"github.com/nous-run/nous/internal/model"
)

func newManager(t *testing.T) *auth.JWTManager {
	t.Helper()
	m, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	return m
}

func TestIssueAndValidateTokenRoundTrips(t *testing.T) {
	m := newManager(t)

	signed, exp, err := m.IssueToken("user-1", []model.Role{model.RolePro, model.RoleAnalytics})
	require.NoError(t, err)
	require.NotEmpty(t, signed)
	require.True(t, exp.After(time.Now()))

	rc, err := m.ValidateToken(signed)
	require.NoError(t, err)
	require.Equal(t, "user-1", rc.UserID)
	require.ElementsMatch(t, []model.Role{model.RolePro, model.RoleAnalytics}, rc.Roles)
	require.Equal(t, model.AuthJWT, rc.AuthMethod)
	require.True(t, rc.Authenticated)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	m := newManager(t)
	_, err := m.ValidateToken("not-a-jwt")
	require.Error(t, err)
}

func TestValidateTokenRejectsWrongSigningKey(t *testing.T) {
	m1 := newManager(t)
	m2 := newManager(t)

	signed, _, err := m1.IssueToken("user-1", []model.Role{model.RoleGeneral})
	require.NoError(t, err)

	_, err = m2.ValidateToken(signed)
	require.Error(t, err)
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	m, err := auth.NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	signed, _, err := m.IssueToken("user-1", []model.Role{model.RoleGeneral})
	require.NoError(t, err)

	_, err = m.ValidateToken(signed)
	require.Error(t, err)
}
