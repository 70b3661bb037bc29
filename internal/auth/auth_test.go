package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/prediction-api/internal/types"
)

func setupTestService(t *testing.T) *Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.User{}))

	require.NoError(t, db.Create(&types.User{
		UserID:  "trader-1",
		Balance: 1000,
		Status:  types.UserStatusActive,
	}).Error)

	service := NewService(db, "test-secret")
	service.RegisterAPICredentials("trader-1", "s3cret")
	return service
}

func TestGenerateTokenRoundTrip(t *testing.T) {
	service := setupTestService(t)

	token, err := service.GenerateToken(Credentials{APIKey: "trader-1", APISecret: "s3cret"})
	require.NoError(t, err)
	require.NotEmpty(t, token.Token)

	claims, err := service.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, "trader-1", claims.ClientID)
	assert.Contains(t, claims.Permissions, "trade")
}

func TestGenerateTokenInvalidCredentials(t *testing.T) {
	service := setupTestService(t)

	_, err := service.GenerateToken(Credentials{APIKey: "trader-1", APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = service.GenerateToken(Credentials{APIKey: "unknown", APISecret: "s3cret"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestGenerateTokenUnknownUserAccount(t *testing.T) {
	service := setupTestService(t)
	service.RegisterAPICredentials("ghost", "s3cret")

	_, err := service.GenerateToken(Credentials{APIKey: "ghost", APISecret: "s3cret"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestGenerateTokenSuspendedUser(t *testing.T) {
	service := setupTestService(t)
	require.NoError(t, service.db.Model(&types.User{}).Where("user_id = ?", "trader-1").
		Update("status", types.UserStatusSuspended).Error)

	_, err := service.GenerateToken(Credentials{APIKey: "trader-1", APISecret: "s3cret"})
	assert.ErrorIs(t, err, ErrUserSuspended)
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	service := setupTestService(t)

	token, err := service.GenerateToken(Credentials{APIKey: "trader-1", APISecret: "s3cret"})
	require.NoError(t, err)

	other := NewService(service.db, "different-secret")
	_, err = other.ValidateToken(token.Token)
	assert.Error(t, err)
}
