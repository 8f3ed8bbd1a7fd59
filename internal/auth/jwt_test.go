package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 44-character base64 string, as produced by `openssl rand -base64 32`
const testSecret = "wJ6Qk8Qn1v9Qw1Zb2l8Qk9J3p6Qk8Qn1v9Qw1Zb2l8Qk="

func TestGenerateAccessToken(t *testing.T) {
	svc := NewJWTService(testSecret)

	tests := []struct {
		name    string
		actorID string
		role    string
		wantErr bool
	}{
		{
			name:    "valid access token",
			actorID: "usr_123",
			role:    "auditor",
			wantErr: false,
		},
		{
			name:    "empty actorID",
			actorID: "",
			role:    "auditor",
			wantErr: true,
		},
		{
			name:    "empty role",
			actorID: "usr_123",
			role:    "",
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := svc.GenerateAccessToken(tt.actorID, tt.role)
			if (err != nil) != tt.wantErr {
				t.Errorf("GenerateAccessToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && token == "" {
				t.Error("GenerateAccessToken() returned empty token")
			}
		})
	}
}

func TestGenerateRefreshToken(t *testing.T) {
	svc := NewJWTService(testSecret)

	tests := []struct {
		name    string
		actorID string
		wantErr bool
	}{
		{
			name:    "valid refresh token",
			actorID: "usr_123",
			wantErr: false,
		},
		{
			name:    "empty actorID",
			actorID: "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := svc.GenerateRefreshToken(tt.actorID)
			if (err != nil) != tt.wantErr {
				t.Errorf("GenerateRefreshToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && token == "" {
				t.Error("GenerateRefreshToken() returned empty token")
			}
		})
	}
}

func TestValidateAccessToken(t *testing.T) {
	svc := NewJWTService(testSecret)

	validToken, err := svc.GenerateAccessToken("usr_123", "auditor")
	if err != nil {
		t.Fatalf("Failed to generate access token: %v", err)
	}

	tests := []struct {
		name        string
		token       string
		wantActorID string
		wantRole    string
		wantType    string
		wantErr     error
	}{
		{
			name:        "valid access token",
			token:       validToken,
			wantActorID: "usr_123",
			wantRole:    "auditor",
			wantType:    TokenTypeAccess,
			wantErr:     nil,
		},
		{
			name:    "invalid token format",
			token:   "not-a-valid-token",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "empty token",
			token:   "",
			wantErr: ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := svc.ValidateToken(tt.token)
			if tt.wantErr != nil {
				if err != tt.wantErr {
					t.Errorf("ValidateToken() error = %v, wantErr %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateToken() unexpected error = %v", err)
				return
			}
			if claims.Subject != tt.wantActorID {
				t.Errorf("ValidateToken() Subject = %v, want %v", claims.Subject, tt.wantActorID)
			}
			if claims.Role != tt.wantRole {
				t.Errorf("ValidateToken() Role = %v, want %v", claims.Role, tt.wantRole)
			}
			if claims.Type != tt.wantType {
				t.Errorf("ValidateToken() Type = %v, want %v", claims.Type, tt.wantType)
			}
		})
	}
}

func TestValidateRefreshToken(t *testing.T) {
	svc := NewJWTService(testSecret)

	validToken, err := svc.GenerateRefreshToken("usr_456")
	if err != nil {
		t.Fatalf("Failed to generate refresh token: %v", err)
	}

	claims, err := svc.ValidateToken(validToken)
	if err != nil {
		t.Fatalf("ValidateToken() unexpected error = %v", err)
	}
	if claims.Subject != "usr_456" {
		t.Errorf("ValidateToken() Subject = %v, want usr_456", claims.Subject)
	}
	if claims.Role != "" {
		t.Errorf("ValidateToken() Role = %v, want empty", claims.Role)
	}
	if claims.Type != TokenTypeRefresh {
		t.Errorf("ValidateToken() Type = %v, want %v", claims.Type, TokenTypeRefresh)
	}
}

func TestValidateBearer(t *testing.T) {
	svc := NewJWTService(testSecret)

	accessToken, err := svc.GenerateAccessToken("usr_123", "admin")
	if err != nil {
		t.Fatalf("Failed to generate access token: %v", err)
	}
	refreshToken, err := svc.GenerateRefreshToken("usr_123")
	if err != nil {
		t.Fatalf("Failed to generate refresh token: %v", err)
	}

	t.Run("access token yields identity", func(t *testing.T) {
		actorID, role, err := svc.ValidateBearer(accessToken)
		if err != nil {
			t.Fatalf("ValidateBearer() error = %v", err)
		}
		if actorID != "usr_123" {
			t.Errorf("actorID = %v, want usr_123", actorID)
		}
		if role != "admin" {
			t.Errorf("role = %v, want admin", role)
		}
	})

	t.Run("refresh token is rejected", func(t *testing.T) {
		_, _, err := svc.ValidateBearer(refreshToken)
		if err != ErrNotAccessToken {
			t.Errorf("ValidateBearer() error = %v, want %v", err, ErrNotAccessToken)
		}
	})

	t.Run("garbage token is rejected", func(t *testing.T) {
		_, _, err := svc.ValidateBearer("garbage")
		if err != ErrInvalidToken {
			t.Errorf("ValidateBearer() error = %v, want %v", err, ErrInvalidToken)
		}
	})
}

func TestExpiredToken(t *testing.T) {
	svc := NewJWTServiceWithLeeway(testSecret, 0) // No leeway for this test

	// Create an expired token manually
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "usr_expired",
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-1 * time.Hour)), // Expired 1 hour ago
		},
		Type: TokenTypeAccess,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to create expired token: %v", err)
	}

	_, err = svc.ValidateToken(tokenString)
	if err != ErrExpiredToken {
		t.Errorf("ValidateToken() error = %v, want %v", err, ErrExpiredToken)
	}
}

func TestTamperedToken(t *testing.T) {
	svc := NewJWTService(testSecret)

	validToken, err := svc.GenerateAccessToken("usr_123", "auditor")
	if err != nil {
		t.Fatalf("Failed to generate access token: %v", err)
	}

	parts := strings.Split(validToken, ".")
	if len(parts) != 3 {
		t.Fatalf("Invalid token format")
	}

	// Corrupt the signature
	tamperedToken := parts[0] + "." + parts[1] + ".tamperedsignature"

	_, err = svc.ValidateToken(tamperedToken)
	if err != ErrInvalidToken {
		t.Errorf("ValidateToken() error = %v, want %v", err, ErrInvalidToken)
	}
}

func TestWrongSecretToken(t *testing.T) {
	svc1 := NewJWTService("secret-one")
	svc2 := NewJWTService("secret-two")

	token, err := svc1.GenerateAccessToken("usr_123", "auditor")
	if err != nil {
		t.Fatalf("Failed to generate access token: %v", err)
	}

	_, err = svc2.ValidateToken(token)
	if err != ErrInvalidToken {
		t.Errorf("ValidateToken() error = %v, want %v", err, ErrInvalidToken)
	}
}

func TestTokenClaims(t *testing.T) {
	svc := NewJWTService(testSecret)

	t.Run("access token claims", func(t *testing.T) {
		beforeGen := time.Now().Add(-1 * time.Second)
		token, err := svc.GenerateAccessToken("usr_123", "service")
		if err != nil {
			t.Fatalf("Failed to generate access token: %v", err)
		}
		afterGen := time.Now().Add(1 * time.Second)

		claims, err := svc.ValidateToken(token)
		if err != nil {
			t.Fatalf("ValidateToken() error = %v", err)
		}

		if claims.Subject != "usr_123" {
			t.Errorf("Subject = %v, want usr_123", claims.Subject)
		}
		if claims.Role != "service" {
			t.Errorf("Role = %v, want service", claims.Role)
		}
		if claims.Type != TokenTypeAccess {
			t.Errorf("Type = %v, want %v", claims.Type, TokenTypeAccess)
		}

		if claims.IssuedAt == nil {
			t.Error("IssuedAt is nil")
		} else {
			iat := claims.IssuedAt.Time
			if iat.Before(beforeGen) || iat.After(afterGen) {
				t.Errorf("IssuedAt = %v, want between %v and %v", iat, beforeGen, afterGen)
			}
		}

		if claims.ExpiresAt == nil {
			t.Error("ExpiresAt is nil")
		} else {
			expectedExp := claims.IssuedAt.Time.Add(AccessTokenExpiry)
			if !claims.ExpiresAt.Time.Equal(expectedExp) {
				t.Errorf("ExpiresAt = %v, want %v", claims.ExpiresAt.Time, expectedExp)
			}
		}
	})

	t.Run("refresh token claims", func(t *testing.T) {
		token, err := svc.GenerateRefreshToken("usr_456")
		if err != nil {
			t.Fatalf("Failed to generate refresh token: %v", err)
		}

		claims, err := svc.ValidateToken(token)
		if err != nil {
			t.Fatalf("ValidateToken() error = %v", err)
		}

		if claims.Subject != "usr_456" {
			t.Errorf("Subject = %v, want usr_456", claims.Subject)
		}
		if claims.Role != "" {
			t.Errorf("Role = %v, want empty", claims.Role)
		}
		if claims.Type != TokenTypeRefresh {
			t.Errorf("Type = %v, want %v", claims.Type, TokenTypeRefresh)
		}

		if claims.ExpiresAt == nil {
			t.Error("ExpiresAt is nil")
		} else {
			expectedExp := claims.IssuedAt.Time.Add(RefreshTokenExpiry)
			if !claims.ExpiresAt.Time.Equal(expectedExp) {
				t.Errorf("ExpiresAt = %v, want %v", claims.ExpiresAt.Time, expectedExp)
			}
		}
	})
}

func TestLeewayValidation(t *testing.T) {
	// Create a token that expired just now (within leeway)
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "usr_leeway",
			IssuedAt:  jwt.NewNumericDate(now.Add(-1 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-10 * time.Second)), // Expired 10 seconds ago
		},
		Type: TokenTypeAccess,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to create token: %v", err)
	}

	t.Run("with default leeway (30s) - should pass", func(t *testing.T) {
		svc := NewJWTService(testSecret) // Default 30s leeway
		_, err := svc.ValidateToken(tokenString)
		if err != nil {
			t.Errorf("ValidateToken() error = %v, expected no error (within leeway)", err)
		}
	})

	t.Run("with no leeway - should fail", func(t *testing.T) {
		svc := NewJWTServiceWithLeeway(testSecret, 0)
		_, err := svc.ValidateToken(tokenString)
		if err != ErrExpiredToken {
			t.Errorf("ValidateToken() error = %v, want %v", err, ErrExpiredToken)
		}
	})
}

func TestEmptyActorIDError(t *testing.T) {
	svc := NewJWTService(testSecret)

	t.Run("access token with empty actorID", func(t *testing.T) {
		_, err := svc.GenerateAccessToken("", "auditor")
		if err != ErrEmptyActorID {
			t.Errorf("GenerateAccessToken() error = %v, want %v", err, ErrEmptyActorID)
		}
	})

	t.Run("refresh token with empty actorID", func(t *testing.T) {
		_, err := svc.GenerateRefreshToken("")
		if err != ErrEmptyActorID {
			t.Errorf("GenerateRefreshToken() error = %v, want %v", err, ErrEmptyActorID)
		}
	})
}

// TestKeyRotation tests the dual-key rotation feature for zero-downtime secret rotation.
func TestKeyRotation(t *testing.T) {
	currentSecret := "current-secret-key-12345678"
	previousSecret := "previous-secret-key-87654321"

	t.Run("token signed with current secret validates with current", func(t *testing.T) {
		svc := NewJWTServiceWithRotation(currentSecret, previousSecret)
		token, err := svc.GenerateAccessToken("usr_123", "auditor")
		if err != nil {
			t.Fatalf("GenerateAccessToken() error = %v", err)
		}

		claims, err := svc.ValidateToken(token)
		if err != nil {
			t.Errorf("ValidateToken() error = %v", err)
		}
		if claims.Subject != "usr_123" {
			t.Errorf("ValidateToken() Subject = %v, want usr_123", claims.Subject)
		}
	})

	t.Run("token signed with previous secret still validates", func(t *testing.T) {
		// Create token with previous secret (simulating old token)
		oldSvc := NewJWTService(previousSecret)
		oldToken, err := oldSvc.GenerateAccessToken("usr_456", "service")
		if err != nil {
			t.Fatalf("GenerateAccessToken() error = %v", err)
		}

		// Validate with new service that has both secrets
		newSvc := NewJWTServiceWithRotation(currentSecret, previousSecret)
		claims, err := newSvc.ValidateToken(oldToken)
		if err != nil {
			t.Errorf("ValidateToken() error = %v, expected old token to validate with previousSecret", err)
		}
		if claims.Subject != "usr_456" {
			t.Errorf("ValidateToken() Subject = %v, want usr_456", claims.Subject)
		}
	})

	t.Run("new tokens always use current secret", func(t *testing.T) {
		svc := NewJWTServiceWithRotation(currentSecret, previousSecret)
		token, err := svc.GenerateAccessToken("usr_789", "admin")
		if err != nil {
			t.Fatalf("GenerateAccessToken() error = %v", err)
		}

		// Should validate with current secret only
		currentOnlySvc := NewJWTService(currentSecret)
		claims, err := currentOnlySvc.ValidateToken(token)
		if err != nil {
			t.Errorf("ValidateToken() error = %v, token should be signed with current secret", err)
		}
		if claims.Subject != "usr_789" {
			t.Errorf("ValidateToken() Subject = %v, want usr_789", claims.Subject)
		}

		// Should NOT validate with previous secret only
		previousOnlySvc := NewJWTService(previousSecret)
		_, err = previousOnlySvc.ValidateToken(token)
		if err != ErrInvalidToken {
			t.Errorf("ValidateToken() error = %v, want %v (token should not validate with previous secret only)", err, ErrInvalidToken)
		}
	})

	t.Run("rotation without previous secret works", func(t *testing.T) {
		svc := NewJWTServiceWithRotation(currentSecret, "")
		token, err := svc.GenerateAccessToken("usr_single", "auditor")
		if err != nil {
			t.Fatalf("GenerateAccessToken() error = %v", err)
		}

		claims, err := svc.ValidateToken(token)
		if err != nil {
			t.Errorf("ValidateToken() error = %v", err)
		}
		if claims.Subject != "usr_single" {
			t.Errorf("ValidateToken() Subject = %v, want usr_single", claims.Subject)
		}
	})

	t.Run("token with wrong secret fails", func(t *testing.T) {
		wrongSecret := "wrong-secret-key-99999999"
		wrongSvc := NewJWTService(wrongSecret)
		wrongToken, err := wrongSvc.GenerateAccessToken("usr_wrong", "auditor")
		if err != nil {
			t.Fatalf("GenerateAccessToken() error = %v", err)
		}

		svc := NewJWTServiceWithRotation(currentSecret, previousSecret)
		_, err = svc.ValidateToken(wrongToken)
		if err != ErrInvalidToken {
			t.Errorf("ValidateToken() error = %v, want %v", err, ErrInvalidToken)
		}
	})
}

func TestRotationWithCustomLeeway(t *testing.T) {
	currentSecret := "current-leeway-key-123456"
	previousSecret := "previous-leeway-key-654321"

	// Create an expired token signed with the previous secret
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "usr_expired_leeway",
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-10 * time.Second)), // Expired 10 seconds ago
		},
		Type: TokenTypeAccess,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(previousSecret))
	if err != nil {
		t.Fatalf("Failed to create token: %v", err)
	}

	t.Run("expired token with leeway validates through previous secret", func(t *testing.T) {
		svc := NewJWTServiceWithRotationAndLeeway(currentSecret, previousSecret, 30*time.Second)
		_, err := svc.ValidateToken(tokenString)
		if err != nil {
			t.Errorf("ValidateToken() error = %v, expected token to validate with leeway", err)
		}
	})

	t.Run("expired token without leeway fails", func(t *testing.T) {
		svc := NewJWTServiceWithRotationAndLeeway(currentSecret, previousSecret, 0)
		_, err := svc.ValidateToken(tokenString)
		if err != ErrExpiredToken {
			t.Errorf("ValidateToken() error = %v, want %v", err, ErrExpiredToken)
		}
	})
}
