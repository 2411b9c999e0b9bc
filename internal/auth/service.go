package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/openbrick/openbrick/pkg/models"
)

// ErrUnauthenticated is returned when no valid credential is presented.
var ErrUnauthenticated = errors.New("unauthenticated")

// AccessTokenCookie is the cookie the login endpoint sets and the
// middleware reads when no Authorization header is present.
const AccessTokenCookie = "access_token"

const userIDContextKey = "userID"

// TokenClaims represents JWT token claims
type TokenClaims struct {
	UserID uuid.UUID `json:"user_id"`
	jwt.RegisteredClaims
}

// Service issues and verifies access tokens for marketplace subjects.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	secret []byte
	expiry time.Duration
}

// NewService creates a new auth service
func NewService(logger *zap.Logger, db *gorm.DB, secret string, expiry time.Duration) (*Service, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret must not be empty")
	}
	return &Service{
		logger: logger,
		db:     db,
		secret: []byte(secret),
		expiry: expiry,
	}, nil
}

// Login authenticates a user by email and password and returns a token pair
func (s *Service) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, ErrUnauthenticated
		}
		return "", nil, fmt.Errorf("failed to find user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrUnauthenticated
	}

	token, err := s.GenerateToken(user.ID)
	if err != nil {
		return "", nil, err
	}
	return token, &user, nil
}

// GenerateToken creates a signed access token for the given subject
func (s *Service) GenerateToken(userID uuid.UUID) (string, error) {
	now := time.Now()
	claims := &TokenClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses a token string and returns its claims
func (s *Service) ValidateToken(tokenString string) (*TokenClaims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthenticated
	}
	if claims.UserID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

// Middleware returns a gin middleware that authenticates the request from
// the Authorization header or the access token cookie and stores the
// subject id in the request context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			if cookie, err := c.Cookie(AccessTokenCookie); err == nil {
				tokenString = cookie
			}
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}

		claims, err := s.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Next()
	}
}

// SubjectID returns the authenticated subject id stored by Middleware.
func SubjectID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(userIDContextKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
