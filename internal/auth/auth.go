package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/caselink/caselink/internal/models"
	"github.com/caselink/caselink/pkg/apperr"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

const (
	RoleClient = "client"
	RoleLawyer = "lawyer"
)

type Service struct {
	db        *gorm.DB
	jwtSecret string
	tokenTTL  time.Duration
}

type Claims struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

func New(db *gorm.DB, jwtSecret string) *Service {
	return NewWithTokenTTL(db, jwtSecret, 24*time.Hour)
}

func NewWithTokenTTL(db *gorm.DB, jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}

	return &Service{
		db:        db,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

func (s *Service) Register(username, email, password, role string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))

	if len(username) < 3 || len(username) > 32 {
		return nil, apperr.Validation("username must be between 3 and 32 characters")
	}
	if !usernamePattern.MatchString(username) {
		return nil, apperr.Validation("username can only contain letters, numbers, and underscores")
	}
	if !strings.Contains(email, "@") {
		return nil, apperr.Validation("invalid email address")
	}
	if len(password) < 6 {
		return nil, apperr.Validation("password must be at least 6 characters")
	}
	if role == "" {
		role = RoleClient
	}
	if role != RoleClient && role != RoleLawyer {
		return nil, apperr.Validation("role must be client or lawyer")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to hash password", err)
	}

	user := &models.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
	}
	if err := s.db.Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "Duplicate entry") ||
			strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, apperr.Validation("username or email already registered")
		}
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to register user", err)
	}

	return user, nil
}

// Login verifies credentials by email and issues a signed access token.
func (s *Service) Login(email, password string) (string, *models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var user models.User
	if err := s.db.Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, apperr.Unauthenticated("invalid email or password")
		}
		return "", nil, apperr.Wrap(apperr.CodeInternal, "failed to query user", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, apperr.Unauthenticated("invalid email or password")
	}

	token, err := s.GenerateToken(&user)
	if err != nil {
		return "", nil, err
	}

	return token, &user, nil
}

func (s *Service) GenerateToken(user *models.User) (string, error) {
	claims := Claims{
		UserID:    user.ID,
		Email:     user.Email,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "failed to sign token", err)
	}

	return tokenString, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnauthenticated, "failed to parse token", err)
	}
	if !token.Valid {
		return nil, apperr.Unauthenticated("invalid token")
	}
	if claims.TokenType != "access" {
		return nil, apperr.Unauthenticated("not an access token")
	}

	return claims, nil
}
