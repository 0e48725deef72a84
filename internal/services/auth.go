package services

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tgsuite/backend/internal/audit"
	"github.com/tgsuite/backend/internal/models"
)

const (
	accessTokenTTL  = 24 * time.Hour
	refreshTokenTTL = 7 * 24 * time.Hour
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid refresh token")
	ErrUserDisabled       = errors.New("user account is disabled")
)

// AuthService registers users and issues JWT token pairs. Registration
// creates the organization alongside its owner; everyone added later joins
// the existing tenant.
type AuthService struct {
	container *Container
}

func NewAuthService(c *Container) *AuthService {
	return &AuthService{container: c}
}

type RegisterRequest struct {
	Email            string `json:"email" binding:"required,email"`
	Password         string `json:"password" binding:"required,min=8"`
	Name             string `json:"name" binding:"required"`
	OrganizationName string `json:"organization_name" binding:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type AuthResponse struct {
	User         *models.User `json:"user"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	var existing models.User
	if err := s.container.DB.WithContext(ctx).Where("email = ?", req.Email).First(&existing).Error; err == nil {
		return nil, ErrEmailTaken
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	org := &models.Organization{
		ID:   uuid.New(),
		Name: req.OrganizationName,
		Tier: models.TierStarter,
	}
	user := &models.User{
		ID:             uuid.New(),
		OrganizationID: org.ID,
		Email:          req.Email,
		PasswordHash:   string(hashed),
		Name:           req.Name,
		Role:           models.RoleOwner,
		IsActive:       true,
	}

	tx := s.container.DB.WithContext(ctx).Begin()
	if err := tx.Create(org).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Create(user).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	s.container.Audit.Record(ctx, audit.Entry{
		OrganizationID: org.ID,
		UserID:         &user.ID,
		Action:         audit.ActionRegister,
		ResourceType:   audit.ResourceUser,
		ResourceID:     user.ID.String(),
		Result:         audit.ResultSuccess,
	})
	return s.generateTokens(user)
}

func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	var user models.User
	if err := s.container.DB.WithContext(ctx).Where("email = ?", req.Email).First(&user).Error; err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.container.Audit.Record(ctx, audit.Entry{
			OrganizationID: user.OrganizationID,
			Action:         audit.ActionLogin,
			ResourceType:   audit.ResourceUser,
			ResourceID:     user.ID.String(),
			Result:         audit.ResultFailed,
			ErrorMessage:   "password mismatch",
		})
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	s.container.DB.WithContext(ctx).Model(&user).Update("last_login_at", time.Now())

	s.container.Audit.Record(ctx, audit.Entry{
		OrganizationID: user.OrganizationID,
		UserID:         &user.ID,
		Action:         audit.ActionLogin,
		ResourceType:   audit.ResourceUser,
		ResourceID:     user.ID.String(),
		Result:         audit.ResultSuccess,
	})
	return s.generateTokens(&user)
}

func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(refreshToken, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(s.container.Config.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var user models.User
	if err := s.container.DB.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return nil, ErrInvalidToken
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}
	return s.generateTokens(&user)
}

func (s *AuthService) generateTokens(user *models.User) (*AuthResponse, error) {
	expiresAt := time.Now().Add(accessTokenTTL)

	accessClaims := jwt.MapClaims{
		"user_id": user.ID.String(),
		"org_id":  user.OrganizationID.String(),
		"email":   user.Email,
		"role":    string(user.Role),
		"exp":     expiresAt.Unix(),
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).
		SignedString([]byte(s.container.Config.JWTSecret))
	if err != nil {
		return nil, err
	}

	refreshClaims := jwt.RegisteredClaims{
		Subject:   user.ID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(refreshTokenTTL)),
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).
		SignedString([]byte(s.container.Config.JWTSecret))
	if err != nil {
		return nil, err
	}

	user.PasswordHash = ""
	return &AuthResponse{
		User:         user,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}
