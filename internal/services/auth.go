package services

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/huangang/swarmhub/internal/apperrors"
	"github.com/huangang/swarmhub/internal/models"
	"gorm.io/gorm"
)

// TokenService authenticates API and swarm callers by their token text.
type TokenService struct {
	db *gorm.DB
}

func NewTokenService(db *gorm.DB) *TokenService {
	return &TokenService{db: db}
}

// Authenticate returns the active token with the given text, its Human
// preloaded.
func (s *TokenService) Authenticate(text string) (*models.Token, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperrors.Forbidden("token is required")
	}

	var token models.Token
	err := s.db.Preload("Human").Where("text = ?", text).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Forbidden("unknown token")
	}
	if err != nil {
		return nil, err
	}
	if !token.Active {
		return nil, apperrors.Forbidden("token is inactive")
	}
	return &token, nil
}

// Create issues a new active token for the human.
func (s *TokenService) Create(humanID uint, name string) (*models.Token, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.Validation("name", "token name is required")
	}
	text, err := generateTokenText()
	if err != nil {
		return nil, err
	}
	token := &models.Token{
		HumanID: humanID,
		Name:    name,
		Text:    text,
		Active:  true,
	}
	if err := s.db.Create(token).Error; err != nil {
		return nil, err
	}
	return token, nil
}

// Deactivate switches the token off; it can no longer authenticate.
func (s *TokenService) Deactivate(id uint) error {
	result := s.db.Model(&models.Token{}).Where("id = ?", id).Update("active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperrors.NotFound("token", itoa(id))
	}
	return nil
}

func generateTokenText() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
