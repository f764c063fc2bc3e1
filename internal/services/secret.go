package services

import (
	"strings"

	"github.com/huangang/swarmhub/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const redactedMask = "*****"

type SecretService struct {
	db *gorm.DB
}

func NewSecretService(db *gorm.DB) *SecretService {
	return &SecretService{db: db}
}

// Put creates or replaces the human's secret with the given name.
func (s *SecretService) Put(humanID uint, name, value string) error {
	secret := &models.Secret{HumanID: humanID, Name: name, Value: value}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "human_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(secret).Error
}

// Redact replaces every secret value of the human found in text with a mask.
func (s *SecretService) Redact(humanID uint, text string) (string, error) {
	var values []string
	if err := s.db.Model(&models.Secret{}).
		Where("human_id = ?", humanID).
		Pluck("value", &values).Error; err != nil {
		return "", err
	}
	return redact(text, values), nil
}

func redact(text string, values []string) string {
	for _, v := range values {
		if v == "" {
			continue
		}
		text = strings.ReplaceAll(text, v, redactedMask)
	}
	return text
}
