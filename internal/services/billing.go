package services

import (
	"fmt"

	"github.com/huangang/swarmhub/internal/models"
	"gorm.io/gorm"
)

// BillingService keeps the receipts ledger. A human's balance is the sum of
// their receipts.
type BillingService struct {
	db             *gorm.DB
	zentsPerSecond int64
}

func NewBillingService(db *gorm.DB, zentsPerSecond int64) *BillingService {
	if zentsPerSecond <= 0 {
		zentsPerSecond = 1
	}
	return &BillingService{db: db, zentsPerSecond: zentsPerSecond}
}

// Debit charges the human for msec of processing of the job. Any started
// second is charged.
func (s *BillingService) Debit(humanID, jobID uint, msec int64) (*models.Receipt, error) {
	seconds := (msec + 999) / 1000
	receipt := &models.Receipt{
		HumanID: humanID,
		JobID:   &jobID,
		Zents:   -seconds * s.zentsPerSecond,
		Summary: fmt.Sprintf("Job #%d took %dms", jobID, msec),
	}
	if err := s.db.Create(receipt).Error; err != nil {
		return nil, err
	}
	return receipt, nil
}

// Fund adds zents to the human's account.
func (s *BillingService) Fund(humanID uint, zents int64, summary string) (*models.Receipt, error) {
	receipt := &models.Receipt{HumanID: humanID, Zents: zents, Summary: summary}
	if err := s.db.Create(receipt).Error; err != nil {
		return nil, err
	}
	return receipt, nil
}

func (s *BillingService) Balance(humanID uint) (int64, error) {
	var balance int64
	err := s.db.Model(&models.Receipt{}).
		Where("human_id = ?", humanID).
		Select("COALESCE(SUM(zents), 0)").
		Scan(&balance).Error
	return balance, err
}
