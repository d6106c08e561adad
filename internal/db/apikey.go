package db

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/pysugar/portal-connect/internal/db/models"
	"github.com/pysugar/portal-connect/internal/util"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const apiKeyConfigKey = "api_key"

// EnsureAPIKey returns the portal API key, generating it on first run.
func EnsureAPIKey(db *gorm.DB) (string, error) {
	var config models.Config
	err := db.Where("key = ?", apiKeyConfigKey).First(&config).Error
	if err == nil {
		return config.Value, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("load api key: %w", err)
	}

	apiKey, err := newAPIKey()
	if err != nil {
		return "", err
	}
	if err := db.Create(&models.Config{Key: apiKeyConfigKey, Value: apiKey}).Error; err != nil {
		return "", fmt.Errorf("store api key: %w", err)
	}
	zap.L().Info("generated portal api key", zap.String("key", util.MaskToken(apiKey)))
	return apiKey, nil
}

// GetAPIKey returns the stored portal API key or "" when none exists.
func GetAPIKey(db *gorm.DB) string {
	var config models.Config
	if err := db.Where("key = ?", apiKeyConfigKey).First(&config).Error; err != nil {
		return ""
	}
	return config.Value
}

// RegenerateAPIKey replaces the portal API key.
func RegenerateAPIKey(db *gorm.DB) (string, error) {
	apiKey, err := newAPIKey()
	if err != nil {
		return "", err
	}
	res := db.Model(&models.Config{}).Where("key = ?", apiKeyConfigKey).Update("value", apiKey)
	if res.Error != nil {
		return "", fmt.Errorf("update api key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := db.Create(&models.Config{Key: apiKeyConfigKey, Value: apiKey}).Error; err != nil {
			return "", fmt.Errorf("store api key: %w", err)
		}
	}
	zap.L().Info("regenerated portal api key", zap.String("key", util.MaskToken(apiKey)))
	return apiKey, nil
}

// newAPIKey returns sk-<32 hex chars>.
func newAPIKey() (string, error) {
	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "sk-" + hex.EncodeToString(keyBytes), nil
}
