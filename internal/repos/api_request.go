package repos

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mapforge/geoflow/internal/logger"
	"github.com/mapforge/geoflow/internal/types"
)

type APIRequestRepo interface {
	CreateIfAbsent(ctx context.Context, tx *gorm.DB, req *types.APIRequest) (bool, error)
	GetByID(ctx context.Context, tx *gorm.DB, requestID string) (*types.APIRequest, error)
}

type apiRequestRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAPIRequestRepo(db *gorm.DB, baseLog *logger.Logger) APIRequestRepo {
	return &apiRequestRepo{
		db:  db,
		log: baseLog.With("repo", "APIRequestRepo"),
	}
}

func (r *apiRequestRepo) CreateIfAbsent(ctx context.Context, tx *gorm.DB, req *types.APIRequest) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if req == nil || req.RequestID == "" {
		return false, nil
	}
	res := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(req)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *apiRequestRepo) GetByID(ctx context.Context, tx *gorm.DB, requestID string) (*types.APIRequest, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if requestID == "" {
		return nil, nil
	}
	var req types.APIRequest
	err := transaction.WithContext(ctx).
		Where("request_id = ?", requestID).
		Limit(1).
		Find(&req).Error
	if err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		return nil, nil
	}
	return &req, nil
}
