package user

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/shopchat/internal/models"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) live(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Where("is_deleted = ?", false)
}

func (r *Repo) Create(ctx context.Context, u *models.User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repo) GetByID(ctx context.Context, id uint64) (*models.User, error) {
	var u models.User
	if err := r.live(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

var lookupFields = map[string]bool{"username": true, "email": true, "phone": true}

// GetByField looks up a live user by username, email or phone.
func (r *Repo) GetByField(ctx context.Context, field, value string) (*models.User, error) {
	if !lookupFields[field] {
		return nil, fmt.Errorf("unsupported lookup field %q", field)
	}
	var u models.User
	if err := r.live(ctx).Where(field+" = ?", value).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// FindByAccount matches any of username, email or phone. Soft-deleted rows
// are included so the caller can reject them explicitly.
func (r *Repo) FindByAccount(ctx context.Context, account string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).
		Where("username = ? OR email = ? OR phone = ?", account, account, account).
		Order("is_deleted ASC").Order("id ASC").
		First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ExistsAny reports whether another row (any state) already holds one of the
// unique values. excludeID skips the user being updated.
func (r *Repo) ExistsAny(ctx context.Context, username, email, phone string, excludeID uint64) (bool, error) {
	q := r.db.WithContext(ctx).Model(&models.User{}).
		Where("(username = ? OR email = ? OR phone = ?)", username, email, phone)
	if excludeID > 0 {
		q = q.Where("id <> ?", excludeID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repo) List(ctx context.Context, offset, limit int) ([]models.User, int64, error) {
	q := r.live(ctx).Model(&models.User{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []models.User
	if err := q.Order("id ASC").Offset(offset).Limit(limit).Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *Repo) Update(ctx context.Context, id uint64, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(fields).Error
}

func (r *Repo) SoftDelete(ctx context.Context, id uint64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Update("is_deleted", true)
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) RecordLogin(ctx context.Context, id uint64, ip string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"ip_address": ip, "last_login": at}).Error
}
