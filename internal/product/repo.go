package product

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/suPer8Hu/shopchat/internal/models"
)

// Filter narrows List. Zero values mean "no constraint".
type Filter struct {
	Category string
	MinPrice *float64
	MaxPrice *float64
	Keyword  string
}

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) live(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Product{}).Where("is_deleted = ?", false)
}

func (r *Repo) Create(ctx context.Context, p *models.Product) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *Repo) GetByID(ctx context.Context, id uint64) (*models.Product, error) {
	var p models.Product
	if err := r.live(ctx).First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repo) GetByName(ctx context.Context, name string) (*models.Product, error) {
	var p models.Product
	if err := r.live(ctx).Where("name = ?", name).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repo) List(ctx context.Context, f Filter, offset, limit int) ([]models.Product, int64, error) {
	q := r.live(ctx)
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.MinPrice != nil {
		q = q.Where("price >= ?", *f.MinPrice)
	}
	if f.MaxPrice != nil {
		q = q.Where("price <= ?", *f.MaxPrice)
	}
	if kw := strings.TrimSpace(f.Keyword); kw != "" {
		like := "%" + strings.ToLower(kw) + "%"
		q = q.Where("(LOWER(name) LIKE ? OR LOWER(description) LIKE ?)", like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []models.Product
	if err := q.Order("id ASC").Offset(offset).Limit(limit).Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *Repo) Update(ctx context.Context, id uint64, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&models.Product{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(fields).Error
}

func (r *Repo) SoftDelete(ctx context.Context, id uint64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Product{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Update("is_deleted", true)
	return res.RowsAffected > 0, res.Error
}
