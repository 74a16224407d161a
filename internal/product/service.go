package product

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/suPer8Hu/shopchat/internal/common"
	"github.com/suPer8Hu/shopchat/internal/models"
)

type Service struct {
	repo *Repo

	// nameMu serialises the name check with the write that follows it.
	// Soft-deleted rows keep their names, so the column cannot carry a plain
	// unique index; races between separate server processes are not covered.
	nameMu sync.Mutex
}

func NewService(repo *Repo) *Service {
	return &Service{repo: repo}
}

// Input carries create/update fields; nil pointers are left untouched on update.
type Input struct {
	Name        *string  `json:"name"`
	Price       *float64 `json:"price"`
	Stock       *int     `json:"stock"`
	Description *string  `json:"description"`
	Image       *string  `json:"image"`
	Category    *string  `json:"category"`
}

func (in Input) validate() error {
	if in.Name != nil && (strings.TrimSpace(*in.Name) == "" || len(*in.Name) > 100) {
		return fmt.Errorf("%w: product name is required", common.ErrInvalidInput)
	}
	if in.Price != nil && *in.Price < 0 {
		return fmt.Errorf("%w: price must be >= 0", common.ErrInvalidInput)
	}
	if in.Stock != nil && *in.Stock < 0 {
		return fmt.Errorf("%w: stock must be >= 0", common.ErrInvalidInput)
	}
	if in.Description != nil && len(*in.Description) > 500 {
		return fmt.Errorf("%w: description too long", common.ErrInvalidInput)
	}
	if in.Image != nil && len(*in.Image) > 255 {
		return fmt.Errorf("%w: image too long", common.ErrInvalidInput)
	}
	if in.Category != nil && len(*in.Category) > 100 {
		return fmt.Errorf("%w: category too long", common.ErrInvalidInput)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("product %w", common.ErrNotFound)
	}
	return err
}

func (s *Service) nameTaken(ctx context.Context, name string, excludeID uint64) error {
	p, err := s.repo.GetByName(ctx, name)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.ID != excludeID {
		return fmt.Errorf("product %w", common.ErrConflict)
	}
	return nil
}

func (s *Service) Create(ctx context.Context, in Input) (*models.Product, error) {
	if in.Name == nil {
		return nil, fmt.Errorf("%w: product name is required", common.ErrInvalidInput)
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(*in.Name)
	s.nameMu.Lock()
	defer s.nameMu.Unlock()
	if err := s.nameTaken(ctx, name, 0); err != nil {
		return nil, err
	}

	p := &models.Product{Name: name, Image: in.Image}
	if in.Price != nil {
		p.Price = *in.Price
	}
	if in.Stock != nil {
		p.Stock = *in.Stock
	}
	if in.Description != nil {
		p.Description = *in.Description
	}
	if in.Category != nil {
		p.Category = strings.TrimSpace(*in.Category)
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uint64) (*models.Product, error) {
	p, err := s.repo.GetByID(ctx, id)
	return p, notFound(err)
}

func (s *Service) GetByName(ctx context.Context, name string) (*models.Product, error) {
	p, err := s.repo.GetByName(ctx, name)
	return p, notFound(err)
}

func (s *Service) List(ctx context.Context, f Filter, page, pageSize int) ([]models.Product, common.Pagination, error) {
	if f.MinPrice != nil && f.MaxPrice != nil && *f.MinPrice > *f.MaxPrice {
		return nil, common.Pagination{}, fmt.Errorf("%w: min_price > max_price", common.ErrInvalidInput)
	}
	page, pageSize = common.ClampPage(page, pageSize, 20, 100)
	items, total, err := s.repo.List(ctx, f, common.Offset(page, pageSize), pageSize)
	if err != nil {
		return nil, common.Pagination{}, err
	}
	return items, common.NewPagination(total, page, pageSize), nil
}

// Update applies only the provided fields.
func (s *Service) Update(ctx context.Context, id uint64, in Input) (*models.Product, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if in.Name != nil {
		s.nameMu.Lock()
		defer s.nameMu.Unlock()
		name := strings.TrimSpace(*in.Name)
		if name != cur.Name {
			if err := s.nameTaken(ctx, name, id); err != nil {
				return nil, err
			}
		}
		fields["name"] = name
	}
	if in.Price != nil {
		fields["price"] = *in.Price
	}
	if in.Stock != nil {
		fields["stock"] = *in.Stock
	}
	if in.Description != nil {
		fields["description"] = *in.Description
	}
	if in.Image != nil {
		fields["image"] = *in.Image
	}
	if in.Category != nil {
		fields["category"] = strings.TrimSpace(*in.Category)
	}
	if len(fields) == 0 {
		return cur, nil
	}
	if err := s.repo.Update(ctx, id, fields); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id uint64) error {
	ok, err := s.repo.SoftDelete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("product %w", common.ErrNotFound)
	}
	return nil
}
