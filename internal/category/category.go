package category

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gosimple/slug"
	"github.com/smallbiznis/partnerpay/internal/config"
)

type CycleType string

const (
	CycleBiMonthly CycleType = config.CycleTypeBiMonthly
	CycleWeekly    CycleType = config.CycleTypeWeekly
)

// BaseType selects the amount a commission percentage is applied to.
type BaseType string

const (
	BaseGGR      BaseType = config.BaseTypeGGR
	BaseTurnover BaseType = config.BaseTypeTurnover
	BaseBet      BaseType = config.BaseTypeBet
)

var (
	ErrUnknownCategory   = errors.New("unknown_category")
	ErrInvalidCategory   = errors.New("invalid_category")
	ErrDuplicateCategory = errors.New("duplicate_category")
)

type Category struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CycleType CycleType `json:"cycle_type"`
	BaseType  BaseType  `json:"base_type"`
}

func (c Category) IsGGR() bool {
	return c.BaseType == BaseGGR
}

// Registry is the immutable set of configured product categories.
type Registry struct {
	byID   map[int64]Category
	bySlug map[string]Category
	all    []Category
}

func NewRegistry(categories []Category) (*Registry, error) {
	r := &Registry{
		byID:   make(map[int64]Category, len(categories)),
		bySlug: make(map[string]Category, len(categories)),
	}
	for _, c := range categories {
		c.Name = strings.TrimSpace(c.Name)
		c.Slug = Normalize(c.Name)
		if c.ID <= 0 || c.Slug == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, c.Name)
		}
		switch c.CycleType {
		case CycleBiMonthly, CycleWeekly:
		default:
			return nil, fmt.Errorf("%w: cycle type %q", ErrInvalidCategory, c.CycleType)
		}
		switch c.BaseType {
		case BaseGGR, BaseTurnover, BaseBet:
		default:
			return nil, fmt.Errorf("%w: base type %q", ErrInvalidCategory, c.BaseType)
		}
		if _, ok := r.byID[c.ID]; ok {
			return nil, fmt.Errorf("%w: id %d", ErrDuplicateCategory, c.ID)
		}
		if _, ok := r.bySlug[c.Slug]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateCategory, c.Name)
		}
		r.byID[c.ID] = c
		r.bySlug[c.Slug] = c
		r.all = append(r.all, c)
	}
	sort.Slice(r.all, func(i, j int) bool { return r.all[i].ID < r.all[j].ID })
	return r, nil
}

func FromConfig(cfg config.CommissionConfig) (*Registry, error) {
	categories := make([]Category, 0, len(cfg.Categories))
	for _, c := range cfg.Categories {
		categories = append(categories, Category{
			ID:        c.ID,
			Name:      c.Name,
			CycleType: CycleType(strings.ToLower(strings.TrimSpace(c.CycleType))),
			BaseType:  BaseType(strings.ToLower(strings.TrimSpace(c.BaseType))),
		})
	}
	return NewRegistry(categories)
}

func Provide(holder *config.CommissionConfigHolder) (*Registry, error) {
	return FromConfig(holder.Get())
}

// Lookup resolves a raw category name ("E-Games", "e games", "e_games").
func (r *Registry) Lookup(name string) (Category, error) {
	key := Normalize(name)
	if r == nil || key == "" {
		return Category{}, ErrUnknownCategory
	}
	c, ok := r.bySlug[key]
	if !ok {
		return Category{}, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
	}
	return c, nil
}

func (r *Registry) ByID(id int64) (Category, error) {
	if r == nil {
		return Category{}, ErrUnknownCategory
	}
	c, ok := r.byID[id]
	if !ok {
		return Category{}, fmt.Errorf("%w: id %d", ErrUnknownCategory, id)
	}
	return c, nil
}

func (r *Registry) All() []Category {
	if r == nil {
		return nil
	}
	out := make([]Category, len(r.all))
	copy(out, r.all)
	return out
}

func Normalize(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "_", " ")
	return slug.Make(name)
}
