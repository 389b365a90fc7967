package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/partnerpay/internal/cache"
	hierarchydomain "github.com/smallbiznis/partnerpay/internal/hierarchy/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const treeTTL = 30 * time.Second

var treeKey = cache.Key("hierarchy", "tree")

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo hierarchydomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  hierarchydomain.Repository
	trees cache.Cache[string, *hierarchydomain.Tree]
	ttl   time.Duration
}

func New(p Params) hierarchydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("hierarchy.service"),
		repo:  p.Repo,
		trees: cache.NewTTLCache[string, *hierarchydomain.Tree](),
		ttl:   treeTTL,
	}
}

// Tree returns the cached adjacency snapshot, reloading it after treeTTL.
func (s *Service) Tree(ctx context.Context) (*hierarchydomain.Tree, error) {
	if tree, ok := s.trees.Get(treeKey); ok {
		return tree, nil
	}
	users, err := s.repo.ListAll(ctx, s.db)
	if err != nil {
		return nil, err
	}
	tree := hierarchydomain.NewTree(users)
	s.trees.Set(treeKey, tree, s.ttl)
	s.log.Debug("hierarchy snapshot loaded", zap.Int("users", tree.Len()))
	return tree, nil
}

func (s *Service) FindByID(ctx context.Context, id snowflake.ID) (*hierarchydomain.User, error) {
	user, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, hierarchydomain.ErrUserNotFound
	}
	return user, nil
}

func (s *Service) FindChildren(ctx context.Context, parentID snowflake.ID, role hierarchydomain.Role) ([]hierarchydomain.User, error) {
	return s.repo.FindChildren(ctx, s.db, parentID, role)
}

// Invalidate drops the snapshot so the next Tree call reloads users.
func (s *Service) Invalidate() {
	s.trees.Purge()
}
