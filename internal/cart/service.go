package cart

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"golang.org/x/sync/singleflight"
)

type Service struct {
	repo  Repository
	cache Cache
	log   logger.Logger
	sfg   singleflight.Group // Prevents cache stampede
}

func NewService(repo Repository, cache Cache, log logger.Logger) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		log:   log,
	}
}

// GetCart returns the user's cart, or an empty cart if none was ever saved.
func (s *Service) GetCart(ctx context.Context, userID int64) (*Cart, error) {
	v, err, _ := s.sfg.Do(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		cart, err := s.cache.Get(ctx, userID)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			s.log.Warn("cart cache get failed", logger.Int64("user_id", userID), logger.Error(err))
		}

		cart, err = s.repo.GetCart(ctx, userID)
		if errors.Is(err, ErrCartNotFound) {
			now := time.Now()
			return &Cart{UserID: userID, CreatedAt: now, UpdatedAt: now}, nil
		}
		if err != nil {
			return nil, err
		}

		go func() {
			setCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := s.cache.Set(setCtx, userID, cart); err != nil {
				s.log.Warn("cart cache set failed", logger.Int64("user_id", userID), logger.Error(err))
			}
		}()

		return cart, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Cart), nil
}

func (s *Service) AddItem(ctx context.Context, userID int64, productID int64, quantity int32) error {
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}
	if err := s.repo.AddItem(ctx, userID, Item{ProductID: productID, Quantity: quantity}); err != nil {
		return err
	}

	s.invalidate(userID)
	return nil
}

func (s *Service) RemoveItem(ctx context.Context, userID int64, productID int64) error {
	if err := s.repo.RemoveItem(ctx, userID, productID); err != nil {
		return err
	}

	s.invalidate(userID)
	return nil
}

// ClearCart deletes the cart. A cart that does not exist is already clear.
func (s *Service) ClearCart(ctx context.Context, userID int64) error {
	if err := s.repo.DeleteCart(ctx, userID); err != nil && !errors.Is(err, ErrCartNotFound) {
		return err
	}

	s.invalidate(userID)
	return nil
}

func (s *Service) invalidate(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, userID); err != nil {
		s.log.Warn("cart cache invalidate failed", logger.Int64("user_id", userID), logger.Error(err))
	}
}
