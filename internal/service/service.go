// Package service реализует бизнес-логику сервиса фудмаркет.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/ovoronin/foodmarket-system/internal/model"
	"github.com/ovoronin/foodmarket-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetCartLines(ctx context.Context, userID int64) ([]model.CartLine, error)
	ReplaceCartLines(ctx context.Context, userID int64, lines []model.CartLine) error
	ClearCart(ctx context.Context, userID int64) error
}

// Service содержит бизнес-логику работы с пользователями и корзиной.
type Service struct {
	repo Repository
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// GetCart возвращает корзину пользователя.
func (s *Service) GetCart(ctx context.Context, userID int64) (*model.Cart, error) {
	lines, err := s.repo.GetCartLines(ctx, userID)
	if err != nil {
		return nil, err
	}
	return model.NewCart(lines), nil
}

// AddToCart добавляет позицию в корзину. Если товар уже есть,
// количество увеличивается.
func (s *Service) AddToCart(ctx context.Context, userID int64, line model.CartLine) (*model.Cart, error) {
	cart, err := s.GetCart(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := cart.Add(line); err != nil {
		return nil, err
	}

	if err := s.repo.ReplaceCartLines(ctx, userID, cart.Lines()); err != nil {
		return nil, err
	}
	return cart, nil
}

// SetCartQuantity устанавливает количество товара в корзине.
func (s *Service) SetCartQuantity(ctx context.Context, userID int64, productID string, n int) (*model.Cart, error) {
	cart, err := s.GetCart(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := cart.SetQuantity(productID, n); err != nil {
		return nil, err
	}

	if err := s.repo.ReplaceCartLines(ctx, userID, cart.Lines()); err != nil {
		return nil, err
	}
	return cart, nil
}

// RemoveFromCart удаляет товар из корзины. Отсутствующий товар — не ошибка.
func (s *Service) RemoveFromCart(ctx context.Context, userID int64, productID string) (*model.Cart, error) {
	cart, err := s.GetCart(ctx, userID)
	if err != nil {
		return nil, err
	}

	cart.Remove(productID)

	if err := s.repo.ReplaceCartLines(ctx, userID, cart.Lines()); err != nil {
		return nil, err
	}
	return cart, nil
}

// ClearCart очищает корзину пользователя.
func (s *Service) ClearCart(ctx context.Context, userID int64) error {
	return s.repo.ClearCart(ctx, userID)
}
