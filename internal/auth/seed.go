package auth

import (
	"context"
	"fmt"

	"github.com/aura-webinar/attendance/internal/models"
	"github.com/aura-webinar/attendance/pkg/utils"
)

// EnsureAdmin creates or resets the bootstrap admin account.
func EnsureAdmin(ctx context.Context, repo *Repository, email, password, fullName string) (*models.User, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("admin email and password are required")
	}
	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return repo.Upsert(ctx, email, hash, fullName, models.RoleAdmin)
}
