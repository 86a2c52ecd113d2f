package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"launchline/internal/domain"
	"launchline/internal/repo"
)

// CapabilityError indicates a user lacks a capability an operation needs.
type CapabilityError struct {
	UserID     string
	Capability string
}

func (e CapabilityError) Error() string {
	return fmt.Sprintf("user %s lacks capability %s", e.UserID, e.Capability)
}

const CapabilityExecutor = "executor"

// Service answers user lookups for project assignment.
type Service struct {
	Repo repo.Repo
	Now  func() time.Time
}

// RequireExecutor loads the user and fails with CapabilityError unless it
// holds the executor capability.
func (s Service) RequireExecutor(ctx context.Context, userID string) (domain.User, error) {
	u, err := s.Repo.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return u, CapabilityError{UserID: userID, Capability: CapabilityExecutor}
		}
		return u, err
	}
	if !u.IsExecutor {
		return u, CapabilityError{UserID: userID, Capability: CapabilityExecutor}
	}
	return u, nil
}

// ExternalID returns the user's identifier in the remote task tracker, or ""
// when the user has none.
func (s Service) ExternalID(ctx context.Context, userID string) (string, error) {
	u, err := s.Repo.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.ExternalID == nil {
		return "", nil
	}
	return strings.TrimSpace(*u.ExternalID), nil
}

// Upsert creates or updates a directory entry.
func (s Service) Upsert(ctx context.Context, u domain.User) (domain.User, error) {
	if strings.TrimSpace(u.ID) == "" {
		return u, errors.New("user id required")
	}
	if u.Name == "" {
		u.Name = u.ID
	}
	if u.CreatedAt == "" {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		u.CreatedAt = repo.Timestamp(now())
	}
	if err := s.Repo.UpsertUser(ctx, nil, u); err != nil {
		return u, err
	}
	return s.Repo.GetUser(ctx, u.ID)
}

func (s Service) List(ctx context.Context) ([]domain.User, error) {
	return s.Repo.ListUsers(ctx)
}
