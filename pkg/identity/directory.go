// Package identity resolves the users referenced by domain events from a
// static directory file.
package identity

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dukex/ruleflow/pkg/models"
	"github.com/dukex/ruleflow/pkg/protocol"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type entry struct {
	ID          string `yaml:"id" validate:"required"`
	DisplayName string `yaml:"display_name"`
	Email       string `yaml:"email" validate:"omitempty,email"`
}

type file struct {
	Users []entry `yaml:"users" validate:"dive"`
}

// Directory is an in-memory UserResolver.
type Directory struct {
	byID    map[string]*models.User
	byEmail map[string]*models.User
}

var _ protocol.UserResolver = (*Directory)(nil)

// Load reads a YAML directory of the form:
//
//	users:
//	  - id: u-1
//	    display_name: Jane
//	    email: jane@example.com
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse users file %s: %w", path, err)
	}

	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("invalid users file %s: %w", path, err)
	}

	users := make([]models.User, 0, len(f.Users))
	for _, u := range f.Users {
		users = append(users, models.User{ID: u.ID, DisplayName: u.DisplayName, Email: u.Email})
	}

	return NewDirectory(users), nil
}

// NewDirectory indexes users by id and by case-insensitive email. Later
// entries win on duplicates.
func NewDirectory(users []models.User) *Directory {
	d := &Directory{
		byID:    make(map[string]*models.User, len(users)),
		byEmail: make(map[string]*models.User, len(users)),
	}

	for i := range users {
		user := users[i]

		d.byID[user.ID] = &user
		if user.Email != "" {
			d.byEmail[strings.ToLower(user.Email)] = &user
		}
	}

	return d
}

func (d *Directory) FindByIDOrEmail(_ context.Context, identifier string) (*models.User, error) {
	if user, ok := d.byID[identifier]; ok {
		return copyUser(user), nil
	}

	if user, ok := d.byEmail[strings.ToLower(strings.TrimSpace(identifier))]; ok {
		return copyUser(user), nil
	}

	return nil, fmt.Errorf("%w: %s", protocol.ErrUserNotFound, identifier)
}

func (d *Directory) Len() int {
	return len(d.byID)
}

func copyUser(user *models.User) *models.User {
	u := *user

	return &u
}
