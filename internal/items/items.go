// Package items validates and persists the free-form records posted to the
// storage endpoint.
package items

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"fusion_api/internal/store"
)

const createdAtLayout = "2006-01-02T15:04:05.000Z"

type Input struct {
	Name  string  `json:"name" validate:"required,min=1"`
	Email *string `json:"email" validate:"omitempty,email"`
	Notes *string `json:"notes" validate:"omitempty,max=2000"`
}

// ValidationError lists the offending fields and the rule each one broke.
type ValidationError struct {
	Issues map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for field, rule := range e.Issues {
		parts = append(parts, field+": "+rule)
	}
	return "invalid body: " + strings.Join(parts, ", ")
}

type Service struct {
	table    store.ItemTable
	validate *validator.Validate
	now      func() time.Time
	newID    func() string
}

func NewService(table store.ItemTable) *Service {
	return &Service{
		table:    table,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) Validate(in Input) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	issues := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		issues[jsonName(fe.Field())] = fe.Tag()
	}
	return &ValidationError{Issues: issues}
}

func (s *Service) Create(ctx context.Context, in Input) (store.Item, error) {
	if err := s.Validate(in); err != nil {
		return store.Item{}, err
	}
	id := s.newID()
	item := store.Item{
		PK:        store.ItemKey(id),
		ID:        id,
		Name:      in.Name,
		CreatedAt: s.now().UTC().Format(createdAtLayout),
	}
	if in.Email != nil {
		item.Email = *in.Email
	}
	if in.Notes != nil {
		item.Notes = *in.Notes
	}
	if err := s.table.PutItem(ctx, item); err != nil {
		return store.Item{}, fmt.Errorf("storing item %s: %w", id, err)
	}
	return item, nil
}

func jsonName(field string) string {
	return strings.ToLower(field[:1]) + field[1:]
}
