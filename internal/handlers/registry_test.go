package handlers_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/handlers"
)

// stub is a minimal Handler implementation for registry tests.
type stub struct{ category domain.Category }

func (s *stub) Category() domain.Category     { return s.category }
func (s *stub) CanHandle(t *domain.Task) bool { return t.Category == s.category }
func (s *stub) ValidateDocuments(context.Context, *domain.Task) (bool, error) {
	return true, nil
}
func (s *stub) ProcessTask(_ context.Context, t *domain.Task) (*domain.Task, error) {
	return t, nil
}
func (s *stub) SubmitToPortal(context.Context, *domain.Task) (handlers.SubmissionResult, error) {
	return handlers.SubmissionResult{Success: true}, nil
}

func TestRegistry_Get_KnownCategory(t *testing.T) {
	reg := handlers.NewRegistry()
	reg.Register(&stub{category: domain.CategoryFiscal})

	h, err := reg.Get(domain.CategoryFiscal)
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryFiscal, h.Category())
}

func TestRegistry_Get_UnknownCategory(t *testing.T) {
	reg := handlers.NewRegistry()

	_, err := reg.Get(domain.CategoryHousing)
	require.Error(t, err)

	var noHandler *domain.NoHandlerError
	assert.True(t, errors.As(err, &noHandler),
		"expected NoHandlerError, got %T", err)
	assert.Equal(t, domain.CategoryHousing, noHandler.Category)
}

func TestRegistry_Register_Overwrites(t *testing.T) {
	reg := handlers.NewRegistry()
	first := &stub{category: domain.CategoryHealth}
	second := &stub{category: domain.CategoryHealth}
	reg.Register(first)
	reg.Register(second)

	h, err := reg.Get(domain.CategoryHealth)
	require.NoError(t, err)
	assert.Same(t, second, h)
}

func TestRegistry_Categories(t *testing.T) {
	reg := handlers.NewRegistry()
	reg.Register(&stub{category: domain.CategoryMobility})
	reg.Register(&stub{category: domain.CategoryFiscal})

	assert.Equal(t, []domain.Category{domain.CategoryFiscal, domain.CategoryMobility}, reg.Categories())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := handlers.NewRegistry()
	var wg sync.WaitGroup

	for _, c := range domain.Categories() {
		wg.Add(1)
		go func(c domain.Category) {
			defer wg.Done()
			reg.Register(&stub{category: c})
		}(c)
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.Get(domain.CategoryFiscal)
		}()
	}
	wg.Wait()

	assert.Len(t, reg.Categories(), len(domain.Categories()))
}
