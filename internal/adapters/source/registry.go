package source

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"price-radar/internal/domain"
)

// Registry — реестр адаптеров источников с фиксированным порядком регистрации.
// Порядок важен: он задаёт стабильный tie-break при сортировке сравнения.
type Registry struct {
	order    []string
	adapters map[string]domain.SourceAdapter
}

var _ domain.SourceRegistry = (*Registry)(nil)

// NewRegistry собирает реестр из адаптеров. Повторный идентификатор — ошибка
// конфигурации, с ней нельзя стартовать.
func NewRegistry(adapters ...domain.SourceAdapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]domain.SourceAdapter, len(adapters))}
	for _, adapter := range adapters {
		id := adapter.ID()
		if _, exists := r.adapters[id]; exists {
			return nil, fmt.Errorf("источник %q зарегистрирован дважды", id)
		}
		r.order = append(r.order, id)
		r.adapters[id] = adapter
	}
	return r, nil
}

func (r *Registry) Get(id string) (domain.SourceAdapter, bool) {
	adapter, ok := r.adapters[id]
	return adapter, ok
}

// All возвращает адаптеры в порядке регистрации.
func (r *Registry) All() []domain.SourceAdapter {
	out := make([]domain.SourceAdapter, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.adapters[id])
	}
	return out
}

func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ReleaseAll освобождает ресурсы всех адаптеров. Ошибки не прерывают обход:
// каждый адаптер должен получить свой Release.
func (r *Registry) ReleaseAll(ctx context.Context, logger zerolog.Logger) {
	for _, id := range r.order {
		if err := r.adapters[id].Release(ctx); err != nil {
			logger.Error().Err(err).Str("source", id).Msg("source: ошибка освобождения адаптера")
		}
	}
}
