package kv

import (
	"context"
	"fmt"
	"strings"

	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/dukex/opsflow/pkg/xjson"
)

const (
	definitionPrefix = "definition/"
	instancePrefix   = "instance/"
	historyPrefix    = "history/"
	recordPrefix     = "record/"
)

// Persistence implements persistence.Persistence over a Backend.
type Persistence struct {
	backend     Backend
	definitions *DefinitionRepository
	instances   *InstanceRepository
	history     *HistoryRepository
}

func New(backend Backend) *Persistence {
	return &Persistence{
		backend:     backend,
		definitions: &DefinitionRepository{backend: backend},
		instances:   &InstanceRepository{backend: backend},
		history:     &HistoryRepository{backend: backend},
	}
}

func (p *Persistence) DefinitionRepository() persistence.DefinitionRepository {
	return p.definitions
}

func (p *Persistence) InstanceRepository() persistence.InstanceRepository {
	return p.instances
}

func (p *Persistence) HistoryRepository() persistence.HistoryRepository {
	return p.history
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.backend.Ping(ctx)
}

func (p *Persistence) Close(_ context.Context) error {
	return p.backend.Close()
}

// checkID rejects ids that would escape their key namespace.
func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\*?[]") || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", persistence.ErrInvalidID, id)
	}

	return nil
}

func get[T any](ctx context.Context, backend Backend, key string) (*T, error) {
	data, err := backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var value T
	if err := xjson.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}

	return &value, nil
}

func list[T any](ctx context.Context, backend Backend, prefix string) ([]*T, error) {
	values, err := backend.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	result := make([]*T, 0, len(values))

	for _, data := range values {
		var value T
		if err := xjson.Unmarshal(data, &value); err != nil {
			return nil, fmt.Errorf("failed to decode entry under %s: %w", prefix, err)
		}

		result = append(result, &value)
	}

	return result, nil
}

// modify decodes the current document, lets fn change it, and stores it.
func modify[T any](ctx context.Context, backend Backend, key string, fn func(current *T) (*T, error)) error {
	return backend.Update(ctx, key, func(raw []byte) ([]byte, error) {
		var current *T

		if raw != nil {
			current = new(T)
			if err := xjson.Unmarshal(raw, current); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", key, err)
			}
		}

		next, err := fn(current)
		if err != nil {
			return nil, err
		}

		return xjson.Marshal(next)
	})
}
