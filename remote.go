package mealsync

import (
	"context"

	"github.com/tablewise/mealsync/internal/transport"
	"github.com/tablewise/mealsync/pkg/records"
)

// Collection endpoint paths on the remote service.
const (
	MealIdeasPath = "/api/meal-ideas"
	PantryPath    = "/api/pantry"
)

// restRemote implements Remote over the service's conventional JSON
// CRUD endpoints.
type restRemote[R records.Record[R]] struct {
	client *transport.Client
	path   string
}

// NewRestRemote creates a Remote for the collection rooted at path.
func NewRestRemote[R records.Record[R]](client *transport.Client, path string) Remote[R] {
	return &restRemote[R]{client: client, path: path}
}

func (r *restRemote[R]) List(ctx context.Context) ([]R, error) {
	var out []R
	if err := r.client.GetJSON(ctx, r.path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *restRemote[R]) Create(ctx context.Context, payload map[string]any) (R, error) {
	var out R
	err := r.client.PostJSON(ctx, r.path, payload, &out)
	return out, err
}

func (r *restRemote[R]) Update(ctx context.Context, id string, payload map[string]any) (R, error) {
	var out R
	err := r.client.PutJSON(ctx, r.path+"/"+id, payload, &out)
	return out, err
}

func (r *restRemote[R]) Delete(ctx context.Context, id string) error {
	return r.client.Delete(ctx, r.path+"/"+id)
}
