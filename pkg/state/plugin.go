package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksi-project/ksi/pkg/bus"
)

// Plugin exposes the state store over the event bus.
type Plugin struct {
	store *Store
}

// NewPlugin wraps a store as a bus plugin.
func NewPlugin(store *Store) *Plugin {
	return &Plugin{store: store}
}

func (p *Plugin) Name() string { return "state" }

func (p *Plugin) Handlers() []bus.HandlerSpec {
	return []bus.HandlerSpec{
		{
			Event:   "state:set",
			Fn:      p.handleSet,
			Summary: "Store a value under a namespaced key",
			Parameters: map[string]bus.ParamSpec{
				"namespace": {Type: "string", Default: "global"},
				"key":       {Type: "string", Required: true},
				"value":     {Type: "any", Required: true},
			},
		},
		{
			Event:   "state:get",
			Fn:      p.handleGet,
			Summary: "Read a value by namespaced key",
			Parameters: map[string]bus.ParamSpec{
				"namespace": {Type: "string", Default: "global"},
				"key":       {Type: "string", Required: true},
			},
		},
		{
			Event:   "state:delete",
			Fn:      p.handleDelete,
			Summary: "Delete a namespaced key",
			Parameters: map[string]bus.ParamSpec{
				"namespace": {Type: "string", Default: "global"},
				"key":       {Type: "string", Required: true},
			},
		},
		{
			Event:   "state:list",
			Fn:      p.handleList,
			Summary: "List the keys of a namespace",
			Parameters: map[string]bus.ParamSpec{
				"namespace": {Type: "string", Default: "global"},
			},
		},
		{
			Event:   "state:entity:create",
			Fn:      p.handleEntityCreate,
			Summary: "Create a graph entity",
			Parameters: map[string]bus.ParamSpec{
				"id":         {Type: "string", Required: true},
				"type":       {Type: "string", Required: true},
				"properties": {Type: "object"},
			},
		},
		{
			Event:   "state:entity:get",
			Fn:      p.handleEntityGet,
			Summary: "Read a graph entity",
			Parameters: map[string]bus.ParamSpec{
				"id": {Type: "string", Required: true},
			},
		},
		{
			Event:   "state:entity:update",
			Fn:      p.handleEntityUpdate,
			Summary: "Merge properties into a graph entity",
			Parameters: map[string]bus.ParamSpec{
				"id":         {Type: "string", Required: true},
				"properties": {Type: "object", Required: true},
			},
		},
		{
			Event:   "state:entity:delete",
			Fn:      p.handleEntityDelete,
			Summary: "Delete an entity and its relationships",
			Parameters: map[string]bus.ParamSpec{
				"id": {Type: "string", Required: true},
			},
		},
		{
			Event:   "state:entity:query",
			Fn:      p.handleEntityQuery,
			Summary: "List entities, optionally by type",
			Parameters: map[string]bus.ParamSpec{
				"type": {Type: "string"},
			},
		},
		{
			Event:   "state:relationship:create",
			Fn:      p.handleRelCreate,
			Summary: "Create a typed edge between two entities",
			Parameters: map[string]bus.ParamSpec{
				"from":       {Type: "string", Required: true},
				"to":         {Type: "string", Required: true},
				"type":       {Type: "string", Required: true},
				"properties": {Type: "object"},
			},
		},
		{
			Event:   "state:relationship:delete",
			Fn:      p.handleRelDelete,
			Summary: "Delete one edge",
			Parameters: map[string]bus.ParamSpec{
				"from": {Type: "string", Required: true},
				"to":   {Type: "string", Required: true},
				"type": {Type: "string", Required: true},
			},
		},
		{
			Event:   "state:relationship:query",
			Fn:      p.handleRelQuery,
			Summary: "Query edges by endpoint and/or type",
			Parameters: map[string]bus.ParamSpec{
				"from": {Type: "string"},
				"to":   {Type: "string"},
				"type": {Type: "string"},
			},
		},
		{
			Event:   "state:graph:traverse",
			Fn:      p.handleGraphTraverse,
			Summary: "Walk the entity graph breadth-first from a start node",
			Parameters: map[string]bus.ParamSpec{
				"from":      {Type: "string", Required: true},
				"direction": {Type: "string", Default: "out", Description: "out, in, or both"},
				"type":      {Type: "string"},
				"depth":     {Type: "number", Description: "maximum distance; omit for unbounded"},
			},
		},
	}
}

func stringParam(data map[string]any, key, fallback string) string {
	if v, ok := data[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func (p *Plugin) handleSet(ctx context.Context, data map[string]any) (map[string]any, error) {
	key := stringParam(data, "key", "")
	if key == "" {
		return bus.ErrorResult(bus.CodeValidation, "set requires a 'key' parameter"), nil
	}
	value, ok := data["value"]
	if !ok {
		return bus.ErrorResult(bus.CodeValidation, "set requires a 'value' parameter"), nil
	}
	namespace := stringParam(data, "namespace", "global")
	if err := p.store.Set(ctx, namespace, key, value); err != nil {
		return nil, err
	}
	return map[string]any{"status": "stored", "namespace": namespace, "key": key}, nil
}

func (p *Plugin) handleGet(ctx context.Context, data map[string]any) (map[string]any, error) {
	key := stringParam(data, "key", "")
	if key == "" {
		return bus.ErrorResult(bus.CodeValidation, "get requires a 'key' parameter"), nil
	}
	namespace := stringParam(data, "namespace", "global")
	value, err := p.store.Get(ctx, namespace, key)
	if errors.Is(err, ErrNotFound) {
		return map[string]any{"value": nil, "found": false}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"value": value, "found": true}, nil
}

func (p *Plugin) handleDelete(ctx context.Context, data map[string]any) (map[string]any, error) {
	key := stringParam(data, "key", "")
	if key == "" {
		return bus.ErrorResult(bus.CodeValidation, "delete requires a 'key' parameter"), nil
	}
	namespace := stringParam(data, "namespace", "global")
	err := p.store.Delete(ctx, namespace, key)
	if errors.Is(err, ErrNotFound) {
		return bus.ErrorResult(bus.CodeNotFound,
			fmt.Sprintf("no value stored under %s/%s", namespace, key)), nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "deleted"}, nil
}

func (p *Plugin) handleList(ctx context.Context, data map[string]any) (map[string]any, error) {
	namespace := stringParam(data, "namespace", "global")
	keys, err := p.store.ListKeys(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return map[string]any{"namespace": namespace, "keys": keys}, nil
}

func (p *Plugin) handleEntityCreate(ctx context.Context, data map[string]any) (map[string]any, error) {
	id := stringParam(data, "id", "")
	entityType := stringParam(data, "type", "")
	if id == "" || entityType == "" {
		return bus.ErrorResult(bus.CodeValidation, "entity create requires 'id' and 'type'"), nil
	}
	properties, _ := data["properties"].(map[string]any)
	if err := p.store.CreateEntity(ctx, id, entityType, properties); err != nil {
		return bus.ErrorResult(bus.CodeHandlerError, err.Error()), nil
	}
	return map[string]any{"status": "created", "id": id}, nil
}

func (p *Plugin) handleEntityGet(ctx context.Context, data map[string]any) (map[string]any, error) {
	id := stringParam(data, "id", "")
	if id == "" {
		return bus.ErrorResult(bus.CodeValidation, "entity get requires 'id'"), nil
	}
	entity, err := p.store.GetEntity(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return bus.ErrorResult(bus.CodeNotFound, fmt.Sprintf("entity %s does not exist", id)), nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":         entity.ID,
		"type":       entity.Type,
		"properties": entity.Properties,
		"created_at": entity.CreatedAt,
	}, nil
}

func (p *Plugin) handleEntityUpdate(ctx context.Context, data map[string]any) (map[string]any, error) {
	id := stringParam(data, "id", "")
	properties, ok := data["properties"].(map[string]any)
	if id == "" || !ok {
		return bus.ErrorResult(bus.CodeValidation, "entity update requires 'id' and 'properties'"), nil
	}
	err := p.store.UpdateEntity(ctx, id, properties)
	if errors.Is(err, ErrNotFound) {
		return bus.ErrorResult(bus.CodeNotFound, fmt.Sprintf("entity %s does not exist", id)), nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "updated", "id": id}, nil
}

func (p *Plugin) handleEntityDelete(ctx context.Context, data map[string]any) (map[string]any, error) {
	id := stringParam(data, "id", "")
	if id == "" {
		return bus.ErrorResult(bus.CodeValidation, "entity delete requires 'id'"), nil
	}
	err := p.store.DeleteEntity(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return bus.ErrorResult(bus.CodeNotFound, fmt.Sprintf("entity %s does not exist", id)), nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "deleted", "id": id}, nil
}

func (p *Plugin) handleEntityQuery(ctx context.Context, data map[string]any) (map[string]any, error) {
	entities, err := p.store.QueryEntities(ctx, stringParam(data, "type", ""))
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		out = append(out, map[string]any{
			"id":         e.ID,
			"type":       e.Type,
			"properties": e.Properties,
		})
	}
	return map[string]any{"entities": out, "total": len(out)}, nil
}

func (p *Plugin) handleRelCreate(ctx context.Context, data map[string]any) (map[string]any, error) {
	from := stringParam(data, "from", "")
	to := stringParam(data, "to", "")
	relType := stringParam(data, "type", "")
	if from == "" || to == "" || relType == "" {
		return bus.ErrorResult(bus.CodeValidation, "relationship create requires 'from', 'to', and 'type'"), nil
	}
	properties, _ := data["properties"].(map[string]any)
	err := p.store.CreateRelationship(ctx, from, to, relType, properties)
	if errors.Is(err, ErrNotFound) {
		return bus.ErrorResult(bus.CodeNotFound, err.Error()), nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "created"}, nil
}

func (p *Plugin) handleRelDelete(ctx context.Context, data map[string]any) (map[string]any, error) {
	from := stringParam(data, "from", "")
	to := stringParam(data, "to", "")
	relType := stringParam(data, "type", "")
	if from == "" || to == "" || relType == "" {
		return bus.ErrorResult(bus.CodeValidation, "relationship delete requires 'from', 'to', and 'type'"), nil
	}
	err := p.store.DeleteRelationship(ctx, from, to, relType)
	if errors.Is(err, ErrNotFound) {
		return bus.ErrorResult(bus.CodeNotFound, "relationship does not exist"), nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "deleted"}, nil
}

func (p *Plugin) handleGraphTraverse(ctx context.Context, data map[string]any) (map[string]any, error) {
	from := stringParam(data, "from", "")
	if from == "" {
		return bus.ErrorResult(bus.CodeValidation, "traverse requires 'from'"), nil
	}
	direction := stringParam(data, "direction", "out")
	switch direction {
	case "out", "in", "both":
	default:
		return bus.ErrorResult(bus.CodeValidation, "direction must be 'out', 'in', or 'both'"), nil
	}
	depth := 0
	if v, ok := data["depth"].(float64); ok {
		depth = int(v)
	}
	nodes, err := p.store.Traverse(ctx, from, direction, stringParam(data, "type", ""), depth)
	if errors.Is(err, ErrNotFound) {
		return bus.ErrorResult(bus.CodeNotFound, fmt.Sprintf("entity %s does not exist", from)), nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, map[string]any{
			"id":         n.Entity.ID,
			"type":       n.Entity.Type,
			"properties": n.Entity.Properties,
			"depth":      n.Depth,
		})
	}
	return map[string]any{"nodes": out, "total": len(out)}, nil
}

func (p *Plugin) handleRelQuery(ctx context.Context, data map[string]any) (map[string]any, error) {
	rels, err := p.store.QueryRelationships(ctx,
		stringParam(data, "from", ""),
		stringParam(data, "to", ""),
		stringParam(data, "type", ""))
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(rels))
	for _, r := range rels {
		out = append(out, map[string]any{
			"from":       r.FromID,
			"to":         r.ToID,
			"type":       r.Type,
			"properties": r.Properties,
		})
	}
	return map[string]any{"relationships": out, "total": len(out)}, nil
}
