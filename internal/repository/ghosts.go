package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mmeshcher/smmpanel-system/internal/model"
)

// CreateGhostOrder сохраняет запись о заказе-призраке. Повторная запись
// того же заказа провайдера не создаётся; возвращается признак вставки.
func (r *PostgresRepository) CreateGhostOrder(ctx context.Context, g model.GhostOrder) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO ghost_orders (provider, provider_order_id, link, quantity, charge, provider_status, provider_created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (provider, provider_order_id) DO NOTHING`,
		g.Provider, g.ProviderOrderID, g.Link, g.Quantity, g.ChargeCents, g.ProviderStatus, g.ProviderCreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert ghost order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListGhostOrders возвращает записи о заказах-призраках, сначала новые.
func (r *PostgresRepository) ListGhostOrders(ctx context.Context, includeResolved bool, limit int) ([]model.GhostOrder, error) {
	query := `SELECT id, provider, provider_order_id, link, quantity, charge, provider_status, provider_created_at, resolved, created_at
		 FROM ghost_orders WHERE NOT resolved ORDER BY created_at DESC LIMIT $1`
	if includeResolved {
		query = `SELECT id, provider, provider_order_id, link, quantity, charge, provider_status, provider_created_at, resolved, created_at
		 FROM ghost_orders ORDER BY created_at DESC LIMIT $1`
	}

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select ghost orders: %w", err)
	}
	defer rows.Close()

	var res []model.GhostOrder
	for rows.Next() {
		var g model.GhostOrder
		if err := rows.Scan(&g.ID, &g.Provider, &g.ProviderOrderID, &g.Link, &g.Quantity,
			&g.ChargeCents, &g.ProviderStatus, &g.ProviderCreatedAt, &g.Resolved, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ghost order: %w", err)
		}
		res = append(res, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ResolveGhostOrder помечает запись о заказе-призраке обработанной.
func (r *PostgresRepository) ResolveGhostOrder(ctx context.Context, ghostID int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE ghost_orders SET resolved = TRUE WHERE id = $1`, ghostID)
	if err != nil {
		return fmt.Errorf("resolve ghost order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGhostNotFound
	}
	return nil
}

// InsertEvent сохраняет запись системного журнала событий.
func (r *PostgresRepository) InsertEvent(ctx context.Context, e model.Event) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO system_events (type, severity, source, description, metadata, entity_type, entity_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Type, e.Severity, e.Source, e.Description, metadataJSON, e.EntityType, e.EntityID,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents возвращает последние записи журнала событий.
func (r *PostgresRepository) ListEvents(ctx context.Context, limit int) ([]model.Event, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, type, severity, source, description, metadata, entity_type, entity_id, created_at
		 FROM system_events
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var res []model.Event
	for rows.Next() {
		var e model.Event
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.Severity, &e.Source, &e.Description,
			&metadata, &e.EntityType, &e.EntityID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// Stats возвращает сводные счётчики для административной панели.
func (r *PostgresRepository) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	queries := []struct {
		key   string
		query string
	}{
		{"total_users", `SELECT COUNT(*) FROM users`},
		{"total_orders", `SELECT COUNT(*) FROM orders`},
		{"pending_deposits", `SELECT COUNT(*) FROM deposits WHERE status = 'pending'`},
		{"unresolved_ghosts", `SELECT COUNT(*) FROM ghost_orders WHERE NOT resolved`},
		{"failed_orders", `SELECT COUNT(*) FROM orders WHERE status = 'submission_failed'`},
	}

	for _, q := range queries {
		var v int64
		if err := r.pool.QueryRow(ctx, q.query).Scan(&v); err != nil {
			return nil, fmt.Errorf("stat %s: %w", q.key, err)
		}
		stats[q.key] = v
	}

	return stats, nil
}
