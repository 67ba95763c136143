package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"price-radar/internal/domain"
	"price-radar/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.TrackedItemRepo  = (*Postgres)(nil)
	_ domain.PriceHistoryRepo = (*Postgres)(nil)
	_ domain.AlertRepo        = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const itemColumns = `id, name, brand, category, size_text, keywords, target_sources, known_refs,
weekly_target_qty, max_price, price_drop_threshold, notify_on_restock, notify_on_price_drop,
is_active, last_checked_at, last_available_at, best_price, best_source, availability, notes,
created_at, updated_at`

// CreateItem сохраняет новую позицию вотчлиста.
func (p *Postgres) CreateItem(ctx context.Context, item domain.TrackedItem) (domain.TrackedItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	keywords, targets, refs, availability, err := marshalItemJSON(item)
	if err != nil {
		return domain.TrackedItem{}, err
	}

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO tracked_items (name, brand, category, size_text, keywords, target_sources, known_refs,
	weekly_target_qty, max_price, price_drop_threshold, notify_on_restock, notify_on_price_drop,
	is_active, availability, notes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
RETURNING `+itemColumns+`
`, item.Name, item.Brand, item.Category, item.Size, keywords, targets, refs,
		item.WeeklyTargetQty, item.MaxPrice, item.PriceDropThreshold, item.NotifyOnRestock, item.NotifyOnPriceDrop,
		item.IsActive, availability, item.Notes)
	created, err := scanItem(row)
	metrics.ObserveDBQuery("tracked_items_insert", "tracked_items", start, err)
	if err != nil {
		return domain.TrackedItem{}, fmt.Errorf("вставка позиции: %w", err)
	}
	return created, nil
}

// GetItem возвращает позицию по идентификатору.
func (p *Postgres) GetItem(ctx context.Context, id int64) (domain.TrackedItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM tracked_items WHERE id=$1`, id)
	item, err := scanItem(row)
	metrics.ObserveDBQuery("tracked_items_get", "tracked_items", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TrackedItem{}, domain.ErrItemNotFound
	}
	return item, err
}

// FindItemByBrandName ищет позицию по паре (бренд, имя) без учёта регистра.
func (p *Postgres) FindItemByBrandName(ctx context.Context, brand, name string) (domain.TrackedItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT `+itemColumns+` FROM tracked_items
WHERE lower(brand)=lower($1) AND lower(name)=lower($2)
`, brand, name)
	item, err := scanItem(row)
	metrics.ObserveDBQuery("tracked_items_find", "tracked_items", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TrackedItem{}, domain.ErrItemNotFound
	}
	return item, err
}

// ListActiveItems возвращает активные позиции в порядке добавления.
func (p *Postgres) ListActiveItems(ctx context.Context) ([]domain.TrackedItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+itemColumns+` FROM tracked_items WHERE is_active ORDER BY id`)
	metrics.ObserveDBQuery("tracked_items_list_active", "tracked_items", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// ListDueItems возвращает активные позиции, которые не проверялись дольше interval.
func (p *Postgres) ListDueItems(ctx context.Context, now time.Time, interval time.Duration) ([]domain.TrackedItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	cutoff := now.Add(-interval)
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+itemColumns+` FROM tracked_items
WHERE is_active AND (last_checked_at IS NULL OR last_checked_at <= $1)
ORDER BY last_checked_at NULLS FIRST, id
`, cutoff)
	metrics.ObserveDBQuery("tracked_items_list_due", "tracked_items", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// SetItemActive включает или выключает мониторинг позиции.
func (p *Postgres) SetItemActive(ctx context.Context, id int64, active bool) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE tracked_items SET is_active=$2, updated_at=now() WHERE id=$1`, id, active)
	metrics.ObserveDBQuery("tracked_items_set_active", "tracked_items", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

// ApplyCheckResult атомарно заменяет снапшот наличия и денормализованные поля
// лучшей цены одним UPDATE.
func (p *Postgres) ApplyCheckResult(ctx context.Context, id int64, snapshot domain.AvailabilitySnapshot, bestSource string, bestPrice *float64, checkedAt time.Time, availableAt *time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	availability, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("сериализация снапшота: %w", err)
	}

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE tracked_items
SET availability=$2, best_source=$3, best_price=$4, last_checked_at=$5,
    last_available_at=COALESCE($6, last_available_at), updated_at=now()
WHERE id=$1
`, id, availability, bestSource, bestPrice, checkedAt, availableAt)
	metrics.ObserveDBQuery("tracked_items_apply_check", "tracked_items", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

// AppendEntry добавляет запись истории цен.
func (p *Postgres) AppendEntry(ctx context.Context, entry domain.PriceHistoryEntry) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO price_history (item_id, source_id, external_id, name, url, price, original_price,
	unit_price, unit_size, in_stock, rating, fetched_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`, entry.ItemID, entry.SourceID, entry.ExternalID, entry.Name, entry.URL, entry.Price, entry.OriginalPrice,
		entry.UnitPrice, entry.UnitSize, entry.InStock, entry.Rating, entry.FetchedAt)
	metrics.ObserveDBQuery("price_history_insert", "price_history", start, err)
	return err
}

// ListRecentEntries отдаёт последние записи позиции, свежие первыми.
func (p *Postgres) ListRecentEntries(ctx context.Context, itemID int64, sourceID string, limit int) ([]domain.PriceHistoryEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, item_id, source_id, external_id, name, url, price, original_price, unit_price, unit_size, in_stock, rating, fetched_at
FROM price_history
WHERE item_id=$1 AND ($2='' OR source_id=$2)
ORDER BY fetched_at DESC, id DESC
LIMIT $3
`, itemID, sourceID, limit)
	metrics.ObserveDBQuery("price_history_list_recent", "price_history", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.PriceHistoryEntry
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// BestPrice возвращает минимальную цену среди последних записей каждого
// источника, где товар был в наличии.
func (p *Postgres) BestPrice(ctx context.Context, itemID int64) (domain.PriceHistoryEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, item_id, source_id, external_id, name, url, price, original_price, unit_price, unit_size, in_stock, rating, fetched_at
FROM (
	SELECT DISTINCT ON (source_id) *
	FROM price_history
	WHERE item_id=$1
	ORDER BY source_id, fetched_at DESC, id DESC
) latest
WHERE in_stock
ORDER BY price
LIMIT 1
`, itemID)
	entry, err := scanHistoryEntry(row)
	metrics.ObserveDBQuery("price_history_best", "price_history", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PriceHistoryEntry{}, domain.ErrNotFound
	}
	return entry, err
}

// SweepOlderThan удаляет записи истории старше отметки.
func (p *Postgres) SweepOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM price_history WHERE fetched_at < $1`, cutoff)
	metrics.ObserveDBQuery("price_history_sweep", "price_history", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateAlert сохраняет оповещение.
func (p *Postgres) CreateAlert(ctx context.Context, alert domain.Alert) (domain.Alert, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO alerts (item_id, type, source_id, old_price, new_price, message)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id, created_at
`, alert.ItemID, alert.Type, alert.SourceID, alert.OldPrice, alert.NewPrice, alert.Message).Scan(&alert.ID, &alert.CreatedAt)
	metrics.ObserveDBQuery("alerts_insert", "alerts", start, err)
	if err != nil {
		return domain.Alert{}, err
	}
	return alert, nil
}

// ListUnreadAlerts возвращает непрочитанные оповещения, свежие первыми.
func (p *Postgres) ListUnreadAlerts(ctx context.Context) ([]domain.Alert, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, item_id, type, source_id, old_price, new_price, message, is_read, created_at
FROM alerts WHERE NOT is_read
ORDER BY created_at DESC, id DESC
`)
	metrics.ObserveDBQuery("alerts_list_unread", "alerts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		var (
			alert    domain.Alert
			oldPrice sql.NullFloat64
			newPrice sql.NullFloat64
		)
		if err := rows.Scan(&alert.ID, &alert.ItemID, &alert.Type, &alert.SourceID, &oldPrice, &newPrice, &alert.Message, &alert.IsRead, &alert.CreatedAt); err != nil {
			return nil, err
		}
		if oldPrice.Valid {
			v := oldPrice.Float64
			alert.OldPrice = &v
		}
		if newPrice.Valid {
			v := newPrice.Float64
			alert.NewPrice = &v
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// MarkAlertRead помечает оповещение прочитанным.
func (p *Postgres) MarkAlertRead(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE alerts SET is_read=true WHERE id=$1`, id)
	metrics.ObserveDBQuery("alerts_mark_read", "alerts", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlertNotFound
	}
	return nil
}

func marshalItemJSON(item domain.TrackedItem) (keywords, targets, refs, availability []byte, err error) {
	if keywords, err = json.Marshal(item.Keywords); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("сериализация ключевых слов: %w", err)
	}
	if targets, err = json.Marshal(item.TargetSources); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("сериализация источников: %w", err)
	}
	if refs, err = json.Marshal(item.KnownRefs); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("сериализация привязок: %w", err)
	}
	snapshot := item.Availability
	if snapshot == nil {
		snapshot = domain.AvailabilitySnapshot{}
	}
	if availability, err = json.Marshal(snapshot); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("сериализация снапшота: %w", err)
	}
	return keywords, targets, refs, availability, nil
}

func scanItem(row pgx.Row) (domain.TrackedItem, error) {
	var (
		item         domain.TrackedItem
		keywords     []byte
		targets      []byte
		refs         []byte
		availability []byte
		maxPrice     sql.NullFloat64
		bestPrice    sql.NullFloat64
		checkedAt    sql.NullTime
		availableAt  sql.NullTime
	)
	err := row.Scan(&item.ID, &item.Name, &item.Brand, &item.Category, &item.Size,
		&keywords, &targets, &refs,
		&item.WeeklyTargetQty, &maxPrice, &item.PriceDropThreshold, &item.NotifyOnRestock, &item.NotifyOnPriceDrop,
		&item.IsActive, &checkedAt, &availableAt, &bestPrice, &item.BestSource, &availability, &item.Notes,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return domain.TrackedItem{}, err
	}
	if err := json.Unmarshal(keywords, &item.Keywords); err != nil {
		return domain.TrackedItem{}, fmt.Errorf("разбор ключевых слов: %w", err)
	}
	if err := json.Unmarshal(targets, &item.TargetSources); err != nil {
		return domain.TrackedItem{}, fmt.Errorf("разбор источников: %w", err)
	}
	if err := json.Unmarshal(refs, &item.KnownRefs); err != nil {
		return domain.TrackedItem{}, fmt.Errorf("разбор привязок: %w", err)
	}
	if err := json.Unmarshal(availability, &item.Availability); err != nil {
		return domain.TrackedItem{}, fmt.Errorf("разбор снапшота: %w", err)
	}
	if maxPrice.Valid {
		v := maxPrice.Float64
		item.MaxPrice = &v
	}
	if bestPrice.Valid {
		v := bestPrice.Float64
		item.BestPrice = &v
	}
	if checkedAt.Valid {
		ts := checkedAt.Time
		item.LastCheckedAt = &ts
	}
	if availableAt.Valid {
		ts := availableAt.Time
		item.LastAvailableAt = &ts
	}
	return item, nil
}

func collectItems(rows pgx.Rows) ([]domain.TrackedItem, error) {
	var items []domain.TrackedItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanHistoryEntry(row pgx.Row) (domain.PriceHistoryEntry, error) {
	var (
		entry         domain.PriceHistoryEntry
		originalPrice sql.NullFloat64
		unitPrice     sql.NullFloat64
		rating        sql.NullFloat64
	)
	err := row.Scan(&entry.ID, &entry.ItemID, &entry.SourceID, &entry.ExternalID, &entry.Name, &entry.URL,
		&entry.Price, &originalPrice, &unitPrice, &entry.UnitSize, &entry.InStock, &rating, &entry.FetchedAt)
	if err != nil {
		return domain.PriceHistoryEntry{}, err
	}
	if originalPrice.Valid {
		v := originalPrice.Float64
		entry.OriginalPrice = &v
	}
	if unitPrice.Valid {
		v := unitPrice.Float64
		entry.UnitPrice = &v
	}
	if rating.Valid {
		v := rating.Float64
		entry.Rating = &v
	}
	return entry, nil
}
