package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
)

// Schema creates the tables, constraints and the NOTIFY triggers that feed PGSource.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	sku         TEXT NOT NULL,
	barcode     TEXT,
	category_id TEXT NOT NULL DEFAULT '',
	supplier_id TEXT NOT NULL DEFAULT '',
	price       NUMERIC(14,2) NOT NULL DEFAULT 0,
	cost        NUMERIC(14,2) NOT NULL DEFAULT 0,
	quantity    INT NOT NULL CHECK (quantity >= 0),
	threshold   INT NOT NULL DEFAULT 0 CHECK (threshold >= 0),
	unit        TEXT NOT NULL DEFAULT '',
	version     INT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, sku)
);
CREATE UNIQUE INDEX IF NOT EXISTS products_tenant_barcode ON products (tenant_id, barcode) WHERE barcode IS NOT NULL;

CREATE TABLE IF NOT EXISTS stock_movements (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	subject_type       TEXT NOT NULL,
	subject_id         TEXT NOT NULL,
	subject_name       TEXT NOT NULL,
	action             TEXT NOT NULL,
	actor_id           TEXT NOT NULL,
	actor_name         TEXT NOT NULL,
	delta              INT NOT NULL,
	operation          TEXT NOT NULL,
	barcode            TEXT,
	resulting_quantity INT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS stock_movements_subject ON stock_movements (subject_id, id DESC);
CREATE INDEX IF NOT EXISTS stock_movements_tenant ON stock_movements (tenant_id, id DESC);

CREATE TABLE IF NOT EXISTS scan_events (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	barcode    TEXT NOT NULL,
	format     TEXT NOT NULL DEFAULT '',
	product_id TEXT,
	actor_id   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS scan_events_tenant ON scan_events (tenant_id, id DESC);

CREATE OR REPLACE FUNCTION notify_inventory_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('inventory_changes', json_build_object(
		'table', TG_TABLE_NAME,
		'type', TG_OP,
		'key', CASE WHEN TG_OP = 'DELETE' THEN OLD.id ELSE NEW.id END,
		'old', CASE WHEN TG_OP IN ('UPDATE', 'DELETE') THEN row_to_json(OLD) END,
		'new', CASE WHEN TG_OP IN ('INSERT', 'UPDATE') THEN row_to_json(NEW) END,
		'commit_time', now()
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS products_notify ON products;
CREATE TRIGGER products_notify AFTER INSERT OR UPDATE OR DELETE ON products
	FOR EACH ROW EXECUTE FUNCTION notify_inventory_change();

DROP TRIGGER IF EXISTS stock_movements_notify ON stock_movements;
CREATE TRIGGER stock_movements_notify AFTER INSERT ON stock_movements
	FOR EACH ROW EXECUTE FUNCTION notify_inventory_change();
`

const uniqueViolation = "23505"

// PGStore keeps products and movements in PostgreSQL. NOTIFY is delivered on commit, so
// listeners only ever see committed changes, in commit order.
type PGStore struct {
	DB *sqlx.DB
}

func NewPGStore(db *sqlx.DB) *PGStore {
	return &PGStore{DB: db}
}

func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

func (r *PGStore) Migrate(ctx context.Context) error {
	if _, err := r.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func mapPGError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

func (r *PGStore) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := r.DB.GetContext(ctx, &p, `SELECT * FROM products WHERE id = $1`, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PGStore) GetProductByBarcode(ctx context.Context, tenantID, barcode string) (*domain.Product, error) {
	var p domain.Product
	err := r.DB.GetContext(ctx, &p, `SELECT * FROM products WHERE tenant_id = $1 AND barcode = $2`, tenantID, barcode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProducts narrows by the indexed columns in SQL and applies the full view predicate
// in Go, so the list and the realtime projection agree on membership.
func (r *PGStore) ListProducts(ctx context.Context, tenantID string, filter domain.ProductFilter) ([]*domain.Product, error) {
	conditions := []string{"tenant_id = :tenant_id"}
	args := map[string]interface{}{"tenant_id": tenantID}

	if filter.CategoryID != "" {
		conditions = append(conditions, "category_id = :category_id")
		args["category_id"] = filter.CategoryID
	}
	if filter.SupplierID != "" {
		conditions = append(conditions, "supplier_id = :supplier_id")
		args["supplier_id"] = filter.SupplierID
	}

	query := "SELECT * FROM products WHERE " + strings.Join(conditions, " AND ") + " ORDER BY updated_at DESC, id"
	nstmt, err := r.DB.PrepareNamedContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer nstmt.Close()

	var rows []*domain.Product
	if err := nstmt.SelectContext(ctx, &rows, args); err != nil {
		return nil, err
	}

	out := rows[:0]
	for _, p := range rows {
		if filter.Matches(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

const insertProduct = `
	INSERT INTO products (
		id, tenant_id, name, sku, barcode, category_id, supplier_id,
		price, cost, quantity, threshold, unit, version, created_at, updated_at
	) VALUES (
		:id, :tenant_id, :name, :sku, :barcode, :category_id, :supplier_id,
		:price, :cost, :quantity, :threshold, :unit, :version, :created_at, :updated_at
	)`

const insertMovement = `
	INSERT INTO stock_movements (
		id, tenant_id, subject_type, subject_id, subject_name, action, actor_id, actor_name,
		delta, operation, barcode, resulting_quantity, created_at
	) VALUES (
		:id, :tenant_id, :subject_type, :subject_id, :subject_name, :action, :actor_id, :actor_name,
		:delta, :operation, :barcode, :resulting_quantity, :created_at
	)`

func (r *PGStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func logMovement(ctx context.Context, tx *sqlx.Tx, m *domain.StockMovement) error {
	if m == nil {
		return nil
	}
	if _, err := tx.NamedExecContext(ctx, insertMovement, m); err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

func (r *PGStore) CreateProduct(ctx context.Context, p *domain.Product, m *domain.StockMovement) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertProduct, p); err != nil {
			return mapPGError(err)
		}
		return logMovement(ctx, tx, m)
	})
}

func (r *PGStore) UpdateProduct(ctx context.Context, p *domain.Product, expectedVersion int, m *domain.StockMovement) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, `
			UPDATE products SET
				name = :name, sku = :sku, barcode = :barcode, category_id = :category_id,
				supplier_id = :supplier_id, price = :price, cost = :cost, quantity = :quantity,
				threshold = :threshold, unit = :unit, version = :version, updated_at = :updated_at
			WHERE id = :id AND version = :expected_version`,
			updateArgs(p, expectedVersion))
		if err != nil {
			return mapPGError(err)
		}
		if err := r.checkApplied(ctx, tx, res, p.ProductID); err != nil {
			return err
		}
		return logMovement(ctx, tx, m)
	})
}

func (r *PGStore) DeleteProduct(ctx context.Context, p *domain.Product, expectedVersion int, m *domain.StockMovement) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1 AND version = $2`, p.ProductID, expectedVersion)
		if err != nil {
			return err
		}
		if err := r.checkApplied(ctx, tx, res, p.ProductID); err != nil {
			return err
		}
		return logMovement(ctx, tx, m)
	})
}

// checkApplied tells a lost compare-and-swap apart from a missing row.
func (r *PGStore) checkApplied(ctx context.Context, tx *sqlx.Tx, res sql.Result, productID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID); err != nil {
		return err
	}
	if !exists {
		return ErrProductNotFound
	}
	return ErrVersionConflict
}

func updateArgs(p *domain.Product, expectedVersion int) map[string]interface{} {
	return map[string]interface{}{
		"id":               p.ProductID,
		"name":             p.Name,
		"sku":              p.SKU,
		"barcode":          p.Barcode,
		"category_id":      p.CategoryID,
		"supplier_id":      p.SupplierID,
		"price":            p.Price,
		"cost":             p.Cost,
		"quantity":         p.Quantity,
		"threshold":        p.Threshold,
		"unit":             p.Unit,
		"version":          p.Version,
		"updated_at":       p.UpdatedAt,
		"expected_version": expectedVersion,
	}
}

func (r *PGStore) ListMovements(ctx context.Context, tenantID, productID string, limit int) ([]*domain.StockMovement, error) {
	query := `SELECT * FROM stock_movements WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if productID != "" {
		query += ` AND subject_id = $2`
		args = append(args, productID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var items []*domain.StockMovement
	if err := r.DB.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *PGStore) RecordScan(ctx context.Context, s *domain.ScanEvent) error {
	_, err := r.DB.NamedExecContext(ctx, `
		INSERT INTO scan_events (id, tenant_id, barcode, format, product_id, actor_id, created_at)
		VALUES (:id, :tenant_id, :barcode, :format, :product_id, :actor_id, :created_at)`, s)
	return err
}

func (r *PGStore) RecentScans(ctx context.Context, tenantID string, limit int) ([]*domain.ScanEvent, error) {
	query := `SELECT * FROM scan_events WHERE tenant_id = $1 ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var items []*domain.ScanEvent
	if err := r.DB.SelectContext(ctx, &items, query, tenantID); err != nil {
		return nil, err
	}
	return items, nil
}

var _ Store = (*PGStore)(nil)
var _ Store = (*DynamoStore)(nil)
var _ Store = (*MemoryStore)(nil)
