package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/parash93/kdm-procurex-backend/internal/domain"
	"github.com/parash93/kdm-procurex-backend/internal/store"
	"github.com/parash93/kdm-procurex-backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so the row loaders can run
// inside or outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if supplier.CompanyName == "" {
		return nil, fmt.Errorf("%w: company name is required", store.ErrValidation)
	}
	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if supplier.Status == "" {
		supplier.Status = domain.EntityStatusActive
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppliers (id, company_name, contact_person, email, phone, address, tax_id, payment_terms, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, supplier.ID, supplier.CompanyName, supplier.ContactPerson, supplier.Email, supplier.Phone,
		supplier.Address, supplier.TaxID, supplier.PaymentTerms, supplier.Status, supplier.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: supplier %s already exists", store.ErrValidation, supplier.ID)
		}
		return nil, err
	}
	created := supplier
	return &created, nil
}

func (s *Store) GetSupplierByID(ctx context.Context, supplierID string) (*domain.Supplier, error) {
	var supplier domain.Supplier
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_name, contact_person, email, phone, address, tax_id, payment_terms, status, created_at
		FROM suppliers
		WHERE id = $1 AND status <> 'DELETED'
	`, supplierID).Scan(&supplier.ID, &supplier.CompanyName, &supplier.ContactPerson, &supplier.Email,
		&supplier.Phone, &supplier.Address, &supplier.TaxID, &supplier.PaymentTerms, &supplier.Status, &supplier.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &supplier, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_name, contact_person, email, phone, address, tax_id, payment_terms, status, created_at
		FROM suppliers
		WHERE status <> 'DELETED'
		ORDER BY company_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 64)
	for rows.Next() {
		var supplier domain.Supplier
		if err := rows.Scan(&supplier.ID, &supplier.CompanyName, &supplier.ContactPerson, &supplier.Email,
			&supplier.Phone, &supplier.Address, &supplier.TaxID, &supplier.PaymentTerms, &supplier.Status, &supplier.CreatedAt); err != nil {
			return nil, err
		}
		suppliers = append(suppliers, supplier)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return suppliers, nil
}

func (s *Store) UpdateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if supplier.CompanyName == "" {
		return nil, fmt.Errorf("%w: company name is required", store.ErrValidation)
	}
	if supplier.Status == "" {
		supplier.Status = domain.EntityStatusActive
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE suppliers
		SET company_name = $2, contact_person = $3, email = $4, phone = $5, address = $6, tax_id = $7, payment_terms = $8, status = $9
		WHERE id = $1 AND status <> 'DELETED'
	`, supplier.ID, supplier.CompanyName, supplier.ContactPerson, supplier.Email, supplier.Phone,
		supplier.Address, supplier.TaxID, supplier.PaymentTerms, supplier.Status)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	updated := supplier
	return &updated, nil
}

func (s *Store) DeleteSupplier(ctx context.Context, supplierID string) error {
	return s.softDelete(ctx, "suppliers", supplierID)
}

func (s *Store) CreateDivision(ctx context.Context, division domain.Division) (*domain.Division, error) {
	if division.Name == "" {
		return nil, fmt.Errorf("%w: division name is required", store.ErrValidation)
	}
	if division.ID == "" {
		division.ID = xid.New("div")
	}
	if division.Status == "" {
		division.Status = domain.EntityStatusActive
	}
	if division.CreatedAt.IsZero() {
		division.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO divisions (id, name, contact_person, status, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, division.ID, division.Name, division.ContactPerson, division.Status, division.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: division %s already exists", store.ErrValidation, division.ID)
		}
		return nil, err
	}
	created := division
	return &created, nil
}

func (s *Store) ListDivisions(ctx context.Context) ([]domain.Division, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, contact_person, status, created_at
		FROM divisions
		WHERE status <> 'DELETED'
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	divisions := make([]domain.Division, 0, 32)
	for rows.Next() {
		var division domain.Division
		if err := rows.Scan(&division.ID, &division.Name, &division.ContactPerson, &division.Status, &division.CreatedAt); err != nil {
			return nil, err
		}
		divisions = append(divisions, division)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return divisions, nil
}

func (s *Store) DeleteDivision(ctx context.Context, divisionID string) error {
	return s.softDelete(ctx, "divisions", divisionID)
}

func (s *Store) CreateProductCategory(ctx context.Context, category domain.ProductCategory) (*domain.ProductCategory, error) {
	if category.Name == "" {
		return nil, fmt.Errorf("%w: category name is required", store.ErrValidation)
	}
	if category.ID == "" {
		category.ID = xid.New("cat")
	}
	if category.Status == "" {
		category.Status = domain.EntityStatusActive
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_categories (id, name, description, status, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, category.ID, category.Name, category.Description, category.Status, category.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: category %s already exists", store.ErrValidation, category.ID)
		}
		return nil, err
	}
	created := category
	return &created, nil
}

func (s *Store) ListProductCategories(ctx context.Context) ([]domain.ProductCategory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, status, created_at
		FROM product_categories
		WHERE status <> 'DELETED'
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.ProductCategory, 0, 32)
	for rows.Next() {
		var category domain.ProductCategory
		if err := rows.Scan(&category.ID, &category.Name, &category.Description, &category.Status, &category.CreatedAt); err != nil {
			return nil, err
		}
		categories = append(categories, category)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *Store) DeleteProductCategory(ctx context.Context, categoryID string) error {
	return s.softDelete(ctx, "product_categories", categoryID)
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" {
		return nil, fmt.Errorf("%w: product name is required", store.ErrValidation)
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.Status == "" {
		product.Status = domain.EntityStatusActive
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, name, category_id, description, min_delivery_days, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, product.ID, product.Name, nullString(product.CategoryID), product.Description, product.MinDeliveryDays, product.Status, product.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: category %s", store.ErrNotFound, product.CategoryID)
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: product %s already exists", store.ErrValidation, product.ID)
		}
		return nil, err
	}
	// A product starts with an inventory row at zero so inventory lookups
	// see it before its first movement.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory (id, product_id, quantity, updated_at)
		VALUES ($1,$2,0,$3)
		ON CONFLICT (product_id) DO NOTHING
	`, xid.New("inv"), product.ID, product.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	created := product
	return &created, nil
}

func (s *Store) GetProductByID(ctx context.Context, productID string) (*domain.Product, error) {
	var product domain.Product
	var categoryID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category_id, description, min_delivery_days, status, created_at
		FROM products
		WHERE id = $1 AND status <> 'DELETED'
	`, productID).Scan(&product.ID, &product.Name, &categoryID, &product.Description, &product.MinDeliveryDays, &product.Status, &product.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	product.CategoryID = categoryID.String
	return &product, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category_id, description, min_delivery_days, status, created_at
		FROM products
		WHERE status <> 'DELETED'
		ORDER BY category_id NULLS LAST, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var product domain.Product
		var categoryID sql.NullString
		if err := rows.Scan(&product.ID, &product.Name, &categoryID, &product.Description, &product.MinDeliveryDays, &product.Status, &product.CreatedAt); err != nil {
			return nil, err
		}
		product.CategoryID = categoryID.String
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" {
		return nil, fmt.Errorf("%w: product name is required", store.ErrValidation)
	}
	if product.Status == "" {
		product.Status = domain.EntityStatusActive
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category_id = $3, description = $4, min_delivery_days = $5, status = $6
		WHERE id = $1 AND status <> 'DELETED'
	`, product.ID, product.Name, nullString(product.CategoryID), product.Description, product.MinDeliveryDays, product.Status)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	updated := product
	return &updated, nil
}

func (s *Store) DeleteProduct(ctx context.Context, productID string) error {
	return s.softDelete(ctx, "products", productID)
}

func (s *Store) softDelete(ctx context.Context, table string, id string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET status = 'DELETED' WHERE id = $1 AND status <> 'DELETED'`, table), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreatePurchaseOrder(ctx context.Context, order domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if len(order.Items) == 0 {
		return nil, fmt.Errorf("%w: purchase order requires at least one item", store.ErrValidation)
	}
	for _, item := range order.Items {
		if item.ProductName == "" {
			return nil, fmt.Errorf("%w: item product name is required", store.ErrValidation)
		}
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: item quantity must be positive", store.ErrValidation)
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM suppliers WHERE id = $1 AND status <> 'DELETED')
	`, order.SupplierID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: supplier %s", store.ErrNotFound, order.SupplierID)
	}
	if order.DivisionID != "" {
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM divisions WHERE id = $1 AND status <> 'DELETED')
		`, order.DivisionID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: division %s", store.ErrNotFound, order.DivisionID)
		}
	}

	now := time.Now().UTC()
	if order.ID == "" {
		order.ID = xid.New("po")
	}
	if order.Status == "" {
		order.Status = domain.OrderDraft
	}
	order.CreatedAt = now
	order.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO purchase_orders (id, order_number, supplier_id, division_id, status, currency, payment_terms, remarks, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, order.ID, order.OrderNumber, order.SupplierID, nullString(order.DivisionID), string(order.Status),
		order.Currency, order.PaymentTerms, order.Remarks, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: order number %s already exists", store.ErrValidation, order.OrderNumber)
		}
		return nil, err
	}

	for idx := range order.Items {
		item := &order.Items[idx]
		item.ID = xid.New("poi")
		item.OrderID = order.ID
		item.DispatchedQuantity = 0
		item.TotalPrice = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		_, err := tx.ExecContext(ctx, `
			INSERT INTO purchase_order_items (id, order_id, product_id, product_name, sku, quantity, dispatched_quantity, unit_price, total_price, expected_delivery_date, remarks)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, item.ID, item.OrderID, nullString(item.ProductID), item.ProductName, item.SKU, item.Quantity,
			item.DispatchedQuantity, item.UnitPrice, item.TotalPrice, nullTime(item.ExpectedDeliveryDate), item.Remarks)
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, item.ProductID)
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	created := order
	return &created, nil
}

func (s *Store) GetPurchaseOrderByID(ctx context.Context, orderID string) (*domain.PurchaseOrder, error) {
	return loadOrder(ctx, s.db, orderID)
}

func (s *Store) ListPurchaseOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.PurchaseOrder, error) {
	if limit < 1 {
		limit = 100
	}
	query := `
		SELECT id
		FROM purchase_orders
		WHERE status <> 'DELETED'
		ORDER BY created_at DESC
		LIMIT $1
	`
	args := []any{limit}
	if status != "" {
		query = `
			SELECT id
			FROM purchase_orders
			WHERE status = $2
			ORDER BY created_at DESC
			LIMIT $1
		`
		args = append(args, string(status))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	orders := make([]domain.PurchaseOrder, 0, len(ids))
	for _, id := range ids {
		order, err := loadOrder(ctx, s.db, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

func (s *Store) UpdatePurchaseOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) (*domain.PurchaseOrder, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown order status %q", store.ErrValidation, status)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM purchase_orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if current == string(domain.OrderDeleted) || current == string(domain.OrderCancelled) {
		return nil, fmt.Errorf("%w: order %s is %s", store.ErrInvalidTransition, orderID, current)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE purchase_orders SET status = $2, updated_at = now() WHERE id = $1
	`, orderID, string(status))
	if err != nil {
		return nil, err
	}

	order, err := loadOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return order, nil
}

func (s *Store) DeletePurchaseOrder(ctx context.Context, orderID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM purchase_orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if current == string(domain.OrderDeleted) {
		return store.ErrNotFound
	}
	if domain.OrderStatus(current).Fulfillable() {
		return fmt.Errorf("%w: order %s is in fulfillment", store.ErrInvalidTransition, orderID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE purchase_orders SET status = 'DELETED', updated_at = now() WHERE id = $1
	`, orderID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapTxError(err)
	}
	return nil
}

func (s *Store) AppendOrderStageUpdate(ctx context.Context, update domain.StageUpdate, syncStatus bool) (*domain.PurchaseOrder, error) {
	if update.Stage == "" {
		return nil, fmt.Errorf("%w: stage is required", store.ErrValidation)
	}
	if syncStatus && !domain.OrderStatus(update.Stage).Valid() {
		return nil, fmt.Errorf("%w: stage %q is not an order status", store.ErrValidation, update.Stage)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM purchase_orders WHERE id = $1)
	`, update.OrderID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	update.ID = xid.New("stg")
	update.CreatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stage_updates (id, order_id, stage, notes, updated_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, update.ID, update.OrderID, update.Stage, update.Notes, update.UpdatedBy, update.CreatedAt)
	if err != nil {
		return nil, err
	}

	if syncStatus {
		_, err = tx.ExecContext(ctx, `
			UPDATE purchase_orders SET status = $2, updated_at = now() WHERE id = $1
		`, update.OrderID, update.Stage)
		if err != nil {
			return nil, err
		}
	}

	order, err := loadOrder(ctx, tx, update.OrderID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return order, nil
}

func (s *Store) SubmitApproval(ctx context.Context, approval domain.Approval) (*domain.Approval, *domain.PurchaseOrder, error) {
	if approval.Level != 1 && approval.Level != 2 {
		return nil, nil, fmt.Errorf("%w: approval level must be 1 or 2", store.ErrValidation)
	}
	if approval.Decision != domain.DecisionApproved && approval.Decision != domain.DecisionRejected {
		return nil, nil, fmt.Errorf("%w: unknown decision %q", store.ErrValidation, approval.Decision)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM purchase_orders WHERE id = $1 FOR UPDATE
	`, approval.OrderID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	status := domain.OrderStatus(current)
	if status == domain.OrderDeleted {
		return nil, nil, store.ErrNotFound
	}

	var next domain.OrderStatus
	switch {
	case approval.Decision == domain.DecisionRejected:
		if status != domain.OrderPendingL1 && status != domain.OrderApprovedL1 {
			return nil, nil, fmt.Errorf("%w: order %s is %s", store.ErrInvalidTransition, approval.OrderID, status)
		}
		next = domain.OrderRejectedL1
	case approval.Level == 1:
		if status != domain.OrderPendingL1 {
			return nil, nil, fmt.Errorf("%w: order %s is %s", store.ErrInvalidTransition, approval.OrderID, status)
		}
		next = domain.OrderApprovedL1
	default:
		if status != domain.OrderApprovedL1 {
			return nil, nil, fmt.Errorf("%w: order %s is %s", store.ErrInvalidTransition, approval.OrderID, status)
		}
		if err := checkStockSufficiency(ctx, tx, approval.OrderID); err != nil {
			return nil, nil, err
		}
		next = domain.OrderPlaced
	}

	approval.ID = xid.New("apr")
	approval.CreatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO approvals (id, order_id, approver_id, level, decision, remarks, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, approval.ID, approval.OrderID, approval.ApproverID, approval.Level, approval.Decision, approval.Remarks, approval.CreatedAt)
	if err != nil {
		return nil, nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE purchase_orders SET status = $2, updated_at = now() WHERE id = $1
	`, approval.OrderID, string(next))
	if err != nil {
		return nil, nil, err
	}

	order, err := loadOrder(ctx, tx, approval.OrderID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, mapTxError(err)
	}
	return &approval, order, nil
}

// checkStockSufficiency verifies that on-hand inventory covers the ordered
// quantity for every product-linked line of the order.
func checkStockSufficiency(ctx context.Context, q dbtx, orderID string) error {
	rows, err := q.QueryContext(ctx, `
		SELECT pi.product_name, pi.quantity, COALESCE(inv.quantity, 0)
		FROM purchase_order_items pi
		LEFT JOIN inventory inv ON inv.product_id = pi.product_id
		WHERE pi.order_id = $1 AND pi.product_id IS NOT NULL
	`, orderID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var required, available int
		if err := rows.Scan(&name, &required, &available); err != nil {
			return err
		}
		if available < required {
			return fmt.Errorf("%w: insufficient stock for %s: required %d, available %d",
				store.ErrValidation, name, required, available)
		}
	}
	return rows.Err()
}

func (s *Store) ListApprovals(ctx context.Context, orderID string) ([]domain.Approval, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM purchase_orders WHERE id = $1)
	`, orderID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return loadApprovals(ctx, s.db, orderID)
}

func (s *Store) CreateDispatch(ctx context.Context, dispatch domain.Dispatch) (*domain.Dispatch, error) {
	if len(dispatch.Items) == 0 {
		return nil, fmt.Errorf("%w: dispatch requires at least one item", store.ErrValidation)
	}
	for _, line := range dispatch.Items {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: dispatch quantity must be positive", store.ErrValidation)
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM suppliers WHERE id = $1 AND status <> 'DELETED')
	`, dispatch.SupplierID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: supplier %s", store.ErrNotFound, dispatch.SupplierID)
	}

	// Lock and validate every target line before any mutation.
	requested := make(map[string]int, len(dispatch.Items))
	for _, line := range dispatch.Items {
		var productName, orderSupplier string
		var quantity, dispatched int
		err := tx.QueryRowContext(ctx, `
			SELECT pi.product_name, pi.quantity, pi.dispatched_quantity, po.supplier_id
			FROM purchase_order_items pi
			JOIN purchase_orders po ON po.id = pi.order_id
			WHERE pi.id = $1
			FOR UPDATE OF pi
		`, line.POItemID).Scan(&productName, &quantity, &dispatched, &orderSupplier)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: purchase order item %s", store.ErrNotFound, line.POItemID)
			}
			return nil, err
		}
		if orderSupplier != dispatch.SupplierID {
			return nil, fmt.Errorf("%w: item %s belongs to a different supplier's order", store.ErrValidation, line.POItemID)
		}
		requested[line.POItemID] += line.Quantity
		if dispatched+requested[line.POItemID] > quantity {
			remaining := quantity - dispatched
			return nil, fmt.Errorf("%w: cannot dispatch %d units of %s: only %d remaining",
				store.ErrValidation, line.Quantity, productName, remaining)
		}
	}

	now := time.Now().UTC()
	dispatch.ID = xid.New("dsp")
	dispatch.Status = domain.DispatchDraft
	dispatch.CreatedAt = now
	dispatch.UpdatedAt = now
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dispatches (id, supplier_id, reference_number, remarks, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, dispatch.ID, dispatch.SupplierID, dispatch.ReferenceNumber, dispatch.Remarks, string(dispatch.Status), dispatch.CreatedAt, dispatch.UpdatedAt)
	if err != nil {
		return nil, err
	}

	for idx := range dispatch.Items {
		line := &dispatch.Items[idx]
		line.ID = xid.New("dspi")
		line.DispatchID = dispatch.ID
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dispatch_items (id, dispatch_id, po_item_id, quantity)
			VALUES ($1,$2,$3,$4)
		`, line.ID, line.DispatchID, line.POItemID, line.Quantity)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE purchase_order_items SET dispatched_quantity = dispatched_quantity + $2 WHERE id = $1
		`, line.POItemID, line.Quantity)
		if err != nil {
			return nil, err
		}
	}

	stage := domain.StageUpdate{
		ID:         xid.New("stg"),
		DispatchID: dispatch.ID,
		Stage:      string(domain.DispatchDraft),
		CreatedAt:  now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stage_updates (id, dispatch_id, stage, notes, updated_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, stage.ID, stage.DispatchID, stage.Stage, stage.Notes, stage.UpdatedBy, stage.CreatedAt)
	if err != nil {
		return nil, err
	}
	dispatch.Timeline = []domain.StageUpdate{stage}

	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	created := dispatch
	return &created, nil
}

func (s *Store) GetDispatchByID(ctx context.Context, dispatchID string) (*domain.Dispatch, error) {
	return loadDispatch(ctx, s.db, dispatchID)
}

func (s *Store) ListDispatches(ctx context.Context, status domain.DispatchStatus, limit int) ([]domain.Dispatch, error) {
	if limit < 1 {
		limit = 100
	}
	query := `
		SELECT id
		FROM dispatches
		ORDER BY created_at DESC
		LIMIT $1
	`
	args := []any{limit}
	if status != "" {
		query = `
			SELECT id
			FROM dispatches
			WHERE status = $2
			ORDER BY created_at DESC
			LIMIT $1
		`
		args = append(args, string(status))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	dispatches := make([]domain.Dispatch, 0, len(ids))
	for _, id := range ids {
		dispatch, err := loadDispatch(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		dispatches = append(dispatches, *dispatch)
	}
	return dispatches, nil
}

func (s *Store) UpdateDispatchStatus(ctx context.Context, dispatchID string, next domain.DispatchStatus, updatedBy string, notes string) (*domain.Dispatch, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown dispatch status %q", store.ErrValidation, next)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var prevRaw, referenceNumber string
	err = tx.QueryRowContext(ctx, `
		SELECT status, reference_number FROM dispatches WHERE id = $1 FOR UPDATE
	`, dispatchID).Scan(&prevRaw, &referenceNumber)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	prev := domain.DispatchStatus(prevRaw)
	if !prev.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, prev, next)
	}

	type lineState struct {
		poItemID  string
		quantity  int
		orderID   string
		productID string
	}
	lineRows, err := tx.QueryContext(ctx, `
		SELECT di.po_item_id, di.quantity, pi.order_id, pi.product_id
		FROM dispatch_items di
		JOIN purchase_order_items pi ON pi.id = di.po_item_id
		WHERE di.dispatch_id = $1
		FOR UPDATE OF pi
	`, dispatchID)
	if err != nil {
		return nil, err
	}
	lines := make([]lineState, 0, 8)
	for lineRows.Next() {
		var line lineState
		var productID sql.NullString
		if err := lineRows.Scan(&line.poItemID, &line.quantity, &line.orderID, &productID); err != nil {
			_ = lineRows.Close()
			return nil, err
		}
		line.productID = productID.String
		lines = append(lines, line)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return nil, err
	}
	_ = lineRows.Close()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE dispatches SET status = $2, updated_at = $3 WHERE id = $1
	`, dispatchID, string(next), now)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stage_updates (id, dispatch_id, stage, notes, updated_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, xid.New("stg"), dispatchID, string(next), notes, updatedBy, now)
	if err != nil {
		return nil, err
	}

	reference := referenceNumber
	if reference == "" {
		reference = dispatchID
	}
	touchedOrders := make(map[string]bool, len(lines))
	for _, line := range lines {
		touchedOrders[line.orderID] = true

		// Reservation release on reversal; a dispatch already RETURNED has
		// released its quantity once.
		if next.Reversal() && prev != domain.DispatchReturned {
			_, err := tx.ExecContext(ctx, `
				UPDATE purchase_order_items SET dispatched_quantity = dispatched_quantity - $2 WHERE id = $1
			`, line.poItemID, line.quantity)
			if err != nil {
				return nil, err
			}
		}

		if line.productID == "" {
			continue
		}
		if next == domain.DispatchDelivered && prev != domain.DispatchDelivered {
			err := applyMovement(ctx, tx, line.productID, domain.MovementAdd, line.quantity,
				fmt.Sprintf("Dispatch Delivered: %s", reference), updatedBy, now)
			if err != nil {
				return nil, err
			}
		}
		if prev == domain.DispatchDelivered && next.Reversal() {
			err := applyMovement(ctx, tx, line.productID, domain.MovementSubtract, line.quantity,
				fmt.Sprintf("Dispatch %s: %s", next, reference), updatedBy, now)
			if err != nil {
				return nil, err
			}
		}
	}

	for orderID := range touchedOrders {
		if err := recomputeOrderStatus(ctx, tx, orderID); err != nil {
			return nil, err
		}
	}

	dispatch, err := loadDispatch(ctx, tx, dispatchID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return dispatch, nil
}

// recomputeOrderStatus re-derives the delivery status of one order from its
// DELIVERED dispatches. Orders still in draft or approval stages are left
// alone.
func recomputeOrderStatus(ctx context.Context, tx *sql.Tx, orderID string) error {
	var current string
	err := tx.QueryRowContext(ctx, `
		SELECT status FROM purchase_orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	status := domain.OrderStatus(current)
	if !status.Fulfillable() {
		return nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT pi.id, pi.quantity,
			COALESCE(SUM(di.quantity) FILTER (WHERE d.status = 'DELIVERED'), 0)
		FROM purchase_order_items pi
		LEFT JOIN dispatch_items di ON di.po_item_id = pi.id
		LEFT JOIN dispatches d ON d.id = di.dispatch_id
		WHERE pi.order_id = $1
		GROUP BY pi.id, pi.quantity
	`, orderID)
	if err != nil {
		return err
	}
	items := make([]domain.PurchaseOrderItem, 0, 8)
	delivered := make(map[string]int, 8)
	for rows.Next() {
		var id string
		var quantity, deliveredQty int
		if err := rows.Scan(&id, &quantity, &deliveredQty); err != nil {
			_ = rows.Close()
			return err
		}
		items = append(items, domain.PurchaseOrderItem{ID: id, Quantity: quantity})
		delivered[id] = deliveredQty
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	next := domain.DeriveOrderStatus(items, delivered)
	if next == status {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE purchase_orders SET status = $2, updated_at = now() WHERE id = $1
	`, orderID, string(next))
	return err
}

// applyMovement upserts the inventory row and appends a history entry.
func applyMovement(ctx context.Context, tx *sql.Tx, productID string, movement domain.MovementType, quantity int, reason string, updatedBy string, at time.Time) error {
	delta := quantity
	if movement == domain.MovementSubtract {
		delta = -quantity
	}
	var inventoryID string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO inventory (id, product_id, quantity, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (product_id)
		DO UPDATE SET quantity = inventory.quantity + $3, updated_at = $4
		RETURNING id
	`, xid.New("inv"), productID, delta, at).Scan(&inventoryID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory_history (id, inventory_id, product_id, movement_type, quantity, reason, updated_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, xid.New("invh"), inventoryID, productID, string(movement), quantity, reason, updatedBy, at)
	return err
}

func (s *Store) GetInventoryByProduct(ctx context.Context, productID string) (*domain.Inventory, error) {
	var inv domain.Inventory
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, quantity, updated_at
		FROM inventory
		WHERE product_id = $1
	`, productID).Scan(&inv.ID, &inv.ProductID, &inv.Quantity, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &inv, nil
}

func (s *Store) ListInventory(ctx context.Context) ([]domain.Inventory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, quantity, updated_at
		FROM inventory
		ORDER BY product_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Inventory, 0, 128)
	for rows.Next() {
		var inv domain.Inventory
		if err := rows.Scan(&inv.ID, &inv.ProductID, &inv.Quantity, &inv.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) AdjustInventory(ctx context.Context, productID string, movement domain.MovementType, quantity int, reason string, updatedBy string) (*domain.Inventory, error) {
	if movement != domain.MovementAdd && movement != domain.MovementSubtract {
		return nil, fmt.Errorf("%w: unknown movement type %q", store.ErrValidation, movement)
	}
	if quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM products WHERE id = $1 AND status <> 'DELETED')
	`, productID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
	}

	if movement == domain.MovementSubtract {
		var available int
		err := tx.QueryRowContext(ctx, `
			SELECT quantity FROM inventory WHERE product_id = $1 FOR UPDATE
		`, productID).Scan(&available)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if available < quantity {
			return nil, fmt.Errorf("%w: insufficient stock for product %s: required %d, available %d",
				store.ErrValidation, productID, quantity, available)
		}
	}

	now := time.Now().UTC()
	if err := applyMovement(ctx, tx, productID, movement, quantity, reason, updatedBy, now); err != nil {
		return nil, err
	}

	var inv domain.Inventory
	err = tx.QueryRowContext(ctx, `
		SELECT id, product_id, quantity, updated_at FROM inventory WHERE product_id = $1
	`, productID).Scan(&inv.ID, &inv.ProductID, &inv.Quantity, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapTxError(err)
	}
	return &inv, nil
}

func (s *Store) ListInventoryHistory(ctx context.Context, productID string, limit int) ([]domain.InventoryHistory, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, inventory_id, product_id, movement_type, quantity, reason, updated_by, created_at
		FROM inventory_history
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]domain.InventoryHistory, 0, limit)
	for rows.Next() {
		var entry domain.InventoryHistory
		var movement string
		if err := rows.Scan(&entry.ID, &entry.InventoryID, &entry.ProductID, &movement, &entry.Quantity, &entry.Reason, &entry.UpdatedBy, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Type = domain.MovementType(movement)
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return history, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, entity_type, entity_id, action, actor_id, actor_name, previous_data, new_data, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.ActorID, entry.ActorName,
		entry.PreviousData, entry.NewData, entry.Metadata, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, entityType string, entityID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 200
	}
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(24 * time.Hour)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, actor_id, actor_name, previous_data, new_data, metadata, created_at
		FROM audit_logs
		WHERE ($2 = '' OR entity_type = $2)
		  AND ($3 = '' OR entity_id = $3)
		  AND created_at BETWEEN $4 AND $5
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit, entityType, entityID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Action, &entry.ActorID,
			&entry.ActorName, &entry.PreviousData, &entry.NewData, &entry.Metadata, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) GetDashboardStats(ctx context.Context) (domain.DashboardStats, error) {
	stats := domain.DashboardStats{StatusCounts: make(map[domain.OrderStatus]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM purchase_orders
		WHERE status <> 'DELETED'
		GROUP BY status
	`)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			_ = rows.Close()
			return stats, err
		}
		orderStatus := domain.OrderStatus(status)
		stats.StatusCounts[orderStatus] = count
		stats.TotalOrders += count
		if orderStatus.Fulfillable() && orderStatus != domain.OrderFullyDelivered {
			stats.ActiveOrders += count
		}
		if orderStatus == domain.OrderPendingL1 || orderStatus == domain.OrderApprovedL1 {
			stats.PendingApproval += count
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return stats, err
	}
	_ = rows.Close()

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT po.id)
		FROM purchase_orders po
		JOIN purchase_order_items pi ON pi.order_id = po.id
		WHERE po.status IN ('ORDER_PLACED','PARTIALLY_DELIVERED')
		  AND pi.expected_delivery_date IS NOT NULL
		  AND pi.expected_delivery_date < now()
	`).Scan(&stats.DelayedOrders)
	if err != nil {
		return stats, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM suppliers WHERE status <> 'DELETED'),
			(SELECT COUNT(*) FROM divisions WHERE status <> 'DELETED'),
			(SELECT COUNT(*) FROM products WHERE status <> 'DELETED'),
			(SELECT COUNT(*) FROM product_categories WHERE status <> 'DELETED')
	`).Scan(&stats.TotalSuppliers, &stats.TotalDivisions, &stats.TotalProducts, &stats.TotalCategories)
	if err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	if user.Role == "" {
		user.Role = domain.RoleOperations
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s already exists", store.ErrValidation, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// UpdateUserPassword stores a new credential for username. The value must
// already be a bcrypt hash; plaintext is rejected so the stored form can
// never regress.
func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	if !isBcryptHash(password) {
		return fmt.Errorf("%w: password must be stored as a bcrypt hash", store.ErrValidation)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func loadOrder(ctx context.Context, q dbtx, orderID string) (*domain.PurchaseOrder, error) {
	var order domain.PurchaseOrder
	var divisionID sql.NullString
	var status string
	err := q.QueryRowContext(ctx, `
		SELECT id, order_number, supplier_id, division_id, status, currency, payment_terms, remarks, created_at, updated_at
		FROM purchase_orders
		WHERE id = $1
	`, orderID).Scan(&order.ID, &order.OrderNumber, &order.SupplierID, &divisionID, &status,
		&order.Currency, &order.PaymentTerms, &order.Remarks, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	order.DivisionID = divisionID.String
	order.Status = domain.OrderStatus(status)

	itemRows, err := q.QueryContext(ctx, `
		SELECT id, order_id, product_id, product_name, sku, quantity, dispatched_quantity, unit_price, total_price, expected_delivery_date, remarks
		FROM purchase_order_items
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, err
	}
	order.Items = make([]domain.PurchaseOrderItem, 0, 8)
	for itemRows.Next() {
		var item domain.PurchaseOrderItem
		var productID sql.NullString
		var expected sql.NullTime
		if err := itemRows.Scan(&item.ID, &item.OrderID, &productID, &item.ProductName, &item.SKU,
			&item.Quantity, &item.DispatchedQuantity, &item.UnitPrice, &item.TotalPrice, &expected, &item.Remarks); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		item.ProductID = productID.String
		if expected.Valid {
			e := expected.Time.UTC()
			item.ExpectedDeliveryDate = &e
		}
		order.Items = append(order.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	order.Approvals, err = loadApprovals(ctx, q, orderID)
	if err != nil {
		return nil, err
	}

	timelineRows, err := q.QueryContext(ctx, `
		SELECT id, stage, notes, updated_by, created_at
		FROM stage_updates
		WHERE order_id = $1
		ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	for timelineRows.Next() {
		var update domain.StageUpdate
		if err := timelineRows.Scan(&update.ID, &update.Stage, &update.Notes, &update.UpdatedBy, &update.CreatedAt); err != nil {
			_ = timelineRows.Close()
			return nil, err
		}
		update.OrderID = orderID
		order.Timeline = append(order.Timeline, update)
	}
	if err := timelineRows.Err(); err != nil {
		_ = timelineRows.Close()
		return nil, err
	}
	_ = timelineRows.Close()

	return &order, nil
}

func loadApprovals(ctx context.Context, q dbtx, orderID string) ([]domain.Approval, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, approver_id, level, decision, remarks, created_at
		FROM approvals
		WHERE order_id = $1
		ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	approvals := make([]domain.Approval, 0, 4)
	for rows.Next() {
		var approval domain.Approval
		if err := rows.Scan(&approval.ID, &approval.OrderID, &approval.ApproverID, &approval.Level,
			&approval.Decision, &approval.Remarks, &approval.CreatedAt); err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return approvals, nil
}

func loadDispatch(ctx context.Context, q dbtx, dispatchID string) (*domain.Dispatch, error) {
	var dispatch domain.Dispatch
	var status string
	err := q.QueryRowContext(ctx, `
		SELECT id, supplier_id, reference_number, remarks, status, created_at, updated_at
		FROM dispatches
		WHERE id = $1
	`, dispatchID).Scan(&dispatch.ID, &dispatch.SupplierID, &dispatch.ReferenceNumber, &dispatch.Remarks,
		&status, &dispatch.CreatedAt, &dispatch.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	dispatch.Status = domain.DispatchStatus(status)

	itemRows, err := q.QueryContext(ctx, `
		SELECT id, dispatch_id, po_item_id, quantity
		FROM dispatch_items
		WHERE dispatch_id = $1
		ORDER BY id
	`, dispatchID)
	if err != nil {
		return nil, err
	}
	dispatch.Items = make([]domain.DispatchItem, 0, 8)
	for itemRows.Next() {
		var item domain.DispatchItem
		if err := itemRows.Scan(&item.ID, &item.DispatchID, &item.POItemID, &item.Quantity); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		dispatch.Items = append(dispatch.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	timelineRows, err := q.QueryContext(ctx, `
		SELECT id, stage, notes, updated_by, created_at
		FROM stage_updates
		WHERE dispatch_id = $1
		ORDER BY created_at, id
	`, dispatchID)
	if err != nil {
		return nil, err
	}
	for timelineRows.Next() {
		var update domain.StageUpdate
		if err := timelineRows.Scan(&update.ID, &update.Stage, &update.Notes, &update.UpdatedBy, &update.CreatedAt); err != nil {
			_ = timelineRows.Close()
			return nil, err
		}
		update.DispatchID = dispatchID
		dispatch.Timeline = append(dispatch.Timeline, update)
	}
	if err := timelineRows.Err(); err != nil {
		_ = timelineRows.Close()
		return nil, err
	}
	_ = timelineRows.Close()

	return &dispatch, nil
}

func isBcryptHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

// mapTxError surfaces serialization failures as retryable conflicts.
func mapTxError(err error) error {
	if isSerializationFailure(err) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}
