package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dkurganov/partsmarket/internal/model"
)

// ProfileUpdate содержит поля профиля покупателя из формы оформления заказа.
type ProfileUpdate struct {
	Name         string
	GovernmentID string
	Address      string
}

const orderColumns = `id, number, user_id, referrer_id, status, subtotal, discount,
	discount_percentage, affiliate_commission, total, amount_paid, remaining_balance,
	fully_paid, payment_reference, company_name, company_tax_id, company_address,
	enabled, created_at`

// CreateOrder сохраняет заказ с позициями, обновляет профиль покупателя и при
// необходимости привязывает компанию по налоговому номеру — всё в одной транзакции.
// При коллизии номера заказа возвращается ErrOrderNumberTaken.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order, profile ProfileUpdate, company *model.Company) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if company != nil {
		err = tx.QueryRow(ctx,
			`INSERT INTO companies (tax_id, name, address) VALUES ($1, $2, $3)
			 ON CONFLICT (tax_id) DO UPDATE SET name = EXCLUDED.name, address = EXCLUDED.address
			 RETURNING id`,
			company.TaxID, company.Name, company.Address,
		).Scan(&company.ID)
		if err != nil {
			return 0, fmt.Errorf("upsert company: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET name = $2, government_id = $3, address = $4 WHERE id = $1`,
		order.UserID, profile.Name, profile.GovernmentID, profile.Address,
	)
	if err != nil {
		return 0, fmt.Errorf("update user profile: %w", err)
	}

	var orderID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO orders (number, user_id, referrer_id, status, subtotal, discount,
		                     discount_percentage, affiliate_commission, total, amount_paid,
		                     remaining_balance, company_name, company_tax_id, company_address)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $9, $10, $11, $12)
		 RETURNING id`,
		order.Number, order.UserID, order.ReferrerID, string(model.OrderStatusPendingPayment),
		order.Subtotal, order.Discount, order.DiscountPercentage, order.AffiliateCommission,
		order.Total, order.CompanyName, order.CompanyTaxID, order.CompanyAddress,
	).Scan(&orderID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrOrderNumberTaken, order.Number)
		}
		return 0, fmt.Errorf("insert order: %w", err)
	}

	for _, p := range order.Products {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_products (order_id, product_id, name, sku, price, discount_percent,
			                             affiliate_percent, downpayment_percent, quantity, subtotal)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			orderID, p.ProductID, p.Name, p.SKU, p.Price, p.DiscountPercent,
			p.AffiliatePercent, p.DownpaymentPercent, p.Quantity, p.Subtotal,
		)
		if err != nil {
			return 0, fmt.Errorf("insert order product: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return orderID, nil
}

// GetOrderByNumber возвращает заказ с позициями по номеру.
func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE number = $1 AND enabled = TRUE`,
		number,
	)

	order, err := scanOrder(row)
	if err != nil {
		return nil, err
	}

	if err := r.loadOrderProducts(ctx, order); err != nil {
		return nil, err
	}

	return order, nil
}

// GetOrdersByUser возвращает заказы пользователя с позициями, новые первыми.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 AND enabled = TRUE
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range orders {
		if err := r.loadOrderProducts(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}

	return orders, nil
}

// GetPendingPaymentOrders возвращает заказы, ожидающие оплаты, для фоновой сверки.
func (r *PostgresRepository) GetPendingPaymentOrders(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = $1 AND enabled = TRUE
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.OrderStatusPendingPayment), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range orders {
		if err := r.loadOrderProducts(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}

	return orders, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var status string
	err := row.Scan(&o.ID, &o.Number, &o.UserID, &o.ReferrerID, &status, &o.Subtotal,
		&o.Discount, &o.DiscountPercentage, &o.AffiliateCommission, &o.Total,
		&o.AmountPaid, &o.RemainingBalance, &o.FullyPaid, &o.PaymentReference,
		&o.CompanyName, &o.CompanyTaxID, &o.CompanyAddress, &o.Enabled, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

func (r *PostgresRepository) loadOrderProducts(ctx context.Context, order *model.Order) error {
	rows, err := r.pool.Query(ctx,
		`SELECT product_id, name, sku, price, discount_percent, affiliate_percent,
		        downpayment_percent, quantity, subtotal
		 FROM order_products
		 WHERE order_id = $1
		 ORDER BY id`,
		order.ID,
	)
	if err != nil {
		return fmt.Errorf("select order products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p model.OrderProduct
		if err := rows.Scan(&p.ProductID, &p.Name, &p.SKU, &p.Price, &p.DiscountPercent,
			&p.AffiliatePercent, &p.DownpaymentPercent, &p.Quantity, &p.Subtotal); err != nil {
			return fmt.Errorf("scan order product: %w", err)
		}
		order.Products = append(order.Products, p)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	return nil
}

// SetPaymentReference запоминает идентификатор последней созданной в шлюзе транзакции.
func (r *PostgresRepository) SetPaymentReference(ctx context.Context, orderID int64, reference string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET payment_reference = $2 WHERE id = $1`,
		orderID, reference,
	)
	if err != nil {
		return fmt.Errorf("set payment reference: %w", err)
	}
	return nil
}

// UpdateOrderStatus устанавливает статус заказа. Допустимость перехода
// проверяет вызывающая сторона.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1`,
		orderID, string(status),
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// GetPaymentLogs возвращает журнал зачисленных платежей заказа.
func (r *PostgresRepository) GetPaymentLogs(ctx context.Context, orderID int64) ([]model.PaymentLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, transaction_id, amount, payment_method, settled_at, created_at
		 FROM payment_logs
		 WHERE order_id = $1
		 ORDER BY created_at`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payment logs: %w", err)
	}
	defer rows.Close()

	var logs []model.PaymentLog
	for rows.Next() {
		var l model.PaymentLog
		var method string
		if err := rows.Scan(&l.ID, &l.OrderID, &l.TransactionID, &l.Amount, &method, &l.SettledAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment log: %w", err)
		}
		l.PaymentMethod = model.PaymentMethod(method)
		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return logs, nil
}
