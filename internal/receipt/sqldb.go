package receipt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// listColumns is every receipts column except raw_text
const listColumns = "id, store_name, card_name, purchase_date_time, purchase_date, total_amount, created_at"

var errReadOnly = errors.New("write in read-only transaction")

// itemsInBatchSize bounds the ids bound into one IN clause. SQLite allows
// 32766 parameters and PostgreSQL 65535.
var itemsInBatchSize = 1000

// SQLDB implements the DB interface on top of gorm. Children are deleted
// explicitly before their receipt so no foreign key support is required.
type SQLDB struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) a SQLite database file
func OpenSQLite(path string, debug bool) (*SQLDB, error) {
	db, err := gorm.Open(sqlite.Open(path), gormConfig(debug))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// SQLite allows a single writer; one connection avoids "database is
	// locked" errors between pooled connections.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return NewSQLDB(db)
}

// OpenPostgres connects to PostgreSQL
func OpenPostgres(dsn string, debug bool) (*SQLDB, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig(debug))
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return NewSQLDB(db)
}

func gormConfig(debug bool) *gorm.Config {
	level := logger.Silent
	if debug {
		level = logger.Info
	}
	return &gorm.Config{Logger: logger.Default.LogMode(level)}
}

// NewSQLDB wraps an open gorm connection and migrates the schema
func NewSQLDB(db *gorm.DB) (*SQLDB, error) {
	if err := db.AutoMigrate(&Receipt{}, &Item{}, &Discount{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &SQLDB{db: db}, nil
}

// View runs fn in a transaction that refuses writes
func (s *SQLDB) View(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, false, fn)
}

// Update runs fn in a database transaction
func (s *SQLDB) Update(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *SQLDB) run(ctx context.Context, writable bool, fn func(Tx) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&sqlTx{db: tx, writable: writable})
		return fnErr
	})
	if err != nil && fnErr == nil {
		return &StorageError{Table: "database", Op: "transaction", Err: err}
	}
	return err
}

// Close closes the underlying connection pool
func (s *SQLDB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type sqlTx struct {
	db       *gorm.DB
	writable bool
}

func (t *sqlTx) write(table, op string) error {
	if !t.writable {
		return &StorageError{Table: table, Op: op, Err: errReadOnly}
	}
	return nil
}

func (t *sqlTx) hasReceipt(id int64) (bool, error) {
	var n int64
	if err := t.db.Model(&Receipt{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, storageErr(tableReceipts, "select", err)
	}
	return n > 0, nil
}

func (t *sqlTx) CreateReceipt(r *Receipt) error {
	if err := t.write(tableReceipts, "insert"); err != nil {
		return err
	}
	r.ID = 0
	return storageErr(tableReceipts, "insert", t.db.Create(r).Error)
}

func (t *sqlTx) SaveReceipt(r *Receipt) error {
	if err := t.write(tableReceipts, "update"); err != nil {
		return err
	}
	ok, err := t.hasReceipt(r.ID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return storageErr(tableReceipts, "update", t.db.Save(r).Error)
}

func (t *sqlTx) GetReceipt(id int64) (*Receipt, error) {
	var r Receipt
	err := t.db.Where("id = ?", id).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr(tableReceipts, "select", err)
	}
	return &r, nil
}

// likePattern escapes LIKE wildcards in term and wraps it in %...%
func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(term)) + "%"
}

func (t *sqlTx) ListReceipts(f ListFilter) ([]*Receipt, error) {
	q := t.db.Model(&Receipt{}).Select(listColumns)
	if f.Range.Start != nil {
		q = q.Where("purchase_date >= ?", *f.Range.Start)
	}
	if end := f.Range.endExclusive(); end != nil {
		q = q.Where("purchase_date < ?", *end)
	}
	if f.StoreName != "" {
		q = q.Where("store_name = ?", f.StoreName)
	}
	if f.CardName != "" {
		q = q.Where("card_name = ?", f.CardName)
	}
	if f.Search != "" {
		sub := t.db.Model(&Item{}).Select("receipt_id").
			Where(`LOWER(name) LIKE ? ESCAPE '\'`, likePattern(f.Search))
		q = q.Where("id IN (?)", sub)
	}
	q = q.Order("purchase_date IS NULL, purchase_date DESC, id DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	receipts := make([]*Receipt, 0)
	if err := q.Find(&receipts).Error; err != nil {
		return nil, storageErr(tableReceipts, "select", err)
	}
	return receipts, nil
}

func (t *sqlTx) DeleteReceipt(id int64) error {
	if err := t.write(tableReceipts, "delete"); err != nil {
		return err
	}
	ok, err := t.hasReceipt(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := t.db.Where("receipt_id = ?", id).Delete(&Item{}).Error; err != nil {
		return storageErr(tableItems, "delete", err)
	}
	if err := t.db.Where("receipt_id = ?", id).Delete(&Discount{}).Error; err != nil {
		return storageErr(tableDiscounts, "delete", err)
	}
	return storageErr(tableReceipts, "delete", t.db.Where("id = ?", id).Delete(&Receipt{}).Error)
}

func (t *sqlTx) CreateItem(it *Item) error {
	if err := t.write(tableItems, "insert"); err != nil {
		return err
	}
	ok, err := t.hasReceipt(it.ReceiptID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	it.ID = 0
	return storageErr(tableItems, "insert", t.db.Create(it).Error)
}

func (t *sqlTx) SaveItem(it *Item) error {
	if err := t.write(tableItems, "update"); err != nil {
		return err
	}
	var n int64
	err := t.db.Model(&Item{}).Where("id = ? AND receipt_id = ?", it.ID, it.ReceiptID).Count(&n).Error
	if err != nil {
		return storageErr(tableItems, "update", err)
	}
	if n == 0 {
		return storageErr(tableItems, "update", fmt.Errorf("item %d does not exist", it.ID))
	}
	return storageErr(tableItems, "update", t.db.Save(it).Error)
}

func (t *sqlTx) DeleteItem(it *Item) error {
	if err := t.write(tableItems, "delete"); err != nil {
		return err
	}
	return storageErr(tableItems, "delete", t.db.Where("id = ?", it.ID).Delete(&Item{}).Error)
}

func (t *sqlTx) Items(receiptID int64) ([]*Item, error) {
	items := make([]*Item, 0)
	if err := t.db.Where("receipt_id = ?", receiptID).Order("id").Find(&items).Error; err != nil {
		return nil, storageErr(tableItems, "select", err)
	}
	return items, nil
}

// ItemsIn reads the items in batches of itemsInBatchSize ids so the query
// stays under the bind parameter limit of the driver.
func (t *sqlTx) ItemsIn(receiptIDs []int64) ([]*Item, error) {
	items := make([]*Item, 0)
	for start := 0; start < len(receiptIDs); start += itemsInBatchSize {
		end := min(start+itemsInBatchSize, len(receiptIDs))
		var batch []*Item
		err := t.db.Where("receipt_id IN ?", receiptIDs[start:end]).Order("id").Find(&batch).Error
		if err != nil {
			return nil, storageErr(tableItems, "select", err)
		}
		items = append(items, batch...)
	}
	return items, nil
}

func (t *sqlTx) CreateDiscount(d *Discount) error {
	if err := t.write(tableDiscounts, "insert"); err != nil {
		return err
	}
	ok, err := t.hasReceipt(d.ReceiptID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	d.ID = 0
	return storageErr(tableDiscounts, "insert", t.db.Create(d).Error)
}

func (t *sqlTx) Discounts(receiptID int64) ([]*Discount, error) {
	discounts := make([]*Discount, 0)
	if err := t.db.Where("receipt_id = ?", receiptID).Order("id").Find(&discounts).Error; err != nil {
		return nil, storageErr(tableDiscounts, "select", err)
	}
	return discounts, nil
}
