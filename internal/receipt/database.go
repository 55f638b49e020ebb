package receipt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// Record set names, used as BoltDB bucket names and SQL table names
const (
	tableReceipts  = "receipts"
	tableItems     = "items"
	tableDiscounts = "discounts"
)

// Tx is the set of storage operations available inside a transaction
type Tx interface {
	// CreateReceipt inserts a receipt and sets its ID
	CreateReceipt(r *Receipt) error

	// SaveReceipt updates an existing receipt
	SaveReceipt(r *Receipt) error

	// GetReceipt retrieves a receipt by ID, or ErrNotFound
	GetReceipt(id int64) (*Receipt, error)

	// ListReceipts returns receipts matching f, newest purchase first,
	// receipts without a purchase date last. RawText is left empty.
	ListReceipts(f ListFilter) ([]*Receipt, error)

	// DeleteReceipt removes a receipt with all its items and discounts
	DeleteReceipt(id int64) error

	// CreateItem inserts an item for an existing receipt and sets its ID
	CreateItem(it *Item) error

	// SaveItem updates an existing item
	SaveItem(it *Item) error

	// DeleteItem removes a single item
	DeleteItem(it *Item) error

	// Items returns a receipt's items ordered by ID
	Items(receiptID int64) ([]*Item, error)

	// ItemsIn returns the items of all the given receipts
	ItemsIn(receiptIDs []int64) ([]*Item, error)

	// CreateDiscount inserts a discount for an existing receipt and sets its ID
	CreateDiscount(d *Discount) error

	// Discounts returns a receipt's discounts ordered by ID
	Discounts(receiptID int64) ([]*Discount, error)
}

// DB defines the interface for database operations
type DB interface {
	// View runs fn in a read-only transaction
	View(ctx context.Context, fn func(Tx) error) error

	// Update runs fn in a read-write transaction. If fn returns an error
	// nothing it wrote is kept.
	Update(ctx context.Context, fn func(Tx) error) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB.
//
// Items and discounts are stored in one nested bucket per receipt, keyed by
// big-endian ID, so they iterate in ID order and go away with a single
// DeleteBucket when their receipt is deleted.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{tableReceipts, tableItems, tableDiscounts} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// View runs fn against a read-only snapshot
func (b *BoltDB) View(ctx context.Context, fn func(Tx) error) error {
	return b.run(ctx, false, fn)
}

// Update runs fn in a write transaction. BoltDB allows one writer at a time.
func (b *BoltDB) Update(ctx context.Context, fn func(Tx) error) error {
	return b.run(ctx, true, fn)
}

func (b *BoltDB) run(ctx context.Context, writable bool, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := b.db.Begin(writable)
	if err != nil {
		return &StorageError{Table: "database", Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if err := fn(&boltTx{tx: tx}); err != nil {
		return err
	}
	if !writable {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Table: "database", Op: "commit", Err: err}
	}
	return nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

type boltTx struct {
	tx *bbolt.Tx
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func (t *boltTx) receipts() *bbolt.Bucket {
	return t.tx.Bucket([]byte(tableReceipts))
}

func (t *boltTx) hasReceipt(id int64) bool {
	return t.receipts().Get(itob(id)) != nil
}

// putJSON stores v under key, marshaled as JSON
func putJSON(bucket *bbolt.Bucket, key int64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling: %w", err)
	}
	return bucket.Put(itob(key), data)
}

func (t *boltTx) CreateReceipt(r *Receipt) error {
	bucket := t.receipts()
	seq, err := bucket.NextSequence()
	if err != nil {
		return storageErr(tableReceipts, "insert", err)
	}
	r.ID = int64(seq)
	return storageErr(tableReceipts, "insert", putJSON(bucket, r.ID, r))
}

func (t *boltTx) SaveReceipt(r *Receipt) error {
	if !t.hasReceipt(r.ID) {
		return ErrNotFound
	}
	return storageErr(tableReceipts, "update", putJSON(t.receipts(), r.ID, r))
}

func (t *boltTx) GetReceipt(id int64) (*Receipt, error) {
	data := t.receipts().Get(itob(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, storageErr(tableReceipts, "select", fmt.Errorf("unmarshaling receipt %d: %w", id, err))
	}
	return &r, nil
}

func (t *boltTx) ListReceipts(f ListFilter) ([]*Receipt, error) {
	var matched map[int64]bool
	if f.Search != "" {
		var err error
		if matched, err = t.searchItems(f.Search); err != nil {
			return nil, err
		}
	}

	receipts := make([]*Receipt, 0)
	err := t.receipts().ForEach(func(k, v []byte) error {
		if matched != nil && !matched[btoi(k)] {
			return nil
		}
		var r Receipt
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("unmarshaling receipt: %w", err)
		}
		if !f.Range.Contains(r.PurchaseDate) {
			return nil
		}
		if f.StoreName != "" && r.StoreName != f.StoreName {
			return nil
		}
		if f.CardName != "" && r.CardName != f.CardName {
			return nil
		}
		r.RawText = ""
		receipts = append(receipts, &r)
		return nil
	})
	if err != nil {
		return nil, storageErr(tableReceipts, "select", err)
	}

	sortByPurchaseDate(receipts)
	if f.Limit > 0 && len(receipts) > f.Limit {
		receipts = receipts[:f.Limit]
	}
	return receipts, nil
}

// searchItems returns the IDs of receipts owning an item whose name contains
// term, ignoring case.
func (t *boltTx) searchItems(term string) (map[int64]bool, error) {
	term = strings.ToLower(term)
	matched := make(map[int64]bool)
	root := t.tx.Bucket([]byte(tableItems))
	err := root.ForEach(func(k, v []byte) error {
		if v != nil {
			return nil
		}
		receiptID := btoi(k)
		return root.Bucket(k).ForEach(func(_, data []byte) error {
			if matched[receiptID] {
				return nil
			}
			var it Item
			if err := json.Unmarshal(data, &it); err != nil {
				return fmt.Errorf("unmarshaling item: %w", err)
			}
			if strings.Contains(strings.ToLower(it.Name), term) {
				matched[receiptID] = true
			}
			return nil
		})
	})
	if err != nil {
		return nil, storageErr(tableItems, "search", err)
	}
	return matched, nil
}

func (t *boltTx) DeleteReceipt(id int64) error {
	if !t.hasReceipt(id) {
		return ErrNotFound
	}
	for _, name := range []string{tableItems, tableDiscounts} {
		err := t.tx.Bucket([]byte(name)).DeleteBucket(itob(id))
		if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return storageErr(name, "delete", err)
		}
	}
	return storageErr(tableReceipts, "delete", t.receipts().Delete(itob(id)))
}

// childBucket returns the nested bucket of a receipt, creating it if asked
func (t *boltTx) childBucket(name string, receiptID int64, create bool) (*bbolt.Bucket, error) {
	root := t.tx.Bucket([]byte(name))
	if !create {
		return root.Bucket(itob(receiptID)), nil
	}
	return root.CreateBucketIfNotExists(itob(receiptID))
}

func (t *boltTx) CreateItem(it *Item) error {
	if !t.hasReceipt(it.ReceiptID) {
		return ErrNotFound
	}
	seq, err := t.tx.Bucket([]byte(tableItems)).NextSequence()
	if err != nil {
		return storageErr(tableItems, "insert", err)
	}
	bucket, err := t.childBucket(tableItems, it.ReceiptID, true)
	if err != nil {
		return storageErr(tableItems, "insert", err)
	}
	it.ID = int64(seq)
	return storageErr(tableItems, "insert", putJSON(bucket, it.ID, it))
}

func (t *boltTx) SaveItem(it *Item) error {
	bucket, _ := t.childBucket(tableItems, it.ReceiptID, false)
	if bucket == nil || bucket.Get(itob(it.ID)) == nil {
		return storageErr(tableItems, "update", fmt.Errorf("item %d does not exist", it.ID))
	}
	return storageErr(tableItems, "update", putJSON(bucket, it.ID, it))
}

func (t *boltTx) DeleteItem(it *Item) error {
	bucket, _ := t.childBucket(tableItems, it.ReceiptID, false)
	if bucket == nil {
		return nil
	}
	return storageErr(tableItems, "delete", bucket.Delete(itob(it.ID)))
}

func (t *boltTx) Items(receiptID int64) ([]*Item, error) {
	items := make([]*Item, 0)
	bucket, _ := t.childBucket(tableItems, receiptID, false)
	if bucket == nil {
		return items, nil
	}
	err := bucket.ForEach(func(_, v []byte) error {
		var it Item
		if err := json.Unmarshal(v, &it); err != nil {
			return fmt.Errorf("unmarshaling item: %w", err)
		}
		items = append(items, &it)
		return nil
	})
	if err != nil {
		return nil, storageErr(tableItems, "select", err)
	}
	return items, nil
}

func (t *boltTx) ItemsIn(receiptIDs []int64) ([]*Item, error) {
	items := make([]*Item, 0)
	for _, id := range receiptIDs {
		its, err := t.Items(id)
		if err != nil {
			return nil, err
		}
		items = append(items, its...)
	}
	return items, nil
}

func (t *boltTx) CreateDiscount(d *Discount) error {
	if !t.hasReceipt(d.ReceiptID) {
		return ErrNotFound
	}
	seq, err := t.tx.Bucket([]byte(tableDiscounts)).NextSequence()
	if err != nil {
		return storageErr(tableDiscounts, "insert", err)
	}
	bucket, err := t.childBucket(tableDiscounts, d.ReceiptID, true)
	if err != nil {
		return storageErr(tableDiscounts, "insert", err)
	}
	d.ID = int64(seq)
	return storageErr(tableDiscounts, "insert", putJSON(bucket, d.ID, d))
}

func (t *boltTx) Discounts(receiptID int64) ([]*Discount, error) {
	discounts := make([]*Discount, 0)
	bucket, _ := t.childBucket(tableDiscounts, receiptID, false)
	if bucket == nil {
		return discounts, nil
	}
	err := bucket.ForEach(func(_, v []byte) error {
		var d Discount
		if err := json.Unmarshal(v, &d); err != nil {
			return fmt.Errorf("unmarshaling discount: %w", err)
		}
		discounts = append(discounts, &d)
		return nil
	})
	if err != nil {
		return nil, storageErr(tableDiscounts, "select", err)
	}
	return discounts, nil
}

// sortByPurchaseDate orders receipts newest purchase first. Receipts without
// a purchase date go last; ties are broken by descending ID.
func sortByPurchaseDate(receipts []*Receipt) {
	sort.SliceStable(receipts, func(i, j int) bool {
		a, b := receipts[i].PurchaseDate, receipts[j].PurchaseDate
		switch {
		case a == nil && b == nil:
			return receipts[i].ID > receipts[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		default:
			return receipts[i].ID > receipts[j].ID
		}
	})
}
