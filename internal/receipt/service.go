package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/receipt-ledger/internal/normalize"
	"github.com/zombor/receipt-ledger/internal/payment"
)

// DefaultListLimit is the number of receipts listed when no limit is given
const DefaultListLimit = 20

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service handles receipt operations
type Service struct {
	db         DB
	detector   *payment.Detector
	audit      AuditArchive
	timeSource TimeSource
}

// NewService creates a new Service using the built-in payment rules. A nil db
// makes every operation fail with ErrStoreUnavailable.
func NewService(db DB, audit AuditArchive) *Service {
	return NewServiceWithDeps(db, payment.Default(), audit, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, detector *payment.Detector, audit AuditArchive, timeSrc TimeSource) *Service {
	return &Service{
		db:         db,
		detector:   detector,
		audit:      audit,
		timeSource: timeSrc,
	}
}

// Connected reports whether a database is configured
func (s *Service) Connected() bool {
	return s.db != nil
}

func (s *Service) view(ctx context.Context, fn func(Tx) error) error {
	if s.db == nil {
		return ErrStoreUnavailable
	}
	return s.db.View(ctx, fn)
}

func (s *Service) update(ctx context.Context, fn func(Tx) error) error {
	if s.db == nil {
		return ErrStoreUnavailable
	}
	return s.db.Update(ctx, fn)
}

// buildReceipt normalizes recognized input into the rows to store
func (s *Service) buildReceipt(in *Input) (*Receipt, []*Item, []*Discount) {
	r := &Receipt{
		StoreName:        strings.TrimSpace(in.StoreName),
		CardName:         strings.TrimSpace(in.CardName),
		PurchaseDateTime: in.PurchaseDateTime,
		RawText:          in.RawText,
		CreatedAt:        s.timeSource.Now(),
	}
	if t, ok := normalize.ParsePurchaseDateTime(in.PurchaseDateTime); ok {
		r.PurchaseDate = &t
	}
	if r.CardName == "" {
		if label, ok := s.detector.Detect(in.RawText); ok {
			r.CardName = label
		}
	}

	var (
		regular   []LineInput
		discounts []*Discount
	)
	for _, line := range in.Items {
		if normalize.Classify(line.Name, line.Amount) == normalize.Discount {
			discounts = append(discounts, &Discount{
				Name:   strings.TrimSpace(line.Name),
				Amount: normalize.Magnitude(line.Amount),
			})
			continue
		}
		regular = append(regular, line)
	}

	labels := make([]string, len(regular))
	for i, line := range regular {
		labels[i] = line.No
	}
	labels = normalize.AssignSequence(labels)

	items := make([]*Item, len(regular))
	for i, line := range regular {
		items[i] = &Item{
			No:        labels[i],
			Name:      strings.TrimSpace(line.Name),
			Barcode:   strings.TrimSpace(line.Barcode),
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			Amount:    line.Amount,
		}
		r.TotalAmount += line.Amount
	}
	for _, d := range discounts {
		r.TotalAmount -= d.Amount
	}
	return r, items, discounts
}

// CreateReceipt normalizes recognized receipt data and stores the receipt
// with its items and discounts in a single transaction
func (s *Service) CreateReceipt(ctx context.Context, in *Input) (int64, error) {
	r, items, discounts := s.buildReceipt(in)
	if r.PurchaseDate == nil && strings.TrimSpace(in.PurchaseDateTime) != "" {
		slog.Warn("Unrecognized purchase date", "purchase_datetime", in.PurchaseDateTime)
	}

	err := s.update(ctx, func(tx Tx) error {
		if err := tx.CreateReceipt(r); err != nil {
			return err
		}
		for _, it := range items {
			it.ReceiptID = r.ID
			if err := tx.CreateItem(it); err != nil {
				return err
			}
		}
		for _, d := range discounts {
			d.ReceiptID = r.ID
			if err := tx.CreateDiscount(d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("saving receipt: %w", err)
	}
	return r.ID, nil
}

// ListQuery holds the raw list parameters of a request
type ListQuery struct {
	Limit     int
	StartDate string
	EndDate   string
	StoreName string
	CardName  string
	Search    string
}

// parseRange builds a date range from raw bounds. Unparsable bounds are
// treated as absent.
func parseRange(start, end string) DateRange {
	var r DateRange
	if t, ok := normalize.ParseFilterDate(start); ok {
		r.Start = &t
	}
	if t, ok := normalize.ParseFilterDate(end); ok {
		r.End = &t
	}
	return r
}

// ListReceipts returns receipts matching q, newest purchase first. Raw text
// is not included.
func (s *Service) ListReceipts(ctx context.Context, q ListQuery) ([]*Receipt, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	f := ListFilter{
		Range:     parseRange(q.StartDate, q.EndDate),
		StoreName: strings.TrimSpace(q.StoreName),
		CardName:  strings.TrimSpace(q.CardName),
		Search:    strings.TrimSpace(q.Search),
		Limit:     limit,
	}

	var receipts []*Receipt
	err := s.view(ctx, func(tx Tx) error {
		var err error
		receipts, err = tx.ListReceipts(f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// GetReceiptDetail retrieves a receipt with its items and discounts
func (s *Service) GetReceiptDetail(ctx context.Context, id int64) (*Detail, error) {
	var detail Detail
	err := s.view(ctx, func(tx Tx) error {
		var err error
		if detail.Receipt, err = tx.GetReceipt(id); err != nil {
			return err
		}
		if detail.Items, err = tx.Items(id); err != nil {
			return err
		}
		detail.Discounts, err = tx.Discounts(id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting receipt %d: %w", id, err)
	}
	return &detail, nil
}

// DeleteReceipt removes a receipt together with its items and discounts
func (s *Service) DeleteReceipt(ctx context.Context, id int64) error {
	err := s.update(ctx, func(tx Tx) error {
		return tx.DeleteReceipt(id)
	})
	if err != nil {
		return fmt.Errorf("deleting receipt %d: %w", id, err)
	}
	return nil
}

// AddDiscount appends a discount to an existing receipt. The amount is stored
// as a magnitude whatever its sign. When itemID is set it must name an item
// of the same receipt.
func (s *Service) AddDiscount(ctx context.Context, receiptID int64, name string, amount int, itemID *int64) (*Discount, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("discount name is required: %w", ErrInvalidInput)
	}
	d := &Discount{
		ReceiptID: receiptID,
		ItemID:    itemID,
		Name:      name,
		Amount:    normalize.Magnitude(amount),
	}

	err := s.update(ctx, func(tx Tx) error {
		if _, err := tx.GetReceipt(receiptID); err != nil {
			return err
		}
		if itemID != nil {
			items, err := tx.Items(receiptID)
			if err != nil {
				return err
			}
			if !containsItem(items, *itemID) {
				return fmt.Errorf("item %d is not part of receipt %d: %w", *itemID, receiptID, ErrInvalidInput)
			}
		}
		return tx.CreateDiscount(d)
	})
	if err != nil {
		return nil, fmt.Errorf("adding discount to receipt %d: %w", receiptID, err)
	}
	return d, nil
}

func containsItem(items []*Item, id int64) bool {
	for _, it := range items {
		if it.ID == id {
			return true
		}
	}
	return false
}
