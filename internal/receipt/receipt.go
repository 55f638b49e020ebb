package receipt

import (
	"encoding/json"
	"time"
)

// Receipt represents one purchase transaction
type Receipt struct {
	ID               int64      `json:"id" gorm:"primaryKey"`
	StoreName        string     `json:"store_name" gorm:"index"`
	CardName         string     `json:"card_name" gorm:"index"`
	PurchaseDateTime string     `json:"purchase_datetime"`                // As printed on the receipt
	PurchaseDate     *time.Time `json:"purchase_date" gorm:"index"`       // Parsed from PurchaseDateTime, nil if unparsable
	RawText          string     `json:"raw_text,omitempty" gorm:"type:text"`
	TotalAmount      int        `json:"total_amount"` // Items minus discounts, fixed at ingestion
	CreatedAt        time.Time  `json:"created_at"`
}

// Item is a regular billed line of a receipt
type Item struct {
	ID        int64  `json:"id" gorm:"primaryKey"`
	ReceiptID int64  `json:"receipt_id" gorm:"index;not null"`
	No        string `json:"no"` // Sequence label, "001" when assigned
	Name      string `json:"name"`
	Barcode   string `json:"barcode,omitempty"`
	UnitPrice int    `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Amount    int    `json:"amount"`
}

// Discount is a negative adjustment line of a receipt. Amount is always the
// non-negative magnitude of the adjustment.
type Discount struct {
	ID        int64  `json:"id" gorm:"primaryKey"`
	ReceiptID int64  `json:"receipt_id" gorm:"index;not null"`
	ItemID    *int64 `json:"item_id"` // Line the discount was split from, if any
	Name      string `json:"name"`
	Amount    int    `json:"amount"`
}

// Detail is a receipt with everything it owns
type Detail struct {
	Receipt   *Receipt    `json:"receipt"`
	Items     []*Item     `json:"items"`
	Discounts []*Discount `json:"discounts"`
}

// LineInput is one recognized line as supplied for ingestion
type LineInput struct {
	No        string `json:"no"`
	Name      string `json:"name"`
	Barcode   string `json:"barcode,omitempty"`
	UnitPrice int    `json:"unitPrice"`
	Quantity  int    `json:"quantity" validate:"gte=0"`
	Amount    int    `json:"amount"`
}

// UnmarshalJSON reads a line, counting it once when quantity is absent
func (l *LineInput) UnmarshalJSON(data []byte) error {
	type line LineInput
	v := line{Quantity: 1}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*l = LineInput(v)
	return nil
}

// Input is the structured receipt produced by the recognition step
type Input struct {
	StoreName        string      `json:"storeName"`
	CardName         string      `json:"cardName"`
	Items            []LineInput `json:"items" validate:"dive"`
	PurchaseDateTime string      `json:"purchaseDateTime"`
	RawText          string      `json:"rawText"`
}

// DateRange is an inclusive range of days. A nil bound is open.
type DateRange struct {
	Start *time.Time
	End   *time.Time
}

// endExclusive is the first instant after the inclusive end day.
func (r DateRange) endExclusive() *time.Time {
	if r.End == nil {
		return nil
	}
	t := r.End.AddDate(0, 0, 1)
	return &t
}

// Contains reports whether t falls in the range. Open ranges contain nil
// times; any bound excludes them.
func (r DateRange) Contains(t *time.Time) bool {
	if r.Start == nil && r.End == nil {
		return true
	}
	if t == nil {
		return false
	}
	if r.Start != nil && t.Before(*r.Start) {
		return false
	}
	if end := r.endExclusive(); end != nil && !t.Before(*end) {
		return false
	}
	return true
}

// ListFilter selects receipts at the storage level
type ListFilter struct {
	Range     DateRange
	StoreName string // Exact match when set
	CardName  string // Exact match when set
	Search    string // Case-insensitive substring of any item name
	Limit     int    // No limit when <= 0
}
