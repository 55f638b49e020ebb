package receipt

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// OtherBucket groups receipts without a store or card name
	OtherBucket = "other"

	// DefaultFrequentItemsLimit is the number of items returned when no
	// limit is given
	DefaultFrequentItemsLimit = 10

	monthKeyLayout = "2006.01"
)

// Summary aggregates all receipts of a period
type Summary struct {
	TotalAmount  int `json:"total_amount"`
	ReceiptCount int `json:"receipt_count"`
	AvgAmount    int `json:"avg_amount"`
}

// MonthlyStat is the spend of one calendar month
type MonthlyStat struct {
	Month        string `json:"month"`
	TotalAmount  int    `json:"total_amount"`
	ReceiptCount int    `json:"receipt_count"`
}

// StoreStat is the spend at one store
type StoreStat struct {
	StoreName   string `json:"store_name"`
	TotalAmount int    `json:"total_amount"`
	VisitCount  int    `json:"visit_count"`
}

// CardStat is the spend with one payment method
type CardStat struct {
	CardName    string `json:"card_name"`
	TotalAmount int    `json:"total_amount"`
	UsageCount  int    `json:"usage_count"`
}

// FrequentItem describes how often an item is bought
type FrequentItem struct {
	Name            string `json:"name"`
	PurchaseCount   int    `json:"purchase_count"`
	TotalAmount     int    `json:"total_amount"`
	AvgIntervalDays *int   `json:"avg_interval_days"` // nil with fewer than two dated purchases
}

// floorDiv divides rounding toward negative infinity
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// receipts reads every receipt matching f inside one read transaction
func (s *Service) receipts(ctx context.Context, f ListFilter) ([]*Receipt, error) {
	var receipts []*Receipt
	err := s.view(ctx, func(tx Tx) error {
		var err error
		receipts, err = tx.ListReceipts(f)
		return err
	})
	return receipts, err
}

// Summary returns the total, count and average receipt amount between start
// and end (inclusive, either may be empty)
func (s *Service) Summary(ctx context.Context, start, end string) (*Summary, error) {
	receipts, err := s.receipts(ctx, ListFilter{Range: parseRange(start, end)})
	if err != nil {
		return nil, fmt.Errorf("computing summary: %w", err)
	}

	var sum Summary
	for _, r := range receipts {
		sum.TotalAmount += r.TotalAmount
	}
	sum.ReceiptCount = len(receipts)
	if sum.ReceiptCount > 0 {
		sum.AvgAmount = floorDiv(sum.TotalAmount, sum.ReceiptCount)
	}
	return &sum, nil
}

// Monthly returns spend per purchase month in ascending month order.
// Receipts without a purchase date are not counted.
func (s *Service) Monthly(ctx context.Context, start, end string) ([]MonthlyStat, error) {
	receipts, err := s.receipts(ctx, ListFilter{Range: parseRange(start, end)})
	if err != nil {
		return nil, fmt.Errorf("computing monthly stats: %w", err)
	}

	byMonth := make(map[string]*MonthlyStat)
	for _, r := range receipts {
		if r.PurchaseDate == nil {
			continue
		}
		key := r.PurchaseDate.Format(monthKeyLayout)
		stat, ok := byMonth[key]
		if !ok {
			stat = &MonthlyStat{Month: key}
			byMonth[key] = stat
		}
		stat.TotalAmount += r.TotalAmount
		stat.ReceiptCount++
	}

	stats := make([]MonthlyStat, 0, len(byMonth))
	for _, stat := range byMonth {
		stats = append(stats, *stat)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Month < stats[j].Month })
	return stats, nil
}

type group struct {
	key   string
	total int
	count int
}

// groupReceipts totals receipts per key and sorts the groups by total,
// largest first. Groups with equal totals keep the order they were first seen.
func groupReceipts(receipts []*Receipt, key func(*Receipt) string) []group {
	index := make(map[string]int)
	var groups []group
	for _, r := range receipts {
		k := strings.TrimSpace(key(r))
		if k == "" {
			k = OtherBucket
		}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, group{key: k})
		}
		groups[i].total += r.TotalAmount
		groups[i].count++
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].total > groups[j].total })
	return groups
}

func storeName(r *Receipt) string { return r.StoreName }
func cardName(r *Receipt) string  { return r.CardName }

// ByStore returns spend per store, largest first
func (s *Service) ByStore(ctx context.Context, start, end string) ([]StoreStat, error) {
	receipts, err := s.receipts(ctx, ListFilter{Range: parseRange(start, end)})
	if err != nil {
		return nil, fmt.Errorf("computing store stats: %w", err)
	}
	groups := groupReceipts(receipts, storeName)
	stats := make([]StoreStat, len(groups))
	for i, g := range groups {
		stats[i] = StoreStat{StoreName: g.key, TotalAmount: g.total, VisitCount: g.count}
	}
	return stats, nil
}

// ByCard returns spend per payment method, largest first
func (s *Service) ByCard(ctx context.Context, start, end string) ([]CardStat, error) {
	return s.cardStats(ctx, ListFilter{Range: parseRange(start, end)})
}

// StoreCards returns spend per payment method at a single store
func (s *Service) StoreCards(ctx context.Context, store, start, end string) ([]CardStat, error) {
	store = strings.TrimSpace(store)
	if store == "" {
		return nil, fmt.Errorf("store name is required: %w", ErrInvalidInput)
	}
	return s.cardStats(ctx, ListFilter{Range: parseRange(start, end), StoreName: store})
}

func (s *Service) cardStats(ctx context.Context, f ListFilter) ([]CardStat, error) {
	receipts, err := s.receipts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("computing card stats: %w", err)
	}
	groups := groupReceipts(receipts, cardName)
	stats := make([]CardStat, len(groups))
	for i, g := range groups {
		stats[i] = CardStat{CardName: g.key, TotalAmount: g.total, UsageCount: g.count}
	}
	return stats, nil
}

type itemTally struct {
	name   string
	count  int
	amount int
	dates  []time.Time
}

// FrequentItems returns the most bought items between start and end, by
// total quantity. The average interval only counts gaps of at least one day
// so repeat purchases on the same day do not drag it down.
func (s *Service) FrequentItems(ctx context.Context, start, end string, limit int) ([]FrequentItem, error) {
	if limit <= 0 {
		limit = DefaultFrequentItemsLimit
	}

	var (
		receipts []*Receipt
		items    []*Item
	)
	err := s.view(ctx, func(tx Tx) error {
		var err error
		receipts, err = tx.ListReceipts(ListFilter{Range: parseRange(start, end)})
		if err != nil || len(receipts) == 0 {
			return err
		}
		ids := make([]int64, len(receipts))
		for i, r := range receipts {
			ids[i] = r.ID
		}
		items, err = tx.ItemsIn(ids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("computing frequent items: %w", err)
	}

	dates := make(map[int64]*time.Time, len(receipts))
	for _, r := range receipts {
		dates[r.ID] = r.PurchaseDate
	}

	index := make(map[string]int)
	var tallies []*itemTally
	for _, it := range items {
		name := strings.TrimSpace(it.Name)
		if name == "" {
			continue
		}
		i, ok := index[name]
		if !ok {
			i = len(tallies)
			index[name] = i
			tallies = append(tallies, &itemTally{name: name})
		}
		t := tallies[i]
		t.count += it.Quantity
		t.amount += it.Amount
		if d := dates[it.ReceiptID]; d != nil {
			t.dates = append(t.dates, *d)
		}
	}

	result := make([]FrequentItem, len(tallies))
	for i, t := range tallies {
		result[i] = FrequentItem{
			Name:            t.name,
			PurchaseCount:   t.count,
			TotalAmount:     t.amount,
			AvgIntervalDays: averageInterval(t.dates),
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].PurchaseCount > result[j].PurchaseCount })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// averageInterval is the mean of the whole-day gaps between consecutive
// dates, ignoring gaps of zero days. It returns nil when there is no such gap.
func averageInterval(dates []time.Time) *int {
	if len(dates) < 2 {
		return nil
	}
	sorted := make([]time.Time, len(dates))
	copy(sorted, dates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var sum, n int
	for i := 1; i < len(sorted); i++ {
		days := int(sorted[i].Sub(sorted[i-1]) / (24 * time.Hour))
		if days > 0 {
			sum += days
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / n
	return &avg
}
