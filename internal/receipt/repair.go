package receipt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/zombor/receipt-ledger/internal/normalize"
)

const auditStampLayout = "20060102T150405.000"

// CleanupReport summarizes a cleanup run
type CleanupReport struct {
	ItemsNumbered int      `json:"items_numbered"`
	CardsDetected int      `json:"cards_detected"`
	Log           []string `json:"log"`
}

// MigrationReport summarizes a discount migration run
type MigrationReport struct {
	Migrated int      `json:"migrated"`
	Skipped  int      `json:"skipped"`
	Log      []string `json:"log"`
}

// allReceipts lists every receipt in id order
func allReceipts(tx Tx) ([]*Receipt, error) {
	receipts, err := tx.ListReceipts(ListFilter{})
	if err != nil {
		return nil, err
	}
	sort.Slice(receipts, func(i, j int) bool { return receipts[i].ID < receipts[j].ID })
	return receipts, nil
}

// Cleanup numbers items stored without a line label and fills in the payment
// method of receipts that have none, using their raw text. Running it twice
// changes nothing the second time.
func (s *Service) Cleanup(ctx context.Context) (*CleanupReport, error) {
	var report *CleanupReport
	err := s.update(ctx, func(tx Tx) error {
		report = &CleanupReport{Log: []string{}}
		receipts, err := allReceipts(tx)
		if err != nil {
			return err
		}

		for _, r := range receipts {
			items, err := tx.Items(r.ID)
			if err != nil {
				return err
			}
			labels := make([]string, len(items))
			for i, it := range items {
				labels[i] = it.No
			}
			labels = normalize.AssignSequence(labels)
			for i, it := range items {
				if labels[i] == it.No {
					continue
				}
				it.No = labels[i]
				if err := tx.SaveItem(it); err != nil {
					return err
				}
				report.ItemsNumbered++
				report.Log = append(report.Log, fmt.Sprintf("receipt %d: item %d %q numbered %s", r.ID, it.ID, it.Name, it.No))
			}

			if strings.TrimSpace(r.CardName) != "" {
				continue
			}
			// listed receipts carry no raw text
			full, err := tx.GetReceipt(r.ID)
			if err != nil {
				return err
			}
			label, ok := s.detector.Detect(full.RawText)
			if !ok {
				continue
			}
			full.CardName = label
			if err := tx.SaveReceipt(full); err != nil {
				return err
			}
			report.CardsDetected++
			report.Log = append(report.Log, fmt.Sprintf("receipt %d: payment method set to %s", r.ID, label))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}

	slog.Info("Cleanup finished", "items_numbered", report.ItemsNumbered, "cards_detected", report.CardsDetected)
	s.archive("cleanup", report.Log)
	return report, nil
}

// MigrateDiscounts moves discount lines that were stored as items into the
// discounts of their receipt. A line is skipped, and left in place, when the
// receipt already has a discount of the same name.
func (s *Service) MigrateDiscounts(ctx context.Context) (*MigrationReport, error) {
	var report *MigrationReport
	err := s.update(ctx, func(tx Tx) error {
		report = &MigrationReport{Log: []string{}}
		receipts, err := allReceipts(tx)
		if err != nil {
			return err
		}

		for _, r := range receipts {
			items, err := tx.Items(r.ID)
			if err != nil {
				return err
			}
			var existing map[string]bool
			for _, it := range items {
				if normalize.Classify(it.Name, it.Amount) != normalize.Discount {
					continue
				}
				if existing == nil {
					if existing, err = discountNames(tx, r.ID); err != nil {
						return err
					}
				}
				name := strings.TrimSpace(it.Name)
				if existing[name] {
					report.Skipped++
					report.Log = append(report.Log, fmt.Sprintf("receipt %d: item %d %q skipped, discount exists", r.ID, it.ID, name))
					continue
				}

				itemID := it.ID
				d := &Discount{
					ReceiptID: r.ID,
					ItemID:    &itemID,
					Name:      name,
					Amount:    normalize.Magnitude(it.Amount),
				}
				if err := tx.CreateDiscount(d); err != nil {
					return err
				}
				if err := tx.DeleteItem(it); err != nil {
					return err
				}
				existing[name] = true
				report.Migrated++
				report.Log = append(report.Log, fmt.Sprintf("receipt %d: item %d %q moved to discounts (%d)", r.ID, it.ID, name, d.Amount))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("migrating discounts: %w", err)
	}

	slog.Info("Discount migration finished", "migrated", report.Migrated, "skipped", report.Skipped)
	s.archive("migrate-discounts", report.Log)
	return report, nil
}

func discountNames(tx Tx, receiptID int64) (map[string]bool, error) {
	discounts, err := tx.Discounts(receiptID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(discounts))
	for _, d := range discounts {
		names[strings.TrimSpace(d.Name)] = true
	}
	return names, nil
}

// archive saves a job log. Failures are logged and otherwise ignored since
// the job itself has already committed.
func (s *Service) archive(job string, lines []string) {
	if s.audit == nil {
		return
	}
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	name := fmt.Sprintf("%s-%s.log", job, s.timeSource.Now().UTC().Format(auditStampLayout))
	if _, err := s.audit.Save(name, buf.Bytes()); err != nil {
		slog.Warn("Failed to archive job log", "job", job, "error", err)
	}
}

// AuditLogs lists archived job logs, newest first
func (s *Service) AuditLogs() ([]string, error) {
	if s.audit == nil {
		return []string{}, nil
	}
	return s.audit.List()
}

// AuditLog returns one archived job log
func (s *Service) AuditLog(name string) ([]byte, error) {
	if s.audit == nil {
		return nil, fmt.Errorf("audit log %q: %w", name, ErrNotFound)
	}
	return s.audit.Get(name)
}
