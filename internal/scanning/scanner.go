package scanning

import "strings"

// LineItem is one product line read from a receipt
type LineItem struct {
	No        string `json:"no"`
	Name      string `json:"name"`
	Barcode   string `json:"barcode"`
	UnitPrice int    `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
	Amount    int    `json:"amount"`
}

// ReceiptData contains the structured information read from a receipt image
type ReceiptData struct {
	StoreName        string     `json:"storeName"`
	CardName         string     `json:"cardName"`
	Items            []LineItem `json:"items"`
	PurchaseDateTime string     `json:"purchaseDateTime"` // "YY-MM-DD HH:MM" when the model follows the prompt
	RawText          string     `json:"rawText"`
}

// Scanner defines the interface for receipt scanning operations
type Scanner interface {
	// ScanReceipt reads a receipt image and extracts its contents
	ScanReceipt(imageData []byte, contentType string) (*ReceiptData, error)
	// Close closes the scanner and releases resources
	Close() error
}

// imageFormat returns the subtype of an image MIME type ("image/png" -> "png"),
// defaulting to jpeg
func imageFormat(contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	if format, ok := strings.CutPrefix(contentType, "image/"); ok && format != "" {
		if format == "jpg" {
			return "jpeg"
		}
		return format
	}
	return "jpeg"
}
