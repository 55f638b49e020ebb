package scanning

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// wireLine accepts the loose number formats models tend to produce
type wireLine struct {
	No        json.RawMessage `json:"no"`
	Name      *string         `json:"name"`
	Barcode   *string         `json:"barcode"`
	UnitPrice json.RawMessage `json:"unitPrice"`
	Quantity  json.RawMessage `json:"quantity"`
	Amount    json.RawMessage `json:"amount"`
}

type wireReceipt struct {
	StoreName        *string    `json:"storeName"`
	CardName         *string    `json:"cardName"`
	Items            []wireLine `json:"items"`
	PurchaseDateTime *string    `json:"purchaseDateTime"`
	RawText          *string    `json:"rawText"`
}

// parseReceiptJSON parses a model response into ReceiptData
func parseReceiptJSON(text string) (*ReceiptData, error) {
	text = strings.TrimSpace(text)

	// Remove markdown code blocks if present
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var wire wireReceipt
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	data := &ReceiptData{
		StoreName:        str(wire.StoreName),
		CardName:         str(wire.CardName),
		PurchaseDateTime: str(wire.PurchaseDateTime),
		RawText:          derefRaw(wire.RawText),
		Items:            make([]LineItem, 0, len(wire.Items)),
	}
	for i, line := range wire.Items {
		item := LineItem{
			No:      label(line.No),
			Name:    str(line.Name),
			Barcode: str(line.Barcode),
		}
		var err error
		if item.UnitPrice, err = number(line.UnitPrice); err != nil {
			return nil, fmt.Errorf("item %d unitPrice: %w", i, err)
		}
		if item.Quantity, err = quantity(line.Quantity); err != nil {
			return nil, fmt.Errorf("item %d quantity: %w", i, err)
		}
		if item.Amount, err = number(line.Amount); err != nil {
			return nil, fmt.Errorf("item %d amount: %w", i, err)
		}
		data.Items = append(data.Items, item)
	}
	return data, nil
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func derefRaw(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// label reads a line number given either as a string or a bare number
func label(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

// number reads an integer amount given as a JSON number or a string such as
// "1,200" or "-500원"
// quantity is like number but reads a missing quantity as one
func quantity(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 1, nil
	}
	return number(raw)
}

func number(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(math.Round(f)), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	s = strings.NewReplacer(",", "", " ", "", "원", "", "₩", "").Replace(s)
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return int(math.Round(f)), nil
}
