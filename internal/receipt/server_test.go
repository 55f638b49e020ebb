package receipt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Server", func() {
	var (
		service     *Service
		scanner     *mockScanner
		server      *Server
		auth        BasicAuth
		archive     *mockArchive
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		if scanner == nil {
			server = NewServerWithMux(service, nil, auth, http.NewServeMux())
		} else {
			server = NewServerWithMux(service, scanner, auth, http.NewServeMux())
		}
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`^/`), server.ServeHTTP)
		}
	}

	do := func(method, path string, body any, headers ...string) (*http.Response, []byte) {
		var reader io.Reader
		switch b := body.(type) {
		case nil:
		case string:
			reader = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequest(method, ghttpServer.URL()+path, reader)
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i+1 < len(headers); i += 2 {
			req.Header.Set(headers[i], headers[i+1])
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp, data
	}

	create := func(in Input) int64 {
		id, err := service.CreateReceipt(context.Background(), &in)
		Expect(err).NotTo(HaveOccurred())
		return id
	}

	BeforeEach(func() {
		archive = newMockArchive()
		service = newTestService(newTestDB(), archive)
		scanner = newMockScanner()
		auth = BasicAuth{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
			ghttpServer = nil
		}
	})

	Describe("GET /health", func() {
		It("should report the configured collaborators", func() {
			resp, body := do(http.MethodGet, "/health", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(MatchJSON(`{"status": "ok", "scanner_configured": true, "database_connected": true}`))
		})

		When("nothing is configured", func() {
			BeforeEach(func() {
				service = newTestService(nil, nil)
				scanner = nil
				setupServer()
			})

			It("should still answer", func() {
				resp, body := do(http.MethodGet, "/health", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(body).To(MatchJSON(`{"status": "ok", "scanner_configured": false, "database_connected": false}`))
			})
		})
	})

	Describe("middleware", func() {
		It("should generate a request id", func() {
			resp, _ := do(http.MethodGet, "/health", nil)
			Expect(resp.Header.Get(RequestIDHeader)).To(MatchRegexp(`^[0-9a-f-]{36}$`))
		})

		It("should echo the client's request id", func() {
			resp, _ := do(http.MethodGet, "/health", nil, RequestIDHeader, "abc-123")
			Expect(resp.Header.Get(RequestIDHeader)).To(Equal("abc-123"))
		})

		It("should answer preflight requests", func() {
			resp, _ := do(http.MethodOptions, "/api/receipts", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("should turn a panicking handler into a 500", func() {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
			server = NewServerWithMux(service, nil, auth, mux)

			req, err := http.NewRequest(http.MethodGet, "/boom", nil)
			Expect(err).NotTo(HaveOccurred())
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(rec.Body.String()).To(ContainSubstring("Internal server error"))
			Expect(rec.Header().Get(RequestIDHeader)).NotTo(BeEmpty())
		})

		When("basic auth is configured", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "admin", Password: "secret"}
				setupServer()
			})

			It("should reject requests without credentials", func() {
				resp, _ := do(http.MethodGet, "/api/receipts", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
				Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			})

			It("should accept valid credentials", func() {
				token := base64.StdEncoding.EncodeToString([]byte("admin:secret"))
				resp, _ := do(http.MethodGet, "/api/receipts", nil, "Authorization", "Basic "+token)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			})

			It("should leave the health check open", func() {
				resp, _ := do(http.MethodGet, "/health", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			})
		})
	})

	Describe("POST /api/ocr", func() {
		It("should decode a data URL and return the scan", func() {
			image := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png-bytes"))
			resp, body := do(http.MethodPost, "/api/ocr", map[string]string{"image": image})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(scanner.gotType).To(Equal("image/png"))
			Expect(scanner.gotData).To(Equal([]byte("png-bytes")))

			var result map[string]any
			Expect(json.Unmarshal(body, &result)).To(Succeed())
			Expect(result["success"]).To(BeTrue())
			Expect(result["storeName"]).To(Equal("이마트"))
			Expect(result["items"]).To(HaveLen(1))
		})

		It("should accept plain base64 as jpeg", func() {
			resp, _ := do(http.MethodPost, "/api/ocr", map[string]string{"image": base64.StdEncoding.EncodeToString([]byte("jpg"))})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(scanner.gotType).To(Equal("image/jpeg"))
		})

		It("rejects a missing image", func() {
			resp, _ := do(http.MethodPost, "/api/ocr", map[string]string{})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects invalid base64", func() {
			resp, _ := do(http.MethodPost, "/api/ocr", map[string]string{"image": "not base64!"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		When("the scanner fails", func() {
			BeforeEach(func() {
				scanner.scanErr = errors.New("quota exceeded")
			})

			It("should report the failure", func() {
				resp, body := do(http.MethodPost, "/api/ocr", map[string]string{"image": base64.StdEncoding.EncodeToString([]byte("jpg"))})
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				Expect(body).To(MatchJSON(`{"success": false, "error": "quota exceeded"}`))
			})
		})

		When("no scanner is configured", func() {
			BeforeEach(func() {
				scanner = nil
				setupServer()
			})

			It("returns service unavailable", func() {
				resp, _ := do(http.MethodPost, "/api/ocr", map[string]string{"image": "eA=="})
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			})
		})
	})

	Describe("POST /api/receipts", func() {
		It("should store the receipt", func() {
			resp, body := do(http.MethodPost, "/api/receipts", `{
				"storeName": "이마트",
				"cardName": "",
				"items": [
					{"no": "", "name": "우유", "unitPrice": 2500, "quantity": 1, "amount": 2500},
					{"no": "", "name": "할인", "unitPrice": -500, "quantity": 1, "amount": -500}
				],
				"purchaseDateTime": "25-02-02 14:30",
				"rawText": "네이버페이 결제"
			}`)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var created createReceiptResponse
			Expect(json.Unmarshal(body, &created)).To(Succeed())
			Expect(created.ReceiptID).To(BeNumerically(">", 0))

			detail, err := service.GetReceiptDetail(context.Background(), created.ReceiptID)
			Expect(err).NotTo(HaveOccurred())
			Expect(detail.Receipt.CardName).To(Equal("네이버페이"))
			Expect(detail.Receipt.TotalAmount).To(Equal(2000))
			Expect(detail.Discounts).To(HaveLen(1))
		})

		It("should count a line without quantity once", func() {
			resp, body := do(http.MethodPost, "/api/receipts", `{"items": [{"name": "우유", "amount": 2500}]}`)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var created createReceiptResponse
			Expect(json.Unmarshal(body, &created)).To(Succeed())
			detail, err := service.GetReceiptDetail(context.Background(), created.ReceiptID)
			Expect(err).NotTo(HaveOccurred())
			Expect(detail.Items).To(HaveLen(1))
			Expect(detail.Items[0].Quantity).To(Equal(1))
		})

		It("rejects malformed JSON", func() {
			resp, body := do(http.MethodPost, "/api/receipts", `{"storeName":`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(body).To(ContainSubstring("invalid request body"))
		})

		It("rejects a negative quantity", func() {
			resp, _ := do(http.MethodPost, "/api/receipts", `{"items": [{"name": "우유", "quantity": -1, "amount": 100}]}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		When("no database is configured", func() {
			BeforeEach(func() {
				service = newTestService(nil, nil)
				setupServer()
			})

			It("returns service unavailable", func() {
				resp, body := do(http.MethodPost, "/api/receipts", `{"storeName": "이마트"}`)
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
				Expect(body).To(MatchJSON(fmt.Sprintf(`{"error": %q}`, ErrStoreUnavailable.Error())))
			})
		})
	})

	Describe("GET /api/receipts", func() {
		BeforeEach(func() {
			create(Input{StoreName: "이마트", PurchaseDateTime: "25-01-01 10:00", RawText: "secret", Items: []LineInput{{Name: "우유", Quantity: 1, Amount: 100}}})
			create(Input{StoreName: "GS25", PurchaseDateTime: "25-02-01 10:00", Items: []LineInput{{Name: "라면", Quantity: 1, Amount: 100}}})
		})

		It("should list receipts newest first without raw text", func() {
			resp, body := do(http.MethodGet, "/api/receipts", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

			var receipts []map[string]any
			Expect(json.Unmarshal(body, &receipts)).To(Succeed())
			Expect(receipts).To(HaveLen(2))
			Expect(receipts[0]["store_name"]).To(Equal("GS25"))
			Expect(receipts[1]).NotTo(HaveKey("raw_text"))
		})

		It("should apply the filters", func() {
			_, body := do(http.MethodGet, "/api/receipts?search=%EC%9A%B0%EC%9C%A0&limit=5", nil)
			var receipts []*Receipt
			Expect(json.Unmarshal(body, &receipts)).To(Succeed())
			Expect(receipts).To(HaveLen(1))
			Expect(receipts[0].StoreName).To(Equal("이마트"))

			_, body = do(http.MethodGet, "/api/receipts?start_date=2025-02-01&end_date=250228", nil)
			Expect(json.Unmarshal(body, &receipts)).To(Succeed())
			Expect(receipts).To(HaveLen(1))
			Expect(receipts[0].StoreName).To(Equal("GS25"))
		})

		It("should return an empty array when nothing matches", func() {
			_, body := do(http.MethodGet, "/api/receipts?store_name=nowhere", nil)
			Expect(body).To(MatchJSON(`[]`))
		})

		It("rejects an invalid limit", func() {
			resp, _ := do(http.MethodGet, "/api/receipts?limit=ten", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("/api/receipts/{id}", func() {
		var id int64

		BeforeEach(func() {
			id = create(Input{StoreName: "이마트", Items: []LineInput{{Name: "우유", Quantity: 1, Amount: 2500}, {Name: "할인", Amount: -500}}})
		})

		It("should return the receipt with its lines", func() {
			resp, body := do(http.MethodGet, fmt.Sprintf("/api/receipts/%d", id), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var detail Detail
			Expect(json.Unmarshal(body, &detail)).To(Succeed())
			Expect(detail.Receipt.ID).To(Equal(id))
			Expect(detail.Items).To(HaveLen(1))
			Expect(detail.Discounts).To(HaveLen(1))
		})

		It("returns not found for an unknown id", func() {
			resp, _ := do(http.MethodGet, "/api/receipts/999", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("rejects a non-numeric id", func() {
			resp, _ := do(http.MethodGet, "/api/receipts/abc", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should delete the receipt", func() {
			resp, _ := do(http.MethodDelete, fmt.Sprintf("/api/receipts/%d", id), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp, _ = do(http.MethodGet, fmt.Sprintf("/api/receipts/%d", id), nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("returns not found when deleting an unknown id", func() {
			resp, _ := do(http.MethodDelete, "/api/receipts/999", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should add a discount", func() {
			resp, body := do(http.MethodPost, fmt.Sprintf("/api/receipts/%d/discounts", id), `{"name": "쿠폰", "amount": -1000}`)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var d Discount
			Expect(json.Unmarshal(body, &d)).To(Succeed())
			Expect(d.Amount).To(Equal(1000))
			Expect(d.ReceiptID).To(Equal(id))
		})

		It("rejects a discount without a name", func() {
			resp, _ := do(http.MethodPost, fmt.Sprintf("/api/receipts/%d/discounts", id), `{"amount": 100}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns not found for a discount on an unknown receipt", func() {
			resp, _ := do(http.MethodPost, "/api/receipts/999/discounts", `{"name": "쿠폰", "amount": 100}`)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("statistics", func() {
		BeforeEach(func() {
			create(Input{StoreName: "이마트", CardName: "현금", PurchaseDateTime: "25-01-01 10:00", Items: []LineInput{{Name: "우유", Quantity: 1, Amount: 1000}}})
			create(Input{StoreName: "이마트", CardName: "신한카드", PurchaseDateTime: "25-01-11 10:00", Items: []LineInput{{Name: "우유", Quantity: 1, Amount: 2000}}})
			create(Input{StoreName: "GS25", PurchaseDateTime: "25-02-01 10:00", Items: []LineInput{{Name: "라면", Quantity: 1, Amount: 3000}}})
		})

		It("should return the summary", func() {
			resp, body := do(http.MethodGet, "/api/stats/summary", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(MatchJSON(`{"total_amount": 6000, "receipt_count": 3, "avg_amount": 2000}`))
		})

		It("should return monthly totals", func() {
			_, body := do(http.MethodGet, "/api/stats/monthly", nil)
			Expect(body).To(MatchJSON(`[
				{"month": "2025.01", "total_amount": 3000, "receipt_count": 2},
				{"month": "2025.02", "total_amount": 3000, "receipt_count": 1}
			]`))
		})

		It("should return store totals", func() {
			_, body := do(http.MethodGet, "/api/stats/by-store?start_date=2025-01-01&end_date=2025-01-31", nil)
			Expect(body).To(MatchJSON(`[{"store_name": "이마트", "total_amount": 3000, "visit_count": 2}]`))
		})

		It("should return card totals", func() {
			_, body := do(http.MethodGet, "/api/stats/by-card", nil)
			Expect(body).To(MatchJSON(`[
				{"card_name": "other", "total_amount": 3000, "usage_count": 1},
				{"card_name": "신한카드", "total_amount": 2000, "usage_count": 1},
				{"card_name": "현금", "total_amount": 1000, "usage_count": 1}
			]`))
		})

		It("should return card totals for one store", func() {
			_, body := do(http.MethodGet, "/api/stats/store/%EC%9D%B4%EB%A7%88%ED%8A%B8/cards", nil)
			Expect(body).To(MatchJSON(`[
				{"card_name": "신한카드", "total_amount": 2000, "usage_count": 1},
				{"card_name": "현금", "total_amount": 1000, "usage_count": 1}
			]`))
		})

		It("should return frequent items", func() {
			_, body := do(http.MethodGet, "/api/stats/frequent-items?limit=1", nil)
			Expect(body).To(MatchJSON(`[{"name": "우유", "purchase_count": 2, "total_amount": 3000, "avg_interval_days": 10}]`))
		})
	})

	Describe("maintenance", func() {
		BeforeEach(func() {
			create(Input{RawText: "토스페이", Items: []LineInput{{Name: "우유", Quantity: 1, Amount: 1000}}})
		})

		It("should run the cleanup", func() {
			resp, body := do(http.MethodPost, "/api/admin/cleanup", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(MatchJSON(`{"items_numbered": 0, "cards_detected": 0, "log": []}`))
		})

		It("should run the discount migration", func() {
			resp, body := do(http.MethodPost, "/api/admin/migrate-discounts", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(MatchJSON(`{"migrated": 0, "skipped": 0, "log": []}`))
		})

		It("should list and serve archived logs", func() {
			do(http.MethodPost, "/api/admin/cleanup", nil)

			_, body := do(http.MethodGet, "/api/admin/audit", nil)
			var names []string
			Expect(json.Unmarshal(body, &names)).To(Succeed())
			Expect(names).To(HaveLen(1))

			resp, _ := do(http.MethodGet, "/api/admin/audit/"+names[0], nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/plain"))
		})

		It("returns not found for an unknown log", func() {
			resp, _ := do(http.MethodGet, "/api/admin/audit/nope.log", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})
