package scanning

const receiptScanPrompt = `이 영수증 이미지를 분석해서 상품 정보를 추출해주세요.

영수증 형식:
- 각 상품은 2줄로 구성됩니다
- 1줄: 번호(NO)와 상품명
- 2줄: 바코드, 단가, 수량, 금액

다음 JSON 형식으로만 응답해주세요 (다른 텍스트 없이):
{
  "storeName": "상호명",
  "cardName": "카드명",
  "items": [
    {
      "no": "001",
      "name": "상품명",
      "barcode": "1234567890123",
      "unitPrice": 1000,
      "quantity": 1,
      "amount": 1000
    }
  ],
  "purchaseDateTime": "YY-MM-DD HH:MM",
  "rawText": "영수증 전체 텍스트"
}

주의사항:
- 숫자에서 콤마(,)는 제거하고 정수로 변환
- 할인 항목은 음수 금액으로 표시
- 바코드가 없으면 null
- 상품 정보가 없으면 빈 배열 []
- rawText에는 인식된 전체 텍스트 포함
- storeName: 영수증 상단의 상호명/매장명 (예: "이마트")
- cardName: 결제에 사용된 카드명 또는 카드사 (예: "신한카드"). 현금 결제면 "현금"
- purchaseDateTime: 구매 날짜와 시간을 "YY-MM-DD HH:MM" 형식으로 변환 (예: "25-02-02 14:30")
- 찾을 수 없는 정보는 null`

const systemPrompt = "You are an expert at reading Korean receipts. Read every line of the image carefully and answer with JSON only."
