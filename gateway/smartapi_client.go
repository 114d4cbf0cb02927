package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"market-arb-go/order"
)

const (
	placeOrderPath = "/rest/secure/angelbroking/order/v1/placeOrder"
	orderBookPath  = "/rest/secure/angelbroking/order/v1/getOrderBook"
)

// ErrUnknownInstrument 没有配置对应的券商 token。
var ErrUnknownInstrument = errors.New("instrument token not configured")

// SmartAPIClient Angel One SmartAPI 风格的下单/查单客户端；HTTPClient 可注入 httptest。
// 会话令牌由外部登录流程提供。
type SmartAPIClient struct {
	BaseURL     string
	APIKey      string
	ClientCode  string
	AccessToken string
	HTTPClient  *http.Client
	Limiter     RateLimiter
	Instruments *InstrumentBook
}

type apiEnvelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

type placeRequest struct {
	Variety         string `json:"variety"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	TransactionType string `json:"transactiontype"`
	Exchange        string `json:"exchange"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Duration        string `json:"duration"`
	Price           string `json:"price"`
	Quantity        string `json:"quantity"`
	OrderTag        string `json:"ordertag,omitempty"`
}

type placeData struct {
	OrderID       string `json:"orderid"`
	UniqueOrderID string `json:"uniqueorderid"`
}

type bookEntry struct {
	OrderID      string      `json:"orderid"`
	Status       string      `json:"status"`
	OrderStatus  string      `json:"orderstatus"`
	AveragePrice flexDecimal `json:"averageprice"`
	FilledShares flexDecimal `json:"filledshares"`
	Text         string      `json:"text"`
}

// flexDecimal 订单簿里数值字段有时是数字、有时是字符串，空串按 0 处理。
type flexDecimal struct {
	decimal.Decimal
}

func (f *flexDecimal) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		f.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	f.Decimal = d
	return nil
}

// Place 提交一条腿，返回券商订单号。
func (c *SmartAPIClient) Place(ctx context.Context, leg order.OrderLeg) (string, error) {
	if c == nil || c.HTTPClient == nil {
		return "", fmt.Errorf("http client not set")
	}
	inst, ok := c.Instruments.Lookup(leg.Instrument, leg.Venue)
	if !ok {
		return "", fmt.Errorf("%w: %s %s", ErrUnknownInstrument, leg.Instrument, leg.Venue)
	}
	price := "0"
	if leg.Type == order.OrderTypeLimit {
		if leg.Price <= 0 {
			return "", fmt.Errorf("limit order requires positive price, got %v", leg.Price)
		}
		price = decimal.NewFromFloat(leg.Price).StringFixed(2)
	}
	body := placeRequest{
		Variety:         "NORMAL",
		TradingSymbol:   inst.TradingSymbol,
		SymbolToken:     inst.Token,
		TransactionType: leg.Side.String(),
		Exchange:        leg.Venue.String(),
		OrderType:       leg.Type.String(),
		ProductType:     leg.Product.String(),
		Duration:        leg.Validity.String(),
		Price:           price,
		Quantity:        strconv.FormatInt(leg.Quantity, 10),
		OrderTag:        leg.Tag,
	}
	var pd placeData
	if err := c.do(ctx, http.MethodPost, placeOrderPath, body, &pd); err != nil {
		return "", fmt.Errorf("place %s: %w", leg, err)
	}
	if pd.OrderID == "" {
		return "", order.ErrEmptyOrderID
	}
	return pd.OrderID, nil
}

// Status 从订单簿查询单个订单的状态。
func (c *SmartAPIClient) Status(ctx context.Context, orderID string) (order.StatusReport, error) {
	if c == nil || c.HTTPClient == nil {
		return order.StatusReport{}, fmt.Errorf("http client not set")
	}
	var book []bookEntry
	if err := c.do(ctx, http.MethodGet, orderBookPath, nil, &book); err != nil {
		return order.StatusReport{}, fmt.Errorf("order book: %w", err)
	}
	for _, e := range book {
		if e.OrderID != orderID {
			continue
		}
		raw := e.OrderStatus
		if raw == "" {
			raw = e.Status
		}
		rep := order.StatusReport{
			Status:    MapOrderStatus(raw),
			FilledQty: e.FilledShares.IntPart(),
			Message:   e.Text,
		}
		rep.FilledPrice, _ = e.AveragePrice.Float64()
		return rep, nil
	}
	return order.StatusReport{Status: order.StatusPending}, nil
}

// MapOrderStatus 券商状态字符串归一化。
func MapOrderStatus(s string) order.Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "complete":
		return order.StatusFilled
	case "rejected":
		return order.StatusRejected
	case "cancelled", "canceled":
		return order.StatusCancelled
	case "open":
		return order.StatusOpen
	default:
		// pending、validation pending、trigger pending 等中间态
		return order.StatusPending
	}
}

func (c *SmartAPIClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-PrivateKey", c.APIKey)
	req.Header.Set("X-ClientCode", c.ClientCode)
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Status {
		return fmt.Errorf("broker error %s: %s", env.ErrorCode, env.Message)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}
