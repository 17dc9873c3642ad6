package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dnldd/saxotrader/shared"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	accountsPath    = "/port/v1/accounts/me"
	balancesPath    = "/port/v1/balances/me"
	instrumentsPath = "/ref/v1/instruments"
	infoPricesPath  = "/trade/v1/infoprices/list"
	positionsPath   = "/port/v1/positions/me"
	ordersPath      = "/trade/v2/orders"

	assetType    = "FxSpot"
	durationType = "DayOrder"
	// requestIDHeader deduplicates order submissions on the broker side.
	requestIDHeader = "x-request-id"
)

// AccountKey returns the key of the account orders are placed on. The key is
// fetched once and cached.
func (s *Session) AccountKey(ctx context.Context) (string, error) {
	s.mtx.RLock()
	key := s.accountKey
	s.mtx.RUnlock()
	if key != "" {
		return key, nil
	}

	resp, err := s.do(ctx, request{method: http.MethodGet, path: accountsPath})
	if err != nil {
		return "", fmt.Errorf("fetching account: %w", err)
	}

	key = resp.Get("Data.0.AccountKey").String()
	if key == "" {
		return "", fmt.Errorf("no account key found in account response")
	}

	s.mtx.Lock()
	s.accountKey = key
	s.mtx.Unlock()

	return key, nil
}

// Balance returns the account's net position value, the figure entries are
// sized from.
func (s *Session) Balance(ctx context.Context) (decimal.Decimal, error) {
	resp, err := s.do(ctx, request{method: http.MethodGet, path: balancesPath})
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetching balance: %w", err)
	}

	field := resp.Get("Data.0.NetPositionValue")
	if !field.Exists() {
		field = resp.Get("NetPositionValue")
	}
	if !field.Exists() {
		return decimal.Zero, fmt.Errorf("no net position value found in balance response")
	}

	balance, err := decimal.NewFromString(field.Raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing balance %q: %w", field.Raw, err)
	}

	return balance, nil
}

// ResolveInstrument returns the broker identifier (uic) of the provided symbol.
// Resolved identifiers are cached.
func (s *Session) ResolveInstrument(ctx context.Context, symbol string) (int64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	s.mtx.RLock()
	uic, ok := s.instruments[symbol]
	s.mtx.RUnlock()
	if ok {
		return uic, nil
	}

	query := url.Values{}
	query.Set("Keywords", symbol)
	query.Set("AssetTypes", assetType)
	query.Set("limit", "1")

	resp, err := s.do(ctx, request{method: http.MethodGet, path: instrumentsPath, query: query})
	if err != nil {
		return 0, fmt.Errorf("resolving instrument %s: %w", symbol, err)
	}

	identifier := resp.Get("Data.0.Identifier")
	if !identifier.Exists() {
		return 0, fmt.Errorf("instrument %s not found", symbol)
	}

	uic = identifier.Int()

	s.mtx.Lock()
	s.instruments[symbol] = uic
	s.symbols[uic] = symbol
	s.mtx.Unlock()

	s.cfg.Logger.Debug().Msgf("resolved instrument %s to uic %d", symbol, uic)

	return uic, nil
}

// symbolFor returns the symbol of a previously resolved uic.
func (s *Session) symbolFor(uic int64) (string, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	symbol, ok := s.symbols[uic]
	return symbol, ok
}

// parsePrice parses a price field, rounded to the instrument's quote precision.
func parsePrice(field gjson.Result, instrument string) (decimal.Decimal, error) {
	if !field.Exists() {
		return decimal.Zero, fmt.Errorf("price not found")
	}

	price, err := decimal.NewFromString(field.Raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing price %q: %w", field.Raw, err)
	}

	return price.Round(shared.PriceDecimals(instrument)), nil
}

// Quotes fetches the current quotes of the provided instruments.
func (s *Session) Quotes(ctx context.Context, instruments []string) (map[string]shared.Quote, error) {
	quotes := make(map[string]shared.Quote, len(instruments))
	if len(instruments) == 0 {
		return quotes, nil
	}

	uics := make([]string, 0, len(instruments))
	for _, instrument := range instruments {
		uic, err := s.ResolveInstrument(ctx, instrument)
		if err != nil {
			return nil, err
		}
		uics = append(uics, strconv.FormatInt(uic, 10))
	}

	query := url.Values{}
	query.Set("Uics", strings.Join(uics, ","))
	query.Set("AssetType", assetType)
	query.Set("FieldGroups", "Quote")

	resp, err := s.do(ctx, request{method: http.MethodGet, path: infoPricesPath, query: query})
	if err != nil {
		return nil, fmt.Errorf("fetching quotes: %w", err)
	}

	now := s.cfg.Now()
	for _, data := range resp.Get("Data").Array() {
		symbol, ok := s.symbolFor(data.Get("Uic").Int())
		if !ok {
			continue
		}

		bid, err := parsePrice(data.Get("Quote.Bid"), symbol)
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Msgf("skipping %s quote without a bid", symbol)
			continue
		}
		ask, err := parsePrice(data.Get("Quote.Ask"), symbol)
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Msgf("skipping %s quote without an ask", symbol)
			continue
		}

		at := now
		if updated := data.Get("LastUpdated").String(); updated != "" {
			parsed, err := time.Parse(time.RFC3339, updated)
			if err == nil {
				at = parsed
			}
		}

		quotes[symbol] = shared.Quote{Instrument: symbol, Bid: bid, Ask: ask, At: at}
	}

	return quotes, nil
}

// Positions fetches the open positions. In dry run mode the simulated book is returned.
func (s *Session) Positions(ctx context.Context) ([]shared.BrokerPosition, error) {
	if s.cfg.DryRun {
		_, err := s.credential()
		if err != nil {
			return nil, err
		}
		return s.paper.positions(), nil
	}

	query := url.Values{}
	query.Set("FieldGroups", "PositionBase")

	resp, err := s.do(ctx, request{method: http.MethodGet, path: positionsPath, query: query})
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	data := resp.Get("Data").Array()
	positions := make([]shared.BrokerPosition, 0, len(data))
	for _, entry := range data {
		base := entry.Get("PositionBase")
		uic := base.Get("Uic").Int()
		symbol, ok := s.symbolFor(uic)
		if !ok {
			symbol = "UIC" + strconv.FormatInt(uic, 10)
		}

		amount := base.Get("Amount").Int()
		direction := shared.Long
		if amount < 0 {
			direction = shared.Short
			amount = -amount
		}

		openPrice, err := parsePrice(base.Get("OpenPrice"), symbol)
		if err != nil {
			openPrice = decimal.Zero
		}

		positions = append(positions, shared.BrokerPosition{
			ID:         entry.Get("PositionId").String(),
			Instrument: symbol,
			Direction:  direction,
			Size:       amount,
			OpenPrice:  openPrice,
		})
	}

	return positions, nil
}

// orderRequest represents a broker order placement request.
type orderRequest struct {
	AccountKey    string        `json:"AccountKey"`
	Uic           int64         `json:"Uic"`
	AssetType     string        `json:"AssetType"`
	OrderType     string        `json:"OrderType"`
	OrderPrice    *float64      `json:"OrderPrice,omitempty"`
	OrderDuration orderDuration `json:"OrderDuration"`
	Amount        int64         `json:"Amount"`
	BuySell       string        `json:"BuySell"`
	ManualOrder   bool          `json:"ManualOrder"`
}

// orderDuration represents the duration of a broker order.
type orderDuration struct {
	DurationType string `json:"DurationType"`
}

// PlaceOrder submits the provided intent. Opening intents trade in the intent
// direction, closing intents trade the opposite side. The fill is priced at the
// quote side the order executes against since market order responses carry no
// price.
func (s *Session) PlaceOrder(ctx context.Context, intent shared.OrderIntent, quote shared.Quote) (*shared.Fill, error) {
	side := intent.Direction
	if intent.Action == shared.Close {
		side = side.Opposite()
	}
	price := quote.PriceFor(side)

	if s.cfg.DryRun {
		_, err := s.credential()
		if err != nil {
			return nil, err
		}

		fill := s.paper.apply(intent, price, s.cfg.Now())
		s.cfg.Logger.Info().Msgf("simulated %s %s %d %s at %s", intent.Action.String(), side.BuySell(),
			intent.Size, intent.Instrument, price.String())
		return fill, nil
	}

	accountKey, err := s.AccountKey(ctx)
	if err != nil {
		return nil, err
	}

	uic, err := s.ResolveInstrument(ctx, intent.Instrument)
	if err != nil {
		return nil, err
	}

	order := orderRequest{
		AccountKey:    accountKey,
		Uic:           uic,
		AssetType:     assetType,
		OrderType:     intent.Type.String(),
		OrderDuration: orderDuration{DurationType: durationType},
		Amount:        intent.Size,
		BuySell:       side.BuySell(),
	}
	if intent.Type == shared.Limit {
		limit := price.InexactFloat64()
		order.OrderPrice = &limit
	}

	body, err := jsonBody(order)
	if err != nil {
		return nil, err
	}

	resp, err := s.do(ctx, request{
		method:  http.MethodPost,
		path:    ordersPath,
		body:    body,
		headers: map[string]string{requestIDHeader: intent.ID},
	})
	if err != nil {
		return nil, fmt.Errorf("placing order %s: %w", intent.ID, err)
	}

	if resp.Get("ErrorInfo").Exists() {
		return nil, fmt.Errorf("placing order %s: %w", intent.ID, rejection(http.StatusOK, resp))
	}

	orderID := resp.Get("OrderId").String()
	if orderID == "" {
		return nil, fmt.Errorf("placing order %s: no order id in response", intent.ID)
	}

	return &shared.Fill{
		OrderID:    orderID,
		IntentID:   intent.ID,
		Instrument: intent.Instrument,
		Direction:  intent.Direction,
		Size:       intent.Size,
		Price:      price,
		FilledAt:   s.cfg.Now(),
	}, nil
}
