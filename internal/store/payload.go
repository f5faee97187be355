package store

import (
	"encoding/json"
	"fmt"
)

// ScalpingPayload is the stdin document read by the scalping script.
type ScalpingPayload struct {
	Token             string  `json:"token"`
	User              string  `json:"user"`
	Password          string  `json:"password"`
	VC                string  `json:"vc"`
	AppKey            string  `json:"app_key"`
	IMEI              string  `json:"imei"`
	Exch              string  `json:"exch"`
	StockName         string  `json:"stock_name"`
	PriceType         string  `json:"price_type"`
	InitialBuyPrice   float64 `json:"initial_buy_price"`
	TargetPriceDiff   float64 `json:"target_price_diff"`
	EntryDiffPrice    float64 `json:"entry_diff_price"`
	LotSize           int     `json:"lot_size"`
	MaxOpenPosition   int     `json:"max_open_position"`
	Duration          int     `json:"duration"`
	MarketClosingTime string  `json:"market_closing_time"`
	// DebugOn is "True" or "False"; the script compares the string.
	DebugOn string `json:"debug_on"`
}

// BuildScalpingPayload combines a strategy with its owner's broker credentials.
func BuildScalpingPayload(st *StrategyRecord, creds *CredentialsRecord) ScalpingPayload {
	debug := "False"
	if st.DebugOn {
		debug = "True"
	}
	return ScalpingPayload{
		Token:             creds.Token,
		User:              creds.UserCode,
		Password:          creds.Password,
		VC:                creds.VC,
		AppKey:            creds.AppKey,
		IMEI:              creds.IMEI,
		Exch:              st.Exch,
		StockName:         st.StockName,
		PriceType:         st.PriceType,
		InitialBuyPrice:   st.InitialBuyPrice,
		TargetPriceDiff:   st.TargetPriceDiff,
		EntryDiffPrice:    st.EntryDiffPrice,
		LotSize:           st.LotSize,
		MaxOpenPosition:   st.MaxOpenPosition,
		Duration:          st.Duration,
		MarketClosingTime: st.MarketClosingTime,
		DebugOn:           debug,
	}
}

// Encode returns the payload as a single JSON document.
func (p ScalpingPayload) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding scalping payload: %w", err)
	}
	return b, nil
}
