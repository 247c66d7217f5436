package feed

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/shopspring/decimal"
)

// KlineReader lazily parses a Binance historical kline dump. Rows carry no
// header and exactly twelve columns: open time, open, high, low, close,
// volume, close time, quote asset volume, number of trades, taker buy base
// volume, taker buy quote volume, ignore. The emitted event is timestamped
// at the candle's close time, the moment the candle is actually known.
type KlineReader struct {
	src      string
	symbol   string
	interval string
	r        *csv.Reader
	line     int
}

func NewKlineReader(r io.Reader, source, symbol, interval string) *KlineReader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 12
	cr.ReuseRecord = true
	return &KlineReader{src: source, symbol: symbol, interval: interval, r: cr}
}

func (kr *KlineReader) Next() (Event, error) {
	rec, err := kr.r.Read()
	if err == io.EOF {
		return Event{}, ErrExhausted
	}
	kr.line++
	if err != nil {
		return Event{}, &DataError{Source: kr.src, Line: kr.line, Reason: err.Error()}
	}

	fail := func(reason string) (Event, error) {
		return Event{}, &DataError{Source: kr.src, Line: kr.line, Reason: reason}
	}

	openTime, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return fail("open time: " + err.Error())
	}
	closeTime, err := strconv.ParseInt(rec[6], 10, 64)
	if err != nil {
		return fail("close time: " + err.Error())
	}
	if closeTime < openTime {
		return fail("close time before open time")
	}
	trades, err := strconv.ParseInt(rec[8], 10, 64)
	if err != nil {
		return fail("trade count: " + err.Error())
	}

	var decs [7]decimal.Decimal
	for i, col := range []int{1, 2, 3, 4, 5, 7, 9} {
		decs[i], err = decimal.NewFromString(rec[col])
		if err != nil {
			return fail("column " + strconv.Itoa(col) + ": " + err.Error())
		}
	}
	takerQuote, err := decimal.NewFromString(rec[10])
	if err != nil {
		return fail("taker buy quote volume: " + err.Error())
	}

	k := &Kline{
		Interval:      kr.interval,
		OpenTime:      openTime,
		CloseTime:     closeTime,
		Open:          decs[0],
		High:          decs[1],
		Low:           decs[2],
		Close:         decs[3],
		Volume:        decs[4],
		QuoteVolume:   decs[5],
		TradeCount:    trades,
		TakerBuyBase:  decs[6],
		TakerBuyQuote: takerQuote,
	}
	return Event{Symbol: kr.symbol, Time: closeTime, Kind: KindKline, Kline: k}, nil
}

// Name returns the dump's source name
func (kr *KlineReader) Name() string { return kr.src }

// Line returns the last row number read
func (kr *KlineReader) Line() int { return kr.line }

// TradeReader lazily parses a Binance aggTrades dump: aggregate trade id,
// price, quantity, first trade id, last trade id, timestamp, was buyer the
// maker, was trade the best price match.
type TradeReader struct {
	src    string
	symbol string
	r      *csv.Reader
	line   int
}

func NewTradeReader(r io.Reader, source, symbol string) *TradeReader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 8
	cr.ReuseRecord = true
	return &TradeReader{src: source, symbol: symbol, r: cr}
}

func (tr *TradeReader) Next() (Event, error) {
	rec, err := tr.r.Read()
	if err == io.EOF {
		return Event{}, ErrExhausted
	}
	tr.line++
	if err != nil {
		return Event{}, &DataError{Source: tr.src, Line: tr.line, Reason: err.Error()}
	}

	fail := func(reason string) (Event, error) {
		return Event{}, &DataError{Source: tr.src, Line: tr.line, Reason: reason}
	}

	id, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return fail("trade id: " + err.Error())
	}
	price, err := decimal.NewFromString(rec[1])
	if err != nil {
		return fail("price: " + err.Error())
	}
	qty, err := decimal.NewFromString(rec[2])
	if err != nil {
		return fail("quantity: " + err.Error())
	}
	ts, err := strconv.ParseInt(rec[5], 10, 64)
	if err != nil {
		return fail("timestamp: " + err.Error())
	}
	isBuyerMaker, err := strconv.ParseBool(rec[6])
	if err != nil {
		return fail("buyer-maker flag: " + err.Error())
	}
	if !price.IsPositive() || !qty.IsPositive() {
		return fail("non-positive price or quantity")
	}

	t := &Trade{ID: id, Price: price, Qty: qty, IsBuyerMaker: isBuyerMaker}
	return Event{Symbol: tr.symbol, Time: ts, Kind: KindTrade, Trade: t}, nil
}

// Name returns the dump's source name
func (tr *TradeReader) Name() string { return tr.src }

// Line returns the last row number read
func (tr *TradeReader) Line() int { return tr.line }
