package api

import (
	"strings"

	"github.com/uhyunpark/spotsim/pkg/exchange"
	"github.com/uhyunpark/spotsim/pkg/feed"
	"github.com/uhyunpark/spotsim/pkg/replay"
)

// Stream payloads, shaped like the exchange's own websocket events.

type tradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	IsBuyerMaker bool   `json:"m"`
}

type klinePayload struct {
	OpenTime      int64  `json:"t"`
	CloseTime     int64  `json:"T"`
	Symbol        string `json:"s"`
	Interval      string `json:"i"`
	Open          string `json:"o"`
	Close         string `json:"c"`
	High          string `json:"h"`
	Low           string `json:"l"`
	Volume        string `json:"v"`
	TradeCount    int64  `json:"n"`
	Closed        bool   `json:"x"`
	QuoteVolume   string `json:"q"`
	TakerBuyBase  string `json:"V"`
	TakerBuyQuote string `json:"Q"`
}

type klineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type depthEvent struct {
	EventType string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

type executionReport struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	OrderType       string `json:"o"`
	OrigQty         string `json:"q"`
	Price           string `json:"p"`
	ExecutionType   string `json:"x"`
	Status          string `json:"X"`
	OrderID         int64  `json:"i"`
	LastQty         string `json:"l"`
	CumQty          string `json:"z"`
	LastPrice       string `json:"L"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N,omitempty"`
	TransactTime    int64  `json:"T"`
	TradeID         int64  `json:"t"`
	IsMaker         bool   `json:"m"`
}

// pumpStreams drains the scheduler's update stream into the websocket
// hub for the life of the run. DropOldest keeps a slow websocket client
// from ever stalling the replay.
func (s *Server) pumpStreams() {
	sub := s.sched.Subscribe(s.streamBuffer, replay.DropOldest)
	defer sub.Close()

	for u := range sub.C() {
		if u.Event != nil {
			s.publishMarketEvent(u.Time, *u.Event)
		}
		s.publishExecutionReports(u)
	}
}

func (s *Server) publishMarketEvent(t int64, ev feed.Event) {
	sym := strings.ToLower(ev.Symbol)
	switch ev.Kind {
	case feed.KindTrade:
		s.hub.BroadcastStream(sym+"@trade", tradeEvent{
			EventType:    "trade",
			EventTime:    t,
			Symbol:       ev.Symbol,
			TradeID:      ev.Trade.ID,
			Price:        ev.Trade.Price.String(),
			Qty:          ev.Trade.Qty.String(),
			IsBuyerMaker: ev.Trade.IsBuyerMaker,
		})
	case feed.KindKline:
		k := ev.Kline
		s.hub.BroadcastStream(sym+"@kline_"+k.Interval, klineEvent{
			EventType: "kline",
			EventTime: t,
			Symbol:    ev.Symbol,
			Kline: klinePayload{
				OpenTime:      k.OpenTime,
				CloseTime:     k.CloseTime,
				Symbol:        ev.Symbol,
				Interval:      k.Interval,
				Open:          k.Open.String(),
				Close:         k.Close.String(),
				High:          k.High.String(),
				Low:           k.Low.String(),
				Volume:        k.Volume.String(),
				TradeCount:    k.TradeCount,
				Closed:        true,
				QuoteVolume:   k.QuoteVolume.String(),
				TakerBuyBase:  k.TakerBuyBase.String(),
				TakerBuyQuote: k.TakerBuyQuote.String(),
			},
		})
	case feed.KindDepth:
		d := ev.Depth
		msg := depthEvent{
			EventType: "depthUpdate",
			EventTime: t,
			Symbol:    ev.Symbol,
			Bids:      [][2]string{},
			Asks:      [][2]string{},
		}
		for _, lv := range d.Bids {
			msg.Bids = append(msg.Bids, [2]string{lv.Price.String(), lv.Qty.String()})
		}
		for _, lv := range d.Asks {
			msg.Asks = append(msg.Asks, [2]string{lv.Price.String(), lv.Qty.String()})
		}
		s.hub.BroadcastStream(sym+"@depth", msg)
	}
}

// publishExecutionReports emits one report per fill, plus one per order
// transition that carried no fill (placement, cancel).
func (s *Server) publishExecutionReports(u replay.Update) {
	byID := make(map[int64]exchange.Order, len(u.Orders))
	for _, o := range u.Orders {
		byID[o.ID] = o
	}

	filled := make(map[int64]bool)
	for _, f := range u.Fills {
		filled[f.OrderID] = true
		o, ok := byID[f.OrderID]
		if !ok {
			continue
		}
		s.hub.BroadcastStream("executionReport", executionReport{
			EventType:       "executionReport",
			EventTime:       u.Time,
			Symbol:          o.Symbol,
			ClientOrderID:   o.ClientOrderID,
			Side:            o.Side.String(),
			OrderType:       o.Type.String(),
			OrigQty:         o.OrigQty.String(),
			Price:           o.Price.String(),
			ExecutionType:   "TRADE",
			Status:          o.Status.String(),
			OrderID:         o.ID,
			LastQty:         f.Qty.String(),
			CumQty:          o.ExecutedQty.String(),
			LastPrice:       f.Price.String(),
			Commission:      f.Commission.String(),
			CommissionAsset: f.CommissionAsset,
			TransactTime:    u.Time,
			TradeID:         f.TradeID,
			IsMaker:         f.IsMaker,
		})
	}

	for _, o := range u.Orders {
		if filled[o.ID] {
			continue
		}
		execType := "NEW"
		if o.Status == exchange.StatusCanceled {
			execType = "CANCELED"
		}
		s.hub.BroadcastStream("executionReport", executionReport{
			EventType:     "executionReport",
			EventTime:     u.Time,
			Symbol:        o.Symbol,
			ClientOrderID: o.ClientOrderID,
			Side:          o.Side.String(),
			OrderType:     o.Type.String(),
			OrigQty:       o.OrigQty.String(),
			Price:         o.Price.String(),
			ExecutionType: execType,
			Status:        o.Status.String(),
			OrderID:       o.ID,
			LastQty:       "0",
			CumQty:        o.ExecutedQty.String(),
			LastPrice:     "0",
			Commission:    "0",
			TransactTime:  u.Time,
			TradeID:       -1,
		})
	}
}
