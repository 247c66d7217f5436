package feed

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func trade(symbol string, ts int64, price string) Event {
	return Event{
		Symbol: symbol,
		Time:   ts,
		Kind:   KindTrade,
		Trade:  &Trade{Price: decimal.RequireFromString(price), Qty: decimal.New(1, 0)},
	}
}

func drain(t *testing.T, it Iterator) []Event {
	t.Helper()
	var out []Event
	for {
		ev, err := it.Next()
		if errors.Is(err, ErrExhausted) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestMergeOrdersByTime(t *testing.T) {
	a := NewSlice([]Event{trade("BTCUSDT", 100, "1"), trade("BTCUSDT", 300, "2")})
	b := NewSlice([]Event{trade("ETHUSDT", 200, "3"), trade("ETHUSDT", 400, "4")})

	events := drain(t, Merge(a, b))
	require.Len(t, events, 4)

	times := []int64{100, 200, 300, 400}
	for i, ev := range events {
		require.Equal(t, times[i], ev.Time)
		require.Equal(t, uint64(i), ev.Seq)
	}
}

func TestMergeTieBreaksOnSourceOrder(t *testing.T) {
	a := NewSlice([]Event{trade("BTCUSDT", 100, "1")})
	b := NewSlice([]Event{trade("ETHUSDT", 100, "2")})

	events := drain(t, Merge(a, b))
	require.Len(t, events, 2)
	// Source position breaks the timestamp tie
	require.Equal(t, "BTCUSDT", events[0].Symbol)
	require.Equal(t, "ETHUSDT", events[1].Symbol)
}

func TestMergeRejectsOutOfOrderSource(t *testing.T) {
	a := NewSlice([]Event{trade("BTCUSDT", 200, "1"), trade("BTCUSDT", 100, "2")})

	m := Merge(a)
	_, err := m.Next()
	require.NoError(t, err)

	_, err = m.Next()
	var dataErr *DataError
	require.True(t, errors.As(err, &dataErr))

	// The failure is sticky
	_, err = m.Next()
	require.True(t, errors.As(err, &dataErr))
}

func TestMergeOutOfOrderCarriesSourceContext(t *testing.T) {
	// Row 2 goes backwards in time
	dump := "1,100.0,0.5,1,1,2000,true,true\n" +
		"2,100.0,0.5,2,2,1000,true,true\n"
	src := NewTradeReader(strings.NewReader(dump), "aggtrades.csv", "BTCUSDT")

	m := Merge(src)
	_, err := m.Next()
	require.NoError(t, err)

	_, err = m.Next()
	var dataErr *DataError
	require.True(t, errors.As(err, &dataErr))
	require.Equal(t, "aggtrades.csv", dataErr.Source)
	require.Equal(t, 2, dataErr.Line)
	require.Contains(t, dataErr.Error(), "aggtrades.csv")
}

func TestMergeEmpty(t *testing.T) {
	_, err := Merge().Next()
	require.ErrorIs(t, err, ErrExhausted)

	_, err = Merge(NewSlice(nil)).Next()
	require.ErrorIs(t, err, ErrExhausted)
}

func TestMergeDeterministic(t *testing.T) {
	build := func() Iterator {
		a := NewSlice([]Event{trade("BTCUSDT", 100, "1"), trade("BTCUSDT", 200, "2")})
		b := NewSlice([]Event{trade("ETHUSDT", 100, "3"), trade("ETHUSDT", 150, "4")})
		return Merge(a, b)
	}

	first := drain(t, build())
	second := drain(t, build())
	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].Symbol, second[i].Symbol)
		require.Equal(t, first[i].Time, second[i].Time)
		require.Equal(t, first[i].Seq, second[i].Seq)
	}
}
