package strategy

import (
	"testing"
	"time"

	"apex-engine/internal/domain"
)

// rising builds n candles climbing one dollar per bar from start, with a
// one-dollar true range per bar and flat volume.
func rising(symbol, tf string, n int, start float64) Series {
	candles := make([]domain.Candle, n)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		close := start + float64(i)
		candles[i] = domain.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      close - 1,
			High:      close,
			Low:       close - 1,
			Close:     close,
			Volume:    1000,
		}
	}
	return Series{Timeframe: tf, Candles: candles}
}

func falling(symbol, tf string, n int, start float64) Series {
	candles := make([]domain.Candle, n)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		close := start - float64(i)
		candles[i] = domain.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      close + 1,
			High:      close + 1,
			Low:       close,
			Close:     close,
			Volume:    1000,
		}
	}
	return Series{Timeframe: tf, Candles: candles}
}

func TestAnalyzeStrongUptrendGoesLong(t *testing.T) {
	in := Input{
		Symbol: "BTC-USD",
		Base:   rising("BTC-USD", "5m", 60, 100),
		Mid:    rising("BTC-USD", "25m", 30, 100),
		High:   rising("BTC-USD", "75m", 20, 100),
	}
	sig, ok := Analyze(in)
	if !ok {
		t.Fatalf("sustained uptrend with full timeframe agreement should signal")
	}
	if sig.Side != domain.Long {
		t.Fatalf("side=%s, expected LONG", sig.Side)
	}
	if sig.Regime != domain.RegimeTrending {
		t.Fatalf("regime=%s, expected TRENDING", sig.Regime)
	}
	if sig.Score < 60 || sig.Score > 100 {
		t.Fatalf("score=%v, expected within [60,100]", sig.Score)
	}
	if sig.SuggestedStopPct <= 0 || sig.SuggestedStopPct > 0.05 {
		t.Fatalf("stop=%v, expected fractional in (0,0.05]", sig.SuggestedStopPct)
	}
	if sig.Confidence < 0 || sig.Confidence > 1 {
		t.Fatalf("confidence=%v out of [0,1]", sig.Confidence)
	}
	if len(sig.Targets) == 0 {
		t.Fatalf("expected at least one target")
	}
	for _, target := range sig.Targets {
		if target <= 0 || target >= 1 {
			t.Fatalf("target %v not a fractional distance", target)
		}
	}
}

func TestAnalyzeStrongDowntrendGoesShort(t *testing.T) {
	in := Input{
		Symbol: "ETH-USD",
		Base:   falling("ETH-USD", "5m", 60, 300),
		Mid:    falling("ETH-USD", "25m", 30, 300),
		High:   falling("ETH-USD", "75m", 20, 300),
	}
	sig, ok := Analyze(in)
	if !ok {
		t.Fatalf("sustained downtrend with full timeframe agreement should signal")
	}
	if sig.Side != domain.Short {
		t.Fatalf("side=%s, expected SHORT", sig.Side)
	}
}

func TestAnalyzeRequiresTimeframeAgreement(t *testing.T) {
	// Base bullish, higher timeframes bearish: 1/3 concordance, no signal.
	in := Input{
		Symbol: "BTC-USD",
		Base:   rising("BTC-USD", "5m", 60, 100),
		Mid:    falling("BTC-USD", "25m", 30, 300),
		High:   falling("BTC-USD", "75m", 20, 300),
	}
	if sig, ok := Analyze(in); ok {
		t.Fatalf("conflicting timeframes must not signal, got %+v", sig)
	}
}

func TestAnalyzeTwoOfThreeIsNotEnough(t *testing.T) {
	// 2/3 bullish == 66.7%, under the 70% concordance requirement.
	in := Input{
		Symbol: "BTC-USD",
		Base:   rising("BTC-USD", "5m", 60, 100),
		Mid:    rising("BTC-USD", "25m", 30, 100),
		High:   falling("BTC-USD", "75m", 20, 300),
	}
	if sig, ok := Analyze(in); ok {
		t.Fatalf("2-of-3 agreement must not clear the 70%% bar, got %+v", sig)
	}
}

func TestAnalyzeInsufficientHistory(t *testing.T) {
	in := Input{
		Symbol: "BTC-USD",
		Base:   rising("BTC-USD", "5m", 10, 100),
		Mid:    rising("BTC-USD", "25m", 10, 100),
		High:   rising("BTC-USD", "75m", 10, 100),
	}
	if _, ok := Analyze(in); ok {
		t.Fatalf("10 candles of history must not signal")
	}
}

func TestAnalyzeIsPure(t *testing.T) {
	in := Input{
		Symbol: "BTC-USD",
		Base:   rising("BTC-USD", "5m", 60, 100),
		Mid:    rising("BTC-USD", "25m", 30, 100),
		High:   rising("BTC-USD", "75m", 20, 100),
	}
	before := in.Base.Candles[0]

	sig1, ok1 := Analyze(in)
	sig2, ok2 := Analyze(in)

	if in.Base.Candles[0] != before {
		t.Fatalf("Analyze mutated its input")
	}
	if ok1 != ok2 || sig1.Score != sig2.Score || sig1.Side != sig2.Side {
		t.Fatalf("Analyze is not deterministic: %+v vs %+v", sig1, sig2)
	}
}

func TestRSIAgreement(t *testing.T) {
	// atrNorm=3, adx=50 puts the band at its 5-point floor, so readings
	// only need to clear 50±5.
	const tightATR, tightADX = 3.0, 50.0

	tests := []struct {
		name            string
		base, mid, high float64
		atrNorm, adx    float64
		wantSide        domain.PositionSide
		wantOK          bool
	}{
		{"all bullish", 65, 70, 60, tightATR, tightADX, domain.Long, true},
		{"all bearish", 35, 30, 40, tightATR, tightADX, domain.Short, true},
		{"two of three bullish", 65, 70, 40, tightATR, tightADX, "", false},
		{"neutral reading breaks unanimity", 65, 70, 50, tightATR, tightADX, "", false},
		// Quiet, strongly trending tape (low ATR, ADX 80) clamps the band to 20: the same
		// readings that agree above are all inside 50±20 and count as
		// neutral.
		{"wide band neutralizes weak readings", 65, 70, 60, 0.05, 80, "", false},
		{"strong readings clear even the widest band", 90, 85, 95, 0.05, 80, domain.Long, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			side, _, ok := rsiAgreement(tt.base, tt.mid, tt.high, tt.atrNorm, tt.adx)
			if ok != tt.wantOK || side != tt.wantSide {
				t.Fatalf("got (%s,%v), expected (%s,%v)", side, ok, tt.wantSide, tt.wantOK)
			}
		})
	}
}

func TestStopDistanceClamps(t *testing.T) {
	if got := stopDistance(0.0001, domain.RegimeRanging); got != 0.008 {
		t.Fatalf("tiny volatility stop=%v, expected 0.008 floor", got)
	}
	if got := stopDistance(0.5, domain.RegimeVolatile); got != 0.05 {
		t.Fatalf("huge volatility stop=%v, expected 0.05 cap", got)
	}
}

func TestRSIBandWidthClamps(t *testing.T) {
	if got := rsiBandWidth(0.001, 5); got < 5 || got > 20 {
		t.Fatalf("band width %v outside [5,20]", got)
	}
	if got := rsiBandWidth(5, 99); got != 5 {
		t.Fatalf("extreme volatility band width=%v, expected the 5 floor", got)
	}
}
