// Package indicators implements the technical indicator math feeding the
// scoring model: SMA, EMA, RSI (Wilder), MACD, Bollinger bands, ATR and the
// volume ratio.
//
// All functions are pure. Each series function returns only the values for
// which a full lookback window exists, so output length is
// max(0, input_length - warmup). Callers align multiple series by truncating
// to the shortest (AlignTail). Unavailable values are NaN, never zero.
package indicators

import (
	"math"

	"github.com/jinhuaxiao/longport-quant-new-sub001/internal/models"
)

// Default periods used by the snapshot computation.
const (
	RSIPeriod       = 14
	BollingerPeriod = 20
	BollingerK      = 2.0
	MACDFast        = 12
	MACDSlow        = 26
	MACDSignal      = 9
	ATRPeriod       = 14
	SMAShort        = 20
	SMALong         = 50
	VolumePeriod    = 20

	// minCandles is the floor below which every output is unknown.
	minCandles = 3
)

// SMA returns the n-period simple moving average. Output length is
// len(values)-n+1; nil when the window does not fit.
func SMA(values []float64, n int) []float64 {
	if n <= 0 || len(values) < n {
		return nil
	}
	out := make([]float64, 0, len(values)-n+1)
	var sum float64
	for i, v := range values {
		sum += v
		if i >= n {
			sum -= values[i-n]
		}
		if i >= n-1 {
			out = append(out, sum/float64(n))
		}
	}
	return out
}

// EMA returns the n-period exponential moving average seeded with the SMA of
// the first n values. Output length is len(values)-n+1.
func EMA(values []float64, n int) []float64 {
	if n <= 0 || len(values) < n {
		return nil
	}
	out := make([]float64, 0, len(values)-n+1)
	var seed float64
	for _, v := range values[:n] {
		seed += v
	}
	seed /= float64(n)
	out = append(out, seed)
	k := 2.0 / float64(n+1)
	prev := seed
	for _, v := range values[n:] {
		prev = v*k + prev*(1-k)
		out = append(out, prev)
	}
	return out
}

// RSI returns the n-period relative strength index using Wilder's smoothing.
// The first valid output corresponds to input index n, so output length is
// len(closes)-n.
func RSI(closes []float64, n int) []float64 {
	if n <= 0 || len(closes) <= n {
		return nil
	}
	out := make([]float64, 0, len(closes)-n)
	var avgGain, avgLoss float64
	for i := 1; i <= n; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(n)
	avgLoss /= float64(n)
	out = append(out, rsiValue(avgGain, avgLoss))
	for i := n + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(n-1) + gain) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + loss) / float64(n)
		out = append(out, rsiValue(avgGain, avgLoss))
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// Bollinger returns the upper, middle and lower bands over an n-period window
// with k standard deviations (population). Output length is len(closes)-n+1.
func Bollinger(closes []float64, n int, k float64) (upper, middle, lower []float64) {
	if n <= 0 || len(closes) < n {
		return nil, nil, nil
	}
	size := len(closes) - n + 1
	upper = make([]float64, 0, size)
	middle = make([]float64, 0, size)
	lower = make([]float64, 0, size)
	var sum, sumSq float64
	for i, v := range closes {
		sum += v
		sumSq += v * v
		if i >= n {
			old := closes[i-n]
			sum -= old
			sumSq -= old * old
		}
		if i >= n-1 {
			mean := sum / float64(n)
			variance := sumSq/float64(n) - mean*mean
			if variance < 0 {
				variance = 0
			}
			std := math.Sqrt(variance)
			middle = append(middle, mean)
			upper = append(upper, mean+k*std)
			lower = append(lower, mean-k*std)
		}
	}
	return upper, middle, lower
}

// MACD returns the MACD line, signal line and histogram for the given
// fast/slow/signal periods. All three are aligned to each other; output
// length is len(closes)-slow-signal+2.
func MACD(closes []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	if fast <= 0 || slow <= fast || signal <= 0 || len(closes) < slow+signal-1 {
		return nil, nil, nil
	}
	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)
	// emaSlow starts (slow-fast) entries later than emaFast.
	offset := slow - fast
	line := make([]float64, len(emaSlow))
	for i := range emaSlow {
		line[i] = emaFast[i+offset] - emaSlow[i]
	}
	sig = EMA(line, signal)
	macd = line[len(line)-len(sig):]
	hist = make([]float64, len(sig))
	for i := range sig {
		hist[i] = macd[i] - sig[i]
	}
	return macd, sig, hist
}

// ATR returns the n-period average true range using Wilder's smoothing.
// Output length is len(candles)-n.
func ATR(candles []models.Candle, n int) []float64 {
	if n <= 0 || len(candles) <= n {
		return nil
	}
	trs := make([]float64, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		hl := candles[i].High - candles[i].Low
		hc := math.Abs(candles[i].High - candles[i-1].Close)
		lc := math.Abs(candles[i].Low - candles[i-1].Close)
		trs[i-1] = math.Max(hl, math.Max(hc, lc))
	}
	out := make([]float64, 0, len(trs)-n+1)
	var atr float64
	for _, tr := range trs[:n] {
		atr += tr
	}
	atr /= float64(n)
	out = append(out, atr)
	for _, tr := range trs[n:] {
		atr = (atr*float64(n-1) + tr) / float64(n)
		out = append(out, atr)
	}
	return out
}

// AlignTail truncates every series to the length of the shortest, keeping the
// most recent values so all series end at the same bar.
func AlignTail(series ...[]float64) [][]float64 {
	shortest := -1
	for _, s := range series {
		if shortest < 0 || len(s) < shortest {
			shortest = len(s)
		}
	}
	if shortest < 0 {
		shortest = 0
	}
	out := make([][]float64, len(series))
	for i, s := range series {
		out[i] = s[len(s)-shortest:]
	}
	return out
}

// adaptivePeriod shrinks a configured period to fit short candle histories.
// With at least minCandles bars the period becomes min(period, len-1).
func adaptivePeriod(period, length int) int {
	if length-1 < period {
		return length - 1
	}
	return period
}

// Compute builds an indicator snapshot from the most recent aligned bar of a
// candle sequence (oldest first). Fewer than three candles yields an all-NaN
// snapshot; shorter-than-configured histories shrink the periods instead of
// failing.
func Compute(candles []models.Candle) models.IndicatorSnapshot {
	nan := math.NaN()
	snap := models.IndicatorSnapshot{
		RSI: nan, MACD: nan, MACDSignal: nan, MACDHist: nan, PrevMACDHist: nan,
		BBUpper: nan, BBMiddle: nan, BBLower: nan,
		SMA20: nan, SMA50: nan, ATR: nan, VolumeRatio: nan,
	}
	if len(candles) < minCandles {
		return snap
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}
	n := len(candles)

	if rsi := RSI(closes, adaptivePeriod(RSIPeriod, n)); len(rsi) > 0 {
		snap.RSI = rsi[len(rsi)-1]
	}
	if upper, middle, lower := Bollinger(closes, adaptivePeriod(BollingerPeriod, n), BollingerK); len(middle) > 0 {
		snap.BBUpper = upper[len(upper)-1]
		snap.BBMiddle = middle[len(middle)-1]
		snap.BBLower = lower[len(lower)-1]
	}

	fast, slow, sigp := MACDFast, MACDSlow, MACDSignal
	if n < slow+sigp-1 {
		// Shrink proportionally, preserving fast < slow.
		slow = adaptivePeriod(slow, n-sigp+1)
		if slow < 2 {
			slow = 2
		}
		if fast >= slow {
			fast = slow - 1
		}
	}
	if macd, sig, hist := MACD(closes, fast, slow, sigp); len(hist) >= 2 {
		snap.MACD = macd[len(macd)-1]
		snap.MACDSignal = sig[len(sig)-1]
		snap.MACDHist = hist[len(hist)-1]
		snap.PrevMACDHist = hist[len(hist)-2]
	}

	if sma := SMA(closes, adaptivePeriod(SMAShort, n)); len(sma) > 0 {
		snap.SMA20 = sma[len(sma)-1]
	}
	if sma := SMA(closes, adaptivePeriod(SMALong, n)); len(sma) > 0 {
		snap.SMA50 = sma[len(sma)-1]
	}
	if atr := ATR(candles, adaptivePeriod(ATRPeriod, n)); len(atr) > 0 {
		snap.ATR = atr[len(atr)-1]
	}
	if volSMA := SMA(volumes, adaptivePeriod(VolumePeriod, n)); len(volSMA) > 0 {
		avg := volSMA[len(volSMA)-1]
		if avg > 0 {
			snap.VolumeRatio = volumes[len(volumes)-1] / avg
		}
	}
	return snap
}
