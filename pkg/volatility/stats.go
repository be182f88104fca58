package volatility

import (
	"math"
	"time"
)

// annualization scales per-sample return deviation to a yearly figure.
var annualization = math.Sqrt(365)

// compute derives a snapshot from time-ordered points as of now.
func compute(symbol string, points []Point, now time.Time) Snapshot {
	snap := Snapshot{
		Symbol:      symbol,
		Timestamp:   now,
		SampleCount: len(points),
	}
	if len(points) == 0 {
		return snap
	}
	snap.CurrentPrice = points[len(points)-1].Price

	for _, w := range Windows {
		pts := within(points, now.Add(-w.Duration()), now)
		snap.PriceChange.set(w, priceChange(pts))
		snap.Volatility.set(w, annualizedVolatility(pts))

		if w == Window24h && len(pts) > 0 {
			prices := make([]float64, len(pts))
			high, low := pts[0].Price, pts[0].Price
			for i, p := range pts {
				prices[i] = p.Price
				high = math.Max(high, p.Price)
				low = math.Min(low, p.Price)
			}
			snap.Average24h = mean(prices)
			snap.StdDev = stddev(prices)
			snap.High24h = high
			snap.Low24h = low
		}
	}
	return snap
}

// within returns the points with from <= ts <= to.
func within(points []Point, from, to time.Time) []Point {
	start := len(points)
	for i, p := range points {
		if !p.Timestamp.Before(from) {
			start = i
			break
		}
	}
	end := start
	for end < len(points) && !points[end].Timestamp.After(to) {
		end++
	}
	return points[start:end]
}

// priceChange is (newest-oldest)/oldest in percent.
func priceChange(pts []Point) float64 {
	if len(pts) < 2 {
		return 0
	}
	first, last := pts[0].Price, pts[len(pts)-1].Price
	return (last - first) / first * 100
}

// annualizedVolatility is the population stdev of successive returns
// scaled by sqrt(365) and expressed in percent.
func annualizedVolatility(pts []Point) float64 {
	if len(pts) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(pts)-1)
	for i := 1; i < len(pts); i++ {
		returns = append(returns, (pts[i].Price-pts[i-1].Price)/pts[i-1].Price)
	}
	return stddev(returns) * annualization * 100
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the population standard deviation: sqrt(Σ(x-μ)² / n).
func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mu := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}
