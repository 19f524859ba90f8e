package timing

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"orbit/internal/domain"
)

// Sample is one observed engagement value.
type Sample struct {
	At    time.Time
	Value float64
}

// Forecaster projects engagement at future instants from history.
type Forecaster interface {
	Forecast(history []Sample, at []time.Time) ([]float64, error)
}

// SeasonalForecaster is an additive model with daily and weekly seasonality:
// yhat = mean + hourEffect(hour) + dayEffect(weekday), floored at zero.
type SeasonalForecaster struct{}

func (SeasonalForecaster) Forecast(history []Sample, at []time.Time) ([]float64, error) {
	if len(history) < 2 {
		return nil, &domain.ModelFailure{Err: errors.New("at least two samples are required")}
	}
	var (
		ys     = make([]float64, 0, len(history))
		byHour [24][]float64
		byDay  [7][]float64
	)
	for _, s := range history {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			return nil, &domain.ModelFailure{Err: errors.New("non-finite sample")}
		}
		y := math.Max(0, s.Value)
		t := s.At.UTC()
		ys = append(ys, y)
		byHour[t.Hour()] = append(byHour[t.Hour()], y)
		byDay[t.Weekday()] = append(byDay[t.Weekday()], y)
	}
	level := stat.Mean(ys, nil)

	var hourEff [24]float64
	for h, v := range byHour {
		if len(v) > 0 {
			hourEff[h] = stat.Mean(v, nil) - level
		}
	}
	var dayEff [7]float64
	for d, v := range byDay {
		if len(v) > 0 {
			dayEff[d] = stat.Mean(v, nil) - level
		}
	}

	out := make([]float64, len(at))
	for i, t := range at {
		t = t.UTC()
		out[i] = math.Max(0, level+hourEff[t.Hour()]+dayEff[t.Weekday()])
	}
	return out, nil
}
