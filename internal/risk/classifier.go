// Package risk scores incoming alerts and extrapolates where the person
// probably is now.
package risk

import (
	"math"

	"TrailWatch/pkg/alertapi"
	"TrailWatch/pkg/errors"
)

// Features is the classifier input, in the order of Vector.
type Features struct {
	TimeSinceLastLocation float64 // minutes
	Speed                 float64 // m/s
	DistanceFromRoute     float64 // meters
	BatteryLevel          float64 // percent
	IsNight               float64 // 0 or 1
	TerrainDifficulty     float64 // 1 to 5
}

func (f Features) Vector() [6]float64 {
	return [6]float64{f.TimeSinceLastLocation, f.Speed, f.DistanceFromRoute, f.BatteryLevel, f.IsNight, f.TerrainDifficulty}
}

var classes = [3]string{alertapi.RiskLow, alertapi.RiskMedium, alertapi.RiskHigh}

// Classifier is a multinomial logistic regression over standardized
// features.
type Classifier struct {
	Mean    [6]float64
	Std     [6]float64
	Weights [3][6]float64
	Bias    [3]float64
}

// DefaultClassifier returns the pretrained model.
func DefaultClassifier() *Classifier {
	return &Classifier{
		Mean: [6]float64{30, 1.0, 200, 60, 0.3, 2.5},
		Std:  [6]float64{60, 0.8, 500, 25, 0.46, 1.2},
		Weights: [3][6]float64{
			{-0.9, 0.4, -0.8, 0.7, -0.6, -0.6},
			{0.1, 0.0, 0.1, 0.0, 0.1, 0.2},
			{1.0, -0.5, 0.9, -0.8, 0.7, 0.6},
		},
		Bias: [3]float64{0.0, 0.5, -0.5},
	}
}

func (c *Classifier) Classify(f Features) (*alertapi.RiskAssessment, error) {
	x := f.Vector()
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.WithCodef(errors.CodePrecondition, "feature %d is not finite", i)
		}
		if c.Std[i] > 0 {
			x[i] = (v - c.Mean[i]) / c.Std[i]
		}
	}

	var logits [3]float64
	maxLogit := math.Inf(-1)
	for k := range logits {
		z := c.Bias[k]
		for i := range x {
			z += c.Weights[k][i] * x[i]
		}
		logits[k] = z
		maxLogit = math.Max(maxLogit, z)
	}
	var sum float64
	for k := range logits {
		logits[k] = math.Exp(logits[k] - maxLogit)
		sum += logits[k]
	}

	out := &alertapi.RiskAssessment{Probabilities: make(map[string]float64, len(classes))}
	for k, name := range classes {
		p := logits[k] / sum
		out.Probabilities[name] = round(p)
		if p > out.Confidence {
			out.Confidence = p
			out.RiskLevel = name
		}
	}
	out.Confidence = round(out.Confidence)
	return out, nil
}

func round(v float64) float64 { return math.Round(v*1e4) / 1e4 }
