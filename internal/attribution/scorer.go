package attribution

import (
	"time"

	"callsignal/internal/db"
)

// Scoring constants.
const (
	ConversionPoints    = 20
	MaxConversionEvents = 3
	InteractionPoints   = 5
	MaxInteractionCount = 4
	BonusCap            = 40

	DeductNoClickID     = 20
	DeductTooFast       = 40
	DeductSingleSignal  = 20
	TooFastThreshold    = 30 * time.Second
	SuspiciousBelow     = 50
	AttributionLookback = 30 * time.Minute
)

// Deduction labels recorded in the breakdown.
const (
	DeductionNoClickID    = "no_click_id"
	DeductionTooFast      = "too_fast"
	DeductionSingleSignal = "single_signal"
)

// Breakdown is the stored explanation of a score. The final score and
// confidence live on the call itself and are not repeated here.
type Breakdown struct {
	ConversionEvents  int      `json:"conversion_events"`
	InteractionEvents int      `json:"interaction_events"`
	ConversionPoints  int      `json:"conversion_points"`
	InteractionPoints int      `json:"interaction_points"`
	RawBonus          int      `json:"raw_bonus"`
	Bonus             int      `json:"bonus"`
	RawScore          int      `json:"raw_score"`
	Deductions        []string `json:"deductions"`
	ElapsedSeconds    int64    `json:"elapsed_seconds"`
	EventCount        int      `json:"event_count"`
}

// Score is the scorer's verdict for one session.
type Score struct {
	LeadScore  int
	Confidence int
	Status     string
	Breakdown  Breakdown
}

// Input is everything the scorer looks at.
type Input struct {
	Events       []db.Event
	SessionStart time.Time
	AsOf         time.Time
	HasClickID   bool
}

// Compute scores a session's events. It is pure and never fails.
func Compute(in Input) Score {
	var b Breakdown
	maxScore := 0
	for i, ev := range in.Events {
		switch ev.Category {
		case "conversion":
			b.ConversionEvents++
		case "interaction":
			b.InteractionEvents++
		}
		if i == 0 || ev.Score > maxScore {
			maxScore = ev.Score
		}
	}
	b.EventCount = len(in.Events)
	b.ConversionPoints = min(b.ConversionEvents, MaxConversionEvents) * ConversionPoints
	b.InteractionPoints = min(b.InteractionEvents, MaxInteractionCount) * InteractionPoints

	b.RawBonus = maxScore
	b.Bonus = clamp(maxScore, 0, BonusCap)
	b.RawScore = b.ConversionPoints + b.InteractionPoints + b.Bonus

	elapsed := in.AsOf.Sub(in.SessionStart)
	if elapsed < 0 {
		elapsed = 0
	}
	b.ElapsedSeconds = int64(elapsed / time.Second)

	confidence := 100
	b.Deductions = []string{}
	if !in.HasClickID {
		confidence -= DeductNoClickID
		b.Deductions = append(b.Deductions, DeductionNoClickID)
	}
	tooFast := elapsed < TooFastThreshold
	if tooFast {
		confidence -= DeductTooFast
		b.Deductions = append(b.Deductions, DeductionTooFast)
	}
	if b.EventCount <= 1 {
		confidence -= DeductSingleSignal
		b.Deductions = append(b.Deductions, DeductionSingleSignal)
	}
	confidence = clamp(confidence, 0, 100)

	status := db.CallIntent
	if tooFast || confidence < SuspiciousBelow {
		status = db.CallSuspicious
	}

	return Score{
		LeadScore:  clamp(b.RawScore, 0, 100),
		Confidence: confidence,
		Status:     status,
		Breakdown:  b,
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
