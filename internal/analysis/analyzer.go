package analysis

import (
	"fmt"
	"log"
	"sync"
	"time"

	"zone2-trainer/internal/events"
	"zone2-trainer/internal/telemetry"
)

// Heart rate zone boundaries as fractions of max HR. Zone 1 covers
// everything below the zone 2 floor.
var zoneFractions = [...]float64{0.60, 0.70, 0.80, 0.90}

// NumZones is the number of heart rate zones.
const NumZones = 5

// ZoneForHR maps a heart rate to its zone (1-5) for the given max HR.
func ZoneForHR(maxHR, hr int) int {
	for i, frac := range zoneFractions {
		if float64(hr) < frac*float64(maxHR) {
			return i + 1
		}
	}
	return NumZones
}

// AlertType identifies the condition an alert reports.
type AlertType string

const (
	AlertHRHigh       AlertType = "hr_high"
	AlertHRLow        AlertType = "hr_low"
	AlertCardiacDrift AlertType = "cardiac_drift"
	AlertDecoupling   AlertType = "decoupling"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a condition worth telling the rider about.
type Alert struct {
	Type     AlertType
	Severity Severity
	Message  string
	At       time.Time
}

// Stats is a point-in-time summary of the analysis.
type Stats struct {
	SecondsInZone [NumZones]int

	// Whole-session efficiency factor: mean power / mean heart rate over
	// paired samples. Absent without heart rate data.
	EfficiencyFactor    float64
	HasEfficiencyFactor bool

	// Cardiac drift between the two halves of the main set, percent.
	// Absent until each half holds at least two minutes of paired samples.
	CardiacDriftPct float64
	HasCardiacDrift bool

	// Power/HR decoupling: last five minutes against the prior five.
	DecouplingPct float64
	HasDecoupling bool
}

const (
	// Minimum paired samples per half before drift is reported.
	minPairedPerHalf = 120

	driftAlertThresholdPct      = 5.0
	decouplingAlertThresholdPct = 10.0
	decouplingWindow            = 5 * time.Minute

	// HR must sit outside the target zone this long before alerting,
	// and repeats of the same alert are suppressed for the cooldown.
	outOfZoneDelay = 10 * time.Second
	alertCooldown  = 30 * time.Second

	// Out-of-zone distance that upgrades an HR alert to critical.
	criticalZoneMarginBpm = 10
)

type pairedSample struct {
	t     time.Time
	power int
	hr    int
}

// Analyzer consumes finalized telemetry samples and maintains zone
// distribution, efficiency metrics, and the alert conditions. Time flows
// from sample timestamps, never the wall clock, so replays and tests are
// deterministic.
type Analyzer struct {
	logger    *log.Logger
	maxHR     int
	zone2Low  int
	zone2High int

	mu            sync.Mutex
	secondsInZone [NumZones]int
	sumPower      float64
	sumHR         float64
	pairedCount   int
	paired        []pairedSample

	mainSetActive bool
	mainSetStart  time.Time
	mainSetEnd    time.Time
	mainPaired    []pairedSample

	outOfZoneSince map[AlertType]time.Time
	lastAlertAt    map[AlertType]time.Time

	alerts *events.CallbackEvent[Alert]
}

// NewAnalyzer creates an Analyzer targeting [zone2Low, zone2High] bpm.
func NewAnalyzer(logger *log.Logger, maxHR, zone2Low, zone2High int) *Analyzer {
	if logger == nil {
		panic("Analyzer: logger cannot be nil")
	}
	if maxHR <= 0 {
		panic("Analyzer: maxHR must be > 0")
	}
	if zone2Low <= 0 || zone2High <= zone2Low {
		panic("Analyzer: invalid zone 2 bounds")
	}
	return &Analyzer{
		logger:         logger,
		maxHR:          maxHR,
		zone2Low:       zone2Low,
		zone2High:      zone2High,
		outOfZoneSince: make(map[AlertType]time.Time),
		lastAlertAt:    make(map[AlertType]time.Time),
		alerts:         events.NewCallbackEvent[Alert](false),
	}
}

// ListenAlerts registers a callback for emitted alerts.
func (a *Analyzer) ListenAlerts(callback func(Alert)) func() {
	return a.alerts.Listen(callback)
}

// BeginMainSet marks the start of the main set. HR zone alerts and drift
// tracking are active only between BeginMainSet and EndMainSet.
func (a *Analyzer) BeginMainSet(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mainSetActive = true
	a.mainSetStart = at
	a.mainPaired = a.mainPaired[:0]
	a.logger.Printf("Main set started at %v", at)
}

// EndMainSet marks the end of the main set.
func (a *Analyzer) EndMainSet(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mainSetActive = false
	a.mainSetEnd = at
}

// Observe folds one finalized sample into the analysis.
func (a *Analyzer) Observe(s telemetry.Sample) {
	a.mu.Lock()

	if s.HasHeartRate {
		zone := ZoneForHR(a.maxHR, s.HeartRateBpm)
		a.secondsInZone[zone-1]++
	}

	if s.HasHeartRate && s.HasPower && s.HeartRateBpm > 0 {
		p := pairedSample{t: s.Timestamp, power: s.PowerWatts, hr: s.HeartRateBpm}
		a.sumPower += float64(s.PowerWatts)
		a.sumHR += float64(s.HeartRateBpm)
		a.pairedCount++
		a.paired = append(a.paired, p)
		if a.mainSetActive {
			a.mainPaired = append(a.mainPaired, p)
		}
	}

	var pending []Alert
	if a.mainSetActive && s.HasHeartRate {
		pending = append(pending, a.checkZoneLocked(s.HeartRateBpm, s.Timestamp)...)
	}
	pending = append(pending, a.checkDriftLocked(s.Timestamp)...)
	pending = append(pending, a.checkDecouplingLocked(s.Timestamp)...)
	a.mu.Unlock()

	for _, alert := range pending {
		a.logger.Printf("Alert [%s/%s]: %s", alert.Type, alert.Severity, alert.Message)
		a.alerts.Notify(alert)
	}
}

// checkZoneLocked evaluates the hr_high / hr_low conditions. An alert
// fires after the heart rate has been continuously out of zone for
// outOfZoneDelay, then not again until the cooldown passes.
func (a *Analyzer) checkZoneLocked(hr int, now time.Time) []Alert {
	var alertType AlertType
	var margin int
	switch {
	case hr > a.zone2High:
		alertType = AlertHRHigh
		margin = hr - a.zone2High
		delete(a.outOfZoneSince, AlertHRLow)
	case hr < a.zone2Low:
		alertType = AlertHRLow
		margin = a.zone2Low - hr
		delete(a.outOfZoneSince, AlertHRHigh)
	default:
		delete(a.outOfZoneSince, AlertHRHigh)
		delete(a.outOfZoneSince, AlertHRLow)
		return nil
	}

	since, tracking := a.outOfZoneSince[alertType]
	if !tracking {
		a.outOfZoneSince[alertType] = now
		return nil
	}
	if now.Sub(since) < outOfZoneDelay {
		return nil
	}
	if last, ok := a.lastAlertAt[alertType]; ok && now.Sub(last) < alertCooldown {
		return nil
	}

	severity := SeverityWarning
	if margin > criticalZoneMarginBpm {
		severity = SeverityCritical
	}
	var msg string
	if alertType == AlertHRHigh {
		msg = fmt.Sprintf("heart rate %d above zone (max %d), ease off", hr, a.zone2High)
	} else {
		msg = fmt.Sprintf("heart rate %d below zone (min %d), push a little", hr, a.zone2Low)
	}

	a.lastAlertAt[alertType] = now
	return []Alert{{Type: alertType, Severity: severity, Message: msg, At: now}}
}

func (a *Analyzer) checkDriftLocked(now time.Time) []Alert {
	drift, ok := a.cardiacDriftLocked()
	if !ok || drift <= driftAlertThresholdPct {
		return nil
	}
	if last, exists := a.lastAlertAt[AlertCardiacDrift]; exists && now.Sub(last) < alertCooldown {
		return nil
	}
	a.lastAlertAt[AlertCardiacDrift] = now
	return []Alert{{
		Type:     AlertCardiacDrift,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("cardiac drift %.1f%%, consider shortening the session", drift),
		At:       now,
	}}
}

func (a *Analyzer) checkDecouplingLocked(now time.Time) []Alert {
	dec, ok := a.decouplingLocked(now)
	if !ok || dec <= decouplingAlertThresholdPct {
		return nil
	}
	if last, exists := a.lastAlertAt[AlertDecoupling]; exists && now.Sub(last) < alertCooldown {
		return nil
	}
	a.lastAlertAt[AlertDecoupling] = now
	return []Alert{{
		Type:     AlertDecoupling,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("power/HR decoupling %.1f%% over the last 10 minutes", dec),
		At:       now,
	}}
}

func efficiencyFactor(samples []pairedSample) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	var sumP, sumHR float64
	for _, s := range samples {
		sumP += float64(s.power)
		sumHR += float64(s.hr)
	}
	if sumHR == 0 {
		return 0, false
	}
	return sumP / sumHR, true
}

// cardiacDriftLocked computes drift between the first and second half of
// the main set: (EF1 - EF2) / EF1 * 100. Positive drift means the heart
// worked harder for the same power later in the set.
func (a *Analyzer) cardiacDriftLocked() (float64, bool) {
	if len(a.mainPaired) < 2*minPairedPerHalf {
		return 0, false
	}

	start := a.mainPaired[0].t
	end := a.mainPaired[len(a.mainPaired)-1].t
	mid := start.Add(end.Sub(start) / 2)

	var first, second []pairedSample
	for _, s := range a.mainPaired {
		if s.t.Before(mid) {
			first = append(first, s)
		} else {
			second = append(second, s)
		}
	}
	if len(first) < minPairedPerHalf || len(second) < minPairedPerHalf {
		return 0, false
	}

	ef1, ok1 := efficiencyFactor(first)
	ef2, ok2 := efficiencyFactor(second)
	if !ok1 || !ok2 || ef1 == 0 {
		return 0, false
	}
	return (ef1 - ef2) / ef1 * 100.0, true
}

// decouplingLocked compares the last decouplingWindow of paired samples
// with the window before it.
func (a *Analyzer) decouplingLocked(now time.Time) (float64, bool) {
	recentCutoff := now.Add(-decouplingWindow)
	priorCutoff := now.Add(-2 * decouplingWindow)

	var recent, prior []pairedSample
	for i := len(a.paired) - 1; i >= 0; i-- {
		s := a.paired[i]
		if s.t.Before(priorCutoff) {
			break
		}
		if s.t.Before(recentCutoff) {
			prior = append(prior, s)
		} else {
			recent = append(recent, s)
		}
	}
	if len(recent) < minPairedPerHalf || len(prior) < minPairedPerHalf {
		return 0, false
	}

	efPrior, ok1 := efficiencyFactor(prior)
	efRecent, ok2 := efficiencyFactor(recent)
	if !ok1 || !ok2 || efPrior == 0 {
		return 0, false
	}
	return (efPrior - efRecent) / efPrior * 100.0, true
}

// Stats returns the current analysis summary.
func (a *Analyzer) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := Stats{SecondsInZone: a.secondsInZone}
	if a.pairedCount > 0 && a.sumHR > 0 {
		stats.EfficiencyFactor = a.sumPower / a.sumHR
		stats.HasEfficiencyFactor = true
	}
	if drift, ok := a.cardiacDriftLocked(); ok {
		stats.CardiacDriftPct = drift
		stats.HasCardiacDrift = true
	}
	if len(a.paired) > 0 {
		if dec, ok := a.decouplingLocked(a.paired[len(a.paired)-1].t); ok {
			stats.DecouplingPct = dec
			stats.HasDecoupling = true
		}
	}
	return stats
}
