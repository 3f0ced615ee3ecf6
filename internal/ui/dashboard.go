// Package ui renders the live terminal dashboard for a running
// workout.
package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"zone2-trainer/internal/analysis"
	"zone2-trainer/internal/workout"
)

// Dashboard is the tview front end: workout status on the left, alerts
// and the log tail on the right.
type Dashboard struct {
	app     *tview.Application
	status  *tview.TextView
	metrics *tview.TextView
	alerts  *tview.TextView
	logView *tview.TextView
	maxHR   int
	onQuit  func()
}

// NewDashboard builds the dashboard. onQuit is invoked once when the
// user asks to stop; it must not block.
func NewDashboard(maxHR int, onQuit func()) *Dashboard {
	if onQuit == nil {
		panic("Dashboard: onQuit cannot be nil")
	}

	app := tview.NewApplication()

	status := tview.NewTextView().SetDynamicColors(true)
	status.SetBorder(true).SetTitle(" Workout ")

	metrics := tview.NewTextView().SetDynamicColors(true)
	metrics.SetBorder(true).SetTitle(" Live Metrics ")

	alerts := tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	alerts.SetBorder(true).SetTitle(" Alerts ")

	logView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() {
			app.Draw()
		})
	logView.SetBorder(true).SetTitle(" Logs ")

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(status, 7, 0, false).
		AddItem(metrics, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(alerts, 0, 1, false).
		AddItem(logView, 0, 2, false)
	flex := tview.NewFlex().
		AddItem(left, 0, 1, true).
		AddItem(right, 0, 1, false)

	d := &Dashboard{
		app:     app,
		status:  status,
		metrics: metrics,
		alerts:  alerts,
		logView: logView,
		maxHR:   maxHR,
		onQuit:  onQuit,
	}

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Rune() == 'q' {
			d.onQuit()
			return nil
		}
		return event
	})
	app.SetRoot(flex, true)
	return d
}

// Run blocks until Stop is called or the terminal closes.
func (d *Dashboard) Run() error {
	return d.app.Run()
}

// Stop shuts the UI down. Safe to call from any goroutine.
func (d *Dashboard) Stop() {
	d.app.Stop()
}

// LogWriter returns a writer that appends to the log pane.
func (d *Dashboard) LogWriter() io.Writer {
	return tview.ANSIWriter(d.logView)
}

// ShowSnapshot repaints the workout and metrics panes.
func (d *Dashboard) ShowSnapshot(s workout.Snapshot) {
	d.app.QueueUpdateDraw(func() {
		d.status.SetText(fmt.Sprintf(
			"Workout:  [yellow]%s[-]\nPhase:    [green]%s[-] (%d)\nElapsed:  %s / phase %s left\nTotal:    %s remaining",
			s.WorkoutName,
			s.Status,
			s.PhaseIndex,
			formatDuration(s.Elapsed),
			formatDuration(s.PhaseRemaining),
			formatDuration(s.TotalRemaining),
		))

		adaptive := ""
		if s.AdaptiveActive {
			adaptive = " [green](adaptive)[-]"
		}
		zone := "-"
		if s.HeartRateBpm > 0 && d.maxHR > 0 {
			zone = fmt.Sprintf("Z%d", analysis.ZoneForHR(d.maxHR, s.HeartRateBpm))
		}
		d.metrics.SetText(fmt.Sprintf(
			"Target:     [yellow]%d W[-]%s\nPower:      %d W\nHeart rate: %d bpm (%s)",
			s.TargetWatts, adaptive, s.PowerWatts, s.HeartRateBpm, zone,
		))
	})
}

// ShowAlert appends one alert line, newest last.
func (d *Dashboard) ShowAlert(a analysis.Alert) {
	color := "yellow"
	if a.Severity == analysis.SeverityCritical {
		color = "red"
	}
	d.app.QueueUpdateDraw(func() {
		fmt.Fprintf(d.alerts, "[%s]%s %s: %s[-]\n",
			color, a.At.Format("15:04:05"), a.Type, a.Message)
	})
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	m := int(d / time.Minute)
	s := int(d/time.Second) % 60
	return fmt.Sprintf("%02d:%02d", m, s)
}
