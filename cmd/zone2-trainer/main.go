package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"zone2-trainer/internal/analysis"
	"zone2-trainer/internal/ble"
	"zone2-trainer/internal/config"
	"zone2-trainer/internal/fitexport"
	"zone2-trainer/internal/safego"
	"zone2-trainer/internal/session"
	"zone2-trainer/internal/telemetry"
	"zone2-trainer/internal/ui"
	"zone2-trainer/internal/workout"
)

var adapter = bluetooth.DefaultAdapter

func main() {
	flags := pflag.NewFlagSet("zone2-trainer", pflag.ExitOnError)
	config.RegisterFlags(flags)
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zone2-trainer: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "zone2-trainer: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logSink := &lumberjack.Logger{
		Filename:   cfg.LogPath,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
	}
	defer logSink.Close()

	var dashboard *ui.Dashboard
	stopRequested := make(chan struct{})
	requestStop := func() {
		select {
		case <-stopRequested:
		default:
			close(stopRequested)
		}
	}

	logWriter := io.Writer(logSink)
	if cfg.Headless {
		logWriter = io.MultiWriter(logSink, os.Stderr)
	} else {
		dashboard = ui.NewDashboard(cfg.MaxHR, requestStop)
		logWriter = io.MultiWriter(logSink, dashboard.LogWriter())
	}
	logger := log.New(logWriter, "", log.LstdFlags)

	params := workout.Params{
		FTPWatts:     cfg.FTPWatts,
		MaxHR:        cfg.MaxHR,
		Zone2LowBpm:  cfg.Zone2HRLow,
		Zone2HighBpm: cfg.Zone2HRHigh,
	}
	wkt, err := workout.ByName(cfg.Workout, params)
	if err != nil {
		return err
	}

	manager := ble.NewManager(adapter, logger)
	if err := manager.Enable(); err != nil {
		return fmt.Errorf("enabling BLE adapter: %w", err)
	}
	link := ble.NewLink(manager, logger)
	prefs := config.NewPreferences(logger)
	scanTimeout := time.Duration(cfg.ScanTimeoutSeconds) * time.Second

	logger.Printf("Scanning for trainer (filter %q)", cfg.TrainerNameFilter)
	trainer, err := connectRole(link, prefs, ble.RoleTrainer, cfg.TrainerNameFilter, scanTimeout)
	if err != nil {
		return fmt.Errorf("trainer: %w", err)
	}
	defer trainer.Disconnect()
	logger.Printf("Trainer connected: %s (%s)", trainer.Name(), trainer.Address())

	logger.Printf("Scanning for heart rate monitor (filter %q)", cfg.HRMonitorNameFilter)
	hrMonitor, err := connectRole(link, prefs, ble.RoleHeartRateMonitor, cfg.HRMonitorNameFilter, scanTimeout)
	if err != nil {
		logger.Printf("No heart rate monitor: %v (running without adaptive control)", err)
		hrMonitor = nil
	} else {
		defer hrMonitor.Disconnect()
		logger.Printf("Heart rate monitor connected: %s (%s)", hrMonitor.Name(), hrMonitor.Address())
	}

	stream := telemetry.NewStream(logger)
	analyzer := analysis.NewAnalyzer(logger, cfg.MaxHR, cfg.Zone2HRLow, cfg.Zone2HRHigh)
	recorder := session.NewRecorder(logger, wkt.Name, time.Now())
	engine := workout.NewEngine(logger, trainer, stream, wkt, params)

	trainer.ListenMeasurements(func(m ble.Measurement) {
		stream.Ingest(m, time.Now())
	})
	trainer.ListenLost(func(ble.Role) {
		engine.OnTrainerLost()
	})
	if hrMonitor != nil {
		hrMonitor.ListenMeasurements(func(m ble.Measurement) {
			stream.Ingest(m, time.Now())
		})
		hrMonitor.ListenLost(func(ble.Role) {
			engine.OnHeartRateLost()
		})
	} else {
		engine.OnHeartRateLost()
	}

	stream.ListenFinalized(func(s telemetry.Sample) {
		analyzer.Observe(s)
		if err := recorder.AppendSample(s); err != nil {
			logger.Printf("Dropping sample: %v", err)
		}
	})

	analyzer.ListenAlerts(func(a analysis.Alert) {
		if dashboard != nil {
			dashboard.ShowAlert(a)
		}
		if cfg.AudioAlerts {
			fmt.Fprint(os.Stderr, "\a")
		}
	})

	// Closed exactly once: the engine emits one terminal transition.
	finished := make(chan struct{})
	engine.ListenTransitions(func(tr workout.Transition) {
		if err := recorder.AppendTransition(tr); err != nil {
			logger.Printf("Dropping transition: %v", err)
		}
		// Interval workouts transition between phases inside the main
		// block; the analyzer window only tracks entering and leaving it.
		if tr.To == workout.StatusMainSet && tr.From != workout.StatusMainSet {
			analyzer.BeginMainSet(tr.At)
		}
		if tr.From == workout.StatusMainSet && tr.To != workout.StatusMainSet {
			analyzer.EndMainSet(tr.At)
		}
		if tr.To == workout.StatusFinished || tr.To == workout.StatusAborted {
			close(finished)
		}
	})

	if dashboard != nil {
		snapshots := make(chan workout.Snapshot, 4)
		unregister := engine.ListenSnapshots(snapshots)
		defer unregister()
		safego.Go(logger, func() {
			for {
				select {
				case snap := <-snapshots:
					dashboard.ShowSnapshot(snap)
				case <-finished:
					return
				}
			}
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	safego.Go(logger, func() {
		select {
		case <-sigCh:
			logger.Printf("Interrupt received, stopping workout")
		case <-stopRequested:
			logger.Printf("Stop requested, ending workout")
		case <-finished:
		}
		engine.Stop()
		if dashboard != nil {
			dashboard.Stop()
		}
	})

	if err := engine.Start(); err != nil {
		return err
	}

	if dashboard != nil {
		if err := dashboard.Run(); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
	} else {
		<-finished
	}

	engine.Stop()
	engine.Shutdown()
	signal.Stop(sigCh)

	stream.Flush()
	record := recorder.Finalize(time.Now())
	if len(record.Samples) == 0 {
		logger.Printf("No telemetry recorded, skipping FIT export")
		return nil
	}

	exporter := fitexport.NewExporter(logger)
	name := fmt.Sprintf("%s_%s", wkt.Name, record.Summary.StartedAt.Format("20060102_150405"))
	path, err := exporter.WriteFile(filepath.Join(cfg.ExportDir, name), record)
	if err != nil {
		return fmt.Errorf("FIT export: %w", err)
	}
	fmt.Printf("Workout %s (%s): %d samples, avg %d W / %d bpm\nSaved to %s\n",
		wkt.Name, record.Summary.EndReason, len(record.Samples),
		record.Summary.AvgPowerWatts, record.Summary.AvgHeartRateBpm, path)

	stats := analyzer.Stats()
	if stats.HasEfficiencyFactor {
		fmt.Printf("Efficiency factor: %.2f\n", stats.EfficiencyFactor)
	}
	if stats.HasCardiacDrift {
		fmt.Printf("Cardiac drift: %.1f%%\n", stats.CardiacDriftPct)
	}
	if stats.HasDecoupling {
		fmt.Printf("Power/HR decoupling: %.1f%%\n", stats.DecouplingPct)
	}
	return nil
}

// connectRole scans for the role and connects to the device used last
// time when it shows up again, otherwise to the strongest candidate.
func connectRole(link *ble.Link, prefs *config.Preferences, role ble.Role, nameFilter string, timeout time.Duration) (*ble.Session, error) {
	candidates, err := link.Scan(role, nameFilter, timeout)
	if err != nil {
		return nil, err
	}
	best := candidates[0]
	preferred := prefs.PreferredDevice(string(role))
	for _, c := range candidates[1:] {
		if c.RSSI > best.RSSI {
			best = c
		}
	}
	for _, c := range candidates {
		if preferred != "" && c.Address == preferred {
			best = c
			break
		}
	}
	sess, err := link.Connect(role, best)
	if err != nil {
		return nil, err
	}
	prefs.SetPreferredDevice(string(role), sess.Address())
	return sess, nil
}
