// Command deskcoachd is the DeskCoach daemon: it runs the pose loop,
// notification policy, and status publishers, and offers start/stop/
// restart/status subcommands for supervising itself as a background
// process (spec.md §4.I, §6). Command tree and flag registration are
// grounded on the teacher pack's cobra/pflag usage; STORAGE_ROOT/flag
// merging goes through spf13/viper the way the teacher pack's other
// services layer viper over pflag.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deskcoach/deskcoach/internal/config"
	"github.com/deskcoach/deskcoach/pkg/eventlog"
	"github.com/deskcoach/deskcoach/pkg/policy"
	"github.com/deskcoach/deskcoach/pkg/posture"
	"github.com/deskcoach/deskcoach/pkg/statusbus"
	"github.com/deskcoach/deskcoach/pkg/supervisor"
	"github.com/deskcoach/deskcoach/pkg/telemetry"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:     "deskcoachd",
		Short:   "Local, privacy-preserving posture coach daemon",
		Version: version,
	}

	root.PersistentFlags().String("storage-root", "", "storage directory for config/baseline/status/event-log files (overrides STORAGE_ROOT)")
	root.PersistentFlags().Int("fps", 0, "target sampling rate (overrides config.json)")
	root.PersistentFlags().Int("camera", -1, "camera device id (overrides config.json)")
	root.PersistentFlags().String("preset", "", "sensitivity preset: sensitive|standard|conservative")
	root.PersistentFlags().Bool("diagnostics", false, "expose a loopback-only Prometheus /metrics endpoint")
	root.PersistentFlags().String("ws-addr", "127.0.0.1:8787", "loopback address for the status-push/action-report websocket")
	root.PersistentFlags().Bool("perf-profile", false, "log per-tick frame timing for performance tuning")
	root.PersistentFlags().String("perf-mode", "", "performance profile: lightweight|quality|performance")
	root.PersistentFlags().Bool("dry-run", false, "log notification decisions but suppress delivery side effects")
	root.PersistentFlags().Bool("no-dnd-check", false, "never query the OS do-not-disturb state")
	root.PersistentFlags().String("cooldowns", "on", "enable or disable policy cooldowns: on|off")

	v.BindPFlag("storage_root", root.PersistentFlags().Lookup("storage-root"))
	v.BindPFlag("fps", root.PersistentFlags().Lookup("fps"))
	v.BindPFlag("camera", root.PersistentFlags().Lookup("camera"))
	v.BindPFlag("preset", root.PersistentFlags().Lookup("preset"))
	v.BindPFlag("diagnostics", root.PersistentFlags().Lookup("diagnostics"))
	v.BindPFlag("ws_addr", root.PersistentFlags().Lookup("ws-addr"))
	v.BindPFlag("perf_profile", root.PersistentFlags().Lookup("perf-profile"))
	v.BindPFlag("perf_mode", root.PersistentFlags().Lookup("perf-mode"))
	v.BindPFlag("dry_run", root.PersistentFlags().Lookup("dry-run"))
	v.BindPFlag("no_dnd_check", root.PersistentFlags().Lookup("no-dnd-check"))
	v.BindPFlag("cooldowns", root.PersistentFlags().Lookup("cooldowns"))
	v.BindEnv("storage_root", "STORAGE_ROOT")
	v.SetDefault("storage_root", defaultStorageRoot())

	root.AddCommand(
		newRunCmd(v),
		newCalibrateCmd(v),
		newStartCmd(v),
		newStopCmd(v),
		newRestartCmd(v),
		newStatusCmd(v),
	)

	return root
}

func defaultStorageRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".deskcoach"
	}
	return filepath.Join(home, ".deskcoach")
}

func storageRoot(v *viper.Viper) (string, error) {
	root := v.GetString("storage_root")
	if root == "" {
		return "", fmt.Errorf("no storage root configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("creating storage root %s: %w", root, err)
	}
	return root, nil
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the posture daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), v)
		},
	}
}

func runDaemon(ctx context.Context, v *viper.Viper) error {
	root, err := storageRoot(v)
	if err != nil {
		return err
	}

	cfg, err := config.Load(filepath.Join(root, "config.json"))
	if err != nil {
		log.Printf("config: %v (continuing with defaults)", err)
	}
	applyFlagOverrides(cfg, v)

	baseline, hasBaseline, err := posture.LoadBaseline(posture.BaselinePath(root))
	if err != nil {
		log.Printf("baseline: %v", err)
	}
	if !hasBaseline {
		log.Println("no calibration baseline found; run `deskcoachd calibrate` first. Starting in PAUSED-until-calibrated mode.")
	}

	camera := posture.NewRetryingCamera(posture.NewOpenCVCamera(true))
	estimatorCfg := posture.DefaultONNXEstimatorConfig(filepath.Join(root, "models", "pose.onnx"))
	estimator, err := posture.NewONNXEstimator(estimatorCfg)
	if err != nil {
		return fmt.Errorf("loading pose model: %w", err)
	}
	defer estimator.Close()

	now := time.Now()
	loop := posture.NewPoseLoop(camera, estimator, baseline, cfg, now)

	pol := policy.New(policyConfigFromFlags(cfg.Policy, v), dryRunOrNotifier(v), dndQuery(v))

	events, err := eventlog.Open(filepath.Join(root, "events.jsonl"))
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer events.Close()

	publisher := statusbus.New(root)

	reg := telemetry.New()
	metrics := telemetry.NewPipelineMetrics(reg)
	if v.GetBool("diagnostics") {
		addr, closeFn, err := telemetry.ServeDiagnostics("127.0.0.1:0", reg)
		if err != nil {
			log.Printf("diagnostics: %v", err)
		} else {
			log.Printf("diagnostics endpoint: http://%s/metrics", addr)
			defer closeFn()
		}
	}

	hub := statusbus.NewHub()
	hub.OnAction(wireActionHandler(pol, loop, events, metrics))
	wsAddr, closeWS, err := statusbus.ServeHub(v.GetString("ws_addr"), hub)
	if err != nil {
		log.Printf("status/action websocket: %v", err)
	} else {
		log.Printf("status/action websocket: ws://%s/ws", wsAddr)
		defer closeWS()
	}

	watcher, err := config.NewWatcher(filepath.Join(root, "config.json"))
	if err != nil {
		log.Printf("config hot-reload disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticks, unsubscribe := loop.Subscribe()
	defer unsubscribe()

	var preset atomic.Value
	preset.Store(string(cfg.Preset))

	go drivePolicyAndPublish(ctx, ticks, pol, events, publisher, hub, metrics, &preset, v.GetBool("perf_profile"))

	if watcher != nil {
		go func() {
			for newCfg := range watcher.Watch(ctx) {
				loop.UpdateConfig(newCfg)
				pol.SetConfig(policyConfigFromFlags(newCfg.Policy, v))
				preset.Store(string(newCfg.Preset))
				log.Println("config reloaded")
			}
		}()
	}

	log.Printf("deskcoachd starting: storage_root=%s fps=%d preset=%s", root, cfg.Camera.FPS, cfg.Preset)
	return loop.Run(ctx)
}

func applyFlagOverrides(cfg *config.Config, v *viper.Viper) {
	if mode := v.GetString("perf_mode"); mode != "" {
		if err := applyPerfMode(cfg, mode); err != nil {
			log.Printf("perf-mode: %v", err)
		}
	}
	if fps := v.GetInt("fps"); fps > 0 {
		cfg.Camera.FPS = fps
	}
	if camID := v.GetInt("camera"); camID >= 0 {
		cfg.Camera.DeviceID = camID
	}
	if preset := v.GetString("preset"); preset != "" {
		if err := cfg.ApplyPreset(config.PresetName(preset)); err != nil {
			log.Printf("preset: %v", err)
		}
	}
}

// applyPerfMode trades resolution, sampling rate, and frame-skip
// aggressiveness for CPU headroom (spec.md §6's --perf-mode). It runs
// before --fps/--camera overrides so an explicit flag still wins.
func applyPerfMode(cfg *config.Config, mode string) error {
	switch mode {
	case "lightweight":
		cfg.Camera.Width, cfg.Camera.Height = 320, 180
		cfg.Governor.MinFPS, cfg.Governor.MaxFPS = 2, 5
		cfg.Governor.SkipGoodHoldSec = 10
	case "quality":
		cfg.Camera.Width, cfg.Camera.Height = 640, 360
		cfg.Governor.MinFPS, cfg.Governor.MaxFPS = 6, 10
		cfg.Governor.SkipEnabled = false
	case "performance":
		// The config default already targets this middle ground.
	default:
		return fmt.Errorf("unknown perf mode %q", mode)
	}
	return nil
}

func policyConfigFromFlags(pc config.PolicyConfig, v *viper.Viper) policy.Config {
	out := policy.ConfigFromPolicyConfig(pc)
	if v.GetString("cooldowns") == "off" {
		out.CooldownDoneSec = 0
		out.CooldownSnoozeSec = 0
		out.DedupeWindowSec = 0
	}
	if v.GetBool("no_dnd_check") {
		out.RespectDND = false
	}
	return out
}

func dryRunOrNotifier(v *viper.Viper) policy.Notifier {
	if v.GetBool("dry_run") {
		return &policy.NoopNotifier{}
	}
	return osNotifier{}
}

func dndQuery(v *viper.Viper) policy.DNDQuery {
	if v.GetBool("no_dnd_check") {
		return policy.StaticDND{Active: false}
	}
	return &osDNDQuery{}
}

// drivePolicyAndPublish is the single consumer of the pose loop's tick
// stream: it evaluates issue-state transitions against the policy,
// appends every decision to the event log, and republishes a status
// snapshot on each tick (spec.md §5: the publisher takes a short lock over
// a read-only view; it never becomes a second writer of pipeline state).
func drivePolicyAndPublish(ctx context.Context, ticks <-chan posture.Tick, pol *policy.Policy, events *eventlog.Log, publisher *statusbus.Publisher, hub *statusbus.Hub, metrics telemetry.PipelineMetrics, preset *atomic.Value, perfProfile bool) {
	serviceTicker := time.NewTicker(time.Second)
	defer serviceTicker.Stop()

	var enteredAt time.Time
	var lastDropped uint64
	var lastTickAt time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case tick, ok := <-ticks:
			if !ok {
				return
			}
			if perfProfile && !lastTickAt.IsZero() {
				log.Printf("perf: tick interval=%s fps=%d", tick.Now.Sub(lastTickAt), tick.CurrentFPS)
			}
			lastTickAt = tick.Now

			metrics.CurrentFPS.WithLabelValues().Set(float64(tick.CurrentFPS))
			if tick.HasSample {
				metrics.SamplesTotal.WithLabelValues("ok").Inc()
			} else {
				metrics.SamplesTotal.WithLabelValues("rejected").Inc()
			}

			if tick.Transition != nil {
				enteredAt = tick.Transition.At
				metrics.TransitionsTotal.WithLabelValues(tick.Transition.To.String(), string(tick.Transition.Path)).Inc()
				if tick.Transition.To != posture.StateGood && tick.Transition.To != posture.StatePaused {
					ev := pol.Evaluate(*tick.Transition, tick.Now)
					recordPolicyEvent(events, metrics, ev)
				}
			}

			if dropped := events.Dropped(); dropped > lastDropped {
				metrics.EventLogDropped.WithLabelValues().Add(float64(dropped - lastDropped))
				lastDropped = dropped
			}

			status := pol.Status(tick.Now)
			snap := statusbus.StatusSnapshot{
				Ts:             float64(tick.Now.Unix()),
				State:          tick.State.String(),
				TimeInStateSec: tick.Now.Sub(enteredAt).Seconds(),
				Confidence:     tick.Sample.Conf,
				Preset:         preset.Load().(string),
				CurrentFPS:     tick.CurrentFPS,
				Policy: statusbus.PolicyTimers{
					CooldownRemainingSec: status.CooldownRemainingSec,
					SnoozeRemainingSec:   status.SnoozeRemainingSec,
					BackoffRemainingSec:  status.BackoffRemainingSec,
					QueueDepth:           status.QueueDepth,
				},
			}
			if tick.Transition != nil {
				snap.DetectionPath = string(tick.Transition.Path)
			}
			publisher.PublishStatus(snap)
			hub.Broadcast(snap)

		case now := <-serviceTicker.C:
			for _, ev := range pol.ServiceQueue(now) {
				recordPolicyEvent(events, metrics, ev)
			}
		}
	}
}

// recordPolicyEvent appends a policy decision to the event log and updates
// the nudged/suppressed counters that back the --diagnostics endpoint.
func recordPolicyEvent(events *eventlog.Log, metrics telemetry.PipelineMetrics, ev policy.Event) {
	events.Append(eventlog.Record{Ts: ev.Ts, Kind: string(ev.Kind), State: ev.State.String(), Reason: ev.Reason, Metadata: ev.Metadata})

	switch ev.Kind {
	case policy.EventNudged, policy.EventDeliveredAfterDND:
		metrics.NudgesTotal.WithLabelValues(ev.State.String()).Inc()
	case policy.EventSuppressed:
		metrics.SuppressedTotal.WithLabelValues(ev.Reason).Inc()
	}
}

// wireActionHandler builds the status/action websocket's callback: it
// turns a reported Done/Snooze/Dismiss action into the matching policy
// call, logs the resulting event, and — for Dismiss — mirrors the armed
// backoff window into the pose loop's state machine so its detection
// windows accumulate against the raised per-channel thresholds for its
// duration (spec.md §4.D, §6: "action callbacks arrive asynchronously and
// are fed to the policy as user-action events").
func wireActionHandler(pol *policy.Policy, loop *posture.PoseLoop, events *eventlog.Log, metrics telemetry.PipelineMetrics) func(action string) {
	return func(action string) {
		now := time.Now()
		var ev policy.Event
		switch policy.Action(action) {
		case policy.ActionDone:
			ev = pol.Done(now)
		case policy.ActionSnooze:
			ev = pol.Snooze(now)
		case policy.ActionDismiss:
			ev = pol.Dismiss(now)
			if active, deltaDeg, deltaCM, remainingSec := pol.DismissBackoffActive(now); active {
				loop.ApplyDismissBackoff(now, remainingSec, deltaDeg, deltaCM)
			}
		default:
			log.Printf("action ingress: unrecognized action %q", action)
			return
		}
		recordPolicyEvent(events, metrics, ev)
	}
}

func newCalibrateCmd(v *viper.Viper) *cobra.Command {
	var durationSec float64
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Capture a personal posture baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalibration(cmd.Context(), v, durationSec)
		},
	}
	cmd.Flags().Float64Var(&durationSec, "duration", 25, "calibration capture duration in seconds")
	return cmd
}

func runCalibration(ctx context.Context, v *viper.Viper, durationSec float64) error {
	root, err := storageRoot(v)
	if err != nil {
		return err
	}

	release, err := posture.AcquireCalibrationLock(posture.CalibrationLockPath(root))
	if err != nil {
		return fmt.Errorf("acquiring calibration lock: %w", err)
	}
	defer release()

	cfg, err := config.Load(filepath.Join(root, "config.json"))
	if err != nil {
		log.Printf("config: %v (continuing with defaults)", err)
	}

	camera := posture.NewOpenCVCamera(true)
	if err := camera.Open(cfg.Camera.DeviceID, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS); err != nil {
		return fmt.Errorf("opening camera: %w", err)
	}
	defer camera.Close()

	estimator, err := posture.NewONNXEstimator(posture.DefaultONNXEstimatorConfig(filepath.Join(root, "models", "pose.onnx")))
	if err != nil {
		return fmt.Errorf("loading pose model: %w", err)
	}
	defer estimator.Close()

	publisher := statusbus.New(root)
	calibrator := posture.NewCalibrator(durationSec, cfg.Camera.FPS)
	calibrator.Begin(time.Now())

	ticker := time.NewTicker(time.Second / time.Duration(cfg.Camera.FPS))
	defer ticker.Stop()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case now := <-ticker.C:
			rgb, w, h, err := camera.Read()
			if err == nil {
				if frame, ok, estErr := estimator.Estimate(ctx, rgb, w, h); estErr == nil && ok {
					if sample, extracted := posture.ExtractMetrics(frame, now, cfg.Smoothing.MinVisibility); extracted {
						shoulderWidth, swOK := shoulderWidthForCalibration(frame, cfg.Smoothing.MinVisibility)
						calibrator.Submit(sample, shoulderWidth, swOK)
					}
				}
			}

			progress := calibrator.Progress(now)
			publisher.PublishCalibration(statusbus.CalibrationSnapshot{
				Phase: string(progress.Phase), Progress: progress.Progress,
				ElapsedSec: progress.ElapsedSec, SamplesCaptured: progress.SamplesCaptured,
				ConfMean: progress.ConfMean, EtaSec: progress.EtaSec,
			})

			if calibrator.Done(now) {
				baseline, err := calibrator.Finish(now)
				if err != nil {
					calibrator.MarkError(err.Error())
					final := calibrator.Progress(now)
					publisher.PublishCalibration(statusbus.CalibrationSnapshot{Phase: string(final.Phase), Error: final.Error})
					return err
				}
				if err := baseline.Save(posture.BaselinePath(root)); err != nil {
					return fmt.Errorf("saving baseline: %w", err)
				}
				calibrator.MarkSaved()
				log.Printf("calibration complete: %d samples, conf_mean=%.2f", baseline.SampleCount, baseline.ConfMean)
				return nil
			}
		}
	}
}

// shoulderWidthForCalibration recomputes the shoulder-width proxy used to
// gate calibration samples, matching ExtractMetrics's own inter-shoulder
// x-distance so the calibrated baseline stays comparable to later runtime
// samples.
func shoulderWidthForCalibration(f posture.Frame, minVisibility float64) (float64, bool) {
	ls := f.Landmarks[posture.LandmarkLeftShoulder]
	rs := f.Landmarks[posture.LandmarkRightShoulder]
	if ls.Visibility < minVisibility || rs.Visibility < minVisibility {
		return 0, false
	}
	width := ls.X - rs.X
	if width < 0 {
		width = -width
	}
	return width, true
}

func newStartCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon as a background process",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := storageRoot(v)
			if err != nil {
				return err
			}
			sup := supervisor.New(root, "daemon.pid")

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolving executable path: %w", err)
			}
			pid, err := sup.Start([]string{exe, "run", "--storage-root", root}, []string{"STORAGE_ROOT=" + root})
			if err != nil {
				return err
			}
			fmt.Printf("deskcoachd running (pid %d)\n", pid)
			return nil
		},
	}
}

func newStopCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := storageRoot(v)
			if err != nil {
				return err
			}
			return supervisor.New(root, "daemon.pid").Stop()
		},
	}
}

func newRestartCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := storageRoot(v)
			if err != nil {
				return err
			}
			pid, err := supervisor.New(root, "daemon.pid").Restart([]string{"STORAGE_ROOT=" + root})
			if err != nil {
				return err
			}
			fmt.Printf("deskcoachd restarted (pid %d)\n", pid)
			return nil
		},
	}
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := storageRoot(v)
			if err != nil {
				return err
			}
			pid, running, err := supervisor.New(root, "daemon.pid").Status()
			if err != nil {
				return err
			}
			if !running {
				fmt.Println("deskcoachd is not running")
				return nil
			}
			fmt.Printf("deskcoachd is running (pid %d)\n", pid)
			return nil
		},
	}
}
