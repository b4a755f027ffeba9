package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"viva/audio"
	"viva/backend"
	"viva/beep"
	"viva/config"
	"viva/doctor"
	"viva/log"
	"viva/metrics"
	"viva/session"
	"viva/shutdown"
)

var version = "dev"

const deviceWatchInterval = 2 * time.Second

type options struct {
	cfg        config.Config
	device     string
	setup      bool
	tui        bool
	cues       bool
	archive    bool
	testWAV    string
	fakeServer bool
}

func main() {
	os.Exit(run())
}

func run() int {
	envFlag := flag.String("env", ".env", "Optional dotenv file with VIVA_* settings")
	sessionFlag := flag.String("session", "", "Practice session id (overrides VIVA_SESSION_ID)")
	apiFlag := flag.String("api", "", "Backend base URL (overrides VIVA_API_URL)")
	langFlag := flag.String("lang", "", "Feedback language (overrides VIVA_FEEDBACK_LANGUAGE)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	metricsFlag := flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	archiveFlag := flag.Bool("archive", false, "Keep a FLAC copy of every uploaded answer in the log directory")
	cuesFlag := flag.Bool("cues", true, "Play a tick when an answer can be given and when it is sent")
	testFlag := flag.String("test", "", "Headless test mode: answer with this WAV file instead of the microphone")
	fakeServerFlag := flag.Bool("fake-server", false, "In test mode, run against an in-process practice backend")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	tuiFlag := flag.Bool("tui", true, "Run with terminal UI")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("viva %s\n", version)
		return 0
	}

	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	log.InitCrash()

	cfg, err := config.Load(*envFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *sessionFlag != "" {
		cfg.SessionID = *sessionFlag
	}
	if *apiFlag != "" {
		cfg.APIURL = *apiFlag
	}
	if *langFlag != "" {
		cfg.FeedbackLanguage = *langFlag
	}
	if *metricsFlag != "" {
		cfg.MetricsAddr = *metricsFlag
	}

	if *doctorFlag {
		return doctor.Run(doctor.Options{APIURL: cfg.APIURL, APIToken: cfg.APIToken, Device: *deviceFlag})
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	opts := options{
		cfg:        cfg,
		device:     *deviceFlag,
		setup:      *setupFlag,
		tui:        *tuiFlag,
		cues:       *cuesFlag,
		archive:    *archiveFlag,
		testWAV:    *testFlag,
		fakeServer: *fakeServerFlag,
	}
	if opts.testWAV != "" {
		return runTestMode(opts)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return runLive(opts)
}

// sessionConfig maps client settings onto engine tunables.
func sessionConfig(o options) session.Config {
	sc := session.DefaultConfig()
	sc.SessionID = o.cfg.SessionID
	sc.FeedbackModel = o.cfg.FeedbackModel
	sc.FeedbackLanguage = o.cfg.FeedbackLanguage
	sc.STTModel = o.cfg.STTModel
	sc.TTSModel = o.cfg.TTSModel
	sc.TTSVoice = o.cfg.TTSVoice
	if o.archive {
		sc.ArchiveDir = filepath.Join(log.Dir(), "answers")
		if err := os.MkdirAll(sc.ArchiveDir, 0o755); err != nil {
			log.Warnf("archive dir: %v", err)
			sc.ArchiveDir = ""
		}
	}
	return sc
}

func pickDevice(actx audio.Context, o options) (*audio.DeviceInfo, error) {
	switch {
	case o.device != "":
		devices, err := actx.Devices()
		if err != nil {
			return nil, err
		}
		return audio.FindDevice(devices, o.device)
	case o.setup:
		return audio.SelectDevice(actx)
	}
	return nil, nil
}

func runLive(o options) int {
	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		return 1
	}
	defer actx.Close()

	device, err := pickDevice(actx, o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	player, err := actx.NewPlayer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening audio output: %v\n", err)
		return 1
	}
	defer player.Close()

	client := backend.NewClient(o.cfg.APIURL, o.cfg.APIToken)
	go client.Warm()
	var ui *tuiListener
	var listener session.Listener = newConsoleListener(os.Stdout)
	if o.tui {
		ui = newTUIListener(deviceLineText(device), o.cfg.SessionID)
		listener = ui
	}

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()
	err = runEngine(ctx, engineParts{
		opts:     o,
		api:      client,
		audio:    actx,
		device:   device,
		player:   player,
		listener: listener,
		ui:       ui,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

type engineParts struct {
	opts     options
	api      backend.API
	audio    audio.Context
	device   *audio.DeviceInfo
	player   audio.Player
	listener session.Listener
	ui       *tuiListener
	// started is closed once the session is open, when set.
	started chan struct{}
}

// runEngine runs one session to completion alongside its metrics server,
// device watcher and UI.
func runEngine(ctx context.Context, p engineParts) error {
	m := metrics.New()
	monitor := audio.NewMonitor(p.audio)
	eng := session.New(sessionConfig(p.opts), session.Deps{
		API:      p.api,
		Audio:    p.audio,
		Device:   p.device,
		Monitor:  monitor,
		Player:   p.player,
		Listener: p.listener,
		Metrics:  m,
		Cues:     beep.New(p.player, !p.opts.cues),
	})

	runCtx, stopAll := context.WithCancel(ctx)
	defer stopAll()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		err := eng.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := eng.Start(gctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Errorf("start session: %v", err)
			return describeStartError(err)
		}
		if p.started != nil {
			close(p.started)
		}
		return nil
	})
	g.Go(func() error {
		<-eng.Done()
		eng.Wait()
		if p.ui != nil {
			// The UI goroutine cancels the rest once the final screen closes.
			p.ui.quitSoon()
			return nil
		}
		stopAll()
		return nil
	})

	if addr := p.opts.cfg.MetricsAddr; addr != "" {
		srv := metrics.NewServer(addr, m, func() bool {
			return eng.Snapshot().Phase == session.PhaseActive
		})
		g.Go(func() error { return srv.Serve(gctx) })
	}

	g.Go(func() error {
		monitor.Watch(gctx, deviceWatchInterval, func(st audio.DeviceStatus) {
			if p.ui != nil {
				p.ui.devices(st)
			}
			if lost := deviceLost(p.device, st); lost != "" {
				log.Warnf("input device lost: %s", lost)
				eng.StopWithReason(session.ReasonDeviceLost, "Microphone disconnected: "+lost, true)
			}
		})
		return nil
	})

	if p.ui != nil {
		p.ui.onStop = eng.Stop
		g.Go(func() error {
			err := p.ui.run(gctx)
			eng.Stop()
			<-eng.Done()
			eng.Wait()
			stopAll()
			return err
		})
	}

	return g.Wait()
}

// deviceLost names the capture device when it has disappeared from the
// input list.
func deviceLost(device *audio.DeviceInfo, st audio.DeviceStatus) string {
	if len(st.Inputs) == 0 {
		if device != nil {
			return device.Name
		}
		return "no input devices"
	}
	if device == nil {
		return ""
	}
	if slices.ContainsFunc(st.Inputs, func(d audio.DeviceInfo) bool { return d.ID == device.ID }) {
		return ""
	}
	return device.Name
}

func describeStartError(err error) error {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return fmt.Errorf("microphone access denied; allow access in system settings and retry: %w", err)
	case errors.Is(err, audio.ErrUnsupported):
		return fmt.Errorf("audio capture is not supported on this system: %w", err)
	}
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && (apiErr.Status == 401 || apiErr.Status == 403) {
		return fmt.Errorf("backend rejected the token; check VIVA_API_TOKEN: %w", err)
	}
	return err
}

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix
}
