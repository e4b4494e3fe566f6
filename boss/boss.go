// Package boss assembles the supervisor: it owns the cluster's shared
// memory and listening sockets, spawns every worker kind, and drives the
// lifecycle state machine until exit. Main does not return under normal
// operation; termination always goes through the exit hook so the
// cleanup order (close listeners, remove socket files, unlink pidfile)
// is never violated.
package boss

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/pgboss/pgboss/internal/bgworker"
	"github.com/pgboss/pgboss/internal/config"
	"github.com/pgboss/pgboss/internal/connadmit"
	"github.com/pgboss/pgboss/internal/eventloop"
	"github.com/pgboss/pgboss/internal/ipc"
	"github.com/pgboss/pgboss/internal/kinds"
	"github.com/pgboss/pgboss/internal/launcher"
	"github.com/pgboss/pgboss/internal/logging"
	"github.com/pgboss/pgboss/internal/metrics"
	"github.com/pgboss/pgboss/internal/pidfile"
	"github.com/pgboss/pgboss/internal/registry"
	"github.com/pgboss/pgboss/internal/shmem"
	"github.com/pgboss/pgboss/internal/sigintake"
	"github.com/pgboss/pgboss/internal/socketlife"
	"github.com/pgboss/pgboss/internal/statemachine"
)

// osExit is swapped out by tests that drive Main through a full lifecycle.
var osExit = os.Exit

// Boss is one supervisor incarnation.
type Boss struct {
	cfg config.Config
	log zerolog.Logger

	latch    *sigintake.Latch
	intake   *sigintake.Intake
	reg      *registry.Registry
	slots    *kinds.SingletonSlots
	prov     *shmem.Provisioner
	pm       *ipc.PMSignal
	machine  *statemachine.Machine
	admitter *connadmit.Admitter
	bg       *bgworker.Scheduler
	loop     *eventloop.Loop
	metrics  *metrics.Metrics

	listeners *socketlife.Listeners
	pidf      *pidfile.File
	admin     *ipc.AdminServer
	death     *launcher.DeathWatch
	launch    launcher.Launcher

	cleanup socketlife.Cleanup
	done    chan struct{}
	start   time.Time
}

// Main runs the supervisor until exit. It returns only in tests, where
// the exit hook is substituted; in production the exit hook calls
// os.Exit after cleanup.
func Main(cfg config.Config, log zerolog.Logger) {
	b, err := New(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("supervisor startup failed")
		osExit(1)
		return
	}
	b.Run()
}

// New performs every step of supervisor startup that can fail: data
// directory validation, pidfile creation, socket binding, shared-memory
// provisioning. Resource-acquisition failures surface as errors; the
// caller exits 1.
func New(cfg config.Config, log zerolog.Logger) (*Boss, error) {
	if fi, err := os.Stat(cfg.DataDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("boss: data directory %s is not usable: %w", cfg.DataDir, err)
	}

	b := &Boss{
		cfg:   cfg,
		log:   log,
		reg:   registry.New(cfg.AdmissionCeiling()),
		slots: &kinds.SingletonSlots{},
		done:  make(chan struct{}),
		start: time.Now(),
	}
	b.latch = sigintake.NewLatch()
	b.intake = sigintake.New(b.latch)
	b.metrics = metrics.Nop()

	port := 0
	listenAddr := ""
	if len(cfg.ListenTCP) > 0 {
		listenAddr = cfg.ListenTCP[0]
		if _, p, err := net.SplitHostPort(listenAddr); err == nil {
			fmt.Sscanf(p, "%d", &port)
		}
	}
	pf, err := pidfile.Create(cfg.DataDir, pidfile.Info{
		Pid:        os.Getpid(),
		DataDir:    cfg.DataDir,
		StartTime:  pidfile.Now(),
		Port:       port,
		SocketDir:  cfg.SocketDir,
		ListenAddr: listenAddr,
		SegmentKey: cfg.SharedSegmentKey,
		Status:     pidfile.StatusStarting,
	})
	if err != nil {
		return nil, err
	}
	b.pidf = pf

	ls, err := socketlife.Bind(logging.Component(log, "socketlife"), cfg.ListenTCP, cfg.ListenUnix)
	if err != nil {
		pf.Remove()
		return nil, err
	}
	b.listeners = ls

	if err := launcher.BecomeSubreaper(); err != nil {
		logging.Component(log, "launcher").Warn().Err(err).Msg("subreaper unavailable, orphaned grandchildren reparent to init")
	}

	death, err := launcher.NewDeathWatch()
	if err != nil {
		ls.Close()
		pf.Remove()
		return nil, err
	}
	b.death = death

	b.prov = shmem.New(logging.Component(log, "shmem"), cfg.SharedSegmentKey)
	b.registerSubsystems()
	seg, err := b.prov.SizeAndInit()
	if err != nil {
		death.Close()
		ls.Close()
		pf.Remove()
		return nil, err
	}
	pm, err := b.pmSignalView(seg)
	if err != nil {
		death.Close()
		ls.Close()
		pf.Remove()
		return nil, err
	}
	b.pm = pm

	b.launch = &launcher.ForkLauncher{
		Log:        logging.Component(log, "launcher"),
		ChildArg:   "--pgboss-child",
		ExtraFiles: []*os.File{death.ChildEnd()},
		SlotAlloc:  b.reg.AllocSlot,
		OnExit:     b.noteExit,
	}

	b.bg = bgworker.New(logging.Component(log, "bgworker"), time.Now)

	b.machine = statemachine.New(statemachine.Deps{
		Log:                logging.Component(log, "statemachine"),
		Registry:           b.reg,
		Slots:              b.slots,
		Launch:             b.launchKind,
		Signal:             signalBoth,
		ReinitSharedMemory: b.reinitSharedMemory,
		Exit:               b.exit,
		StopAccepting:      b.stopAccepting,
		SetPidfileStatus:   b.setPidfileStatus,
		BgNoteExit:         func(pid int, crashed bool) { b.bg.NoteExit(pid, crashed) },
		Clock:              time.Now,
		Metrics:            b.metrics,
		QuitWithAbort:      cfg.QuitSignal == config.QuitSignalAbort,
		RestartAfterCrash:  cfg.RestartAfterCrash,
	})

	b.admitter = &connadmit.Admitter{
		Log:       logging.Component(log, "connadmit"),
		Lifecycle: b.machine,
		Registry:  b.reg,
		Launcher:  (*connLauncher)(b),
		Signaler:  processSignaler{},
		Metrics:   b.metrics,
		Ceiling:   cfg.AdmissionCeiling(),
	}

	watchCh, stopWatch := socketlife.WatchPidfile(logging.Component(log, "socketlife"), pf.Path())

	b.loop = &eventloop.Loop{
		Log:     logging.Component(log, "eventloop"),
		Cfg:     eventloop.Config{MaxWait: cfg.MaxEventLoopWait, PidfileRecheck: cfg.PidfileRecheck, SocketTouchInterval: cfg.SocketTouchInterval},
		Latch:   b.latch,
		Intake:  b.intake,
		Machine: b.machine,
		Admit:   b.admitter,
		Exits:   make(chan eventloop.Exit, 1024),
		PM:      pm,
		Bg:      b.bg,
		BgLaunch: func(w *bgworker.Worker) (int, error) {
			return b.launchBgWorker(w)
		},
		Serving:      b.servingStates,
		Pidfile:      pf,
		PidfileWatch: watchCh,
		Listeners:    ls,
		ReloadConfig: b.reloadConfig,
		Clock:        time.Now,
	}

	admin, err := ipc.ServeAdmin(logging.Component(log, "admin"), cfg.DataDir, ipc.AdminHooks{
		Status: b.statusSnapshot,
		Reload: b.intake.RequestReload,
		Stop:   b.requestStop,
	})
	if err != nil {
		log.Warn().Err(err).Msg("admin socket unavailable")
	} else {
		b.admin = admin
	}

	// Exit-time cleanup, in the one order that leaves no half-removed
	// state for a successor: sockets first, socket files next, the
	// pidfile last.
	b.cleanup.Push(stopWatch)
	if b.admin != nil {
		b.cleanup.Push(b.admin.Close)
	}
	b.cleanup.Push(ls.Close)
	b.cleanup.Push(b.prov.Destroy)
	b.cleanup.Push(pf.Remove)

	return b, nil
}

// registerSubsystems installs the fixed, dependency-ordered shared-memory
// subsystem set. Sizes are placeholders for the engine-side layouts the
// supervisor never reads; the pmsignal table is the one region the
// supervisor itself uses.
func (b *Boss) registerSubsystems() {
	sizes := map[string]int{
		"locks":     64 << 10,
		"buffers":   256 << 10,
		"procarray": 16 << 10,
		"pmsignal":  ipc.PMSignalSize(),
		"replslot":  8 << 10,
		"stats":     32 << 10,
		"walbuf":    128 << 10,
	}
	for _, name := range shmem.RegisterOrder {
		size := sizes[name]
		b.prov.Register(name, func() int { return size }, func(seg *shmem.Segment) error { return nil })
	}
}

// Run starts signal intake and the event loop, launches the Startup
// child, and blocks until the exit hook fires.
func (b *Boss) Run() {
	b.intake.Start()
	b.loop.StartAccepting()
	b.machine.Boot()
	b.log.Info().Int("pid", os.Getpid()).Str("data_dir", b.cfg.DataDir).Msg("supervisor running")
	b.loop.Run(b.done)
}

// noteExit is the launcher's ExitFn: enqueue the reaped child and raise
// the pending bit, standing in for a SIGCHLD handler.
func (b *Boss) noteExit(pid, status int) {
	b.loop.Exits <- eventloop.Exit{Pid: pid, Status: status}
	b.intake.RequestChildExit()
}

// launchKind starts one child of kind k and records it, the callback the
// state machine and the pmsignal path use for everything except
// connection-carrying children.
func (b *Boss) launchKind(k kinds.Kind) (int, error) {
	l, err := b.launch.Launch(context.Background(), k, nil, "")
	if err != nil {
		return 0, err
	}
	b.track(l, false)
	return l.Pid, nil
}

func (b *Boss) launchBgWorker(w *bgworker.Worker) (int, error) {
	l, err := b.launch.Launch(context.Background(), kinds.BgWorker, launcher.Payload{"worker": w.Name}, "")
	if err != nil {
		return 0, err
	}
	b.track(l, w.Notify != nil)
	b.metrics.BgworkerStarts.Inc()
	return l.Pid, nil
}

func (b *Boss) track(l launcher.Launched, bgNotify bool) {
	b.reg.Add(&registry.Record{
		Pid:      l.Pid,
		Kind:     l.Kind,
		Slot:     l.Slot,
		Token:    l.Token,
		DeadEnd:  l.DeadEnd,
		BgNotify: bgNotify,
	})
	b.metrics.LiveChildren.WithLabelValues(l.Kind.String()).Inc()
}

// connLauncher adapts the boss to the admitter's Launcher interface: the
// accepted socket is duplicated and handed to the child as an inherited
// descriptor, then the supervisor's copies are closed.
type connLauncher Boss

func (c *connLauncher) LaunchSession(conn net.Conn) error {
	return (*Boss)(c).launchConn(conn, kinds.Session, "")
}

func (c *connLauncher) LaunchDeadEnd(conn net.Conn, reason connadmit.RejectReason) error {
	return (*Boss)(c).launchConn(conn, kinds.Session, string(reason))
}

func (b *Boss) launchConn(conn net.Conn, k kinds.Kind, deadEndReason string) error {
	type filer interface{ File() (*os.File, error) }
	f, ok := conn.(filer)
	if !ok {
		conn.Close()
		return fmt.Errorf("boss: connection type %T cannot be inherited", conn)
	}
	file, err := f.File()
	if err != nil {
		conn.Close()
		return fmt.Errorf("boss: dup client socket: %w", err)
	}
	l, err := b.launch.Launch(context.Background(), k, nil, deadEndReason, file)
	file.Close()
	conn.Close()
	if err != nil {
		return err
	}
	b.track(l, false)
	return nil
}

// servingStates maps the lifecycle state onto the bgworker start-time
// predicates.
func (b *Boss) servingStates() bgworker.ServingStates {
	st := b.machine.State()
	return bgworker.ServingStates{
		SupervisorStarted: true,
		ConsistentState:   st == statemachine.HotStandby || st == statemachine.Run,
		RecoveryEnded:     st == statemachine.Run,
	}
}

func (b *Boss) pmSignalView(seg *shmem.Segment) (*ipc.PMSignal, error) {
	region, err := seg.RegionOf("pmsignal")
	if err != nil {
		return nil, err
	}
	return ipc.NewPMSignal(region, os.Getpid())
}

func (b *Boss) reinitSharedMemory() error {
	seg, err := b.prov.Reinit()
	if err != nil {
		return err
	}
	pm, err := b.pmSignalView(seg)
	if err != nil {
		return err
	}
	b.pm = pm
	b.loop.PM = pm
	return nil
}

func (b *Boss) stopAccepting() {
	b.listeners.Close()
}

func (b *Boss) setPidfileStatus(s pidfile.Status) {
	if err := b.pidf.SetStatus(s); err != nil {
		b.log.Warn().Err(err).Msg("pidfile status update failed")
	}
}

func (b *Boss) reloadConfig() {
	cfg, err := config.Load("")
	if err != nil {
		b.log.Warn().Err(err).Msg("configuration reload failed, keeping current settings")
		return
	}
	// Only knobs that are safe to change on a live supervisor take
	// effect; socket and data-directory changes require a restart.
	b.cfg.RestartAfterCrash = cfg.RestartAfterCrash
	b.cfg.QuitSignal = cfg.QuitSignal
	b.log.Info().Msg("configuration reloaded")
}

func (b *Boss) statusSnapshot() ipc.StatusResponse {
	return ipc.StatusResponse{
		Pid:          os.Getpid(),
		State:        b.machine.State().String(),
		ConnsAllowed: b.machine.ConnsAllowed(),
		LiveChildren: b.reg.Len(),
		Start:        b.start,
	}
}

func (b *Boss) requestStop(mode string) error {
	var sev sigintake.Severity
	switch mode {
	case "", "smart":
		sev = sigintake.SeveritySmart
	case "fast":
		sev = sigintake.SeverityFast
	case "immediate":
		sev = sigintake.SeverityImmediate
	default:
		return fmt.Errorf("unknown shutdown mode %q", mode)
	}
	b.intake.RequestShutdown(sev)
	return nil
}

// exit is the supervisor's only way out: run the cleanup stack in order,
// release the event loop, and terminate with status.
func (b *Boss) exit(status int) {
	b.log.Info().Int("status", status).Msg("supervisor exiting")
	b.cleanup.Run()
	close(b.done)
	osExit(status)
}

// processSignaler delivers signals to single processes, for cancel
// interrupts.
type processSignaler struct{}

func (processSignaler) Signal(pid, sig int) error {
	return unix.Kill(pid, unix.Signal(sig))
}

// signalBoth sends sig to the child and to its process group. A
// just-forked child may not have completed setpgid when the signal
// lands, so both targets are signaled; on Linux the parent-side Setpgid
// is synchronous once Start returns, making the second kill redundant
// but harmless.
func signalBoth(pid, sig int) error {
	err := unix.Kill(pid, unix.Signal(sig))
	unix.Kill(-pid, unix.Signal(sig))
	return err
}
