// Command gatewayd is the driver: it reads configuration, wires the
// in-process publication streams, connects the persistent collaborators and
// runs the Framer's do_work() loop until an OS signal asks it to stop
// (spec §2 "an external driver owns the run loop and the listening socket").
package main

import (
	"context"
	"net"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/ilink3-gateway-core/internal/admin"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/clock"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/config"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/event"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/framer"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/logger"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/pubsub"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/store"
	"github.com/life-stream-dev/ilink3-gateway-core/internal/utils"
)

// idleParkInterval is how long do_work() parks when a pass performs no
// work, so an idle gateway doesn't spin a CPU core (spec §5 "an idle
// strategy between passes that perform no work").
const idleParkInterval = time.Millisecond

// idleStrategy resolves config.json's recognized framer_idle_strategy
// values (spec §6) to the hook the Framer calls between re-reads inside
// its one suspension point, awaiting_indexing_up_to (spec §5).
func idleStrategy(name string) func() {
	if name == "gosched" {
		return runtime.Gosched
	}
	return func() {} // "busy_spin" (default): no yield between re-reads
}

func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("error occurred while reading config: %v", err)
		return
	}

	loggerShutdown := logger.Init()
	logger.Debug("gatewayd initializing...")

	cleaner := event.NewCleaner()
	cleaner.Init(loggerShutdown)

	st, err := store.Connect(cfg)
	if err != nil {
		logger.FatalF("error occurred while initializing database: %v", err)
		return
	}

	var listener *net.TCPListener
	if cfg.BindAddress != "" {
		addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddress)
		if err != nil {
			logger.FatalF("invalid bind_address %q: %v", cfg.BindAddress, err)
			return
		}
		listener, err = net.ListenTCP("tcp", addr)
		if err != nil {
			logger.FatalF("error occurred while starting listener: %v", err)
			return
		}
		logger.InfoF("listening on %s", cfg.BindAddress)
	}

	inbound := pubsub.NewMemoryLog(1 << 16)
	outboundLibraryLog := pubsub.NewMemoryLog(1 << 16)
	outboundSlowLog := pubsub.NewMemoryLog(1 << 16)
	replayLog := pubsub.NewMemoryLog(1 << 16)

	adminQueue := admin.NewQueue(64)

	fr := framer.New(
		framer.Config{
			BindAddress:                  cfg.BindAddress,
			OutboundLibraryFragmentLimit: cfg.OutboundLibraryFragmentLimit,
			ReplayFragmentLimit:          cfg.ReplayFragmentLimit,
			InboundBytesReceivedLimit:    cfg.InboundBytesReceivedLimit,
			NoLogonDisconnectTimeout:     utils.ParseStringTime(cfg.NoLogonDisconnectTimeout),
			ReplyTimeoutInMs:             cfg.ReplyTimeoutInMs,
			DefaultHeartbeatIntervalInS:  cfg.DefaultHeartbeatIntervalInS,
			AcceptorSequenceNumbersResetUponReconnect: cfg.AcceptorSequenceNumbersResetUponReconnect,
			IdleStrategy:             idleStrategy(cfg.FramerIdleStrategy),
			ReceiverSocketBufferSize: cfg.ReceiverSocketBufferSize,
			SenderSocketBufferSize:   cfg.SenderSocketBufferSize,
		},
		clock.NewSystemClock(),
		st.SessionIDs,
		st.SequenceNumbers,
		inbound,
		outboundLibraryLog.NewSubscriber(),
		outboundSlowLog.NewSubscriber(),
		replayLog.NewSubscriber(),
		adminQueue,
		func(err error) { logger.ErrorF("framer: %v", err) },
		listener,
	)

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	cleaner.Add(&workerStopper{cancel: cancelLoop, done: loopDone})
	cleaner.Add(st)
	if listener != nil {
		cleaner.Add(listenerCloser{listener})
	}

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		defer close(loopDone)
		return runWorkLoop(gctx, fr)
	})

	go func() {
		if err := g.Wait(); err != nil && gctx.Err() == nil {
			logger.ErrorF("worker loop exited: %v", err)
		}
	}()

	// The cleaner's own signal watcher owns process termination
	// (it calls syscall.Exit once every registered cleaner and the
	// logger have been flushed); gatewayd simply waits to be killed.
	select {}
}

// runWorkLoop repeatedly calls do_work(), parking briefly whenever a pass
// performs no work at all (spec §5's idle strategy), until ctx is
// cancelled.
func runWorkLoop(ctx context.Context, fr *framer.Framer) error {
	ticker := time.NewTicker(idleParkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if n := fr.DoWork(); n == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}

// workerStopper cancels the worker loop's context and waits for it to exit,
// satisfying event.Callable so it can be the first thing the cleaner runs
// on shutdown (spec's ambient shutdown stack: stop the loop, then close
// the database, then flush the logger).
type workerStopper struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *workerStopper) Invoke(ctx context.Context) error {
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// listenerCloser closes the listening socket during shutdown.
type listenerCloser struct {
	listener *net.TCPListener
}

func (l listenerCloser) Invoke(_ context.Context) error {
	return l.listener.Close()
}
