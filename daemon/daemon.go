// Package daemon orchestrates bucketmirror's lifecycle: start-up
// validation, the optional ingress server and subscribe call, the initial
// full sync, an optional periodic resync, and graceful shutdown.
package daemon

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bucketmirror/bucketmirror/action"
	"github.com/bucketmirror/bucketmirror/config"
	"github.com/bucketmirror/bucketmirror/ingress"
	"github.com/bucketmirror/bucketmirror/keytransform"
	"github.com/bucketmirror/bucketmirror/localfs"
	"github.com/bucketmirror/bucketmirror/logging"
	"github.com/bucketmirror/bucketmirror/metrics"
	"github.com/bucketmirror/bucketmirror/platform"
	"github.com/bucketmirror/bucketmirror/queue"
	"github.com/bucketmirror/bucketmirror/reconcile"
	"github.com/bucketmirror/bucketmirror/remote"
	"github.com/bucketmirror/bucketmirror/subscribe"
)

// gracefulDrainTimeout bounds how long Stop waits for in-flight queue work
// before escalating to an immediate drain.
const gracefulDrainTimeout = 30 * time.Second

// metricsSampleInterval controls how often the queue's running/pending
// gauges are refreshed; the queue itself has no push hook for these.
const metricsSampleInterval = 2 * time.Second

// Daemon holds the wired components for one run.
type Daemon struct {
	cfg      *config.Config
	profile  platform.Profile
	pipeline *keytransform.Pipeline
	tree     *localfs.Tree
	lister   remote.Lister
	getter   remote.Getter
	sub      subscribe.Client
	q        *queue.Queue
	metrics    *metrics.Collectors
	metricsReg http.Handler
	server     *ingress.Server
	httpServer *http.Server

	syncGroup singleflight.Group

	mu             sync.Mutex
	subscriptionID string
	resyncCancel   context.CancelFunc
	fatalCh        chan error
}

// Deps lets tests substitute fakes for the remote store and subscribe
// client; a nil field builds the real AWS-backed adapter.
type Deps struct {
	Lister remote.Lister
	Getter remote.Getter
	Sub    subscribe.Client
}

// New validates cfg and wires every component. It does not yet start the
// ingress server or perform a sync; call Run for that.
func New(cfg *config.Config, deps Deps) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.Log)
	if err != nil {
		return nil, err
	}
	logging.SetLevel(level)

	profile := platform.Current()
	pipeline := keytransform.NewPipeline(keytransform.Options{
		Profile:                  profile,
		NormalizationForm:        cfg.NormalizationForm,
		SkipSeparatorReplacement: cfg.IgnoreKeyPlatformDirCharReplacement,
		SkipRootPrefixStrip:      cfg.IgnoreKeyRootCharReplacement,
	})
	tree := localfs.New(cfg.RootDir, cfg.EffectiveTmpDir(), cfg.TmpSuffix, profile)

	d := &Daemon{
		cfg:      cfg,
		profile:  profile,
		pipeline: pipeline,
		tree:     tree,
		lister:   deps.Lister,
		getter:   deps.Getter,
		sub:      deps.Sub,
	}

	if d.lister == nil || d.getter == nil {
		store, err := remote.NewS3Store(cfg.Region)
		if err != nil {
			return nil, fmt.Errorf("daemon: %w", err)
		}
		if d.lister == nil {
			d.lister = store
		}
		if d.getter == nil {
			d.getter = store
		}
	}
	if d.sub == nil && cfg.SubscribeEnabled() {
		snsClient, err := subscribe.NewSNSClient(cfg.Region)
		if err != nil {
			return nil, fmt.Errorf("daemon: %w", err)
		}
		d.sub = snsClient
	}

	if cfg.MetricsEnabled {
		c, reg := metrics.New()
		d.metrics = c
		d.metricsReg = metrics.Handler(reg)
	}

	d.q = queue.New(queue.Options{
		MaxConcurrency: cfg.MaxConcurrency,
		IsAcceptable:   isAcceptableTaskError,
		OnTaskError: func(key string, err error) {
			logging.Errorf(key, "task error: %v", err)
		},
		OnFatal: func(key string, err error) {
			logging.Errorf(key, "hard error, requesting shutdown: %v", err)
			d.triggerFatal(err)
		},
	})

	d.server = ingress.NewServer(ingress.Options{
		Bucket:           cfg.Bucket,
		Prefix:           cfg.Prefix,
		Suffix:           cfg.Suffix,
		Pipeline:         pipeline,
		HTTPPath:         cfg.HTTPPath,
		IgnoreValidation: cfg.IgnoreMessageValidation,
		SubscribeClient:  d.sub,
	}, d.submitAction)

	return d, nil
}

// triggerFatal signals a hard-error shutdown request from within a queued
// task.
func (d *Daemon) triggerFatal(err error) {
	if d.fatalCh == nil {
		return
	}
	select {
	case d.fatalCh <- err:
	default:
	}
}

func (d *Daemon) submitAction(a action.FileAction) error {
	if d.metrics != nil {
		d.metrics.ObserveAction(a)
	}
	return d.q.Submit(queue.Item{
		PartitionKey: a.PartitionKey(),
		Task:         d.taskFor(a),
	})
}

// isAcceptableTaskError classifies a task's returned error for the
// queue's error policy. An object that was listed but vanished before
// its Get fetch is a routine race with eventual consistency, not a
// reason to tear down the daemon; every other error is treated as hard.
func isAcceptableTaskError(err error) bool {
	return errors.Is(err, remote.ErrObjectNotFound)
}

// taskFor adapts a FileAction into the closure the queue executes.
func (d *Daemon) taskFor(a action.FileAction) queue.Task {
	return func(ctx context.Context) error {
		switch a.Kind {
		case action.WriteObject:
			body, err := d.getter.Get(ctx, d.cfg.Bucket, a.Key)
			if err != nil {
				return err
			}
			defer body.Close()
			return d.tree.WriteObject(a.TransformedKey, body)

		case action.RemoveFile:
			return d.tree.RemoveFile(a.RelativePath, d.cfg.Remove)

		case action.RemoveDirRecursive:
			return d.tree.RemoveDirRecursive(a.RelativePath)

		case action.Mkdir:
			return d.tree.Mkdir(a.RelativePath)

		default:
			return fmt.Errorf("daemon: unrecognized action kind %v", a.Kind)
		}
	}
}

// FullSync performs one list-and-compare reconciliation pass, guarded by a
// singleflight so an overlapping resync tick or a concurrent manual
// trigger joins the in-flight pass instead of running a second one.
func (d *Daemon) FullSync(ctx context.Context) error {
	_, err, _ := d.syncGroup.Do("sync", func() (any, error) {
		return nil, d.runFullSync(ctx)
	})
	return err
}

func (d *Daemon) runFullSync(ctx context.Context) error {
	start := time.Now()
	remoteObjs, err := remote.Iterate(ctx, d.lister, remote.IterateOptions{
		Bucket:   d.cfg.Bucket,
		Prefix:   d.cfg.Prefix,
		Suffix:   d.cfg.Suffix,
		MaxKeys:  int(d.cfg.MaxKeys),
		Pipeline: d.pipeline,
	})
	if err != nil {
		return fmt.Errorf("daemon: full sync list: %w", err)
	}

	localEntries, err := d.tree.List()
	if err != nil {
		return fmt.Errorf("daemon: full sync list local: %w", err)
	}

	actions := reconcile.Run(remoteObjs, localEntries, reconcile.Options{Remove: d.cfg.Remove})
	for _, a := range actions {
		if err := d.submitAction(a); err != nil {
			return fmt.Errorf("daemon: submit %v for %q: %w", a.Kind, a.PartitionKey(), err)
		}
	}

	if d.metrics != nil {
		d.metrics.SyncDuration.Observe(time.Since(start).Seconds())
	}
	logging.Debugf("daemon", "full sync emitted %d action(s) in %s", len(actions), time.Since(start))
	return nil
}

// Run starts the ingress listener (if a port is configured), issues the
// start-up Subscribe call (if enabled), performs the initial sync (unless
// skipped), and starts the resync timer (if configured). It blocks until
// ctx is canceled, then drains and shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	d.fatalCh = make(chan error, 1)

	if d.cfg.Port != 0 {
		if err := d.startIngress(); err != nil {
			return err
		}
	}

	if d.cfg.SubscribeEnabled() {
		if err := d.subscribeAtStartup(ctx); err != nil {
			return err
		}
	}

	if !d.cfg.SkipInitialSync {
		if err := d.FullSync(ctx); err != nil {
			return err
		}
	}

	if interval := d.cfg.ResyncInterval(); interval > 0 {
		d.startResyncTimer(ctx, interval)
	}

	if d.metrics != nil {
		d.startMetricsSampler(ctx)
	}

	select {
	case <-ctx.Done():
	case err := <-d.fatalCh:
		d.shutdown(context.Background())
		return err
	}

	return d.shutdown(context.Background())
}

func (d *Daemon) subscribeAtStartup(ctx context.Context) error {
	if d.sub == nil {
		return fmt.Errorf("daemon: topic_arn/endpoint configured but no subscribe client is wired")
	}
	id, err := d.sub.Subscribe(ctx, d.cfg.TopicArn, d.cfg.Endpoint, subscribeProtocol(d.cfg))
	if err != nil {
		return fmt.Errorf("daemon: subscribe: %w", err)
	}
	d.mu.Lock()
	d.subscriptionID = id
	d.mu.Unlock()
	return nil
}

func subscribeProtocol(cfg *config.Config) string {
	if cfg.TLSEnabled() {
		return "https"
	}
	return "http"
}

func (d *Daemon) startIngress() error {
	mux := http.NewServeMux()
	mux.Handle("/", d.server.Handler())
	if d.metricsReg != nil {
		mux.Handle("/metrics", d.metricsReg)
	}

	addr := net.JoinHostPort(d.cfg.Host, fmt.Sprintf("%d", d.cfg.Port))
	d.httpServer = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("daemon: bind %s: %w", addr, err)
	}

	go func() {
		var serveErr error
		if d.cfg.TLSEnabled() {
			cert, err := tls.LoadX509KeyPair(d.cfg.HTTPSCertPath, d.cfg.HTTPSCertKeyPath)
			if err != nil {
				logging.Errorf("daemon", "load TLS cert: %v", err)
				d.triggerFatal(err)
				return
			}
			d.httpServer.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
			serveErr = d.httpServer.ServeTLS(ln, "", "")
		} else {
			serveErr = d.httpServer.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logging.Errorf("daemon", "ingress server stopped: %v", serveErr)
			d.triggerFatal(serveErr)
		}
	}()
	return nil
}

// startMetricsSampler periodically refreshes the queue depth/running
// gauges until ctx is canceled.
func (d *Daemon) startMetricsSampler(ctx context.Context) {
	go func() {
		t := time.NewTicker(metricsSampleInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				d.metrics.QueueRunning.Set(float64(d.q.RunningCount()))
				d.metrics.QueueDepth.Set(float64(d.q.PendingCount()))
			}
		}
	}()
}

func (d *Daemon) startResyncTimer(ctx context.Context, interval time.Duration) {
	resyncCtx, cancel := context.WithCancel(ctx)
	d.resyncCancel = cancel
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-resyncCtx.Done():
				return
			case <-t.C:
				if err := d.FullSync(resyncCtx); err != nil {
					logging.Errorf("daemon", "resync failed: %v", err)
				}
			}
		}
	}()
}

// shutdown cancels the resync timer, unsubscribes, closes the HTTP
// server, then drains the queue with a timeout that escalates to
// immediate.
func (d *Daemon) shutdown(ctx context.Context) error {
	if d.resyncCancel != nil {
		d.resyncCancel()
	}

	if d.sub != nil && d.cfg.SubscribeEnabled() && !d.cfg.IgnoreUnsubscribeOnShutdown {
		d.mu.Lock()
		id := d.subscriptionID
		d.mu.Unlock()
		if id != "" {
			if err := d.sub.Unsubscribe(ctx, id); err != nil {
				logging.Warnf("daemon", "unsubscribe: %v", err)
			}
		}
	}

	if d.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warnf("daemon", "ingress shutdown: %v", err)
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, gracefulDrainTimeout)
	defer cancel()
	if err := d.q.Stop(drainCtx, false); err != nil {
		logging.Warnf("daemon", "graceful drain failed, forced immediate stop: %v", err)
		return err
	}
	return nil
}
