// Package supervisor wires the gateway's components together and runs
// them to completion, replacing the teacher's cmd/chaperone
// sync.WaitGroup-plus-buffered-error-channel pattern with
// golang.org/x/sync/errgroup, which the wider Kubernetes ecosystem
// reaches for for the same "run N goroutines, return the first error,
// cancel the rest" shape.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"

	"github.com/FriesPascal/sero-go/internal/config"
	"github.com/FriesPascal/sero-go/internal/gateway"
	"github.com/FriesPascal/sero-go/internal/injector"
	"github.com/FriesPascal/sero-go/internal/metrics"
	"github.com/FriesPascal/sero-go/internal/observer"
	"github.com/FriesPascal/sero-go/internal/resolver"
	"github.com/FriesPascal/sero-go/internal/scaler"
)

// Supervisor owns the lifecycle of every long-running component.
type Supervisor struct {
	cfg     *config.Config
	client  kubernetes.Interface
	logger  *slog.Logger
	metrics *metrics.Registry

	obs *observer.Observer
	inj *injector.Injector
	scl *scaler.Scaler
	gw  *gateway.Gateway

	httpServer *http.Server
	ready      chan struct{}
}

// New resolves the target service's port and assembles every
// component. podName is only required when cfg.Inject is true.
func New(ctx context.Context, cfg *config.Config, client kubernetes.Interface, podName string, logger *slog.Logger) (*Supervisor, error) {
	reg := metrics.New()

	svcPort, err := resolver.Resolve(ctx, client, cfg.Namespace, cfg.Service, cfg.PortName)
	if err != nil {
		return nil, err
	}

	backendPort := cfg.BackendPort
	if backendPort == 0 {
		backendPort = uint16(svcPort.PortNumber)
	}

	obs := observer.New(client, cfg.Namespace, cfg.Service, svcPort.PortName, cfg.FieldOwner, reg)

	var inj *injector.Injector
	if cfg.Inject {
		inj = injector.New(client, cfg.Namespace, cfg.Service, podName, cfg.FieldOwner, svcPort, cfg.InboxCapacity, logger.With("component", "injector"))
	}

	scl := scaler.New(client, scaler.Config{
		Namespace:         cfg.Namespace,
		Deployment:        cfg.Deployment,
		FieldOwner:        cfg.FieldOwner,
		IdleWait:          time.Duration(cfg.IdleWait) * time.Second,
		RetryDelay:        time.Duration(cfg.RetrySecs) * time.Second,
		ScaleDownRetryMax: cfg.ScaleDownRetryMax,
		InboxCapacity:     cfg.InboxCapacity,
		InjectionEnabled:  cfg.Inject,
	}, obs, inj, reg, logger.With("component", "scaler"))

	gw := gateway.New(gateway.Config{
		ListenHost:    cfg.ListenHost,
		ListenPort:    cfg.ListenPort,
		BackendHost:   cfg.BackendHost,
		BackendPort:   backendPort,
		ShutdownGrace: time.Duration(cfg.ShutdownGrace) * time.Second,
	}, scl, reg, logger.With("component", "gateway"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	ready := make(chan struct{})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ready:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	return &Supervisor{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		metrics: reg,
		obs:     obs,
		inj:     inj,
		scl:     scl,
		gw:      gw,
		httpServer: &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: mux,
		},
		ready: ready,
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or one
// of them fails. Shutdown order follows spec.md §5: the gateway's
// listener stops accepting and drains first; only once gw.Run has
// returned is scalerCtx cancelled, so in-flight EnsureUp calls are not
// orphaned mid-wait while the gateway is still relaying; only once the
// scaler has returned (completing its queued EnsureUp replies with an
// error) is componentCtx, shared by the observer and injector,
// cancelled. A sibling failure cancels gctx, which the gateway observes
// immediately; its own drain grace period still runs before the scaler
// and then the other components are torn down.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	componentCtx, cancelComponents := context.WithCancel(context.Background())
	scalerCtx, cancelScaler := context.WithCancel(context.Background())

	g.Go(func() error {
		if err := s.obs.Run(componentCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	select {
	case <-s.obs.Started():
	case <-gctx.Done():
		cancelScaler()
		cancelComponents()
		return g.Wait()
	}

	if s.inj != nil {
		g.Go(func() error {
			if err := s.inj.Run(componentCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		defer cancelComponents()
		if err := s.scl.Run(scalerCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		defer cancelScaler()
		if err := s.gw.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		s.logger.Info("supervisor: http server starting", "addr", s.cfg.MetricsAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	close(s.ready)

	return g.Wait()
}
