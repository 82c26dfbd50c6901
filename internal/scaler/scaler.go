// Package scaler implements the single-writer scale-up/scale-down actor
// from spec.md §4.4: it serialises scale intent against the
// orchestrator's Deployment scale subresource and exposes a suspendable
// EnsureUp that only returns once a workload endpoint is serving.
//
// The actor shape (one goroutine owning all mutable state, reached
// through a bounded inbox with reply channels for synchronous-looking
// calls) is grounded on the teacher's internal/varnishadm.Server, whose
// reqCh/responseChan pair is the same "actor with typed request/reply
// messages" idiom spec.md §9 calls for. The scale-subresource
// server-side-apply call is grounded on
// internal/controller.GatewayReconciler.updateGatewayStatus's SSA patch
// pattern, narrowed from a full-object status patch to the scale
// subresource's ApplyScale. The fixed-delay retry loop uses
// k8s.io/apimachinery/pkg/util/wait, the same retry primitive the rest
// of the Kubernetes ecosystem (not just this teacher) reaches for instead
// of a hand-rolled sleep loop.
package scaler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	autoscalingv1ac "k8s.io/client-go/applyconfigurations/autoscaling/v1"
	"k8s.io/client-go/kubernetes"
	"golang.org/x/time/rate"

	"github.com/FriesPascal/sero-go/internal/errs"
	"github.com/FriesPascal/sero-go/internal/injector"
	"github.com/FriesPascal/sero-go/internal/metrics"
	"github.com/FriesPascal/sero-go/internal/observer"
)

// State is one of the four states in spec.md §4.4's state table.
type State int

const (
	StateZero State = iota
	StateScalingUp
	StateServing
	StateScalingDown
)

func (s State) metricsValue() float64 {
	switch s {
	case StateScalingUp:
		return metrics.StateScalingUp
	case StateServing:
		return metrics.StateServing
	case StateScalingDown:
		return metrics.StateScalingDown
	default:
		return metrics.StateZero
	}
}

// Config bundles the tunables from SPEC_FULL.md §4.8.
type Config struct {
	Namespace         string
	Deployment        string
	FieldOwner        string
	IdleWait          time.Duration
	RetryDelay        time.Duration
	ScaleDownRetryMax uint
	InboxCapacity     uint
	InjectionEnabled  bool
}

type ensureUpMsg struct {
	reply chan error
}

// Scaler is the actor described above. Construct with New and run with Run.
type Scaler struct {
	client  kubernetes.Interface
	cfg     Config
	obs     *observer.Observer
	inj     *injector.Injector // nil unless InjectionEnabled
	metrics *metrics.Registry
	logger  *slog.Logger

	inbox chan any
}

// New constructs a Scaler. inj may be nil iff cfg.InjectionEnabled is false.
func New(client kubernetes.Interface, cfg Config, obs *observer.Observer, inj *injector.Injector, reg *metrics.Registry, logger *slog.Logger) *Scaler {
	return &Scaler{
		client:  client,
		cfg:     cfg,
		obs:     obs,
		inj:     inj,
		metrics: reg,
		logger:  logger,
		inbox:   make(chan any, cfg.InboxCapacity),
	}
}

// EnsureUp asks the scaler to guarantee a workload endpoint is serving,
// blocking until it is (or until the scaler shuts down). There is no
// internal timeout: a caller waits as long as scale-up takes, per
// spec.md §4.5.
func (s *Scaler) EnsureUp(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.inbox <- ensureUpMsg{reply: reply}:
	default:
		return fmt.Errorf("scaler inbox full")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScaleUpNow fires a non-blocking scale-up intent with no reply.
func (s *Scaler) ScaleUpNow() error { return s.sendFireAndForget(scaleUpNowMsg{}) }

// ScaleDownNow fires a non-blocking scale-down intent with no reply.
func (s *Scaler) ScaleDownNow() error { return s.sendFireAndForget(scaleDownNowMsg{}) }

type scaleUpNowMsg struct{}
type scaleDownNowMsg struct{}

func (s *Scaler) sendFireAndForget(msg any) error {
	select {
	case s.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("scaler inbox full")
	}
}

// Run is the actor's single goroutine. It owns every piece of mutable
// state and is the sole writer of scale intent; invariant 3 of
// spec.md §8 (at most one in-flight scale mutation) follows directly
// from this goroutine never issuing a second mutation before the first
// one's goroutine has been cancelled or has completed.
func (s *Scaler) Run(ctx context.Context) error {
	r := &run{
		s:           s,
		warnLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
		watch:       s.obs.Subscribe(),
	}

	initial, err := r.getReplicas(ctx)
	if err != nil {
		return errs.NewBootstrapError("scaler: read initial replica count", err)
	}
	if initial >= 1 {
		r.state = StateServing
		r.armIdleTimer()
	} else {
		r.state = StateZero
	}
	r.publishState()

	countCh := make(chan observer.Count, 1)
	go pumpCount(ctx, r.watch, countCh)

	for {
		var idleC <-chan time.Time
		if r.idleTimer != nil {
			idleC = r.idleTimer.C
		}

		select {
		case <-ctx.Done():
			r.shutdown(ctx.Err())
			return ctx.Err()

		case msg := <-s.inbox:
			r.handleMessage(ctx, msg)

		case cnt := <-countCh:
			r.handleCountChanged(ctx, cnt)

		case <-idleC:
			r.handleIdleFired(ctx)
		}
	}
}

func pumpCount(ctx context.Context, watch *observer.Watch, out chan<- observer.Count) {
	for {
		cnt, err := watch.AwaitChange(ctx)
		if err != nil {
			return
		}
		select {
		case out <- cnt:
		case <-ctx.Done():
			return
		}
	}
}

// getReplicas reads the Deployment's current replica count via the
// scale subresource, treating a missing replicas field as 0 per
// spec.md §4.4.
func (r *run) getReplicas(ctx context.Context) (int32, error) {
	scale, err := r.s.client.AppsV1().Deployments(r.s.cfg.Namespace).GetScale(ctx, r.s.cfg.Deployment, metav1.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("get scale for deployment/%s: %w", r.s.cfg.Deployment, err)
	}
	return scale.Spec.Replicas, nil
}

// setReplicas applies the target replica count via server-side apply
// with force=true and the configured field manager (cfg.FieldOwner,
// "gateway" by default; spec.md §4.4/§6). It is a no-op (per spec.md
// §9's "patch only if current != target") if the current count already
// matches, or, for a non-zero target, already exceeds it.
func (r *run) setReplicas(ctx context.Context, target int32) error {
	current, err := r.getReplicas(ctx)
	if err != nil {
		return err
	}
	if current == target || (target > 0 && current > target) {
		r.s.logger.Warn("scaler: scale mutation requested but replicas already at target, proceeding idempotently",
			"deployment", r.s.cfg.Deployment, "replicas", current, "target", target,
			"error", errs.NewInvariantViolation(fmt.Sprintf("replicas already %d", current)))
		return nil
	}

	apply := autoscalingv1ac.Scale().
		WithName(r.s.cfg.Deployment).
		WithNamespace(r.s.cfg.Namespace).
		WithSpec(autoscalingv1ac.ScaleSpec().WithReplicas(target))

	_, err = r.s.client.AppsV1().Deployments(r.s.cfg.Namespace).ApplyScale(
		ctx, r.s.cfg.Deployment, apply, metav1.ApplyOptions{FieldManager: r.s.cfg.FieldOwner, Force: true},
	)
	if err != nil {
		return errs.NewTransientOrchestratorError(fmt.Sprintf("apply scale replicas=%d", target), err)
	}
	r.s.logger.Info("scaler: applied replica target", "deployment", r.s.cfg.Deployment, "replicas", target)
	return nil
}
