package scaler

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/FriesPascal/sero-go/internal/errs"
	"github.com/FriesPascal/sero-go/internal/observer"
	"golang.org/x/time/rate"
)

// run holds every piece of state the actor goroutine owns. It is never
// touched outside Scaler.Run's goroutine, which is what makes the
// "single writer" invariant (spec.md §8, invariant 3) hold without
// further locking.
type run struct {
	s     *Scaler
	watch *observer.Watch

	warnLimiter *rate.Limiter

	state         State
	pending       []chan error
	awaitingEject bool

	idleTimer *time.Timer

	mutationCancel context.CancelFunc
}

func (r *run) publishState() {
	if r.s.metrics != nil {
		r.s.metrics.ScalerState.Set(r.state.metricsValue())
	}
}

func (r *run) armIdleTimer() {
	r.stopIdleTimer()
	r.idleTimer = time.NewTimer(r.s.cfg.IdleWait)
}

func (r *run) resetIdleTimer() {
	if r.idleTimer == nil {
		r.armIdleTimer()
		return
	}
	if !r.idleTimer.Stop() {
		<-r.idleTimer.C
	}
	r.idleTimer.Reset(r.s.cfg.IdleWait)
}

func (r *run) stopIdleTimer() {
	if r.idleTimer == nil {
		return
	}
	if !r.idleTimer.Stop() {
		select {
		case <-r.idleTimer.C:
		default:
		}
	}
	r.idleTimer = nil
}

func (r *run) drainReplies(err error) {
	for _, reply := range r.pending {
		reply <- err
	}
	r.pending = nil
}

func (r *run) cancelCurrentMutation() {
	if r.mutationCancel != nil {
		r.mutationCancel()
		r.mutationCancel = nil
	}
}

func (r *run) shutdown(err error) {
	r.cancelCurrentMutation()
	r.stopIdleTimer()
	r.drainReplies(err)
}

func (r *run) handleMessage(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case ensureUpMsg:
		r.handleEnsureUp(ctx, m.reply)
	case scaleUpNowMsg:
		r.handleScaleUpNow(ctx)
	case scaleDownNowMsg:
		r.handleScaleDownNow(ctx)
	}
}

// handleEnsureUp implements the EnsureUp column of spec.md §4.4's state
// table, including the ScalingDown row: an EnsureUp arriving mid-drain
// cancels whatever scale-down mutation is in flight and issues a fresh
// scale-up, rather than letting the two race.
//
// The Serving case re-checks the observer's live workload count rather
// than trusting the cached state label: spec.md §8's boundary behaviour
// for a workload serving count that drops to zero while still labelled
// Serving (pod crash/restart) requires EnsureUp to suspend until serving
// resumes, not complete against a stale label.
func (r *run) handleEnsureUp(ctx context.Context, reply chan error) {
	switch r.state {
	case StateZero:
		r.pending = append(r.pending, reply)
		r.state = StateScalingUp
		r.publishState()
		r.startScaleUp(ctx)

	case StateScalingUp:
		r.pending = append(r.pending, reply)

	case StateServing:
		if r.s.obs.CurrentWorkloadServing() {
			reply <- nil
			r.resetIdleTimer()
			return
		}
		r.stopIdleTimer()
		r.pending = append(r.pending, reply)
		r.state = StateScalingUp
		r.publishState()
		r.startScaleUp(ctx)

	case StateScalingDown:
		r.cancelCurrentMutation()
		r.stopIdleTimer()
		r.pending = append(r.pending, reply)
		r.state = StateScalingUp
		r.publishState()
		r.startScaleUp(ctx)
	}
}

func (r *run) handleScaleUpNow(ctx context.Context) {
	if r.state != StateZero {
		r.s.logger.Warn("scaler: scale-up-now requested outside Zero, ignoring idempotently",
			"state", r.state, "error", errs.NewInvariantViolation("ScaleUpNow received while not at Zero"))
		return
	}
	r.state = StateScalingUp
	r.publishState()
	r.startScaleUp(ctx)
}

func (r *run) handleScaleDownNow(ctx context.Context) {
	if r.state != StateServing {
		r.s.logger.Warn("scaler: scale-down-now requested outside Serving, ignoring idempotently",
			"state", r.state, "error", errs.NewInvariantViolation("ScaleDownNow received while not Serving"))
		return
	}
	r.handleIdleFired(ctx)
}

func (r *run) handleIdleFired(ctx context.Context) {
	if r.state != StateServing {
		return
	}
	r.stopIdleTimer()
	r.state = StateScalingDown
	r.publishState()
	r.startScaleDown(ctx)
}

// handleCountChanged implements the CountChanged column. While
// ScalingUp with injection enabled, the gateway's own slice must first
// be ejected and observed to drop to zero servers before replies
// complete, per spec.md §4.3's "workload serving implies gateway not
// serving" handoff invariant.
func (r *run) handleCountChanged(ctx context.Context, cnt observer.Count) {
	switch r.state {
	case StateScalingUp:
		if cnt.Workload == 0 {
			return
		}
		if r.s.cfg.InjectionEnabled {
			if !r.awaitingEject {
				r.awaitingEject = true
				_ = r.s.inj.Eject()
				return
			}
			if cnt.Gateway > 0 {
				return
			}
		}
		r.awaitingEject = false
		r.cancelCurrentMutation()
		r.drainReplies(nil)
		r.state = StateServing
		r.armIdleTimer()
		r.publishState()

	case StateServing:
		// Workload serving dropped back to zero without an idle-timer
		// scale-down (e.g. the backend pod crashed or was restarted).
		// Re-enter ScalingUp so the cached label tracks live state and
		// any EnsureUp arriving in the meantime suspends instead of
		// completing against a stale Serving label (spec.md §8).
		if cnt.Workload == 0 {
			r.stopIdleTimer()
			r.state = StateScalingUp
			r.publishState()
			r.startScaleUp(ctx)
		}

	case StateScalingDown:
		if cnt.Workload == 0 {
			r.cancelCurrentMutation()
			r.state = StateZero
			r.publishState()
		}
	}
}

// startScaleUp spawns the indefinite fixed-delay retry loop applying
// replicas=1. Connections stay suspended on EnsureUp for as long as
// this takes, per spec.md §4.5 ("no internal timeout on EnsureUp").
func (r *run) startScaleUp(ctx context.Context) {
	r.cancelCurrentMutation()
	mctx, cancel := context.WithCancel(ctx)
	r.mutationCancel = cancel

	go func() {
		_ = wait.PollUntilContextCancel(mctx, r.s.cfg.RetryDelay, true, func(c context.Context) (bool, error) {
			err := r.setReplicas(c, 1)
			if err != nil {
				if r.s.metrics != nil {
					r.s.metrics.ScaleMutations.WithLabelValues("up", "error").Inc()
				}
				if r.warnLimiter.Allow() {
					r.s.logger.Warn("scaler: scale-up attempt failed, retrying", "deployment", r.s.cfg.Deployment, "error", err)
				}
				return false, nil
			}
			if r.s.metrics != nil {
				r.s.metrics.ScaleMutations.WithLabelValues("up", "success").Inc()
			}
			return true, nil
		})
	}()
}

// startScaleDown spawns the scale-down sequence: optional
// inject-and-await-gateway-serving handoff, then a bounded-attempt
// fixed-delay retry applying replicas=0. Exhausting the retry budget is
// logged and abandoned rather than escalated, per spec.md §4.4.
func (r *run) startScaleDown(ctx context.Context) {
	r.cancelCurrentMutation()
	mctx, cancel := context.WithCancel(ctx)
	r.mutationCancel = cancel

	go func() {
		if r.s.cfg.InjectionEnabled && r.s.inj != nil {
			_ = r.s.inj.Inject()
			if err := awaitGatewayServing(mctx, r.s.obs); err != nil {
				return
			}
		}

		attempts := 0
		_ = wait.PollUntilContextCancel(mctx, r.s.cfg.RetryDelay, true, func(c context.Context) (bool, error) {
			err := r.setReplicas(c, 0)
			if err == nil {
				if r.s.metrics != nil {
					r.s.metrics.ScaleMutations.WithLabelValues("down", "success").Inc()
				}
				return true, nil
			}
			attempts++
			if r.s.metrics != nil {
				r.s.metrics.ScaleMutations.WithLabelValues("down", "error").Inc()
			}
			if uint(attempts) >= r.s.cfg.ScaleDownRetryMax {
				r.s.logger.Warn("scaler: scale-down abandoned after max retries",
					"deployment", r.s.cfg.Deployment, "attempts", attempts)
				return true, nil
			}
			if r.warnLimiter.Allow() {
				r.s.logger.Warn("scaler: scale-down attempt failed, retrying", "deployment", r.s.cfg.Deployment, "error", err)
			}
			return false, nil
		})
	}()
}

func awaitGatewayServing(ctx context.Context, obs *observer.Observer) error {
	if obs.CurrentGatewayServing() {
		return nil
	}
	w := obs.Subscribe()
	for {
		cnt, err := w.AwaitChange(ctx)
		if err != nil {
			return err
		}
		if cnt.Gateway > 0 {
			return nil
		}
	}
}
