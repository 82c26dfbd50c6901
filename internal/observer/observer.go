// Package observer maintains a cached, label-filtered view of the
// endpoint slices backing a single service and publishes a deduplicated
// (workload, gateway) serving count, per spec.md §4.2. It is grounded on
// the teacher's internal/backends.Watcher, which runs the same
// informer-plus-mutex-cache shape against EndpointSlices, generalized
// here from "regenerate a file on change" to "publish a dedup'd count to
// subscribers with latest-value-wins semantics".
package observer

import (
	"context"
	"fmt"
	"sync"
	"time"

	discoveryv1 "k8s.io/api/discovery/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/FriesPascal/sero-go/internal/metrics"
)

// ServiceNameLabel is the platform label every routable EndpointSlice
// carries, naming the service it belongs to.
const ServiceNameLabel = "kubernetes.io/service-name"

// Count is the value published by the observer: the number of serving
// endpoints partitioned into workload-owned and gateway-owned slices.
// Equality is by component, matching spec.md §3's EndpointCount.
type Count struct {
	Workload int
	Gateway  int
}

// Observer watches EndpointSlices labelled for one service and publishes
// Count updates whenever the classified, deduplicated value changes.
type Observer struct {
	client       kubernetes.Interface
	namespace    string
	service      string
	portName     string
	managedByVal string
	metrics      *metrics.Registry

	mu      sync.RWMutex
	cache   map[string]discoveryv1.EndpointSlice // keyed by EndpointSlice UID
	pub     *publisher
	started chan struct{}
}

// New constructs an Observer for the given service/port, classifying any
// slice labelled managedByVal under ServiceNameLabel's sibling
// managed-by marker as gateway-owned (see injector.ManagedByLabel).
func New(client kubernetes.Interface, namespace, service, portName, managedByVal string, reg *metrics.Registry) *Observer {
	return &Observer{
		client:       client,
		namespace:    namespace,
		service:      service,
		portName:     portName,
		managedByVal: managedByVal,
		metrics:      reg,
		cache:        make(map[string]discoveryv1.EndpointSlice),
		pub:          newPublisher(),
		started:      make(chan struct{}),
	}
}

// Run starts the informer and blocks until ctx is cancelled. Transport
// errors on the underlying watch are retried with backoff by the
// informer itself; Run never returns a terminal error for that reason —
// it only returns once the cache fails to sync at all, or ctx is done.
func (o *Observer) Run(ctx context.Context) error {
	factory := informers.NewSharedInformerFactoryWithOptions(
		o.client,
		30*time.Second,
		informers.WithNamespace(o.namespace),
		informers.WithTweakListOptions(func(opts *metav1.ListOptions) {
			opts.LabelSelector = labels.Set{ServiceNameLabel: o.service}.AsSelector().String()
		}),
	)

	informer := factory.Discovery().V1().EndpointSlices().Informer()
	_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj any) { o.handleUpsert(obj) },
		UpdateFunc: func(_, newObj any) { o.handleUpsert(newObj) },
		DeleteFunc: func(obj any) { o.handleDelete(obj) },
	})
	if err != nil {
		return fmt.Errorf("informer.AddEventHandler: %w", err)
	}

	factory.Start(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), informer.HasSynced) {
		return fmt.Errorf("observer: failed to sync EndpointSlice cache for service %s/%s", o.namespace, o.service)
	}
	close(o.started)

	o.republish()

	<-ctx.Done()
	return ctx.Err()
}

// Started returns a channel closed once the initial cache sync completes.
func (o *Observer) Started() <-chan struct{} { return o.started }

func (o *Observer) handleUpsert(obj any) {
	slice, ok := obj.(*discoveryv1.EndpointSlice)
	if !ok {
		return
	}
	o.mu.Lock()
	o.cache[string(slice.UID)] = *slice
	o.mu.Unlock()
	o.republish()
}

func (o *Observer) handleDelete(obj any) {
	slice, ok := obj.(*discoveryv1.EndpointSlice)
	if !ok {
		if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			slice, ok = tomb.Obj.(*discoveryv1.EndpointSlice)
			if !ok {
				return
			}
		} else {
			return
		}
	}
	o.mu.Lock()
	delete(o.cache, string(slice.UID))
	o.mu.Unlock()
	o.republish()
}

// republish recomputes Count from the full cache and publishes it if it
// differs from the last published value. O(n) in the number of slices,
// which is small per spec.md §4.2.
func (o *Observer) republish() {
	o.mu.RLock()
	var count Count
	for _, slice := range o.cache {
		if !slicePortMatches(slice, o.portName) {
			continue
		}
		serving := countServing(slice)
		if isGatewayOwned(slice, o.managedByVal) {
			count.Gateway += serving
		} else {
			count.Workload += serving
		}
	}
	o.mu.RUnlock()

	if o.pub.set(count) && o.metrics != nil {
		o.metrics.EndpointCount.WithLabelValues("workload").Set(float64(count.Workload))
		o.metrics.EndpointCount.WithLabelValues("gateway").Set(float64(count.Gateway))
	}
}

func slicePortMatches(slice discoveryv1.EndpointSlice, portName string) bool {
	if portName == "" {
		return true
	}
	for _, p := range slice.Ports {
		if p.Name != nil && *p.Name == portName {
			return true
		}
	}
	return len(slice.Ports) == 0
}

func countServing(slice discoveryv1.EndpointSlice) int {
	n := 0
	for _, ep := range slice.Endpoints {
		if ep.Conditions.Serving != nil && *ep.Conditions.Serving {
			n++
		}
	}
	return n
}

func isGatewayOwned(slice discoveryv1.EndpointSlice, managedByVal string) bool {
	return slice.Labels[ManagedByLabel] == managedByVal
}

// ManagedByLabel marks a slice as created and owned by this gateway,
// per spec.md §3's EndpointSliceLabelPolicy (call this G).
const ManagedByLabel = "sero.gateway/managed-by"

// CurrentWorkloadServing reports whether at least one workload-owned
// endpoint is currently serving.
func (o *Observer) CurrentWorkloadServing() bool { return o.pub.get().Workload > 0 }

// CurrentGatewayServing reports whether at least one gateway-owned
// endpoint is currently serving.
func (o *Observer) CurrentGatewayServing() bool { return o.pub.get().Gateway > 0 }

// Current returns the last published count.
func (o *Observer) Current() Count { return o.pub.get() }

// Subscribe returns a Watch initialised to the observer's current value,
// so the first AwaitChange only returns once a genuinely new value is
// published.
func (o *Observer) Subscribe() *Watch {
	return &Watch{pub: o.pub, last: o.pub.get()}
}

// Watch tracks one subscriber's last-observed Count.
type Watch struct {
	pub  *publisher
	last Count
}

// AwaitChange blocks until the published Count differs from the last
// value this Watch observed, then records the new value. A missed
// intermediate change is coalesced: callers never miss the latest value,
// only intermediate ones, per spec.md §4.2.
func (w *Watch) AwaitChange(ctx context.Context) (Count, error) {
	v, err := w.pub.wait(ctx, w.last)
	if err != nil {
		return Count{}, err
	}
	w.last = v
	return v, nil
}
