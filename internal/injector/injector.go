// Package injector implements the optional endpoint injector from
// spec.md §4.3: it publishes a gateway-owned EndpointSlice so native
// service routing can be pointed at this process while the workload is
// scaled to zero, and retracts that routing once the workload is up.
//
// It is grounded on the original injector.rs actor (mpsc inbox,
// Inject/Eject messages) and on the teacher's
// internal/controller.GatewayReconciler for the server-side-apply patch
// shape — generalized here from a full-object SSA patch to the minimal
// JSON Patch spec.md §9 calls for, with the required JSON-pointer `~1`
// escaping of the slash in "kubernetes.io/service-name".
package injector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"

	corev1 "k8s.io/api/core/v1"
	discoveryv1 "k8s.io/api/discovery/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/FriesPascal/sero-go/internal/errs"
	"github.com/FriesPascal/sero-go/internal/observer"
	"github.com/FriesPascal/sero-go/internal/resolver"
)

// ManagedByLabel marks a slice as gateway-owned. Re-exported from
// observer so callers only need one import for both classification and
// injection.
const ManagedByLabel = observer.ManagedByLabel

// servicePointerEscaped is the JSON Pointer path to the service-name
// label, with the label key's slash escaped per RFC 6901 (~1).
const servicePointerEscaped = "/metadata/labels/kubernetes.io~1service-name"

type message struct {
	inject bool // true = Inject, false = Eject
	done   chan error
}

// Injector is a single-writer actor mediating the gateway-owned
// EndpointSlice's lifecycle. Messages are processed strictly FIFO; a
// failed patch is logged but never poisons the actor.
type Injector struct {
	client     kubernetes.Interface
	namespace  string
	service    string
	svcPort    resolver.ServicePortInfo
	podName    string
	fieldOwner string
	logger     *slog.Logger

	inbox chan message
}

// New constructs an Injector. The gateway-owned slice is not created
// until Run's init step completes.
func New(client kubernetes.Interface, namespace, service, podName, fieldOwner string, svcPort resolver.ServicePortInfo, inboxCapacity uint, logger *slog.Logger) *Injector {
	return &Injector{
		client:     client,
		namespace:  namespace,
		service:    service,
		svcPort:    svcPort,
		podName:    podName,
		fieldOwner: fieldOwner,
		logger:     logger,
		inbox:      make(chan message, inboxCapacity),
	}
}

// Run creates the gateway-owned slice once, then services Inject/Eject
// messages until ctx is cancelled. A failure in the init step is a
// BootstrapError and is fatal, per spec.md §4.3.
func (inj *Injector) Run(ctx context.Context) error {
	if err := inj.initSlice(ctx); err != nil {
		return errs.NewBootstrapError("injector.initSlice", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-inj.inbox:
			var err error
			if msg.inject {
				err = inj.inject(ctx)
			} else {
				err = inj.eject(ctx)
			}
			if err != nil {
				inj.logger.Error("injector: message handling failed", "inject", msg.inject, "error", err)
			}
			if msg.done != nil {
				msg.done <- err
			}
		}
	}
}

// Inject enqueues a request to add the service-name label back to the
// gateway-owned slice (routing traffic to the gateway). Non-blocking;
// overflow is reported to the caller rather than blocking it.
func (inj *Injector) Inject() error { return inj.send(true) }

// Eject enqueues a request to remove the service-name label from the
// gateway-owned slice (yielding routing back to the workload).
func (inj *Injector) Eject() error { return inj.send(false) }

func (inj *Injector) send(isInject bool) error {
	select {
	case inj.inbox <- message{inject: isInject}:
		return nil
	default:
		return fmt.Errorf("injector inbox full")
	}
}

func (inj *Injector) initSlice(ctx context.Context) error {
	pod, err := inj.client.CoreV1().Pods(inj.namespace).Get(ctx, inj.podName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get own pod %s/%s: %w", inj.namespace, inj.podName, err)
	}
	if pod.UID == "" {
		return fmt.Errorf("pod %s/%s has no UID", inj.namespace, inj.podName)
	}

	var ipv4 []string
	for _, podIP := range pod.Status.PodIPs {
		if ip := net.ParseIP(podIP.IP); ip != nil && ip.To4() != nil {
			ipv4 = append(ipv4, podIP.IP)
		}
	}
	if len(ipv4) == 0 {
		return fmt.Errorf("pod %s/%s has no IPv4 address", inj.namespace, inj.podName)
	}

	controller := true
	portName := inj.svcPort.PortName
	portNumber := inj.svcPort.PortNumber

	slice := &discoveryv1.EndpointSlice{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: fmt.Sprintf("%s-sero-", inj.service),
			Namespace:    inj.namespace,
			Labels: map[string]string{
				observer.ServiceNameLabel: inj.service,
				ManagedByLabel:            inj.fieldOwner,
			},
			OwnerReferences: []metav1.OwnerReference{{
				APIVersion: "v1",
				Kind:       "Pod",
				Name:       pod.Name,
				UID:        pod.UID,
				Controller: &controller,
			}},
		},
		AddressType: discoveryv1.AddressTypeIPv4,
		Endpoints: []discoveryv1.Endpoint{{
			Addresses: ipv4,
			TargetRef: &corev1.ObjectReference{
				APIVersion: "v1",
				Kind:       "Pod",
				Name:       pod.Name,
				Namespace:  inj.namespace,
				UID:        pod.UID,
			},
		}},
		Ports: []discoveryv1.EndpointPort{{
			Name: &portName,
			Port: &portNumber,
		}},
	}

	_, err = inj.client.DiscoveryV1().EndpointSlices(inj.namespace).Create(ctx, slice, metav1.CreateOptions{
		FieldManager: inj.fieldOwner,
	})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create gateway-owned endpointslice: %w", err)
	}
	return nil
}

// inject adds the service-name label to every gateway-owned slice,
// causing native service routing to include the gateway.
func (inj *Injector) inject(ctx context.Context) error {
	return inj.patchGatewaySlices(ctx, jsonPatch(true, inj.service))
}

// eject removes the service-name label from every gateway-owned slice,
// yielding routing back to the workload's own slices (which the
// platform manages and already carry the label).
func (inj *Injector) eject(ctx context.Context) error {
	return inj.patchGatewaySlices(ctx, jsonPatch(false, ""))
}

func (inj *Injector) patchGatewaySlices(ctx context.Context, patch []byte) error {
	selector := labels.Set{ManagedByLabel: inj.fieldOwner}.AsSelector()
	slices, err := inj.client.DiscoveryV1().EndpointSlices(inj.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return errs.NewTransientOrchestratorError("list gateway-owned endpointslices", err)
	}

	for _, slice := range slices.Items {
		_, err := inj.client.DiscoveryV1().EndpointSlices(inj.namespace).Patch(
			ctx, slice.Name, types.JSONPatchType, patch, metav1.PatchOptions{FieldManager: inj.fieldOwner},
		)
		if err != nil {
			return errs.NewTransientOrchestratorError(fmt.Sprintf("patch endpointslice %s", slice.Name), err)
		}
	}
	return nil
}

type jsonPatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value string `json:"value,omitempty"`
}

func jsonPatch(add bool, value string) []byte {
	op := jsonPatchOp{Path: servicePointerEscaped}
	if add {
		op.Op = "add"
		op.Value = value
	} else {
		op.Op = "remove"
	}
	b, err := json.Marshal([]jsonPatchOp{op})
	if err != nil {
		// Marshalling a literal, fixed-shape struct cannot fail.
		panic(err)
	}
	return b
}
