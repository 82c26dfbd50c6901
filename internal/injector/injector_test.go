package injector

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	corev1 "k8s.io/api/core/v1"
	discoveryv1 "k8s.io/api/discovery/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/FriesPascal/sero-go/internal/resolver"
)

func newTestInjector(client *fake.Clientset) *Injector {
	return New(client, "ns", "web", "gw-pod", "sero-gateway",
		resolver.ServicePortInfo{PortName: "http", PortNumber: 80}, 16, slog.New(slog.DiscardHandler))
}

func pod() *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "gw-pod", Namespace: "ns", UID: "pod-uid"},
		Status: corev1.PodStatus{
			PodIPs: []corev1.PodIP{{IP: "10.0.0.9"}},
		},
	}
}

func TestInitSlice_CreatesGatewayOwnedSlice(t *testing.T) {
	client := fake.NewSimpleClientset(pod())
	inj := newTestInjector(client)

	if err := inj.initSlice(context.Background()); err != nil {
		t.Fatalf("initSlice() error = %v", err)
	}

	slices, err := client.DiscoveryV1().EndpointSlices("ns").List(context.Background(), metav1.ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(slices.Items) != 1 {
		t.Fatalf("len(slices.Items) = %d, want 1", len(slices.Items))
	}
	got := slices.Items[0]
	if got.Labels[ManagedByLabel] != "sero-gateway" {
		t.Errorf("ManagedByLabel = %q, want sero-gateway", got.Labels[ManagedByLabel])
	}
	if got.Labels["kubernetes.io/service-name"] != "web" {
		t.Errorf("service-name label = %q, want web", got.Labels["kubernetes.io/service-name"])
	}
	if len(got.Endpoints) != 1 || got.Endpoints[0].Addresses[0] != "10.0.0.9" {
		t.Errorf("unexpected endpoints: %+v", got.Endpoints)
	}
}

func TestInitSlice_NoIPv4Address_Fails(t *testing.T) {
	p := pod()
	p.Status.PodIPs = []corev1.PodIP{{IP: "fe80::1"}}
	client := fake.NewSimpleClientset(p)
	inj := newTestInjector(client)

	if err := inj.initSlice(context.Background()); err == nil {
		t.Fatal("initSlice() error = nil, want error for pod with no IPv4 address")
	}
}

func TestInjectEject_RoundTripsServiceNameLabel(t *testing.T) {
	gwSlice := &discoveryv1.EndpointSlice{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "web-sero-abc",
			Namespace: "ns",
			Labels: map[string]string{
				"kubernetes.io/service-name": "web",
				ManagedByLabel:                "sero-gateway",
			},
		},
	}
	client := fake.NewSimpleClientset(gwSlice)
	inj := newTestInjector(client)

	if err := inj.eject(context.Background()); err != nil {
		t.Fatalf("eject() error = %v", err)
	}
	got, err := client.DiscoveryV1().EndpointSlices("ns").Get(context.Background(), "web-sero-abc", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, present := got.Labels["kubernetes.io/service-name"]; present {
		t.Fatal("service-name label still present after eject")
	}

	if err := inj.inject(context.Background()); err != nil {
		t.Fatalf("inject() error = %v", err)
	}
	got, err = client.DiscoveryV1().EndpointSlices("ns").Get(context.Background(), "web-sero-abc", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Labels["kubernetes.io/service-name"] != "web" {
		t.Fatalf("service-name label = %q after inject, want web", got.Labels["kubernetes.io/service-name"])
	}
}

func TestJSONPatch_EscapesServiceNameSlash(t *testing.T) {
	patch := jsonPatch(true, "web")

	var ops []map[string]any
	if err := json.Unmarshal(patch, &ops); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("len(ops) = %d, want 1", len(ops))
	}
	path, _ := ops[0]["path"].(string)
	if path != "/metadata/labels/kubernetes.io~1service-name" {
		t.Fatalf("path = %q, want escaped JSON pointer", path)
	}
	if ops[0]["op"] != "add" || ops[0]["value"] != "web" {
		t.Fatalf("unexpected op: %+v", ops[0])
	}
}

func TestSend_NonBlockingOnFullInbox(t *testing.T) {
	client := fake.NewSimpleClientset(pod())
	inj := newTestInjector(client)
	inj.inbox = make(chan message, 1)

	if err := inj.Inject(); err != nil {
		t.Fatalf("first Inject() error = %v", err)
	}
	if err := inj.Inject(); err == nil {
		t.Fatal("second Inject() error = nil, want error for full inbox")
	}
}
