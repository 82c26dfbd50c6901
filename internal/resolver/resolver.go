// Package resolver performs the one-shot service-port lookup described
// in spec.md §4.1: translate a service name and optional port name into
// a (portName, portNumber) pair. It is grounded on the original
// svc_info.rs, which treats "service has no ports" and "named port
// absent" as distinct fatal configuration errors.
package resolver

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/FriesPascal/sero-go/internal/errs"
)

// ServicePortInfo is the immutable record produced once at startup.
type ServicePortInfo struct {
	PortName   string
	PortNumber int32
}

// Resolve looks up service's declared ports and selects the one named by
// portName, or the first declared port if portName is empty. It is not
// retried and any failure aborts the process: a service with no ports or
// without the named port is a ConfigError; a failed lookup of the
// service itself is returned as the wrapped API error.
func Resolve(ctx context.Context, client kubernetes.Interface, namespace, service, portName string) (ServicePortInfo, error) {
	svc, err := client.CoreV1().Services(namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		return ServicePortInfo{}, fmt.Errorf("get service %s/%s: %w", namespace, service, err)
	}

	if len(svc.Spec.Ports) == 0 {
		return ServicePortInfo{}, errs.NewConfigError("SERVICE",
			fmt.Sprintf("service %s/%s declares no ports", namespace, service))
	}

	if portName == "" {
		return fromServicePort(svc.Spec.Ports[0]), nil
	}

	for _, p := range svc.Spec.Ports {
		if p.Name == portName {
			return fromServicePort(p), nil
		}
	}

	return ServicePortInfo{}, errs.NewConfigError("PORT",
		fmt.Sprintf("service %s/%s has no port named %q", namespace, service, portName))
}

func fromServicePort(p corev1.ServicePort) ServicePortInfo {
	return ServicePortInfo{PortName: p.Name, PortNumber: p.Port}
}
