package k8sutil

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/canonical/k8s-test-harness/pkg/harness"
)

// Kubeconfig returns an admin kubeconfig for the cluster on inst.
func Kubeconfig(ctx context.Context, inst harness.Instance) ([]byte, error) {
	if p, ok := inst.(harness.KubeconfigProvider); ok {
		return p.Kubeconfig(ctx)
	}
	res, err := inst.Exec(ctx, []string{"k8s", "config"})
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

// RESTConfig builds a client config for the cluster on inst.
func RESTConfig(ctx context.Context, inst harness.Instance) (*rest.Config, error) {
	kubeconfig, err := Kubeconfig(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("fetching kubeconfig: %w", err)
	}
	cfg, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("parsing kubeconfig: %w", err)
	}
	return cfg, nil
}

// NewClient returns a controller-runtime client for cfg with the client-go scheme.
func NewClient(cfg *rest.Config) (client.Client, error) {
	return client.New(cfg, client.Options{Scheme: clientgoscheme.Scheme})
}

// WaitForServiceAccount waits for a service account to be present.
func WaitForServiceAccount(ctx context.Context, c client.Client, name, namespace string, timeout time.Duration) error {
	obj := &corev1.ServiceAccount{}

	key := client.ObjectKey{
		Namespace: namespace,
		Name:      name,
	}
	return wait.PollUntilContextTimeout(ctx, 500*time.Millisecond, timeout, true, func(ctx context.Context) (done bool, err error) {
		err = c.Get(ctx, key, obj)
		if k8serrors.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	})
}
