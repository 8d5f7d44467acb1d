// Package k8sutil inspects and drives the Kubernetes cluster running on a
// harness instance through the k8s snap CLI.
package k8sutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/json"

	"github.com/canonical/k8s-test-harness/pkg/harness"
	"github.com/canonical/k8s-test-harness/pkg/retry"
	testutils "github.com/canonical/k8s-test-harness/pkg/test/utils"
)

const (
	NamespaceDefault    = "default"
	NamespaceKubeSystem = "kube-system"

	KindDaemonSet  = "daemonset.apps"
	KindDeployment = "deployment.apps"

	ConditionAvailable = "Available"
	ConditionReady     = "Ready"
)

// Attempts and delays of the waiting helpers.
var (
	NodeReadyRetries = 15
	NodeReadyDelay   = 5 * time.Second

	ResourceRetries = 5
	ResourceDelay   = time.Second
)

// Workloads waited on in place of `k8s x-wait-for` on clusters not run by the k8s snap.
const (
	kindNetworkDaemonSet = "kindnet"
	kindDNSDeployment    = "coredns"
)

// Kubectl returns the argv prefix invoking kubectl on inst.
func Kubectl(inst harness.Instance) []string {
	if p, ok := inst.(harness.KubectlProvider); ok {
		return p.Kubectl()
	}
	return []string{"k8s", "kubectl"}
}

func kubectl(inst harness.Instance, args ...string) []string {
	return append(Kubectl(inst), args...)
}

func snapManaged(inst harness.Instance) bool {
	_, ok := inst.(harness.KubectlProvider)
	return !ok
}

// SetupSnap installs the k8s snap from channel.
func SetupSnap(ctx context.Context, inst harness.Instance, channel string, logger testutils.Logger) error {
	logger.Log("Install k8s snap")
	_, err := inst.Exec(ctx, []string{"snap", "install", "k8s", "--classic", "--channel", channel})
	return err
}

// PurgeSnap removes the k8s snap and all its data.
func PurgeSnap(ctx context.Context, inst harness.Instance, logger testutils.Logger) error {
	logger.Log("Purge k8s snap")
	_, err := inst.Exec(ctx, []string{"sudo", "snap", "remove", "k8s", "--purge"})
	return err
}

// Bootstrap bootstraps the cluster, from the bootstrap config at configPath on
// the instance if one is given.
func Bootstrap(ctx context.Context, inst harness.Instance, configPath string) error {
	args := []string{"k8s", "bootstrap"}
	if configPath != "" {
		args = append(args, "--file", configPath)
	}
	_, err := inst.Exec(ctx, args)
	return err
}

// WaitUntilReady waits until every instance is registered as a Ready node, as seen from control.
func WaitUntilReady(ctx context.Context, control harness.Instance, instances []harness.Instance, logger testutils.Logger) error {
	var res *harness.ExecResult
	for _, inst := range instances {
		host, err := Hostname(ctx, inst)
		if err != nil {
			return err
		}
		res, err = retry.Stubbornly(retry.WithRetries(NodeReadyRetries), retry.WithDelay(NodeReadyDelay), retry.WithLogger(logger)).
			On(control).
			Until(func(r *harness.ExecResult) bool { return strings.Contains(string(r.Stdout), " Ready") }).
			Exec(ctx, kubectl(control, "get", "node", host, "--no-headers"))
		if err != nil {
			return fmt.Errorf("waiting for node %s to be ready: %w", host, err)
		}
	}
	logger.Log("Kubelet registered successfully!")
	if res != nil {
		logger.Log(res.StdoutString())
	}
	return nil
}

// WaitForDNS blocks until cluster DNS is ready.
func WaitForDNS(ctx context.Context, inst harness.Instance, logger testutils.Logger) error {
	logger.Log("Waiting for DNS to be ready")
	if !snapManaged(inst) {
		return WaitForDeployment(ctx, inst, kindDNSDeployment, NamespaceKubeSystem, ConditionAvailable)
	}
	_, err := inst.Exec(ctx, []string{"k8s", "x-wait-for", "dns"})
	return err
}

// WaitForNetwork blocks until the cluster network is ready.
func WaitForNetwork(ctx context.Context, inst harness.Instance, logger testutils.Logger) error {
	logger.Log("Waiting for network to be ready")
	if !snapManaged(inst) {
		return WaitForDaemonSet(ctx, inst, kindNetworkDaemonSet, NamespaceKubeSystem)
	}
	_, err := inst.Exec(ctx, []string{"k8s", "x-wait-for", "network"})
	return err
}

// Hostname returns the hostname of inst.
func Hostname(ctx context.Context, inst harness.Instance) (string, error) {
	res, err := inst.Exec(ctx, []string{"hostname"})
	if err != nil {
		return "", err
	}
	return res.StdoutString(), nil
}

// LocalNodeStatus returns the output of `k8s local-node-status`.
func LocalNodeStatus(ctx context.Context, inst harness.Instance) (string, error) {
	res, err := inst.Exec(ctx, []string{"k8s", "local-node-status"})
	if err != nil {
		return "", err
	}
	return res.StdoutString(), nil
}

// GetNodes lists the nodes of the cluster as seen from control.
func GetNodes(ctx context.Context, control harness.Instance) ([]corev1.Node, error) {
	res, err := control.Exec(ctx, kubectl(control, "get", "nodes", "-o", "json"))
	if err != nil {
		return nil, fmt.Errorf("failed to get nodes with kubectl: %w", err)
	}

	nodes := &corev1.NodeList{}
	if err := json.Unmarshal(res.Stdout, nodes); err != nil {
		return nil, fmt.Errorf("decoding node list: %w", err)
	}
	if nodes.Kind != "List" {
		return nil, fmt.Errorf("should have found a list of nodes, got kind %q", nodes.Kind)
	}
	return nodes.Items, nil
}

// ReadyNodes returns the nodes whose conditions other than Ready are all False.
func ReadyNodes(ctx context.Context, control harness.Instance) ([]corev1.Node, error) {
	nodes, err := GetNodes(ctx, control)
	if err != nil {
		return nil, err
	}

	var ready []corev1.Node
	for _, node := range nodes {
		if nodeHealthy(node) {
			ready = append(ready, node)
		}
	}
	return ready, nil
}

func nodeHealthy(node corev1.Node) bool {
	for _, c := range node.Status.Conditions {
		if c.Type != corev1.NodeReady && c.Status != corev1.ConditionFalse {
			return false
		}
	}
	return true
}

// GetJoinToken creates a token on initial for joining to the cluster. Extra
// args such as --worker are passed through.
func GetJoinToken(ctx context.Context, initial, joining harness.Instance, args ...string) (string, error) {
	res, err := initial.Exec(ctx, append([]string{"k8s", "get-join-token", joining.ID()}, args...))
	if err != nil {
		return "", err
	}
	return res.StdoutString(), nil
}

// JoinCluster joins inst to an existing cluster.
func JoinCluster(ctx context.Context, inst harness.Instance, token string) error {
	_, err := inst.Exec(ctx, []string{"k8s", "join-cluster", token})
	return err
}

// WaitForResource waits for the resource to reach condition.
func WaitForResource(ctx context.Context, inst harness.Instance, resourceType, name, namespace, condition string) error {
	_, err := retry.Stubbornly(retry.WithRetries(ResourceRetries), retry.WithDelay(ResourceDelay)).
		On(inst).
		Exec(ctx, kubectl(inst,
			"wait",
			"--namespace", namespace,
			"--for=condition="+condition,
			resourceType, name,
			"--timeout", "60s",
		))
	return err
}

// WaitForDeployment waits for the deployment to reach condition.
func WaitForDeployment(ctx context.Context, inst harness.Instance, name, namespace, condition string) error {
	return WaitForResource(ctx, inst, KindDeployment, name, namespace, condition)
}

// WaitForDaemonSet waits for the daemonset rollout to complete.
func WaitForDaemonSet(ctx context.Context, inst harness.Instance, name, namespace string) error {
	_, err := retry.Stubbornly(retry.WithRetries(ResourceRetries), retry.WithDelay(ResourceDelay)).
		On(inst).
		Exec(ctx, kubectl(inst,
			"rollout", "status",
			"--namespace", namespace,
			KindDaemonSet, name,
			"--timeout", "60s",
		))
	return err
}
