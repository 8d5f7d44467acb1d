package k8sutil

import (
	"fmt"
	"strings"

	"github.com/canonical/k8s-test-harness/internal/env"
)

// DefaultRunAsUser is the user id helm charts are told to run images as.
const DefaultRunAsUser = 584792

// HelmImage names an environment variable holding an image reference to
// inject into a chart. Prefix scopes the values, e.g. "controller" sets
// controller.image.repository.
type HelmImage struct {
	Variable string
	Prefix   string
}

// HelmInstall describes a `k8s helm install` invocation.
type HelmInstall struct {
	Name string
	// Chart may be a chart in Repository or a local chart directory.
	Chart      string
	Namespace  string
	Repository string
	Images     []HelmImage
	// RunAsUser defaults to DefaultRunAsUser.
	RunAsUser int
	// SetConfigs are passed as --set values.
	SetConfigs []string
}

// HelmInstallCommand builds the argv installing the chart. Image references
// are read from the environment and split into repository (without registry) and tag.
func HelmInstallCommand(h HelmInstall) ([]string, error) {
	namespace := h.Namespace
	if namespace == "" {
		namespace = NamespaceKubeSystem
	}
	runAsUser := h.RunAsUser
	if runAsUser == 0 {
		runAsUser = DefaultRunAsUser
	}

	cmd := []string{"k8s", "helm", "install", h.Name, h.Chart, "--namespace", namespace, "--create-namespace"}
	if h.Repository != "" {
		cmd = append(cmd, "--repo", h.Repository)
	}

	for _, img := range h.Images {
		ref, err := env.MustGet(img.Variable)
		if err != nil {
			return nil, err
		}
		repository, tag, err := SplitImage(ref)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", img.Variable, err)
		}

		prefix := ""
		if img.Prefix != "" {
			prefix = img.Prefix + "."
		}
		cmd = append(cmd,
			"--set", fmt.Sprintf("%simage.repository=%s", prefix, repository),
			"--set", fmt.Sprintf("%simage.tag=%s", prefix, tag),
			"--set", fmt.Sprintf("%ssecurityContext.runAsUser=%d", prefix, runAsUser),
		)
	}

	for _, c := range h.SetConfigs {
		cmd = append(cmd, "--set", c)
	}
	return cmd, nil
}

// SplitImage splits ref into its repository without the registry host and its tag.
// Charts taking the registry as a separate value need it this way.
func SplitImage(ref string) (string, string, error) {
	name, tag := ref, ""
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		name, tag = ref[:i], ref[i+1:]
	}
	if tag == "" {
		return "", "", fmt.Errorf("image %q has no tag", ref)
	}

	if parts := strings.SplitN(name, "/", 2); len(parts) > 1 {
		name = parts[1]
	}
	return name, tag, nil
}
