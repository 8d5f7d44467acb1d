// Package docker runs one-off commands in container images and prepares
// images and volumes for kind nodes.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pmezard/go-difflib/difflib"
)

// DockerClient is a wrapper interface for the Docker library to support unit testing.
type DockerClient interface {
	NegotiateAPIVersion(context.Context)
	VolumeCreate(context.Context, volume.CreateOptions) (volume.Volume, error)
	ImageSave(context.Context, []string, ...client.ImageSaveOption) (io.ReadCloser, error)
	ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(context.Context, *container.Config, *container.HostConfig, *network.NetworkingConfig, *ocispec.Platform, string) (container.CreateResponse, error)
	ContainerStart(context.Context, string, container.StartOptions) error
	ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(context.Context, string, container.RemoveOptions) error
}

var _ DockerClient = (*client.Client)(nil)

// NewClient connects to the engine configured in the environment (DOCKER_HOST and friends).
func NewClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	cli.NegotiateAPIVersion(ctx)
	return cli, nil
}

// RunResult is the outcome of a container that ran to completion.
type RunResult struct {
	ExitCode int64
	Stdout   []byte
	Stderr   []byte
}

// RunError is returned when a container exits with a non-zero code.
type RunError struct {
	Image  string
	Args   []string
	Result *RunResult
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("running %s in %s exited with code %d", shellescape.QuoteCommand(e.Args), e.Image, e.Result.ExitCode)
	if stderr := strings.TrimSpace(string(e.Result.Stderr)); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// RunImage runs image with the given entrypoint and arguments, waits for it to
// exit and removes the container, like `docker run --rm --entrypoint`.
// A non-zero exit code is returned as a *RunError.
func RunImage(ctx context.Context, cli DockerClient, img string, entrypoint string, args ...string) (*RunResult, error) {
	cfg := &container.Config{
		Image:      img,
		Entrypoint: []string{entrypoint},
		Cmd:        args,
	}

	created, err := cli.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, "")
	if client.IsErrNotFound(err) {
		if err = pull(ctx, cli, img); err != nil {
			return nil, err
		}
		created, err = cli.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, "")
	}
	if err != nil {
		return nil, fmt.Errorf("creating container from %s: %w", img, err)
	}
	defer func() {
		_ = cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
	}()

	waitC, errC := cli.ContainerWait(ctx, created.ID, container.WaitConditionNextExit)
	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container from %s: %w", img, err)
	}

	res := &RunResult{}
	select {
	case resp := <-waitC:
		if resp.Error != nil {
			return nil, fmt.Errorf("waiting for container from %s: %s", img, resp.Error.Message)
		}
		res.ExitCode = resp.StatusCode
	case err := <-errC:
		return nil, fmt.Errorf("waiting for container from %s: %w", img, err)
	}

	logs, err := cli.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("reading logs of container from %s: %w", img, err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("demultiplexing logs of container from %s: %w", img, err)
	}
	res.Stdout, res.Stderr = stdout.Bytes(), stderr.Bytes()

	if res.ExitCode != 0 {
		return res, &RunError{Image: img, Args: append([]string{entrypoint}, args...), Result: res}
	}
	return res, nil
}

func pull(ctx context.Context, cli DockerClient, img string) error {
	rc, err := cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", img, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling %s: %w", img, err)
	}
	return nil
}

// EnsureImageContainsPaths checks that every path exists in img by listing them with ls.
func EnsureImageContainsPaths(ctx context.Context, cli DockerClient, img string, paths ...string) error {
	_, err := RunImage(ctx, cli, img, "ls", append([]string{"-l"}, paths...)...)
	return err
}

// ListFilesUnderImageDir returns the regular files below root in img.
// Hidden files and files in hidden directories are skipped when excludeHidden is set.
func ListFilesUnderImageDir(ctx context.Context, cli DockerClient, img, root string, excludeHidden bool) ([]string, error) {
	root = strings.TrimRight(root, "/")
	if root == "" {
		root = "/"
	}
	args := []string{root, "-type", "f"}
	if excludeHidden {
		args = append(args, "-not", "-path", "*/.*")
	}

	res, err := RunImage(ctx, cli, img, "find", args...)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// ImageFilesDiff returns a unified diff between two file listings, or an empty
// string when they are equal.
func ImageFilesDiff(expectedName string, expected []string, actualName string, actual []string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        withNewlines(expected),
		B:        withNewlines(actual),
		FromFile: expectedName,
		ToFile:   actualName,
		Context:  3,
	})
}

func withNewlines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l+"\n")
	}
	return out
}

// SaveImage exports the named images as a tar stream, ready to be loaded into a node.
func SaveImage(ctx context.Context, cli DockerClient, images ...string) (io.ReadCloser, error) {
	rc, err := cli.ImageSave(ctx, images)
	if err != nil {
		return nil, fmt.Errorf("saving %s: %w", strings.Join(images, ", "), err)
	}
	return rc, nil
}

// CreateVolume creates a named local volume, labelled with labels.
func CreateVolume(ctx context.Context, cli DockerClient, name string, labels map[string]string) (volume.Volume, error) {
	vol, err := cli.VolumeCreate(ctx, volume.CreateOptions{Driver: "local", Name: name, Labels: labels})
	if err != nil {
		return volume.Volume{}, fmt.Errorf("creating volume %s: %w", name, err)
	}
	return vol, nil
}
