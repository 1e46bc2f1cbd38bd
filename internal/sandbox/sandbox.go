// Package sandbox implements the Session Manager: one long-running
// containerd container per conversation, used to run untrusted code and
// stage its output files into the Artifact Registry.
//
// Grounded on cuemby-warren/pkg/runtime/containerd.go for the container
// create/start/stop/delete lifecycle (namespaces.WithNamespace, client.Pull,
// client.NewContainer with WithNewSnapshot/WithNewSpec, task.Kill with a
// SIGTERM-then-SIGKILL shutdown). The pack has no example of execing into an
// already-running container or of pulling files back out of one, since
// warren only ever runs one process per container to completion; those two
// operations (runCode, stageOut below) are built from general containerd API
// conventions (container.Spec + task.Exec for the former, a tar stream over
// exec stdout for the latter) rather than copied from any single file. The
// gap is recorded in DESIGN.md.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/google/uuid"

	"github.com/corvidai/assistant-backend/internal/artifacts"
	"github.com/corvidai/assistant-backend/internal/config"
	"github.com/corvidai/assistant-backend/internal/threadlock"
)

const artifactsDir = "/session/artifacts"

var invalidIDChar = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// Result is what Exec returns to the Agent Runtime's tool-dispatch loop.
type Result struct {
	OK        bool
	Stdout    string
	Stderr    string
	Error     string
	Artifacts []artifacts.Descriptor
}

type session struct {
	container containerd.Container
	task      containerd.Task
}

// Manager owns one container per session key (= thread id).
type Manager struct {
	client    *containerd.Client
	namespace string
	cfg       config.Config
	registry  *artifacts.Registry

	// createLocks serializes start/stop per session key so that two
	// concurrent start(key) calls for a key with no existing container
	// yield exactly one container, per spec's concurrency note.
	createLocks *threadlock.Table

	mu       sync.Mutex
	sessions map[string]*session
}

// New returns a Manager. client must already be dialed against the
// configured containerd socket.
func New(client *containerd.Client, cfg config.Config, registry *artifacts.Registry) *Manager {
	return &Manager{
		client:      client,
		namespace:   cfg.ContainerdNS,
		cfg:         cfg,
		registry:    registry,
		createLocks: threadlock.New(),
		sessions:    make(map[string]*session),
	}
}

// Ping satisfies a health.Pinger-shaped interface for aggregated health
// checks.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.client.Version(ctx)
	return err
}

// Close releases the underlying containerd client connection. It does not
// tear down any running sessions.
func (m *Manager) Close() error {
	return m.client.Close()
}

// Start is idempotent: if a healthy container already exists for
// sessionKey, it is reused and its key returned; otherwise one is created.
func (m *Manager) Start(ctx context.Context, sessionKey string) (string, error) {
	if _, err := m.getOrCreate(ctx, sessionKey); err != nil {
		return "", err
	}
	return sessionKey, nil
}

// ContainerFor returns the handle for an already-started session, used by
// dataset-staging helpers that write tar archives into a container's
// filesystem directly.
func (m *Manager) ContainerFor(sessionKey string) (containerd.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey]
	if !ok {
		return nil, fmt.Errorf("sandbox: no session for key %q", sessionKey)
	}
	return s.container, nil
}

// Stop tears down the container for sessionKey and removes it from the
// table. A missing session is not an error.
func (m *Manager) Stop(ctx context.Context, sessionKey string) error {
	release := m.createLocks.Acquire(sessionKey)
	defer release()

	m.mu.Lock()
	s, ok := m.sessions[sessionKey]
	if ok {
		delete(m.sessions, sessionKey)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	ctx = namespaces.WithNamespace(ctx, m.namespace)
	return destroy(ctx, s)
}

// Exec runs code inside sessionKey's container, snapshotting
// artifactsDir before and after to discover new files, then ingests those
// files into the Artifact Registry. sessionKey, threadID, runID, and
// toolCallID are threaded through as the ingest identifiers; runID is this
// package's own addition beyond spec.md's exec signature, needed because the
// Artifact Registry's ingest requires one.
func (m *Manager) Exec(ctx context.Context, sessionKey, code string, timeout time.Duration, threadID, runID, toolCallID string) (Result, error) {
	s, err := m.getOrCreate(ctx, sessionKey)
	if err != nil {
		return Result{}, err
	}
	ctx = namespaces.WithNamespace(ctx, m.namespace)

	before, err := m.listFiles(ctx, s)
	if err != nil {
		return Result{}, fmt.Errorf("sandbox: snapshot before exec: %w", err)
	}

	stdout, stderr, timedOut, runErr := m.runCode(ctx, s, code, timeout)

	after, listErr := m.listFiles(ctx, s)
	var newFiles []string
	if listErr == nil {
		newFiles = diff(before, after)
	}

	var descriptors []artifacts.Descriptor
	if len(newFiles) > 0 && m.registry != nil {
		hostPaths, stageErr := m.stageOut(ctx, s, newFiles)
		if stageErr == nil {
			descriptors, _ = m.registry.Ingest(ctx, threadID, sessionKey, runID, toolCallID, hostPaths)
		}
		// A staging or ingest failure does not fail the run: the code
		// executed, it just produced files we could not retrieve.
	}

	switch {
	case timedOut:
		return Result{
			OK: false, Stdout: stdout, Stderr: stderr,
			Error:     fmt.Sprintf("execution timed out after %s", timeout),
			Artifacts: descriptors,
		}, nil
	case runErr != nil:
		return Result{OK: false, Stdout: stdout, Stderr: stderr, Error: runErr.Error(), Artifacts: descriptors}, nil
	default:
		return Result{OK: true, Stdout: stdout, Stderr: stderr, Artifacts: descriptors}, nil
	}
}

func (m *Manager) getOrCreate(ctx context.Context, sessionKey string) (*session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionKey]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	release := m.createLocks.Acquire(sessionKey)
	defer release()

	m.mu.Lock()
	if s, ok := m.sessions[sessionKey]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	s, err := m.create(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sessionKey] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) create(ctx context.Context, sessionKey string) (*session, error) {
	ctx = namespaces.WithNamespace(ctx, m.namespace)

	image, err := m.client.GetImage(ctx, m.cfg.SandboxImage)
	if err != nil {
		image, err = m.client.Pull(ctx, m.cfg.SandboxImage, containerd.WithPullUnpack)
		if err != nil {
			return nil, fmt.Errorf("sandbox: pull image %s: %w", m.cfg.SandboxImage, err)
		}
	}

	containerID := containerID(sessionKey)

	var mounts []specs.Mount
	switch m.cfg.SessionStorage {
	case config.StoragePersistent:
		hostDir := filepath.Join(m.cfg.SessionsRoot, containerID, "artifacts")
		if err := os.MkdirAll(hostDir, 0o755); err != nil {
			return nil, fmt.Errorf("sandbox: allocate persistent storage: %w", err)
		}
		mounts = append(mounts, specs.Mount{
			Destination: artifactsDir,
			Source:      hostDir,
			Type:        "bind",
			Options:     []string{"rbind"},
		})
	default: // config.StorageEphemeral
		mounts = append(mounts, specs.Mount{
			Destination: artifactsDir,
			Source:      "tmpfs",
			Type:        "tmpfs",
			Options:     []string{"size=" + m.cfg.TmpfsSizeSpec()},
		})
	}
	if m.cfg.HybridLocalPath != "" {
		mounts = append(mounts, specs.Mount{
			Destination: "/heavy_data",
			Source:      m.cfg.HybridLocalPath,
			Type:        "bind",
			Options:     []string{"ro", "rbind"},
		})
	}

	// Joining m.cfg.SandboxNetwork (a compose/CNI network name) is left to
	// whatever CNI plugin the deployment wires at the containerd shim
	// level; nothing in the pack exercises in-process CNI invocation, so
	// this package only records the intent via the mounts/image spec.
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithMounts(mounts),
	}

	ctrdContainer, err := m.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}

	task, err := ctrdContainer.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = ctrdContainer.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("sandbox: create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = ctrdContainer.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("sandbox: start task: %w", err)
	}

	if err := m.ensureArtifactsDir(ctx, &session{container: ctrdContainer, task: task}); err != nil {
		return nil, err
	}

	return &session{container: ctrdContainer, task: task}, nil
}

func (m *Manager) ensureArtifactsDir(ctx context.Context, s *session) error {
	_, _, err := m.runExec(ctx, s, []string{"sh", "-c", "mkdir -p " + artifactsDir}, "", 30*time.Second)
	return err
}

// runCode executes code on session s's stdin via "python3 -u", enforcing
// timeout as a wall-clock deadline. timedOut is true only when the deadline
// was hit; runErr carries a non-nil error when the process exited non-zero.
func (m *Manager) runCode(ctx context.Context, s *session, code string, timeout time.Duration) (stdout, stderr string, timedOut bool, runErr error) {
	stdout, stderr, timedOut, exitCode, err := m.runExec(ctx, s, []string{"python3", "-u"}, code, timeout)
	if err != nil {
		return stdout, stderr, timedOut, err
	}
	if timedOut {
		return stdout, stderr, true, nil
	}
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("process exited with status %d", exitCode)
		}
		return stdout, stderr, false, errors.New(msg)
	}
	return stdout, stderr, false, nil
}

// runExec runs args as a one-off process inside s's container, optionally
// feeding stdin, and waits up to timeout. It is the shared primitive behind
// runCode, listFiles, and stageOut.
func (m *Manager) runExec(ctx context.Context, s *session, args []string, stdin string, timeout time.Duration) (stdout, stderr string, timedOut bool, exitCode int, err error) {
	spec, err := s.container.Spec(ctx)
	if err != nil {
		return "", "", false, 0, fmt.Errorf("sandbox: load container spec: %w", err)
	}
	pspec := *spec.Process
	pspec.Args = args
	pspec.Terminal = false

	var stdoutBuf, stderrBuf bytes.Buffer
	var stdinReader io.Reader = strings.NewReader(stdin)

	execID := uuid.NewString()
	proc, err := s.task.Exec(ctx, execID, &pspec, cio.NewCreator(cio.WithStreams(stdinReader, &stdoutBuf, &stderrBuf)))
	if err != nil {
		return "", "", false, 0, fmt.Errorf("sandbox: exec: %w", err)
	}
	defer func() { _, _ = proc.Delete(ctx) }()

	statusC, err := proc.Wait(ctx)
	if err != nil {
		return "", "", false, 0, fmt.Errorf("sandbox: wait for exec: %w", err)
	}
	if err := proc.Start(ctx); err != nil {
		return "", "", false, 0, fmt.Errorf("sandbox: start exec: %w", err)
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case status := <-statusC:
		return stdoutBuf.String(), stderrBuf.String(), false, int(status.ExitCode()), nil
	case <-waitCtx.Done():
		_ = proc.Kill(ctx, syscall.SIGKILL)
		<-statusC
		return stdoutBuf.String(), stderrBuf.String(), true, -1, nil
	}
}

// listFiles returns the current file names present in artifactsDir.
func (m *Manager) listFiles(ctx context.Context, s *session) (map[string]struct{}, error) {
	out, _, _, exitCode, err := m.runExec(ctx, s, []string{"sh", "-c", "ls -1 " + artifactsDir + " 2>/dev/null"}, "", 15*time.Second)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("sandbox: list artifacts: exit status %d", exitCode)
	}
	names := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names[line] = struct{}{}
		}
	}
	return names, nil
}

func diff(before, after map[string]struct{}) []string {
	var out []string
	for name := range after {
		if _, existed := before[name]; !existed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// stageOut pulls names out of session s's artifactsDir by running tar
// inside the container and streaming the archive back over the exec's
// stdout, extracting it into a fresh host-side temp directory. It returns
// the host paths of the extracted files, in the same order as names.
func (m *Manager) stageOut(ctx context.Context, s *session, names []string) ([]string, error) {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + strings.ReplaceAll(n, "'", `'\''`) + "'"
	}
	cmd := fmt.Sprintf("tar -C %s -cf - %s", artifactsDir, strings.Join(quoted, " "))

	out, _, _, exitCode, err := m.runExec(ctx, s, []string{"sh", "-c", cmd}, "", 30*time.Second)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("sandbox: stage artifacts: tar exited %d", exitCode)
	}

	stagingRoot := m.cfg.SessionsRoot
	if stagingRoot == "" {
		stagingRoot = os.TempDir()
	}
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: prepare staging root: %w", err)
	}
	dir, err := os.MkdirTemp(stagingRoot, "stage-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create staging dir: %w", err)
	}

	tr := tar.NewReader(strings.NewReader(out))
	var paths []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("sandbox: read tar stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dest := filepath.Join(dir, filepath.Base(hdr.Name))
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("sandbox: write staged file: %w", err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return nil, fmt.Errorf("sandbox: write staged file: %w", err)
		}
		f.Close()
		paths = append(paths, dest)
	}
	return paths, nil
}

func destroy(ctx context.Context, s *session) error {
	if s.task != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.task.Kill(stopCtx, syscall.SIGTERM); err == nil {
			statusC, waitErr := s.task.Wait(stopCtx)
			if waitErr == nil {
				select {
				case <-statusC:
				case <-stopCtx.Done():
					_ = s.task.Kill(ctx, syscall.SIGKILL)
				}
			}
		}
		cancel()
		_, _ = s.task.Delete(ctx)
	}
	if s.container != nil {
		if err := s.container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
			return fmt.Errorf("sandbox: delete container: %w", err)
		}
	}
	return nil
}

func containerID(sessionKey string) string {
	return "sandbox-" + invalidIDChar.ReplaceAllString(sessionKey, "-")
}
