//go:build integration

package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/schaermu/configmapsyncd/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness runs the configmapsyncd binary against the cluster in $KUBECONFIG
// and owns the throwaway namespaces the tests write into
type Harness struct {
	t          *testing.T
	binary     string
	kubeconfig string
	clientset  kubernetes.Interface
	namespaces []string
	keepOnFail bool
}

// NewHarness builds the binary and connects to the test cluster. The test is
// skipped when KUBECONFIG is unset.
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()

	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		t.Skip("KUBECONFIG not set, skipping cluster integration test")
	}

	restCfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		t.Fatalf("load kubeconfig: %v", err)
	}
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		t.Fatalf("create clientset: %v", err)
	}

	h := &Harness{
		t:          t,
		kubeconfig: kubeconfig,
		clientset:  cs,
		keepOnFail: os.Getenv("INTEGRATION_KEEP_NAMESPACE") == "1",
	}
	h.binary = h.build(ctx)
	t.Cleanup(func() { h.cleanup(context.Background()) })
	return h
}

// build compiles cmd/configmapsyncd into a temporary directory
func (h *Harness) build(ctx context.Context) string {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		h.t.Fatalf("get project root: %v", err)
	}

	binary := filepath.Join(h.t.TempDir(), "configmapsyncd")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", binary, "./cmd/configmapsyncd")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		h.t.Fatalf("go build: %v", err)
	}
	return binary
}

// CreateNamespace creates a uniquely named namespace and registers it for cleanup
func (h *Harness) CreateNamespace(ctx context.Context, prefix string) string {
	h.t.Helper()

	name := fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	if _, err := h.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil {
		h.t.Fatalf("create namespace %s: %v", name, err)
	}
	h.namespaces = append(h.namespaces, name)
	h.t.Logf("Created namespace %s", name)
	return name
}

// Run executes the binary with the given arguments and returns its output and
// exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, append([]string{"--kubeconfig", h.kubeconfig, "--credentials", "kubeconfig"}, args...)...)
	// An empty HOME keeps a developer's config file out of the run
	cmd.Env = append(os.Environ(), "HOME="+h.t.TempDir())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			h.t.Fatalf("run configmapsyncd: %v", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode
}

// MustRun runs the binary and fails the test on a non-zero exit code
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode := h.Run(ctx, args...)
	if exitCode != 0 {
		h.t.Fatalf("configmapsyncd failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stderr
}

// ConfigMap returns the named ConfigMap, or nil if it does not exist
func (h *Harness) ConfigMap(ctx context.Context, namespace, name string) *corev1.ConfigMap {
	h.t.Helper()
	cm, err := h.clientset.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		h.t.Fatalf("get configmap %s/%s: %v", namespace, name, err)
	}
	return cm
}

// PutConfigMap creates cm in the cluster
func (h *Harness) PutConfigMap(ctx context.Context, cm *corev1.ConfigMap) {
	h.t.Helper()
	if _, err := h.clientset.CoreV1().ConfigMaps(cm.Namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		h.t.Fatalf("create configmap %s/%s: %v", cm.Namespace, cm.Name, err)
	}
}

func (h *Harness) cleanup(ctx context.Context) {
	if h.keepOnFail && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_NAMESPACE=1, keeping namespaces %s", strings.Join(h.namespaces, ", "))
		return
	}

	for _, ns := range h.namespaces {
		err := h.clientset.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			h.t.Logf("Warning: failed to delete namespace %s: %v", ns, err)
		}
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
