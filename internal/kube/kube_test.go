package kube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/rest"
	k8stesting "k8s.io/client-go/testing"
)

var testMarker = Marker{Key: "app.kubernetes.io/managed-by", Value: "configmapsyncd"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
}

func configMap(ns, name string, labels map[string]string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: labels},
	}
}

func newTestClient(objects ...runtime.Object) (*Clientset, *fake.Clientset) {
	cs := fake.NewSimpleClientset(objects...)
	return NewClientset(cs, Options{Marker: testMarker, Retry: fastRetry(), RequestTimeout: time.Second}, testLogger()), cs
}

func TestMarker(t *testing.T) {
	if got := testMarker.Selector(); got != "app.kubernetes.io/managed-by=configmapsyncd" {
		t.Errorf("Selector() = %q", got)
	}
	if !testMarker.Matches(map[string]string{"app.kubernetes.io/managed-by": "configmapsyncd", "x": "y"}) {
		t.Error("expected marker to match")
	}
	if testMarker.Matches(map[string]string{"app.kubernetes.io/managed-by": "helm"}) {
		t.Error("different value must not match")
	}
	if testMarker.Matches(nil) {
		t.Error("nil labels must not match")
	}
}

func TestListAllAndOwned(t *testing.T) {
	client, _ := newTestClient(
		configMap("team-a", "owned", map[string]string{testMarker.Key: testMarker.Value}),
		configMap("team-a", "foreign", map[string]string{testMarker.Key: "helm"}),
		configMap("team-a", "unlabeled", nil),
		configMap("team-b", "owned-elsewhere", map[string]string{testMarker.Key: testMarker.Value}),
	)
	ctx := context.Background()

	all, err := client.ListAll(ctx, "team-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("ListAll returned %d objects, want 3: %v", len(all), all)
	}
	if _, ok := all["owned-elsewhere"]; ok {
		t.Error("ListAll must be scoped to the namespace")
	}

	owned, err := client.ListOwned(ctx, "team-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(owned) != 1 {
		t.Fatalf("ListOwned returned %d objects, want 1: %v", len(owned), owned)
	}
	snap, ok := owned["owned"]
	if !ok {
		t.Fatal("owned object missing from ListOwned")
	}
	if !testMarker.Matches(snap.Labels) {
		t.Errorf("snapshot labels = %v", snap.Labels)
	}
}

func TestListRetriesTransientErrors(t *testing.T) {
	client, cs := newTestClient(configMap("ns", "cfg", nil))

	calls := 0
	cs.PrependReactor("list", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
		calls++
		if calls < 3 {
			return true, nil, apierrors.NewServiceUnavailable("apiserver restarting")
		}
		return false, nil, nil
	})

	all, err := client.ListAll(context.Background(), "ns")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 list calls, got %d", calls)
	}
	if _, ok := all["cfg"]; !ok {
		t.Error("expected cfg in result")
	}
}

func TestListFailureIsUnavailable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{
			name:      "transient error exhausts attempts",
			err:       apierrors.NewTooManyRequests("slow down", 1),
			wantCalls: 3,
		},
		{
			name:      "forbidden is not retried",
			err:       apierrors.NewForbidden(schema.GroupResource{Resource: "configmaps"}, "", errors.New("denied")),
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, cs := newTestClient()
			calls := 0
			cs.PrependReactor("list", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
				calls++
				return true, nil, tt.err
			})

			_, err := client.ListOwned(context.Background(), "ns")
			if !errors.Is(err, ErrUnavailable) {
				t.Errorf("expected ErrUnavailable, got %v", err)
			}
			if calls != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestCreateReplaceDelete(t *testing.T) {
	client, cs := newTestClient()
	ctx := context.Background()

	cm := configMap("ns", "cfg", map[string]string{testMarker.Key: testMarker.Value})
	cm.BinaryData = map[string][]byte{"a": {0x00, 0xff}}
	if err := client.Create(ctx, cm); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := client.Create(ctx, cm); !apierrors.IsAlreadyExists(err) {
		t.Errorf("second Create should fail with AlreadyExists, got %v", err)
	}

	replacement := cm.DeepCopy()
	replacement.BinaryData = map[string][]byte{"b": {0x01}}
	if err := client.Replace(ctx, replacement); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	got, err := cs.CoreV1().ConfigMaps("ns").Get(ctx, "cfg", metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.BinaryData["a"]; ok || len(got.BinaryData) != 1 {
		t.Errorf("replace should overwrite payload, got %v", got.BinaryData)
	}

	snap, err := client.Get(ctx, "ns", "cfg")
	if err != nil || snap.Name != "cfg" {
		t.Errorf("Get = %+v, %v", snap, err)
	}

	if err := client.Delete(ctx, "ns", "cfg", ""); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := client.Delete(ctx, "ns", "cfg", ""); !apierrors.IsNotFound(err) {
		t.Errorf("second Delete should report NotFound, got %v", err)
	}
}

func TestDeletePreconditions(t *testing.T) {
	for _, tc := range []struct {
		name            string
		resourceVersion string
		wantPrecondition bool
	}{
		{name: "unconditional", resourceVersion: ""},
		{name: "conditional", resourceVersion: "17", wantPrecondition: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			client, cs := newTestClient(configMap("ns", "cfg", nil))

			var opts metav1.DeleteOptions
			cs.PrependReactor("delete", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
				opts = action.(k8stesting.DeleteAction).GetDeleteOptions()
				return false, nil, nil
			})

			if err := client.Delete(context.Background(), "ns", "cfg", tc.resourceVersion); err != nil {
				t.Fatalf("Delete: %v", err)
			}

			pre := opts.Preconditions
			if !tc.wantPrecondition {
				if pre != nil {
					t.Errorf("expected no preconditions, got %+v", pre)
				}
				return
			}
			if pre == nil || pre.ResourceVersion == nil || *pre.ResourceVersion != tc.resourceVersion {
				t.Errorf("expected resourceVersion precondition %q, got %+v", tc.resourceVersion, pre)
			}
		})
	}
}

func TestCreateIsNotRetried(t *testing.T) {
	client, cs := newTestClient()
	calls := 0
	cs.PrependReactor("create", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
		calls++
		return true, nil, apierrors.NewServiceUnavailable("down")
	})

	if err := client.Create(context.Background(), configMap("ns", "cfg", nil)); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("create should be attempted once, got %d", calls)
	}
}

func TestRetryPolicy_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	policy := RetryPolicy{Attempts: 5, InitialDelay: time.Hour, Multiplier: 2}
	err := policy.Do(ctx, testLogger(), "test", func() error {
		calls++
		return apierrors.NewServiceUnavailable("down")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected a single attempt with a cancelled context, got %d", calls)
	}
}

func TestIsTransient(t *testing.T) {
	gr := schema.GroupResource{Resource: "configmaps"}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"service unavailable", apierrors.NewServiceUnavailable("x"), true},
		{"too many requests", apierrors.NewTooManyRequests("x", 1), true},
		{"internal", apierrors.NewInternalError(errors.New("boom")), true},
		{"server timeout", apierrors.NewServerTimeout(gr, "list", 1), true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"eof", io.ErrUnexpectedEOF, true},
		{"not found", apierrors.NewNotFound(gr, "cfg"), false},
		{"conflict", apierrors.NewConflict(gr, "cfg", errors.New("stale")), false},
		{"invalid", apierrors.NewBadRequest("bad"), false},
		{"canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDetectCredentialSource(t *testing.T) {
	dir := t.TempDir()

	if got := DetectCredentialSource(dir); got != InCluster {
		t.Errorf("existing probe path: got %s, want in-cluster", got)
	}
	if got := DetectCredentialSource(filepath.Join(dir, "missing")); got != LocalFile {
		t.Errorf("missing probe path: got %s, want kubeconfig", got)
	}
}

func TestResolveCredentialSource(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")

	tests := []struct {
		mode    string
		want    CredentialSource
		wantErr bool
	}{
		{mode: "auto", want: LocalFile},
		{mode: "", want: LocalFile},
		{mode: "in-cluster", want: InCluster},
		{mode: "kubeconfig", want: LocalFile},
		{mode: "token", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			got, err := ResolveCredentialSource(tt.mode, missing)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRESTConfig_Kubeconfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubeconfig")
	content := `apiVersion: v1
kind: Config
clusters:
- name: dev
  cluster:
    server: https://dev.example.com:6443
- name: prod
  cluster:
    server: https://prod.example.com:6443
users:
- name: admin
  user:
    token: secret
contexts:
- name: dev
  context:
    cluster: dev
    user: admin
- name: prod
  context:
    cluster: prod
    user: admin
current-context: dev
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := RESTConfig(LocalFile, path, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "https://dev.example.com:6443" {
		t.Errorf("host = %s, want dev server", cfg.Host)
	}

	cfg, err = RESTConfig(LocalFile, path, "prod")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "https://prod.example.com:6443" {
		t.Errorf("host = %s, want prod server", cfg.Host)
	}

	if _, err := RESTConfig(LocalFile, filepath.Join(t.TempDir(), "missing"), ""); !errors.Is(err, ErrUnavailable) {
		t.Errorf("missing kubeconfig should wrap ErrUnavailable, got %v", err)
	}
}

func TestRESTConfig_InClusterOutsidePod(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("KUBERNETES_SERVICE_PORT", "")

	if _, err := RESTConfig(InCluster, "", ""); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable outside a pod, got %v", err)
	}
}

func TestNewForConfig(t *testing.T) {
	client, err := NewForConfig(&rest.Config{Host: "https://127.0.0.1:6443"}, Options{Marker: testMarker, QPS: 20, Burst: 40}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if client.marker != testMarker {
		t.Errorf("marker = %+v", client.marker)
	}
}
