package kube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/pager"
)

// ErrUnavailable marks failures to reach or authenticate against the API server
var ErrUnavailable = errors.New("kubernetes API unavailable")

// Snapshot is the minimal projection of a remote ConfigMap needed for
// existence and ownership checks
type Snapshot struct {
	Name            string
	Labels          map[string]string
	ResourceVersion string
}

// Marker is the label attached to every ConfigMap written by this tool
type Marker struct {
	Key   string
	Value string
}

// Selector returns the label selector matching marked objects
func (m Marker) Selector() string {
	return labels.SelectorFromSet(labels.Set{m.Key: m.Value}).String()
}

// Matches reports whether the label set carries the marker
func (m Marker) Matches(set map[string]string) bool {
	v, ok := set[m.Key]
	return ok && v == m.Value
}

// Reader queries remote ConfigMaps without mutating them
type Reader interface {
	// ListAll returns every ConfigMap in the namespace keyed by name
	ListAll(ctx context.Context, namespace string) (map[string]Snapshot, error)
	// ListOwned returns the ConfigMaps carrying the ownership marker
	ListOwned(ctx context.Context, namespace string) (map[string]Snapshot, error)
	// Get returns the current snapshot of a single ConfigMap
	Get(ctx context.Context, namespace, name string) (Snapshot, error)
}

// Writer mutates remote ConfigMaps
type Writer interface {
	Create(ctx context.Context, cm *corev1.ConfigMap) error
	// Replace overwrites the whole object. A non-empty ResourceVersion makes
	// the update conditional.
	Replace(ctx context.Context, cm *corev1.ConfigMap) error
	// Delete removes the object. A non-empty resourceVersion makes the
	// delete conditional.
	Delete(ctx context.Context, namespace, name, resourceVersion string) error
}

// Client combines read and write access to ConfigMaps
type Client interface {
	Reader
	Writer
}

// Options configures a Clientset
type Options struct {
	Marker         Marker
	Retry          RetryPolicy
	RequestTimeout time.Duration
	QPS            float32
	Burst          int
}

// Clientset implements Client on top of a client-go clientset
type Clientset struct {
	cs      kubernetes.Interface
	marker  Marker
	retry   RetryPolicy
	timeout time.Duration
	logger  *slog.Logger
}

// NewClientset wraps an existing clientset
func NewClientset(cs kubernetes.Interface, opts Options, logger *slog.Logger) *Clientset {
	return &Clientset{
		cs:      cs,
		marker:  opts.Marker,
		retry:   opts.Retry,
		timeout: opts.RequestTimeout,
		logger:  logger,
	}
}

// NewForConfig builds a Clientset from a REST config
func NewForConfig(restCfg *rest.Config, opts Options, logger *slog.Logger) (*Clientset, error) {
	restCfg = rest.CopyConfig(restCfg)
	restCfg.UserAgent = "configmapsyncd"
	if opts.QPS > 0 {
		restCfg.QPS = opts.QPS
	}
	if opts.Burst > 0 {
		restCfg.Burst = opts.Burst
	}

	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create clientset: %w", ErrUnavailable, err)
	}
	return NewClientset(cs, opts, logger), nil
}

// ListAll returns every ConfigMap in the namespace
func (c *Clientset) ListAll(ctx context.Context, namespace string) (map[string]Snapshot, error) {
	return c.list(ctx, namespace, "")
}

// ListOwned returns the ConfigMaps in the namespace carrying the marker
func (c *Clientset) ListOwned(ctx context.Context, namespace string) (map[string]Snapshot, error) {
	return c.list(ctx, namespace, c.marker.Selector())
}

func (c *Clientset) list(ctx context.Context, namespace, selector string) (map[string]Snapshot, error) {
	var result map[string]Snapshot

	p := pager.New(func(ctx context.Context, opts metav1.ListOptions) (runtime.Object, error) {
		callCtx, cancel := c.callContext(ctx)
		defer cancel()
		return c.cs.CoreV1().ConfigMaps(namespace).List(callCtx, opts)
	})

	err := c.retry.Do(ctx, c.logger, "list", func() error {
		// Restart from an empty result on every attempt
		result = make(map[string]Snapshot)
		return p.EachListItem(ctx, metav1.ListOptions{LabelSelector: selector}, func(obj runtime.Object) error {
			accessor, err := meta.Accessor(obj)
			if err != nil {
				return err
			}
			result[accessor.GetName()] = Snapshot{
				Name:            accessor.GetName(),
				Labels:          accessor.GetLabels(),
				ResourceVersion: accessor.GetResourceVersion(),
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list configmaps in namespace %q: %w", ErrUnavailable, namespace, err)
	}
	return result, nil
}

// Get returns a snapshot of the named ConfigMap
func (c *Clientset) Get(ctx context.Context, namespace, name string) (Snapshot, error) {
	var snap Snapshot
	err := c.retry.Do(ctx, c.logger, "get", func() error {
		callCtx, cancel := c.callContext(ctx)
		defer cancel()
		cm, err := c.cs.CoreV1().ConfigMaps(namespace).Get(callCtx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		snap = Snapshot{Name: cm.Name, Labels: cm.Labels, ResourceVersion: cm.ResourceVersion}
		return nil
	})
	return snap, err
}

// Create issues a single create call. It is not retried: a lost response
// would surface as AlreadyExists on the next attempt, which callers handle.
func (c *Clientset) Create(ctx context.Context, cm *corev1.ConfigMap) error {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	_, err := c.cs.CoreV1().ConfigMaps(cm.Namespace).Create(callCtx, cm, metav1.CreateOptions{})
	return err
}

// Replace overwrites the ConfigMap with cm
func (c *Clientset) Replace(ctx context.Context, cm *corev1.ConfigMap) error {
	return c.retry.Do(ctx, c.logger, "replace", func() error {
		callCtx, cancel := c.callContext(ctx)
		defer cancel()
		_, err := c.cs.CoreV1().ConfigMaps(cm.Namespace).Update(callCtx, cm, metav1.UpdateOptions{})
		return err
	})
}

// Delete removes the named ConfigMap, only at resourceVersion when it is set
func (c *Clientset) Delete(ctx context.Context, namespace, name, resourceVersion string) error {
	opts := metav1.DeleteOptions{}
	if resourceVersion != "" {
		opts.Preconditions = &metav1.Preconditions{ResourceVersion: &resourceVersion}
	}
	return c.retry.Do(ctx, c.logger, "delete", func() error {
		callCtx, cancel := c.callContext(ctx)
		defer cancel()
		return c.cs.CoreV1().ConfigMaps(namespace).Delete(callCtx, name, opts)
	})
}

// callContext bounds a single API call by the request timeout
func (c *Clientset) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
