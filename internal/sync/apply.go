package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/retry"

	"github.com/schaermu/configmapsyncd/internal/desired"
	"github.com/schaermu/configmapsyncd/internal/kube"
)

var (
	// ErrInvalidObject marks definitions the API server would reject
	ErrInvalidObject = errors.New("invalid configmap definition")
	// ErrUnmanagedConflict marks an object without the ownership marker that
	// an upsert or delete would have overwritten
	ErrUnmanagedConflict = errors.New("configmap exists and is not managed by this tool")
)

// Outcome is the effect an applied action had on the cluster
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeCreated
	OutcomeReplaced
	OutcomeDeleted
	// OutcomeAbsent means the object to delete was already gone
	OutcomeAbsent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeDeleted:
		return "deleted"
	case OutcomeAbsent:
		return "absent"
	default:
		return "none"
	}
}

// ActionError reports a single failed action
type ActionError struct {
	Namespace string
	Name      string
	Op        string
	Err       error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s configmap %s/%s: %v", e.Op, e.Namespace, e.Name, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Applier executes plan actions against the cluster
type Applier struct {
	client            kube.Client
	marker            kube.Marker
	adoptUnmanaged    bool
	optimisticLocking bool
	logger            *slog.Logger
}

// NewApplier creates a new applier
func NewApplier(client kube.Client, marker kube.Marker, adoptUnmanaged, optimisticLocking bool, logger *slog.Logger) *Applier {
	return &Applier{
		client:            client,
		marker:            marker,
		adoptUnmanaged:    adoptUnmanaged,
		optimisticLocking: optimisticLocking,
		logger:            logger,
	}
}

// Apply executes one action in namespace. Errors are *ActionError.
func (a *Applier) Apply(ctx context.Context, namespace string, action Action) (Outcome, error) {
	var (
		outcome Outcome
		err     error
		op      = action.Kind.String()
	)

	switch action.Kind {
	case Upsert:
		outcome, err = a.upsert(ctx, namespace, action)
	case Delete:
		outcome, err = a.delete(ctx, namespace, action.Name, action.Remote)
	default:
		err = fmt.Errorf("unknown action kind %d", action.Kind)
	}

	if err != nil {
		return OutcomeNone, &ActionError{Namespace: namespace, Name: action.Name, Op: op, Err: err}
	}
	return outcome, nil
}

func (a *Applier) upsert(ctx context.Context, namespace string, action Action) (Outcome, error) {
	logger := a.logger.With("namespace", namespace, "configmap", action.Name)

	if err := action.Object.Validate(); err != nil {
		return OutcomeNone, fmt.Errorf("%w: %w", ErrInvalidObject, err)
	}

	body := a.buildBody(namespace, action.Object)

	if action.Remote == nil {
		logger.Info("creating configmap")
		err := a.client.Create(ctx, body)
		if err == nil {
			return OutcomeCreated, nil
		}
		if !apierrors.IsAlreadyExists(err) {
			return OutcomeNone, err
		}

		// Created by someone else since listing; re-check ownership before replacing
		logger.Warn("configmap appeared since listing, replacing instead")
		snap, err := a.client.Get(ctx, namespace, action.Name)
		if err != nil {
			return OutcomeNone, err
		}
		return a.replace(ctx, logger, body, &snap)
	}

	return a.replace(ctx, logger, body, action.Remote)
}

// replace overwrites the remote object with body. observed is the last
// snapshot seen for the object.
func (a *Applier) replace(ctx context.Context, logger *slog.Logger, body *corev1.ConfigMap, observed *kube.Snapshot) (Outcome, error) {
	if !a.marker.Matches(observed.Labels) {
		if !a.adoptUnmanaged {
			return OutcomeNone, ErrUnmanagedConflict
		}
		logger.Warn("adopting unmanaged configmap")
	}

	if a.optimisticLocking {
		body.ResourceVersion = observed.ResourceVersion
	}

	logger.Info("replacing configmap")
	err := retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		err := a.client.Replace(ctx, body)
		if !apierrors.IsConflict(err) {
			return err
		}

		logger.Debug("configmap changed since listing, re-reading", "resource_version", body.ResourceVersion)
		snap, getErr := a.client.Get(ctx, body.Namespace, body.Name)
		if getErr != nil {
			return getErr
		}
		if !a.marker.Matches(snap.Labels) && !a.adoptUnmanaged {
			return ErrUnmanagedConflict
		}
		body.ResourceVersion = snap.ResourceVersion
		return err
	})

	if apierrors.IsNotFound(err) {
		// Deleted since listing
		logger.Warn("configmap disappeared since listing, creating instead")
		body.ResourceVersion = ""
		if err := a.client.Create(ctx, body); err != nil {
			return OutcomeNone, err
		}
		return OutcomeCreated, nil
	}
	if err != nil {
		return OutcomeNone, err
	}
	return OutcomeReplaced, nil
}

// delete removes the named object. observed is the snapshot the delete was
// planned from; under optimistic locking the delete is conditional on it and
// a conflict re-checks ownership before trying again.
func (a *Applier) delete(ctx context.Context, namespace, name string, observed *kube.Snapshot) (Outcome, error) {
	logger := a.logger.With("namespace", namespace, "configmap", name)
	logger.Info("deleting configmap")

	var resourceVersion string
	if a.optimisticLocking && observed != nil {
		resourceVersion = observed.ResourceVersion
	}

	err := retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		err := a.client.Delete(ctx, namespace, name, resourceVersion)
		if !apierrors.IsConflict(err) {
			return err
		}

		logger.Debug("configmap changed since listing, re-reading", "resource_version", resourceVersion)
		snap, getErr := a.client.Get(ctx, namespace, name)
		if getErr != nil {
			return getErr
		}
		if !a.marker.Matches(snap.Labels) {
			return ErrUnmanagedConflict
		}
		resourceVersion = snap.ResourceVersion
		return err
	})

	if apierrors.IsNotFound(err) {
		logger.Debug("configmap already gone")
		return OutcomeAbsent, nil
	}
	if err != nil {
		return OutcomeNone, err
	}
	return OutcomeDeleted, nil
}

// buildBody renders the full object. Both payload maps are always set so a
// replace never leaves stale keys behind.
func (a *Applier) buildBody(namespace string, def desired.ConfigMap) *corev1.ConfigMap {
	data := make(map[string]string, len(def.Data))
	for k, v := range def.Data {
		data[k] = v
	}
	binaryData := make(map[string][]byte, len(def.BinaryData))
	for k, v := range def.BinaryData {
		binaryData[k] = v
	}

	return &corev1.ConfigMap{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "v1",
			Kind:       "ConfigMap",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      def.Name,
			Namespace: namespace,
			Labels: map[string]string{
				a.marker.Key: a.marker.Value,
			},
		},
		Data:       data,
		BinaryData: binaryData,
	}
}
