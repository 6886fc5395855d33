package kube

import (
	"fmt"
	"os"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// CredentialSource tells where cluster credentials come from
type CredentialSource int

const (
	// InCluster uses the service account mounted into the pod
	InCluster CredentialSource = iota
	// LocalFile uses a kubeconfig file
	LocalFile
)

func (s CredentialSource) String() string {
	switch s {
	case InCluster:
		return "in-cluster"
	case LocalFile:
		return "kubeconfig"
	default:
		return fmt.Sprintf("CredentialSource(%d)", int(s))
	}
}

// DetectCredentialSource probes for the in-cluster credential mount
func DetectCredentialSource(probePath string) CredentialSource {
	if _, err := os.Stat(probePath); err == nil {
		return InCluster
	}
	return LocalFile
}

// ResolveCredentialSource maps a configured mode (auto, in-cluster,
// kubeconfig) to a concrete source. Auto probes probePath.
func ResolveCredentialSource(mode, probePath string) (CredentialSource, error) {
	switch mode {
	case "", "auto":
		return DetectCredentialSource(probePath), nil
	case "in-cluster":
		return InCluster, nil
	case "kubeconfig":
		return LocalFile, nil
	default:
		return 0, fmt.Errorf("unknown credential mode %q (must be auto, in-cluster, or kubeconfig)", mode)
	}
}

// RESTConfig loads the REST config for the given source. For LocalFile an
// empty kubeconfig path falls back to the client-go loading rules
// ($KUBECONFIG, then ~/.kube/config).
func RESTConfig(src CredentialSource, kubeconfig, kubeContext string) (*rest.Config, error) {
	switch src {
	case InCluster:
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("%w: load in-cluster config: %w", ErrUnavailable, err)
		}
		return cfg, nil
	case LocalFile:
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		if kubeconfig != "" {
			rules.ExplicitPath = kubeconfig
		}
		overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
		cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("%w: load kubeconfig: %w", ErrUnavailable, err)
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("unsupported credential source %s", src)
	}
}
