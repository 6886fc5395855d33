package desired

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/validation"
)

// ValidateNamespace checks that ns can name a Kubernetes namespace
func ValidateNamespace(ns string) error {
	if errs := validation.IsDNS1123Label(ns); len(errs) > 0 {
		return fmt.Errorf("invalid namespace name %q: %s", ns, strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the definition against the API server's ConfigMap rules
// so that an invalid directory fails locally instead of on the wire. Only
// values count towards the size limit.
func (c ConfigMap) Validate() error {
	if errs := validation.IsDNS1123Subdomain(c.Name); len(errs) > 0 {
		return fmt.Errorf("invalid configmap name %q: %s", c.Name, strings.Join(errs, "; "))
	}

	size := 0
	for key, value := range c.Data {
		if errs := validation.IsConfigMapKey(key); len(errs) > 0 {
			return fmt.Errorf("invalid key %q: %s", key, strings.Join(errs, "; "))
		}
		if _, dup := c.BinaryData[key]; dup {
			return fmt.Errorf("key %q present in both data and binaryData", key)
		}
		size += len(value)
	}
	for key, value := range c.BinaryData {
		if errs := validation.IsConfigMapKey(key); len(errs) > 0 {
			return fmt.Errorf("invalid key %q: %s", key, strings.Join(errs, "; "))
		}
		size += len(value)
	}

	if size > corev1.MaxSecretSize {
		return fmt.Errorf("configmap %q is %d bytes, exceeds the %d byte limit", c.Name, size, corev1.MaxSecretSize)
	}
	return nil
}
