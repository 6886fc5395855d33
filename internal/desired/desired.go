package desired

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrInvalidRoot is returned when the root path is not an existing directory
var ErrInvalidRoot = errors.New("configmap directory is not a directory")

// ConfigMap is the filesystem-derived definition of one ConfigMap
type ConfigMap struct {
	Name       string
	Data       map[string]string
	BinaryData map[string][]byte
}

// Set maps ConfigMap names to their definitions within one namespace
type Set map[string]ConfigMap

// State maps namespaces to the ConfigMaps desired in them
type State map[string]Set

// Namespaces returns the namespaces in sorted order
func (s State) Namespaces() []string {
	return sortedKeys(s)
}

// Names returns the ConfigMap names in sorted order
func (s Set) Names() []string {
	return sortedKeys(s)
}

// Builder reads a directory tree into a State
type Builder struct {
	// DetectText places valid UTF-8 files into Data instead of BinaryData
	DetectText bool
	logger     *slog.Logger
}

// NewBuilder creates a new desired-state builder
func NewBuilder(logger *slog.Logger, detectText bool) *Builder {
	return &Builder{
		DetectText: detectText,
		logger:     logger,
	}
}

// CheckRoot verifies that root references an existing directory
func CheckRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRoot, root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrInvalidRoot, root)
	}
	return nil
}

// Build walks root and returns the desired state. Only direct subdirectories
// of root are namespaces and only direct subdirectories of a namespace are
// ConfigMaps; regular files inside a ConfigMap directory become its keys.
func (b *Builder) Build(root string) (State, error) {
	if err := CheckRoot(root); err != nil {
		return nil, err
	}

	b.logger.Info("extracting configmaps", "root", root)

	namespaces, err := subdirs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	state := make(State, len(namespaces))
	for _, ns := range namespaces {
		nsLogger := b.logger.With("namespace", ns)
		nsLogger.Info("discovered namespace")

		nsPath := filepath.Join(root, ns)
		names, err := subdirs(nsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to list configmaps in %s: %w", nsPath, err)
		}

		set := make(Set, len(names))
		for _, name := range names {
			cm, err := b.readConfigMap(nsLogger, name, filepath.Join(nsPath, name))
			if err != nil {
				return nil, err
			}
			set[name] = cm
		}
		state[ns] = set
	}

	b.logger.Info("configmap extraction completed", "namespaces", len(state))
	return state, nil
}

// readConfigMap reads every regular file in dir into a ConfigMap definition
func (b *Builder) readConfigMap(logger *slog.Logger, name, dir string) (ConfigMap, error) {
	logger = logger.With("configmap", name)
	logger.Info("discovered configmap", "path", dir)

	cm := ConfigMap{
		Name:       name,
		Data:       make(map[string]string),
		BinaryData: make(map[string][]byte),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return ConfigMap{}, fmt.Errorf("failed to list files in %s: %w", dir, err)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		// Stat follows symlinks, so linked files count as regular files
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("skipping dangling symlink", "path", path)
			continue
		}
		if err != nil {
			return ConfigMap{}, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return ConfigMap{}, fmt.Errorf("failed to read %s: %w", path, err)
		}

		if b.DetectText && utf8.Valid(content) {
			cm.Data[entry.Name()] = string(content)
		} else {
			cm.BinaryData[entry.Name()] = content
		}
		logger.Debug("added file", "key", entry.Name(), "bytes", len(content))
	}

	return cm, nil
}

// subdirs returns the names of the directories directly inside dir.
// Hidden directories are skipped.
func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := os.Stat(filepath.Join(dir, entry.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
