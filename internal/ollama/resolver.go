// Package ollama finds GGUF weights inside a local Ollama model store so
// model.path may name "gpt2" instead of a blob path.
package ollama

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultTag      = "latest"
	DefaultRegistry = "registry.ollama.ai"
	DefaultLibrary  = "library"
	MediaTypeModel  = "application/vnd.ollama.image.model"
)

var ErrNotFound = errors.New("model not found in ollama store")

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// ModelDir returns $OLLAMA_MODELS or ~/.ollama/models.
func ModelDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Reference is a parsed model name such as "gpt2", "gpt2:124m" or
// "registry.example.com/team/gpt2:latest".
type Reference struct {
	Registry  string
	Namespace string
	Name      string
	Tag       string
}

func ParseReference(s string) (Reference, error) {
	ref := Reference{Registry: DefaultRegistry, Namespace: DefaultLibrary, Tag: DefaultTag}
	if s == "" {
		return ref, fmt.Errorf("empty model name")
	}
	name := s
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		name, ref.Tag = s[:i], s[i+1:]
	}
	parts := strings.Split(name, "/")
	switch len(parts) {
	case 1:
		ref.Name = parts[0]
	case 2:
		ref.Namespace, ref.Name = parts[0], parts[1]
	case 3:
		ref.Registry, ref.Namespace, ref.Name = parts[0], parts[1], parts[2]
	default:
		return ref, fmt.Errorf("invalid model name %q", s)
	}
	if ref.Name == "" || ref.Tag == "" {
		return ref, fmt.Errorf("invalid model name %q", s)
	}
	return ref, nil
}

func (r Reference) String() string {
	return fmt.Sprintf("%s/%s/%s:%s", r.Registry, r.Namespace, r.Name, r.Tag)
}

// Resolver maps model names to blob paths under Dir.
type Resolver struct {
	Dir string
}

func NewResolver() (*Resolver, error) {
	dir, err := ModelDir()
	if err != nil {
		return nil, err
	}
	return &Resolver{Dir: dir}, nil
}

// ResolveModelPath returns nameOrPath itself when it is an existing file,
// otherwise the GGUF blob of the named Ollama model.
func ResolveModelPath(nameOrPath string) (string, error) {
	if isFile(nameOrPath) {
		return nameOrPath, nil
	}
	r, err := NewResolver()
	if err != nil {
		return "", err
	}
	return r.Resolve(nameOrPath)
}

func (r *Resolver) Resolve(name string) (string, error) {
	ref, err := ParseReference(name)
	if err != nil {
		return "", err
	}

	manifestPath := filepath.Join(r.Dir, "manifests", ref.Registry, ref.Namespace, ref.Name, ref.Tag)
	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%s: manifest %s: %w", ref, manifestPath, ErrNotFound)
	}
	if err != nil {
		return "", err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parsing manifest %s: %w", manifestPath, err)
	}

	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("%s: no model layer in manifest", ref)
	}

	// blobs are stored as sha256-<hash>
	blobPath := filepath.Join(r.Dir, "blobs", strings.Replace(digest, ":", "-", 1))
	if !isFile(blobPath) {
		return "", fmt.Errorf("%s: blob %s: %w", ref, blobPath, ErrNotFound)
	}
	return blobPath, nil
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
