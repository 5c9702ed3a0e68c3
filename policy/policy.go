// Package policy compiles CEL policy bundles and evaluates them against
// JSON documents.
package policy

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	ErrInvalidBundle = errors.New("policy: invalid bundle")
	ErrNoEntrypoint  = errors.New("policy: bundle has no entrypoint")
	ErrNotFound      = errors.New("policy: not found")
	ErrEvalFailed    = errors.New("policy: evaluation failed")
)

const (
	dataFile  = "data.json"
	celSuffix = ".cel"

	maxBundleEntry = 1 << 20
)

var structValueType = reflect.TypeOf(&structpb.Value{})

// NewID returns a fresh policy identifier.
func NewID() string {
	return uuid.NewString()
}

type compiled struct {
	programs    map[string]cel.Program
	data        any
	entrypoints []string
}

// Manager holds compiled bundles by id. Safe for concurrent use.
type Manager struct {
	env      *cel.Env
	policies map[string]*compiled
	mu       sync.RWMutex
}

// NewManager creates a Manager whose expressions see `data` and `input`.
func NewManager() (*Manager, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.DynType),
		cel.Variable("input", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL env: %w", err)
	}
	return &Manager{env: env, policies: make(map[string]*compiled)}, nil
}

// Load compiles bundle and stores it under id, replacing any previous
// bundle with that id. It returns the sorted entrypoint names.
func (m *Manager) Load(id string, bundle []byte) ([]string, error) {
	sources, data, err := readBundle(bundle)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, ErrNoEntrypoint
	}

	c := &compiled{programs: make(map[string]cel.Program, len(sources)), data: data}
	for name, src := range sources {
		ast, issues := m.env.Compile(src)
		if issues.Err() != nil {
			return nil, fmt.Errorf("%w: compiling %q: %v", ErrInvalidBundle, name, issues.Err())
		}
		prog, err := m.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("%w: building %q: %v", ErrInvalidBundle, name, err)
		}
		c.programs[name] = prog
		c.entrypoints = append(c.entrypoints, name)
	}
	sort.Strings(c.entrypoints)

	m.mu.Lock()
	m.policies[id] = c
	m.mu.Unlock()

	Logger().Debug("policy loaded", zap.String("id", id), zap.Strings("entrypoints", c.entrypoints))
	return append([]string(nil), c.entrypoints...), nil
}

// Eval runs the first entrypoint of policy id. data and input are JSON
// documents; an empty data uses the bundle's data.json. The result is
// returned as JSON.
func (m *Manager) Eval(ctx context.Context, id, data, input string) (string, error) {
	m.mu.RLock()
	c, ok := m.policies[id]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}

	vars := map[string]any{"data": c.data, "input": nil}
	if data != "" {
		var v any
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return "", fmt.Errorf("%w: data: %v", ErrEvalFailed, err)
		}
		vars["data"] = v
	}
	if input != "" {
		var v any
		if err := json.Unmarshal([]byte(input), &v); err != nil {
			return "", fmt.Errorf("%w: input: %v", ErrEvalFailed, err)
		}
		vars["input"] = v
	}

	entry := c.entrypoints[0]
	val, _, err := c.programs[entry].ContextEval(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrEvalFailed, entry, err)
	}
	native, err := val.ConvertToNative(structValueType)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrEvalFailed, entry, err)
	}
	out, err := json.Marshal(native.(*structpb.Value).AsInterface())
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrEvalFailed, entry, err)
	}
	return string(out), nil
}

// Remove drops policy id.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.policies, id)
	m.mu.Unlock()
}

// readBundle extracts CEL sources keyed by entrypoint and the parsed
// data.json, if present.
func readBundle(bundle []byte) (map[string]string, any, error) {
	zr, err := gzip.NewReader(bytes.NewReader(bundle))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	defer zr.Close()

	sources := make(map[string]string)
	var data any
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if name != dataFile && !strings.HasSuffix(name, celSuffix) {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(tr, maxBundleEntry+1))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
		}
		if len(body) > maxBundleEntry {
			return nil, nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidBundle, name, maxBundleEntry)
		}

		if name == dataFile {
			if err := json.Unmarshal(body, &data); err != nil {
				return nil, nil, fmt.Errorf("%w: %s: %v", ErrInvalidBundle, dataFile, err)
			}
			continue
		}
		sources[strings.TrimSuffix(name, celSuffix)] = string(body)
	}
	return sources, data, nil
}

// Bundle builds a policy bundle from CEL sources keyed by entrypoint and
// an optional data document.
func Bundle(sources map[string]string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	write := func(name string, body []byte) error {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			return err
		}
		_, err := tw.Write(body)
		return err
	}
	for _, name := range names {
		if err := write(name+celSuffix, []byte(sources[name])); err != nil {
			return nil, err
		}
	}
	if data != nil {
		if err := write(dataFile, data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
