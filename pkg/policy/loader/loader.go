// Package loader loads versioned policy packs from externally authored
// YAML/JSON files, validates them against a JSON schema, and feeds them to
// the registry. Packs without a declared version get a content-addressed one.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/arbiterhq/arbiter/pkg/canonical"
	"github.com/arbiterhq/arbiter/pkg/policy"
)

// packSchema validates the pack file shape before decoding. Semantic checks
// (fail-closed default, condition kinds) live in policy.Pack.Validate.
const packSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "scope", "rules"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "scope": {"type": "string", "minLength": 1},
    "version": {"type": "string"},
    "default_effect": {"enum": ["DENY"]},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "action", "effect"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "action": {"type": "string", "minLength": 1},
          "effect": {"enum": ["ALLOW", "DENY", "WARN"]},
          "ledger_level": {"enum": ["summary", "full"]},
          "description": {"type": "string"},
          "conditions": {"type": "array", "items": {"type": "object"}}
        }
      }
    }
  }
}`

// Loader loads policy packs from a directory of .yaml/.yml/.json files.
type Loader struct {
	dir    string
	logger *slog.Logger
	schema *jsonschema.Schema

	mu       sync.RWMutex
	packs    map[string]*policy.Pack // file base name -> pack
	onReload func(packs []*policy.Pack)

	// degraded is set when the most recent load failed. The previous pack
	// set stays active; health reporting surfaces the failure.
	degraded atomic.Bool
}

// New creates a Loader for the given directory.
func New(dir string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("pack.schema.json", strings.NewReader(packSchema)); err != nil {
		return nil, fmt.Errorf("loader: add schema resource: %w", err)
	}
	schema, err := c.Compile("pack.schema.json")
	if err != nil {
		return nil, fmt.Errorf("loader: compile pack schema: %w", err)
	}
	return &Loader{
		dir:    dir,
		logger: logger,
		schema: schema,
		packs:  make(map[string]*policy.Pack),
	}, nil
}

// OnReload registers a callback invoked with the full pack set after every
// successful load or reload.
func (l *Loader) OnReload(fn func(packs []*policy.Pack)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = fn
}

// LoadAll loads every pack file in the directory, replacing the current set.
// A file that fails to parse or validate aborts the load; the previous pack
// set stays active.
func (l *Loader) LoadAll() error {
	err := l.loadAll()
	l.degraded.Store(err != nil)
	return err
}

// Degraded reports whether the most recent load failed.
func (l *Loader) Degraded() bool {
	return l.degraded.Load()
}

func (l *Loader) loadAll() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("loader: read dir %s: %w", l.dir, err)
	}

	next := make(map[string]*policy.Pack)
	scopes := make(map[string]string) // scope -> file
	for _, entry := range entries {
		if entry.IsDir() || !isPackFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		pack, err := l.loadFile(path)
		if err != nil {
			return fmt.Errorf("loader: %s: %w", entry.Name(), err)
		}
		if prev, dup := scopes[pack.Scope]; dup {
			return fmt.Errorf("loader: scope %q declared by both %s and %s", pack.Scope, prev, entry.Name())
		}
		scopes[pack.Scope] = entry.Name()
		next[entry.Name()] = pack
	}

	l.mu.Lock()
	l.packs = next
	callback := l.onReload
	packs := l.packList()
	l.mu.Unlock()

	l.logger.Info("policy packs loaded", "dir", l.dir, "count", len(packs))
	if callback != nil {
		callback(packs)
	}
	return nil
}

// loadFile parses, schema-validates, and semantically validates one pack.
func (l *Loader) loadFile(path string) (*policy.Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	// Normalize YAML to a JSON document for schema validation.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	jsonDoc, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(jsonDoc))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("normalize decode: %w", err)
	}
	if err := l.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	var pack policy.Pack
	if err := json.Unmarshal(jsonDoc, &pack); err != nil {
		return nil, fmt.Errorf("decode pack: %w", err)
	}
	if err := pack.Validate(); err != nil {
		return nil, err
	}
	if pack.Version == "" {
		hash, err := canonical.Hash(&pack)
		if err != nil {
			return nil, fmt.Errorf("version hash: %w", err)
		}
		pack.Version = "sha256:" + hash[:12]
	}
	return &pack, nil
}

// Packs returns the currently loaded packs sorted by id.
func (l *Loader) Packs() []*policy.Pack {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.packList()
}

func (l *Loader) packList() []*policy.Pack {
	packs := make([]*policy.Pack, 0, len(l.packs))
	for _, p := range l.packs {
		packs = append(packs, p)
	}
	sort.Slice(packs, func(i, j int) bool { return packs[i].ID < packs[j].ID })
	return packs
}

func isPackFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json":
		return !strings.HasPrefix(name, ".")
	}
	return false
}
