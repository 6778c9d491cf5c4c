// Package catalog maps raw CAN frames to named, typed signal values using a
// YAML message definition file.
//
// Definitions can be reloaded while the pipeline runs; decoding always uses
// one complete definition. The schema registry handed to storage is derived
// from the definition loaded at startup and is not updated on reload.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"can-logger/ingestion/internal/domain"
)

type Catalog struct {
	log  *slog.Logger
	path string
	def  atomic.Pointer[definition]
}

// Load reads and validates the catalog file at path.
func Load(log *slog.Logger, path string) (*Catalog, error) {
	c := &Catalog{log: log, path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse builds a catalog from an in-memory definition. Reload is a no-op.
func Parse(log *slog.Logger, data []byte) (*Catalog, error) {
	def, err := parse(data)
	if err != nil {
		return nil, err
	}
	c := &Catalog{log: log}
	c.def.Store(def)
	return c, nil
}

func parse(data []byte) (*definition, error) {
	var f fileDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return compile(f)
}

// Reload swaps in the current file contents. On error the previous
// definition stays active.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read catalog %s: %w", c.path, err)
	}
	def, err := parse(data)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", c.path, err)
	}
	c.def.Store(def)
	return nil
}

// Decode returns nil, nil when the frame id is not in the catalog.
func (c *Catalog) Decode(frame domain.RawFrame) (*domain.DecodedMessage, error) {
	return c.def.Load().decode(frame)
}

func (c *Catalog) Schema() *domain.Schema {
	def := c.def.Load()
	messages := make([]domain.MessageSchema, 0, len(def.messages))
	for _, m := range def.messages {
		cols := make([]domain.Column, 0, len(m.Signals))
		for _, s := range m.Signals {
			cols = append(cols, domain.Column{Name: s.Name, Type: s.Type})
		}
		messages = append(messages, domain.MessageSchema{Name: m.Name, ID: m.ID, Columns: cols})
	}
	return domain.NewSchema(messages)
}

// FaultSignals lists the signal names flagged as fault indicators in the
// active definition. Callers must not modify the returned slice.
func (c *Catalog) FaultSignals() []string {
	return c.def.Load().faults
}

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", c.path, err)
	}
	target := filepath.Clean(c.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := c.Reload(); err != nil {
				c.log.Error("catalog: reload failed, keeping previous definition", "error", err)
				continue
			}
			c.log.Info("catalog: reloaded", "path", c.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("catalog: watcher error", "error", err)
		}
	}
}
