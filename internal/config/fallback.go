package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// FallbackEntry is one (provider, modelId) step inside a virtual model's chain,
// ordered by Priority ascending (lower number = higher precedence).
type FallbackEntry struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
	Priority int    `json:"priority"`
}

// VirtualModel resolves a client-facing model name to an ordered fallback chain.
type VirtualModel struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Entries []FallbackEntry `json:"entries"`
}

// FallbackDocument is the on-disk JSON document driving virtual-model routing.
type FallbackDocument struct {
	Enabled       bool           `json:"enabled"`
	VirtualModels []VirtualModel `json:"virtualModels"`
}

// OrderedChain returns the document's entries for name sorted by Priority ascending.
// The returned slice is a copy; mutating it does not affect the document.
func (d *FallbackDocument) OrderedChain(name string) ([]FallbackEntry, bool) {
	if d == nil || !d.Enabled {
		return nil, false
	}
	for _, vm := range d.VirtualModels {
		if vm.Name != name && vm.ID != name {
			continue
		}
		entries := make([]FallbackEntry, len(vm.Entries))
		copy(entries, vm.Entries)
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Priority < entries[j].Priority })
		return entries, true
	}
	return nil, false
}

// FallbackWatcher holds the current FallbackDocument and reloads it from disk when
// the backing file changes: debounced, and every
// reload swaps the whole document atomically — never a partial merge.
type FallbackWatcher struct {
	path string

	current atomic.Pointer[FallbackDocument]
	lastSum atomic.Pointer[[32]byte]

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFallbackWatcher loads path immediately and begins watching it for changes.
// If the file does not exist, the watcher starts with a disabled empty document
// and will pick up the file once it is created.
func NewFallbackWatcher(path string) (*FallbackWatcher, error) {
	fw := &FallbackWatcher{path: path, done: make(chan struct{})}

	if doc, sum, err := fw.readAndSum(); err == nil {
		fw.current.Store(doc)
		fw.lastSum.Store(&sum)
	} else {
		fw.current.Store(&FallbackDocument{})
		log.WithError(err).Debug("fallback: no document at startup, starting disabled")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fallback: new watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("fallback: watch dir: %w", err)
	}
	fw.watcher = w
	fw.wg.Add(1)
	go fw.loop()
	return fw, nil
}

// Current returns the most recently loaded document. Never nil.
func (fw *FallbackWatcher) Current() *FallbackDocument {
	if doc := fw.current.Load(); doc != nil {
		return doc
	}
	return &FallbackDocument{}
}

// Close stops the watcher goroutine and releases the underlying fsnotify handle.
func (fw *FallbackWatcher) Close() error {
	close(fw.done)
	err := fw.watcher.Close()
	fw.wg.Wait()
	return err
}

func (fw *FallbackWatcher) loop() {
	defer fw.wg.Done()
	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	reload := func() {
		doc, sum, err := fw.readAndSum()
		if err != nil {
			log.WithError(err).Warn("fallback: reload failed, keeping previous document")
			return
		}
		if prev := fw.lastSum.Load(); prev != nil && *prev == sum {
			return
		}
		fw.current.Store(doc)
		fw.lastSum.Store(&sum)
		log.Info("fallback: configuration reloaded")
	}
	for {
		select {
		case <-fw.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(fw.path) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("fallback: watcher error")
		}
	}
}

func (fw *FallbackWatcher) readAndSum() (*FallbackDocument, [32]byte, error) {
	data, err := os.ReadFile(fw.path)
	if err != nil {
		return nil, [32]byte{}, err
	}
	doc := &FallbackDocument{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, [32]byte{}, err
	}
	return doc, sha256.Sum256(data), nil
}
