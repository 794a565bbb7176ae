package kv

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/nimbusdb/pkg/dberr"
)

// memEngine is an in-process Engine over sorted maps, used by this
// module's own tests and by higher-level packages' tests so the suite does
// not need a file-backed bbolt database to exercise transaction semantics.
// It mirrors bbolt's single-writer model: Update holds an exclusive lock
// for its whole duration and only commits its clones of the touched trees
// back into the engine if fn succeeds, giving the same all-or-nothing
// rollback guarantee a real engine provides.
type memEngine struct {
	mu    sync.RWMutex
	trees map[string]*memTree
}

type memTree struct {
	data map[string][]byte
	seq  uint64
}

func (t *memTree) clone() *memTree {
	data := make(map[string][]byte, len(t.data))
	for k, v := range t.data {
		cp := make([]byte, len(v))
		copy(cp, v)
		data[k] = cp
	}
	return &memTree{data: data, seq: t.seq}
}

// NewMem creates an empty in-memory Engine.
func NewMem() Engine {
	return &memEngine{trees: make(map[string]*memTree)}
}

func (e *memEngine) Close() error { return nil }

func (e *memEngine) Update(ctx context.Context, names []string, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	clones := make(map[string]*memTree, len(names))
	for _, name := range names {
		orig, ok := e.trees[name]
		if !ok {
			orig = &memTree{data: make(map[string][]byte)}
		}
		clones[name] = orig.clone()
	}

	if err := fn(&memTxn{trees: clones}); err != nil {
		return err
	}
	for name, t := range clones {
		e.trees[name] = t
	}
	return nil
}

func (e *memEngine) View(ctx context.Context, names []string, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	view := make(map[string]*memTree, len(names))
	for _, name := range names {
		if t, ok := e.trees[name]; ok {
			view[name] = t
		} else {
			view[name] = &memTree{data: make(map[string][]byte)}
		}
	}
	return fn(&memTxn{trees: view, readOnly: true})
}

type memTxn struct {
	trees    map[string]*memTree
	readOnly bool
}

func (t *memTxn) Tree(name string) (TreeTxn, error) {
	tr, ok := t.trees[name]
	if !ok {
		return nil, dberr.New("kv.Txn.Tree", dberr.KindStorage, fmt.Errorf("tree %q not opened by this transaction", name))
	}
	return &memTreeTxn{tree: tr, readOnly: t.readOnly}, nil
}

type memTreeTxn struct {
	tree     *memTree
	readOnly bool
}

func (t *memTreeTxn) Get(key []byte) ([]byte, bool, error) {
	v, ok := t.tree.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (t *memTreeTxn) Put(key, value []byte) error {
	if t.readOnly {
		return dberr.New("kv.TreeTxn.Put", dberr.KindStorage, fmt.Errorf("write inside a read-only transaction"))
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	t.tree.data[string(key)] = cp
	return nil
}

func (t *memTreeTxn) Delete(key []byte) error {
	if t.readOnly {
		return dberr.New("kv.TreeTxn.Delete", dberr.KindStorage, fmt.Errorf("write inside a read-only transaction"))
	}
	delete(t.tree.data, string(key))
	return nil
}

func (t *memTreeTxn) NextID() (uint64, error) {
	if t.readOnly {
		return 0, dberr.New("kv.TreeTxn.NextID", dberr.KindStorage, fmt.Errorf("id generation requires a write transaction"))
	}
	t.tree.seq++
	return t.tree.seq, nil
}

func (t *memTreeTxn) sortedKeys() []string {
	keys := make([]string, 0, len(t.tree.data))
	for k := range t.tree.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *memTreeTxn) ForEach(fn func(key, value []byte) error) error {
	for _, k := range t.sortedKeys() {
		if err := fn([]byte(k), t.tree.data[k]); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTreeTxn) Range(start, end []byte, fn func(key, value []byte) error) error {
	for _, k := range t.sortedKeys() {
		kb := []byte(k)
		if bytes.Compare(kb, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(kb, end) >= 0 {
			break
		}
		if err := fn(kb, t.tree.data[k]); err != nil {
			return err
		}
	}
	return nil
}
