package view

import (
	"context"
	"fmt"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	"github.com/cuemby/nimbusdb/pkg/kv"
	"github.com/cuemby/nimbusdb/pkg/vault"
	"github.com/cuemby/nimbusdb/pkg/viewindex"
)

// Query returns the entries of viewName selected by sel, applying policy's
// freshness discipline first. perms gates decryption of sealed entries the
// same way it gates document reads.
func (ix *Indexer) Query(ctx context.Context, database, viewName string, sel KeySelector, policy AccessPolicy, perms vault.Permissions) ([]viewindex.Entry, error) {
	v, ok := ix.schema.View(viewName)
	if !ok {
		return nil, dberr.New("view.Query", dberr.KindViewNotFound, fmt.Errorf("view %q not registered", viewName))
	}
	if sel.Kind == SelectorRange && v.KeysEncrypted {
		return nil, dberr.New("view.Query", dberr.KindRangeQueryNotSupported, fmt.Errorf("view %q has encrypted keys", viewName))
	}

	if err := ix.applyPolicyBefore(ctx, database, viewName, policy); err != nil {
		return nil, err
	}

	var out []viewindex.Entry
	err := ix.kv.View(ctx, []string{kv.ViewEntriesTree(database, viewName)}, func(ktxn kv.Txn) error {
		entries, err := ktxn.Tree(kv.ViewEntriesTree(database, viewName))
		if err != nil {
			return err
		}
		out, err = readSelected(entries, sel, ix.vault, perms)
		return err
	})
	if err != nil {
		return nil, err
	}

	ix.applyPolicyAfter(database, viewName, policy)
	return out, nil
}

// Reduce folds viewName's reduce function over the entries selected by sel.
// When grouped is true, one reduced value is returned per distinct key
// (ordinary reduce); when false, every selected entry's reduced value is
// folded a second time with rereduce=true into a single overall result, short
// circuiting to that one entry's value unchanged when exactly one entry is
// selected, per the view's own semantics of a rereduce over one input. A
// view with no reduce function is rejected with KindInvalidArgument.
func (ix *Indexer) Reduce(ctx context.Context, database, viewName string, sel KeySelector, policy AccessPolicy, grouped bool, perms vault.Permissions) ([]viewindex.Entry, error) {
	v, ok := ix.schema.View(viewName)
	if !ok {
		return nil, dberr.New("view.Reduce", dberr.KindViewNotFound, fmt.Errorf("view %q not registered", viewName))
	}
	if v.Reduce == nil {
		return nil, dberr.New("view.Reduce", dberr.KindInvalidArgument, fmt.Errorf("view %q has no reduce function", viewName))
	}

	entries, err := ix.Query(ctx, database, viewName, sel, policy, perms)
	if err != nil {
		return nil, err
	}
	if grouped || len(entries) <= 1 {
		return entries, nil
	}

	values := make([][]byte, len(entries))
	for i, e := range entries {
		values[i] = e.ReducedValue
	}
	rereduced, err := v.Reduce(values, true)
	if err != nil {
		return nil, dberr.New("view.Reduce", dberr.KindReduceFunc, err)
	}
	return []viewindex.Entry{{ReducedValue: rereduced}}, nil
}

func (ix *Indexer) applyPolicyBefore(ctx context.Context, database, viewName string, policy AccessPolicy) error {
	if policy != UpdateBefore {
		return nil
	}
	return ix.UpdateIfNeeded(ctx, database, viewName)
}

func (ix *Indexer) applyPolicyAfter(database, viewName string, policy AccessPolicy) {
	if policy != UpdateAfter {
		return
	}
	ix.NotifyViewInvalidated(database, viewName)
}

func readSelected(entries kv.TreeTxn, sel KeySelector, v vault.Vault, perms vault.Permissions) ([]viewindex.Entry, error) {
	switch sel.Kind {
	case SelectorMatches:
		entry, ok, err := viewindex.LoadEntry(entries, sel.Key, v, perms)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []viewindex.Entry{entry}, nil

	case SelectorMultiple:
		out := make([]viewindex.Entry, 0, len(sel.Keys))
		for _, key := range sel.Keys {
			entry, ok, err := viewindex.LoadEntry(entries, key, v, perms)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, entry)
			}
		}
		return out, nil

	case SelectorRange:
		var out []viewindex.Entry
		err := entries.Range(sel.Start, sel.End, func(key, _ []byte) error {
			entry, ok, err := viewindex.LoadEntry(entries, key, v, perms)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, entry)
			}
			return nil
		})
		return out, err

	default: // SelectorNone
		var out []viewindex.Entry
		err := entries.ForEach(func(key, _ []byte) error {
			entry, ok, err := viewindex.LoadEntry(entries, key, v, perms)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, entry)
			}
			return nil
		})
		return out, err
	}
}
