package viewindex

import (
	"fmt"
	"sort"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	"github.com/cuemby/nimbusdb/pkg/document"
	"github.com/cuemby/nimbusdb/pkg/kv"
	"github.com/cuemby/nimbusdb/pkg/schema"
	"github.com/cuemby/nimbusdb/pkg/vault"
	"github.com/fxamacker/cbor/v2"
)

// entryMapping is one document's contribution to a view entry.
type entryMapping struct {
	Source uint64 `cbor:"source"`
	Value  []byte `cbor:"value"`
}

// storedEntry is the on-disk aggregate for one view key: every mapping
// contributing to it plus its reduced value (nil when the view has no
// reduce function).
type storedEntry struct {
	Mappings     []entryMapping `cbor:"mappings"`
	ReducedValue []byte         `cbor:"reduced_value,omitempty"`
}

// Map runs view's map function over doc (nil for a delete) and reconciles
// the view's entries and document-map trees with the result: keys the
// document no longer emits are subtracted from their entries, keys it newly
// emits (or still emits, with a possibly changed value) are upserted. It is
// idempotent: calling it again with the same doc and no intervening writes
// makes no changes. For a unique view, upserting a key already claimed by a
// different doc_id aborts with dberr.KindUniqueKeyViolation.
//
// v and keyID seal each stored entry the same way pkg/document seals a
// document body: keyID is the view's resolved encryption key (empty means
// plaintext), and entries already on disk are read back with
// vault.AllowAll{} since reconciling a view's own index is an internal
// maintenance operation, not a caller-gated read.
func Map(entries, docMap, omitted kv.TreeTxn, v vault.Vault, keyID string, view schema.ViewDescriptor, docID uint64, doc *document.Document) error {
	idKey := document.IDKey(docID)

	oldKeys, err := loadKeys(docMap, idKey)
	if err != nil {
		return err
	}

	var newMappings []schema.RawMapping
	if doc != nil {
		newMappings, err = view.Map(*doc)
		if err != nil {
			return err
		}
	}

	newKeySet := make(map[string][]byte, len(newMappings))
	for _, m := range newMappings {
		newKeySet[string(m.Key)] = m.Value
	}
	oldKeySet := make(map[string]struct{}, len(oldKeys))
	for _, k := range oldKeys {
		oldKeySet[string(k)] = struct{}{}
	}

	for keyStr := range oldKeySet {
		if _, stillEmitted := newKeySet[keyStr]; stillEmitted {
			continue
		}
		if err := removeMapping(entries, v, keyID, view, []byte(keyStr), docID); err != nil {
			return err
		}
	}
	for keyStr, value := range newKeySet {
		if err := upsertMapping(entries, v, keyID, view, []byte(keyStr), docID, value); err != nil {
			return err
		}
	}

	return storeKeys(docMap, omitted, idKey, newKeySet)
}

func loadKeys(docMap kv.TreeTxn, idKey []byte) ([][]byte, error) {
	raw, ok, err := docMap.Get(idKey)
	if err != nil {
		return nil, dberr.New("viewindex.Map", dberr.KindStorage, err)
	}
	if !ok {
		return nil, nil
	}
	var keys [][]byte
	if err := cbor.Unmarshal(raw, &keys); err != nil {
		return nil, dberr.New("viewindex.Map", dberr.KindSerialization, err)
	}
	return keys, nil
}

func storeKeys(docMap, omitted kv.TreeTxn, idKey []byte, newKeySet map[string][]byte) error {
	if len(newKeySet) == 0 {
		if err := docMap.Delete(idKey); err != nil {
			return dberr.New("viewindex.Map", dberr.KindStorage, err)
		}
		if err := omitted.Put(idKey, []byte{}); err != nil {
			return dberr.New("viewindex.Map", dberr.KindStorage, err)
		}
		return nil
	}

	keys := make([][]byte, 0, len(newKeySet))
	for k := range newKeySet {
		keys = append(keys, []byte(k))
	}
	sort.Slice(keys, func(i, j int) bool { return string(keys[i]) < string(keys[j]) })

	raw, err := cbor.Marshal(keys)
	if err != nil {
		return dberr.New("viewindex.Map", dberr.KindSerialization, err)
	}
	if err := docMap.Put(idKey, raw); err != nil {
		return dberr.New("viewindex.Map", dberr.KindStorage, err)
	}
	if err := omitted.Delete(idKey); err != nil {
		return dberr.New("viewindex.Map", dberr.KindStorage, err)
	}
	return nil
}

func loadEntry(entries kv.TreeTxn, key []byte, v vault.Vault, perms vault.Permissions) (storedEntry, bool, error) {
	raw, ok, err := entries.Get(key)
	if err != nil {
		return storedEntry{}, false, dberr.New("viewindex.Map", dberr.KindStorage, err)
	}
	if !ok {
		return storedEntry{}, false, nil
	}
	entry, err := vault.DecryptSerialized[storedEntry](v, perms, raw)
	if err != nil {
		return storedEntry{}, false, err
	}
	return entry, true, nil
}

func removeMapping(entries kv.TreeTxn, v vault.Vault, keyID string, view schema.ViewDescriptor, key []byte, docID uint64) error {
	entry, ok, err := loadEntry(entries, key, v, vault.AllowAll{})
	if err != nil || !ok {
		return err
	}

	remaining := entry.Mappings[:0]
	for _, m := range entry.Mappings {
		if m.Source != docID {
			remaining = append(remaining, m)
		}
	}
	entry.Mappings = remaining

	if len(entry.Mappings) == 0 {
		if err := entries.Delete(key); err != nil {
			return dberr.New("viewindex.Map", dberr.KindStorage, err)
		}
		return nil
	}
	if err := recomputeReduced(view, &entry); err != nil {
		return err
	}
	return putEntry(entries, key, entry, v, keyID)
}

func upsertMapping(entries kv.TreeTxn, v vault.Vault, keyID string, view schema.ViewDescriptor, key []byte, docID uint64, value []byte) error {
	entry, _, err := loadEntry(entries, key, v, vault.AllowAll{})
	if err != nil {
		return err
	}

	if view.Unique {
		for _, m := range entry.Mappings {
			if m.Source != docID {
				return dberr.New("viewindex.Map", dberr.KindUniqueKeyViolation,
					fmt.Errorf("view %q: key already claimed by document %d", view.Name, m.Source))
			}
		}
	}

	replaced := false
	for i, m := range entry.Mappings {
		if m.Source == docID {
			entry.Mappings[i].Value = value
			replaced = true
			break
		}
	}
	if !replaced {
		entry.Mappings = append(entry.Mappings, entryMapping{Source: docID, Value: value})
	}

	if err := recomputeReduced(view, &entry); err != nil {
		return err
	}
	return putEntry(entries, key, entry, v, keyID)
}

func recomputeReduced(view schema.ViewDescriptor, entry *storedEntry) error {
	if view.Reduce == nil {
		entry.ReducedValue = nil
		return nil
	}
	values := make([][]byte, len(entry.Mappings))
	for i, m := range entry.Mappings {
		values[i] = m.Value
	}
	reduced, err := view.Reduce(values, false)
	if err != nil {
		return err
	}
	entry.ReducedValue = reduced
	return nil
}

func putEntry(entries kv.TreeTxn, key []byte, entry storedEntry, v vault.Vault, keyID string) error {
	raw, err := vault.EncryptSerialized(v, keyID, entry)
	if err != nil {
		return err
	}
	if err := entries.Put(key, raw); err != nil {
		return dberr.New("viewindex.Map", dberr.KindStorage, err)
	}
	return nil
}

// Entry is the decoded, public form of a view entry returned by queries.
type Entry struct {
	Key          []byte
	Mappings     []Mapping
	ReducedValue []byte
}

// Mapping is one document's contribution to an Entry.
type Mapping struct {
	Source uint64
	Value  []byte
}

// LoadEntry reads and decodes the entry stored at key, if any, decrypting it
// (when the view seals its entries) under perms.
func LoadEntry(entries kv.TreeTxn, key []byte, v vault.Vault, perms vault.Permissions) (Entry, bool, error) {
	stored, ok, err := loadEntry(entries, key, v, perms)
	if err != nil || !ok {
		return Entry{}, ok, err
	}
	out := Entry{Key: key, ReducedValue: stored.ReducedValue, Mappings: make([]Mapping, len(stored.Mappings))}
	for i, m := range stored.Mappings {
		out.Mappings[i] = Mapping{Source: m.Source, Value: m.Value}
	}
	return out, true, nil
}
