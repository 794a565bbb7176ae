package schema

import (
	"fmt"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	"github.com/cuemby/nimbusdb/pkg/document"
	"github.com/fxamacker/cbor/v2"
)

// KeyCodec converts a typed view key to and from the order-preserving byte
// encoding used as its tree key. Implementations must be lossless: Decode(Encode(k))
// must equal k.
type KeyCodec[K any] interface {
	Encode(key K) ([]byte, error)
	Decode(b []byte) (K, error)
}

// StringKeyCodec encodes keys as their raw UTF-8 bytes. Go's byte-wise slice
// comparison agrees with string comparison, so lexicographic tree order
// matches string order.
type StringKeyCodec struct{}

func (StringKeyCodec) Encode(key string) ([]byte, error) { return []byte(key), nil }
func (StringKeyCodec) Decode(b []byte) (string, error)   { return string(b), nil }

// Uint64KeyCodec encodes keys as 8-byte big-endian, matching document.IDKey
// so numeric keys sort in numeric order.
type Uint64KeyCodec struct{}

func (Uint64KeyCodec) Encode(key uint64) ([]byte, error) { return document.IDKey(key), nil }
func (Uint64KeyCodec) Decode(b []byte) (uint64, error)   { return document.DecodeIDKey(b) }

// BytesKeyCodec passes pre-encoded keys through unchanged.
type BytesKeyCodec struct{}

func (BytesKeyCodec) Encode(key []byte) ([]byte, error) { return key, nil }
func (BytesKeyCodec) Decode(b []byte) ([]byte, error)   { return b, nil }

// Emit is one key/value pair a view's map function produces for a document.
// A map function may emit zero, one, or many entries per document.
type Emit[K any, V any] struct {
	Key   K
	Value V
}

// MapFunc computes the emitted entries for one document. It must be a pure
// function of the document's contents: spec §5 requires map functions be
// deterministic and side-effect free so that re-running them during
// reindexing reproduces the same index.
type MapFunc[K any, V any] func(doc document.Document) ([]Emit[K, V], error)

// ReduceFunc folds the values sharing a key (or, when rereduce is true, folds
// intermediate reduction results from a prior reduce pass) into one value.
type ReduceFunc[V any] func(values []V, rereduce bool) (V, error)

// RawMapping is the byte-encoded form of an Emit, as stored in the view's
// backing tree.
type RawMapping struct {
	Key   []byte
	Value []byte
}

// ViewSpec is the user-facing, compile-time-typed declaration of a view.
// AddView converts it into a ViewDescriptor that the runtime dispatches
// through without needing K or V at the call site.
type ViewSpec[K any, V any] struct {
	Name       string
	Collection string
	KeyCodec   KeyCodec[K]
	Map        MapFunc[K, V]
	Reduce     ReduceFunc[V] // nil if the view has no reduce stage

	// Unique selects the update discipline: true indexes synchronously
	// within the writing transaction (spec §5 "unique"), false defers
	// indexing to a background job (spec §5 "non-unique" / lazy).
	Unique bool

	// Version changes invalidate and force a full rebuild of the view's
	// index the next time it is opened, per spec §5's view versioning note.
	Version int

	// EncryptionKeyID, when set, seals each entry's value before it is
	// written to the view's tree. Resolved through pkg/vault's normal
	// header/collection/database priority when empty.
	EncryptionKeyID *string

	// KeysEncrypted marks a view whose emitted keys are themselves opaque
	// (e.g. pre-encrypted by the map function) and therefore not
	// order-preserving. Range queries against such a view are rejected
	// with dberr.KindRangeQueryNotSupported.
	KeysEncrypted bool
}

// ViewDescriptor is the byte-oriented, type-erased runtime form of a
// registered view. pkg/txn and pkg/view operate exclusively on this type so
// that a Schema can hold views over arbitrarily different K/V pairs in one
// map.
type ViewDescriptor struct {
	Name            string
	Collection      string
	Unique          bool
	Version         int
	EncryptionKeyID *string
	KeysEncrypted   bool

	Map    func(doc document.Document) ([]RawMapping, error)
	Reduce func(values [][]byte, rereduce bool) ([]byte, error) // nil if unset
}

// CollectionSpec is the user-facing declaration of a collection.
type CollectionSpec struct {
	Name            string
	EncryptionKeyID *string
}

// CollectionDescriptor is the runtime form of a registered collection,
// carrying the names of the views declared against it.
type CollectionDescriptor struct {
	Name            string
	EncryptionKeyID *string
	Views           []string
}

// Schema is a named registry of collections and views, built once at
// startup via AddCollection and AddView and then shared read-only across
// every transaction and query.
type Schema struct {
	collections map[string]*CollectionDescriptor
	views       map[string]*ViewDescriptor
}

// New returns an empty Schema.
func New() *Schema {
	return &Schema{
		collections: make(map[string]*CollectionDescriptor),
		views:       make(map[string]*ViewDescriptor),
	}
}

// AddCollection registers a collection. Registering the same name twice is
// an error.
func (s *Schema) AddCollection(spec CollectionSpec) error {
	if spec.Name == "" {
		return dberr.New("schema.AddCollection", dberr.KindInvalidArgument, fmt.Errorf("collection name is required"))
	}
	if _, exists := s.collections[spec.Name]; exists {
		return dberr.New("schema.AddCollection", dberr.KindInvalidArgument, fmt.Errorf("collection %q already registered", spec.Name))
	}
	s.collections[spec.Name] = &CollectionDescriptor{
		Name:            spec.Name,
		EncryptionKeyID: spec.EncryptionKeyID,
	}
	return nil
}

// Collection looks up a registered collection by name.
func (s *Schema) Collection(name string) (CollectionDescriptor, bool) {
	c, ok := s.collections[name]
	if !ok {
		return CollectionDescriptor{}, false
	}
	return *c, true
}

// View looks up a registered view by name.
func (s *Schema) View(name string) (ViewDescriptor, bool) {
	v, ok := s.views[name]
	if !ok {
		return ViewDescriptor{}, false
	}
	return *v, true
}

// CollectionNames returns the names of every registered collection, in no
// particular order.
func (s *Schema) CollectionNames() []string {
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	return names
}

// ViewsOf returns the views declared against collection, in registration
// order.
func (s *Schema) ViewsOf(collection string) []ViewDescriptor {
	col, ok := s.collections[collection]
	if !ok {
		return nil
	}
	out := make([]ViewDescriptor, 0, len(col.Views))
	for _, name := range col.Views {
		out = append(out, *s.views[name])
	}
	return out
}

// AddView registers spec against s, closing its typed codec and map/reduce
// functions into a byte-oriented ViewDescriptor. Go does not allow type
// parameters on methods, so this is a package-level generic function rather
// than a method on *Schema.
func AddView[K any, V any](s *Schema, spec ViewSpec[K, V]) error {
	if spec.Name == "" {
		return dberr.New("schema.AddView", dberr.KindInvalidArgument, fmt.Errorf("view name is required"))
	}
	col, ok := s.collections[spec.Collection]
	if !ok {
		return dberr.New("schema.AddView", dberr.KindInvalidArgument, fmt.Errorf("collection %q not registered", spec.Collection))
	}
	if _, exists := s.views[spec.Name]; exists {
		return dberr.New("schema.AddView", dberr.KindInvalidArgument, fmt.Errorf("view %q already registered", spec.Name))
	}
	if spec.KeyCodec == nil {
		return dberr.New("schema.AddView", dberr.KindInvalidArgument, fmt.Errorf("view %q needs a key codec", spec.Name))
	}
	if spec.Map == nil {
		return dberr.New("schema.AddView", dberr.KindInvalidArgument, fmt.Errorf("view %q needs a map function", spec.Name))
	}

	descriptor := &ViewDescriptor{
		Name:            spec.Name,
		Collection:      spec.Collection,
		Unique:          spec.Unique,
		Version:         spec.Version,
		EncryptionKeyID: spec.EncryptionKeyID,
		KeysEncrypted:   spec.KeysEncrypted,
		Map:             rawMapFunc(spec),
	}
	if spec.Reduce != nil {
		descriptor.Reduce = rawReduceFunc(spec.Reduce)
	}

	s.views[spec.Name] = descriptor
	col.Views = append(col.Views, spec.Name)
	return nil
}

func rawMapFunc[K any, V any](spec ViewSpec[K, V]) func(document.Document) ([]RawMapping, error) {
	return func(doc document.Document) ([]RawMapping, error) {
		emits, err := spec.Map(doc)
		if err != nil {
			return nil, dberr.New("schema.map", dberr.KindMapFunc, err)
		}
		out := make([]RawMapping, 0, len(emits))
		for _, e := range emits {
			keyBytes, err := spec.KeyCodec.Encode(e.Key)
			if err != nil {
				return nil, dberr.New("schema.map", dberr.KindKeySerialization, err)
			}
			valueBytes, err := cbor.Marshal(e.Value)
			if err != nil {
				return nil, dberr.New("schema.map", dberr.KindSerialization, err)
			}
			out = append(out, RawMapping{Key: keyBytes, Value: valueBytes})
		}
		return out, nil
	}
}

func rawReduceFunc[V any](reduce ReduceFunc[V]) func([][]byte, bool) ([]byte, error) {
	return func(raw [][]byte, rereduce bool) ([]byte, error) {
		values := make([]V, len(raw))
		for i, b := range raw {
			if err := cbor.Unmarshal(b, &values[i]); err != nil {
				return nil, dberr.New("schema.reduce", dberr.KindSerialization, err)
			}
		}
		result, err := reduce(values, rereduce)
		if err != nil {
			return nil, dberr.New("schema.reduce", dberr.KindReduceFunc, err)
		}
		out, err := cbor.Marshal(result)
		if err != nil {
			return nil, dberr.New("schema.reduce", dberr.KindSerialization, err)
		}
		return out, nil
	}
}
