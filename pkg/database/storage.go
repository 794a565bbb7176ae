package database

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	"github.com/cuemby/nimbusdb/pkg/dispatcher"
	"github.com/cuemby/nimbusdb/pkg/kv"
	"github.com/cuemby/nimbusdb/pkg/pubsub"
	"github.com/cuemby/nimbusdb/pkg/schema"
	"github.com/cuemby/nimbusdb/pkg/vault"
	"github.com/fxamacker/cbor/v2"
)

// nameRe is the database name grammar: must start with an alphanumeric and
// may continue with alphanumerics, dots, and hyphens.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.\-]*$`)

// catalogTree names the storage-wide tree recording which databases exist
// and which registered schema each one was created against. It sits
// outside the per-database tree-naming contract on purpose: it is the one
// piece of state Storage itself needs before a Database handle exists.
const catalogTree = "__catalog::databases"

// catalogEntry is the on-disk record of one created database.
type catalogEntry struct {
	Name        string   `cbor:"name"`
	SchemaName  string   `cbor:"schema_name"`
	Collections []string `cbor:"collections"`
}

// DefaultResultLimit is ListExecutedTransactions' result count when the
// caller does not specify one.
const DefaultResultLimit = 1000

// MaxResultLimit is the hard ceiling ListExecutedTransactions enforces
// regardless of what the caller requests.
const MaxResultLimit = 1000

// Options configures Open.
type Options struct {
	// Dir is the on-disk directory backing a bbolt-based kv.Engine. Ignored
	// if KV is set.
	Dir string

	// KV, when set, is used directly instead of opening a bbolt engine at
	// Dir. Tests pass kv.NewMem() here.
	KV kv.Engine

	// Vault seals and opens document and view-entry contents. Defaults to
	// an empty vault.NewLocalKeyring().
	Vault vault.Vault

	// DefaultEncryptionKeyID is the database-default tier of the
	// header/collection/database key resolution priority: it seals a
	// document or view entry whose header and collection both leave the
	// encryption key unset. Nil means no database default (plaintext
	// unless a collection or header key applies).
	DefaultEncryptionKeyID *string

	// Schemas is the set of schemas this process knows how to open
	// databases against, keyed by the name clients pass to CreateDatabase
	// and OpenDatabase. ListAvailableSchemas reports these names.
	Schemas map[string]*schema.Schema

	// Workers sizes the shared task dispatcher's worker pool. Defaults to 4.
	Workers int
}

// Storage is the process-wide handle owning the shared kv.Engine, vault,
// task dispatcher, and pub/sub relay. It is safe for concurrent use; every
// Database handle obtained from it borrows these shared resources rather
// than opening its own.
type Storage struct {
	kv                     kv.Engine
	vault                  vault.Vault
	defaultEncryptionKeyID *string
	dispatcher             *dispatcher.Dispatcher
	relay                  *pubsub.Relay
	schemas                map[string]*schema.Schema

	mu    sync.RWMutex
	open  map[string]*Database
	owned bool // true if Storage opened kv itself and must Close it
}

// Open constructs a Storage from opts. If opts.KV is nil, a bbolt engine is
// opened at opts.Dir and Storage.Close closes it; otherwise the caller
// retains ownership of the kv.Engine's lifecycle.
func Open(opts Options) (*Storage, error) {
	kvEngine := opts.KV
	owned := false
	if kvEngine == nil {
		engine, err := kv.OpenBolt(opts.Dir)
		if err != nil {
			return nil, dberr.New("database.Open", dberr.KindStorage, err)
		}
		kvEngine = engine
		owned = true
	}

	v := opts.Vault
	if v == nil {
		v = vault.NewLocalKeyring()
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	schemas := make(map[string]*schema.Schema, len(opts.Schemas))
	for name, s := range opts.Schemas {
		schemas[name] = s
	}

	return &Storage{
		kv:                     kvEngine,
		vault:                  v,
		defaultEncryptionKeyID: opts.DefaultEncryptionKeyID,
		dispatcher:             dispatcher.New(workers),
		relay:                  pubsub.New(),
		schemas:                schemas,
		open:                   make(map[string]*Database),
		owned:                  owned,
	}, nil
}

// Close stops the task dispatcher and, if Storage opened the kv.Engine
// itself, closes it.
func (st *Storage) Close() error {
	st.dispatcher.Close()
	if st.owned {
		return st.kv.Close()
	}
	return nil
}

// ListAvailableSchemas returns the names of every schema registered with
// this Storage at Open.
func (st *Storage) ListAvailableSchemas() []string {
	names := make([]string, 0, len(st.schemas))
	for name := range st.schemas {
		names = append(names, name)
	}
	return names
}

// CreateDatabase registers a new database named name against the
// previously-registered schema schemaName and returns its handle. The name
// must match nameRe; creating a name already taken (compared
// case-insensitively) fails with KindDatabaseNameTaken.
func (st *Storage) CreateDatabase(ctx context.Context, name, schemaName string) (*Database, error) {
	if !nameRe.MatchString(name) {
		return nil, dberr.New("database.CreateDatabase", dberr.KindInvalidDatabaseName, fmt.Errorf("invalid database name %q", name))
	}
	sch, ok := st.schemas[schemaName]
	if !ok {
		return nil, dberr.New("database.CreateDatabase", dberr.KindSchemaNotRegistered, fmt.Errorf("schema %q not registered", schemaName))
	}

	key := canonicalName(name)
	var created bool
	err := st.kv.Update(ctx, []string{catalogTree}, func(ktxn kv.Txn) error {
		tree, err := ktxn.Tree(catalogTree)
		if err != nil {
			return err
		}
		if _, ok, err := tree.Get([]byte(key)); err != nil {
			return dberr.New("database.CreateDatabase", dberr.KindStorage, err)
		} else if ok {
			return dberr.New("database.CreateDatabase", dberr.KindDatabaseNameTaken, fmt.Errorf("database %q already exists", name))
		}

		entry := catalogEntry{Name: name, SchemaName: schemaName, Collections: sch.CollectionNames()}
		raw, err := cbor.Marshal(entry)
		if err != nil {
			return dberr.New("database.CreateDatabase", dberr.KindSerialization, err)
		}
		if err := tree.Put([]byte(key), raw); err != nil {
			return dberr.New("database.CreateDatabase", dberr.KindStorage, err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = created

	db := st.newDatabaseHandle(name, sch)
	if err := db.view.IntegrityCheck(ctx, name); err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.open[key] = db
	st.mu.Unlock()
	return db, nil
}

// OpenDatabase returns the handle for an already-created database, reusing
// a cached handle if one is open.
func (st *Storage) OpenDatabase(ctx context.Context, name string) (*Database, error) {
	key := canonicalName(name)

	st.mu.RLock()
	if db, ok := st.open[key]; ok {
		st.mu.RUnlock()
		return db, nil
	}
	st.mu.RUnlock()

	entry, err := st.readCatalogEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	sch, ok := st.schemas[entry.SchemaName]
	if !ok {
		return nil, dberr.New("database.OpenDatabase", dberr.KindSchemaNotRegistered, fmt.Errorf("schema %q not registered", entry.SchemaName))
	}

	db := st.newDatabaseHandle(entry.Name, sch)
	if err := db.view.IntegrityCheck(ctx, entry.Name); err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.open[key] = db
	st.mu.Unlock()
	return db, nil
}

// DeleteDatabase removes name from the catalog and drops its cached
// handle. The database's collection and view trees are left for garbage
// collection by a future compaction pass; kv.Engine exposes no tree-drop
// primitive, only per-key mutation.
func (st *Storage) DeleteDatabase(ctx context.Context, name string) error {
	key := canonicalName(name)
	err := st.kv.Update(ctx, []string{catalogTree}, func(ktxn kv.Txn) error {
		tree, err := ktxn.Tree(catalogTree)
		if err != nil {
			return err
		}
		if _, ok, err := tree.Get([]byte(key)); err != nil {
			return dberr.New("database.DeleteDatabase", dberr.KindStorage, err)
		} else if !ok {
			return dberr.New("database.DeleteDatabase", dberr.KindDatabaseNotFound, fmt.Errorf("database %q not found", name))
		}
		if err := tree.Delete([]byte(key)); err != nil {
			return dberr.New("database.DeleteDatabase", dberr.KindStorage, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	st.mu.Lock()
	delete(st.open, key)
	st.mu.Unlock()
	return nil
}

// ListDatabases returns the names of every created database.
func (st *Storage) ListDatabases(ctx context.Context) ([]string, error) {
	var names []string
	err := st.kv.View(ctx, []string{catalogTree}, func(ktxn kv.Txn) error {
		tree, err := ktxn.Tree(catalogTree)
		if err != nil {
			return err
		}
		return tree.ForEach(func(_, value []byte) error {
			var entry catalogEntry
			if err := cbor.Unmarshal(value, &entry); err != nil {
				return dberr.New("database.ListDatabases", dberr.KindSerialization, err)
			}
			names = append(names, entry.Name)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (st *Storage) readCatalogEntry(ctx context.Context, key string) (catalogEntry, error) {
	var entry catalogEntry
	var found bool
	err := st.kv.View(ctx, []string{catalogTree}, func(ktxn kv.Txn) error {
		tree, err := ktxn.Tree(catalogTree)
		if err != nil {
			return err
		}
		raw, ok, err := tree.Get([]byte(key))
		if err != nil {
			return dberr.New("database.OpenDatabase", dberr.KindStorage, err)
		}
		if !ok {
			return nil
		}
		if err := cbor.Unmarshal(raw, &entry); err != nil {
			return dberr.New("database.OpenDatabase", dberr.KindSerialization, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return catalogEntry{}, err
	}
	if !found {
		return catalogEntry{}, dberr.New("database.OpenDatabase", dberr.KindDatabaseNotFound, fmt.Errorf("database %q not found", key))
	}
	return entry, nil
}

func canonicalName(name string) string {
	return strings.ToLower(name)
}
