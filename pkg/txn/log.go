package txn

import (
	"context"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	"github.com/cuemby/nimbusdb/pkg/document"
	"github.com/cuemby/nimbusdb/pkg/kv"
	"github.com/fxamacker/cbor/v2"
)

// ExecutedTransaction is one committed entry of a database's transaction
// log, as read back by ListExecutedTransactions.
type ExecutedTransaction struct {
	ID      uint64
	Changes []Change
}

// ListExecutedTransactions reads up to limit entries from database's
// transaction log starting at startingID (inclusive), in ascending id
// order. A startingID of 0 starts from the beginning of the log.
func ListExecutedTransactions(ctx context.Context, kvEngine kv.Engine, database string, startingID uint64, limit int) ([]ExecutedTransaction, error) {
	var out []ExecutedTransaction
	err := kvEngine.View(ctx, []string{kv.TransactionsTree(database)}, func(ktxn kv.Txn) error {
		logTree, err := ktxn.Tree(kv.TransactionsTree(database))
		if err != nil {
			return err
		}
		return logTree.Range(document.IDKey(startingID), nil, func(key, value []byte) error {
			if len(out) >= limit {
				return errStopIteration
			}
			var rec logRecord
			if err := cbor.Unmarshal(value, &rec); err != nil {
				return dberr.New("txn.ListExecutedTransactions", dberr.KindSerialization, err)
			}
			out = append(out, ExecutedTransaction{ID: rec.ID, Changes: rec.Changes})
			return nil
		})
	})
	if err != nil && err != errStopIteration {
		return nil, err
	}
	return out, nil
}

// LastTransactionID returns database's most recently committed transaction
// id, or ok=false if no transaction has ever committed.
func LastTransactionID(ctx context.Context, kvEngine kv.Engine, database string) (uint64, bool, error) {
	var last uint64
	var found bool
	err := kvEngine.View(ctx, []string{kv.TransactionsTree(database)}, func(ktxn kv.Txn) error {
		logTree, err := ktxn.Tree(kv.TransactionsTree(database))
		if err != nil {
			return err
		}
		return logTree.ForEach(func(key, value []byte) error {
			id, err := document.DecodeIDKey(key)
			if err != nil {
				return err
			}
			last = id
			found = true
			return nil
		})
	})
	if err != nil {
		return 0, false, err
	}
	return last, found, nil
}

// errStopIteration is a sentinel used internally to end a Range scan early
// once the caller's limit is reached; it never escapes this package.
type stopIteration struct{}

func (stopIteration) Error() string { return "iteration limit reached" }

var errStopIteration error = stopIteration{}
