package wire

import "github.com/google/uuid"

// RequestKind identifies which of the server- or database-scoped
// operations a Request carries.
type RequestKind int

const (
	// Server-scoped requests.
	ReqCreateDatabase RequestKind = iota
	ReqDeleteDatabase
	ReqListDatabases
	ReqListAvailableSchemas

	// Database-scoped requests.
	ReqGet
	ReqGetMultiple
	ReqQuery
	ReqReduce
	ReqApplyTransaction
	ReqListExecutedTransactions
	ReqLastTransactionID

	// Pub/sub requests.
	ReqCreateSubscriber
	ReqPublish
	ReqSubscribeTo
	ReqUnsubscribeFrom
	ReqUnregisterSubscriber
)

// Request is the envelope every call carries: a correlation id, a Kind
// tag, and the database name for every database-scoped Kind (empty for the
// four server-scoped kinds). At most one of the typed payload fields below
// is populated, matching Kind; kinds that take no arguments
// (ListDatabases, ListAvailableSchemas, LastTransactionID) populate none.
type Request struct {
	CorrelationID string
	Kind          RequestKind
	Database      string

	CreateDatabase           *CreateDatabaseRequest
	DeleteDatabase           *DeleteDatabaseRequest
	Get                      *GetRequest
	GetMultiple              *GetMultipleRequest
	Query                    *QueryRequest
	Reduce                   *ReduceRequest
	ApplyTransaction         *ApplyTransactionRequest
	ListExecutedTransactions *ListExecutedTransactionsRequest
	CreateSubscriber         *CreateSubscriberRequest
	Publish                  *PublishRequest
	SubscribeTo              *SubscribeToRequest
	UnsubscribeFrom          *UnsubscribeFromRequest
	UnregisterSubscriber     *UnregisterSubscriberRequest
}

// NewRequest returns a Request of kind for database, stamped with a fresh
// correlation id. database is stored as given for every kind; callers pass
// "" for server-scoped kinds.
func NewRequest(kind RequestKind, database string) Request {
	return Request{CorrelationID: uuid.NewString(), Kind: kind, Database: database}
}

// CreateDatabaseRequest names the schema a new database is created against.
type CreateDatabaseRequest struct {
	Name       string
	SchemaName string
}

// DeleteDatabaseRequest names the database to delete.
type DeleteDatabaseRequest struct {
	Name string
}

// GetRequest fetches a single document by id.
type GetRequest struct {
	Collection string
	ID         uint64
}

// GetMultipleRequest fetches several documents by id, in order.
type GetMultipleRequest struct {
	Collection string
	IDs        []uint64
}

// KeySelectorKind mirrors pkg/view.SelectorKind across the wire, without
// importing pkg/view (requests are transport-layer shapes, not bound to
// the in-process query API).
type KeySelectorKind int

const (
	SelectNone KeySelectorKind = iota
	SelectMatches
	SelectMultiple
	SelectRange
)

// KeySelector is the wire form of pkg/view.KeySelector: keys cross the
// wire as their view-declared big-endian encoding, already resolved to
// bytes by the sender.
type KeySelector struct {
	Kind  KeySelectorKind
	Key   []byte
	Keys  [][]byte
	Start []byte
	End   []byte
}

// AccessPolicy mirrors pkg/view.AccessPolicy across the wire.
type AccessPolicy int

const (
	PolicyUpdateBefore AccessPolicy = iota
	PolicyUpdateAfter
	PolicyNoUpdate
)

// QueryRequest asks for a view's entries, optionally joined with their
// source documents (WithDocs selects QueryWithDocs over Query).
type QueryRequest struct {
	View     string
	Key      KeySelector
	Policy   AccessPolicy
	WithDocs bool
}

// ReduceRequest asks for a view's reduced value(s).
type ReduceRequest struct {
	View    string
	Key     KeySelector
	Policy  AccessPolicy
	Grouped bool
}

// OperationKind mirrors pkg/txn.OpKind across the wire.
type OperationKind int

const (
	OpInsert OperationKind = iota
	OpUpdate
	OpDelete
)

// Header is the wire form of pkg/document.Header.
type Header struct {
	ID              uint64
	Revision        []byte // opaque, CBOR-encoded document.Revision
	EncryptionKeyID *string
}

// Operation is the wire form of pkg/txn.Operation.
type Operation struct {
	Kind            OperationKind
	Collection      string
	Contents        []byte
	EncryptionKeyID *string
	Header          Header
}

// ApplyTransactionRequest submits a batch of operations to commit
// atomically.
type ApplyTransactionRequest struct {
	Operations []Operation
}

// ListExecutedTransactionsRequest pages through a database's transaction
// log. StartingID of nil starts from the beginning; ResultLimit of nil
// selects the database's default.
type ListExecutedTransactionsRequest struct {
	StartingID  *uint64
	ResultLimit *int
}

// CreateSubscriberRequest has no fields: the server mints a fresh id.
type CreateSubscriberRequest struct{}

// PublishRequest publishes payload to topic within the request's database.
type PublishRequest struct {
	Topic   []byte
	Payload []byte
}

// SubscribeToRequest subscribes SubscriberID to Topic.
type SubscribeToRequest struct {
	SubscriberID uint64
	Topic        []byte
}

// UnsubscribeFromRequest removes SubscriberID's subscription to Topic.
type UnsubscribeFromRequest struct {
	SubscriberID uint64
	Topic        []byte
}

// UnregisterSubscriberRequest drops SubscriberID entirely.
type UnregisterSubscriberRequest struct {
	SubscriberID uint64
}

// ResponseKind identifies which of Ok, Server, Database, or Error shape a
// Response carries.
type ResponseKind int

const (
	RespOk ResponseKind = iota
	RespServer
	RespDatabase
	RespError
)

// Response mirrors Request: a correlation id, a Kind tag, and exactly one
// populated payload.
type Response struct {
	CorrelationID string
	Kind          ResponseKind

	Server   *ServerResponse
	Database *DatabaseResponse
	Error    *ErrorResponse
}

// ServerResponse carries the result of a server-scoped request.
type ServerResponse struct {
	Databases []string
	Schemas   []string
}

// DocumentEntry is the wire form of one pkg/document.Document.
type DocumentEntry struct {
	ID       uint64
	Revision []byte // opaque, CBOR-encoded document.Revision
	Contents []byte
}

// ViewEntry is the wire form of one pkg/viewindex.Entry.
type ViewEntry struct {
	Key          []byte
	ReducedValue []byte
	Mappings     []ViewMapping
}

// ViewMapping is the wire form of one pkg/viewindex.Mapping.
type ViewMapping struct {
	Source uint64
	Value  []byte
}

// QueryResult pairs a ViewEntry with its source document when the
// originating QueryRequest had WithDocs set; Document is nil otherwise.
type QueryResult struct {
	Entry    ViewEntry
	Document *DocumentEntry
}

// DatabaseResponse carries the result of a database-scoped request.
type DatabaseResponse struct {
	Document             *DocumentEntry
	Documents            []DocumentEntry
	QueryResults         []QueryResult
	TransactionID        uint64
	Changes              []Operation
	ExecutedTransactions []ExecutedTransactionEntry
	SubscriberID         uint64
	Message              *Message
}

// ExecutedTransactionEntry is the wire form of one
// pkg/txn.ExecutedTransaction.
type ExecutedTransactionEntry struct {
	ID      uint64
	Changes []ChangeEntry
}

// ChangeEntry is the wire form of one pkg/txn.Change.
type ChangeEntry struct {
	Collection string
	ID         uint64
	Header     Header
	Deleted    bool
}

// Message is the wire form of one pkg/pubsub.Message.
type Message struct {
	Topic   []byte
	Payload []byte
}

// ErrorResponse carries a failed request's classified error.
type ErrorResponse struct {
	Kind    string
	Message string
}

// NewOkResponse returns a bare success Response for requests with no
// payload to report (e.g. DeleteDatabase, SubscribeTo).
func NewOkResponse(correlationID string) Response {
	return Response{CorrelationID: correlationID, Kind: RespOk}
}

// NewErrorResponse returns an error Response classified by kind.
func NewErrorResponse(correlationID, kind, message string) Response {
	return Response{
		CorrelationID: correlationID,
		Kind:          RespError,
		Error:         &ErrorResponse{Kind: kind, Message: message},
	}
}
