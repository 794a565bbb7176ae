package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequestStampsCorrelationID(t *testing.T) {
	a := NewRequest(ReqGet, "shop")
	b := NewRequest(ReqGet, "shop")

	require.NotEmpty(t, a.CorrelationID)
	require.NotEmpty(t, b.CorrelationID)
	require.NotEqual(t, a.CorrelationID, b.CorrelationID)
	require.Equal(t, ReqGet, a.Kind)
	require.Equal(t, "shop", a.Database)
}

func TestNewRequestServerScopedLeavesDatabaseAsGiven(t *testing.T) {
	req := NewRequest(ReqListDatabases, "")
	require.Equal(t, ReqListDatabases, req.Kind)
	require.Empty(t, req.Database)
}

func TestNewOkResponseCarriesNoPayload(t *testing.T) {
	resp := NewOkResponse("abc-123")
	require.Equal(t, RespOk, resp.Kind)
	require.Equal(t, "abc-123", resp.CorrelationID)
	require.Nil(t, resp.Server)
	require.Nil(t, resp.Database)
	require.Nil(t, resp.Error)
}

func TestNewErrorResponseCarriesClassifiedError(t *testing.T) {
	resp := NewErrorResponse("abc-123", "document_not_found", "document 7 not found")
	require.Equal(t, RespError, resp.Kind)
	require.NotNil(t, resp.Error)
	require.Equal(t, "document_not_found", resp.Error.Kind)
	require.Equal(t, "document 7 not found", resp.Error.Message)
}

func TestRequestPayloadMatchesKind(t *testing.T) {
	req := NewRequest(ReqQuery, "shop")
	req.Query = &QueryRequest{
		View:   "widgets.by-name",
		Key:    KeySelector{Kind: SelectMatches, Key: []byte("cog")},
		Policy: PolicyUpdateBefore,
	}

	require.Equal(t, ReqQuery, req.Kind)
	require.NotNil(t, req.Query)
	require.Nil(t, req.Get)
	require.Equal(t, SelectMatches, req.Query.Key.Kind)
}

func TestApplyTransactionRequestCarriesOperations(t *testing.T) {
	req := NewRequest(ReqApplyTransaction, "shop")
	req.ApplyTransaction = &ApplyTransactionRequest{
		Operations: []Operation{
			{Kind: OpInsert, Collection: "widgets", Contents: []byte("cog")},
			{Kind: OpDelete, Collection: "widgets", Header: Header{ID: 7}},
		},
	}

	require.Len(t, req.ApplyTransaction.Operations, 2)
	require.Equal(t, OpInsert, req.ApplyTransaction.Operations[0].Kind)
	require.Equal(t, uint64(7), req.ApplyTransaction.Operations[1].Header.ID)
}

func TestDatabaseResponseQueryResultsRoundTripShape(t *testing.T) {
	resp := Response{
		CorrelationID: "xyz",
		Kind:          RespDatabase,
		Database: &DatabaseResponse{
			QueryResults: []QueryResult{
				{
					Entry: ViewEntry{
						Key:      []byte("cog"),
						Mappings: []ViewMapping{{Source: 7, Value: []byte{0x01}}},
					},
					Document: &DocumentEntry{ID: 7, Contents: []byte("cog")},
				},
			},
		},
	}

	require.Equal(t, RespDatabase, resp.Kind)
	require.Len(t, resp.Database.QueryResults, 1)
	require.Equal(t, uint64(7), resp.Database.QueryResults[0].Document.ID)
}
