package sqlutil

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToSqlString(t *testing.T) {
	assert.Equal(t, sql.NullString{Valid: false}, ToSqlString(nil))

	s := "p1"
	assert.Equal(t, sql.NullString{String: "p1", Valid: true}, ToSqlString(&s))
}

func TestFromSqlStringPtr(t *testing.T) {
	assert.Nil(t, FromSqlStringPtr(sql.NullString{Valid: false}))

	got := FromSqlStringPtr(sql.NullString{String: "p1", Valid: true})
	require.NotNil(t, got)
	assert.Equal(t, "p1", *got)
}

func TestRoundTripPreservesEmptyString(t *testing.T) {
	empty := ""
	got := FromSqlStringPtr(ToSqlString(&empty))
	require.NotNil(t, got)
	assert.Equal(t, "", *got)
}
