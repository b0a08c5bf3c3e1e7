package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeString(t *testing.T) {
	tests := []struct {
		want string
		typ  Type
	}{
		{want: "InventoryStarted", typ: InventoryStarted},
		{want: "InventoryDone", typ: InventoryDone},
		{want: "Classified", typ: Classified},
		{want: "FileStarted", typ: FileStarted},
		{want: "FileSent", typ: FileSent},
		{want: "DeltaSent", typ: DeltaSent},
		{want: "FileIdentical", typ: FileIdentical},
		{want: "FileDeleted", typ: FileDeleted},
		{want: "FileFailed", typ: FileFailed},
		{want: "SummaryReceived", typ: SummaryReceived},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.String())
		})
	}
}

func TestTypeStringUnknown(t *testing.T) {
	assert.Equal(t, "Unknown", Type(999).String())
	assert.Equal(t, "Unknown", Type(0).String())
}

func TestEventZeroValue(t *testing.T) {
	var e Event
	assert.Equal(t, Type(0), e.Type)
	assert.True(t, e.Timestamp.IsZero())
	assert.Empty(t, e.Path)
	assert.Zero(t, e.Size)
	assert.Zero(t, e.Total)
	assert.Zero(t, e.TotalSize)
	require.NoError(t, e.Error)
}

func TestEventFields(t *testing.T) {
	now := time.Now()
	e := Event{
		Type:      DeltaSent,
		Timestamp: now,
		Path:      "dir/file.txt",
		Size:      1024,
		Literal:   10,
		Blocks:    3,
	}
	assert.Equal(t, DeltaSent, e.Type)
	assert.Equal(t, now, e.Timestamp)
	assert.Equal(t, "dir/file.txt", e.Path)
	assert.Equal(t, int64(1024), e.Size)
	assert.Equal(t, int64(10), e.Literal)
	assert.Equal(t, int64(3), e.Blocks)
}
