package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"join-document","documentId":"doc-1"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeJoinDocument, msg.Type)
	assert.Equal(t, "doc-1", msg.DocumentID)
}

func TestParseMessageErrors(t *testing.T) {
	_, err := ParseMessage([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseMessage([]byte(`{"documentId":"doc-1"}`))
	assert.Error(t, err, "missing type must be rejected")
}

func TestMessageRoundTrip(t *testing.T) {
	msg := &Message{
		Type:       TypeDocumentUpdate,
		DocumentID: "doc-1",
		Update:     []byte{0x01, 0x02},
		Seq:        7,
	}
	data, err := msg.JSON()
	require.NoError(t, err)

	got, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Type, got.Type)
	assert.Equal(t, msg.Update, got.Update)
	assert.Equal(t, msg.Seq, got.Seq)
}

func TestWireError(t *testing.T) {
	err := wireErrorf(CodeDocumentNotFound, "document %s does not exist", "doc-1")
	assert.Equal(t, "DOCUMENT_NOT_FOUND: document doc-1 does not exist", err.Error())
}
