package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeStep1StartsWithSyncTag(t *testing.T) {
	doc := NewDocument("room-1")
	msg := EncodeStep1(doc)
	require.NotEmpty(t, msg)
	assert.Equal(t, TagSync, msg[0])
}

func TestHandleEmptyFrame(t *testing.T) {
	doc := NewDocument("room-1")
	resp, err := Handle(doc, nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestHandleNonSyncFrameIsIgnored(t *testing.T) {
	doc := NewDocument("room-1")
	resp, err := Handle(doc, []byte{TagAwareness, 0, 0})
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestHandleMalformedStateVectorReturnsTypedError(t *testing.T) {
	doc := NewDocument("room-1")
	frame := encodeSyncFrame(SyncStep1, []byte{0xFF, 0xFF, 0xFF})
	_, err := Handle(doc, frame)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedStateVector)
}

func TestHandleMalformedUpdateReturnsTypedError(t *testing.T) {
	doc := NewDocument("room-1")
	frame := encodeSyncFrame(SyncUpdate, []byte{0xFF, 0xFF, 0xFF})
	_, err := Handle(doc, frame)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

// TestRoundtripSyncProtocol mirrors the handshake scenario from the original
// Yjs-backed implementation: doc1 already has elements, doc2 starts empty,
// and a STEP1/STEP2 exchange must bring doc2 up to date.
func TestRoundtripSyncProtocol(t *testing.T) {
	doc1 := NewDocument("doc1")
	doc1.UpsertElement("el1", "rectangle")
	doc1.UpsertElement("el2", "circle")

	doc2 := NewDocument("doc2")

	step1 := EncodeStep1(doc2)
	response, err := Handle(doc1, step1)
	require.NoError(t, err)
	require.NotNil(t, response)

	result, err := Handle(doc2, response)
	require.NoError(t, err)
	assert.Nil(t, result, "step2 must not itself generate a response")

	els := doc2.Elements()
	assert.Equal(t, "rectangle", els["el1"])
	assert.Equal(t, "circle", els["el2"])
}

func TestHandleStep1OnEmptyPeerRespondsWithStep2(t *testing.T) {
	doc1 := NewDocument("doc1")
	doc2 := NewDocument("doc2")

	step1, err := EncodeStep1(doc2), error(nil)
	require.NoError(t, err)
	response, err := Handle(doc1, step1)
	require.NoError(t, err)
	assert.NotNil(t, response, "step1 should always produce a step2 response, even against an empty peer")
}

func TestApplyUpdateDirectly(t *testing.T) {
	src := NewDocument("src")
	src.UpsertElement("el1", "rectangle")

	dst := NewDocument("dst")
	update := encodeUpdate(src.Diff(nil))
	require.NoError(t, Apply(dst, update))

	assert.Equal(t, src.Elements(), dst.Elements())
}
