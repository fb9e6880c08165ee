package crdt

import (
	"errors"
	"fmt"
)

// Frame tags, matching the Yjs sync protocol this wire format is modeled on:
// a SYNC frame carries document history, an AWARENESS frame carries
// ephemeral presence state and is passed through untouched by this package.
const (
	TagSync      byte = 0
	TagAwareness byte = 1
)

// Sync sub-steps, carried as the second varint of a SYNC frame.
const (
	SyncStep1  uint64 = 0 // sender's state vector
	SyncStep2  uint64 = 1 // diff answering a peer's state vector
	SyncUpdate uint64 = 2 // unsolicited update, same payload shape as step2
)

// ErrMalformedFrame means the frame's tag/sub-step/length-prefix structure
// itself could not be parsed — the frame is garbage, not just an update we
// disagree with.
var ErrMalformedFrame = errors.New("crdt: malformed frame")

// ErrMalformedStateVector means a STEP1 payload failed to decode as a state
// vector.
var ErrMalformedStateVector = errors.New("crdt: malformed state vector")

// ErrMalformedUpdate means a STEP2/UPDATE payload failed to decode as an
// update blob.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

// EncodeStep1 builds a SYNC/STEP1 frame announcing doc's current state
// vector, the opening move of the handshake described in C1.
func EncodeStep1(doc *Document) []byte {
	sv := encodeStateVector(doc.StateVector())
	return encodeSyncFrame(SyncStep1, sv)
}

// EncodeStep2 builds a SYNC/STEP2 frame carrying every op doc has that the
// peer's remoteSV (an encoded state vector, as produced by EncodeStep1)
// does not.
func EncodeStep2(doc *Document, remoteSV []byte) ([]byte, error) {
	sv, err := decodeStateVector(remoteSV)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
	}
	diff := doc.Diff(sv)
	return encodeSyncFrame(SyncStep2, encodeUpdate(diff)), nil
}

// EncodeUpdate builds a SYNC/UPDATE frame wrapping a raw update blob, used
// to broadcast a local write to already-joined peers without a handshake.
func EncodeUpdate(update []byte) []byte {
	return encodeSyncFrame(SyncUpdate, update)
}

// Apply decodes an update blob (as carried by a STEP2 or UPDATE frame's
// payload) and merges it into doc.
func Apply(doc *Document, updateBlob []byte) error {
	ops, err := decodeUpdate(updateBlob)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	doc.ApplyOps(ops)
	return nil
}

// Handle dispatches one incoming SYNC frame against doc and returns the
// frame to send back, if any. It is tolerant of anything that is not a
// well-formed SYNC frame: an empty frame, a non-SYNC tag, or an unknown
// sub-step all yield (nil, nil) rather than an error — callers should only
// invoke Handle once they've already identified the frame as tag==TagSync;
// this tolerance exists so Handle is safe to call defensively regardless.
//
// A malformed state vector or update payload is reported as an error so the
// caller can log it and drop the frame; the connection itself is never torn
// down over it.
func Handle(doc *Document, frame []byte) ([]byte, error) {
	if len(frame) == 0 || frame[0] != TagSync {
		return nil, nil
	}
	body := frame[1:]

	step, body, err := takeUvarint(body)
	if err != nil {
		return nil, fmt.Errorf("%w: missing sync sub-step", ErrMalformedFrame)
	}
	if step > SyncUpdate {
		return nil, nil
	}
	payload, _, err := takeBytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: missing sync payload", ErrMalformedFrame)
	}

	switch step {
	case SyncStep1:
		resp, err := EncodeStep2(doc, payload)
		if err != nil {
			return nil, err
		}
		return resp, nil
	case SyncStep2, SyncUpdate:
		if err := Apply(doc, payload); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, nil
	}
}

// encodeSyncFrame wraps a sync sub-payload with the SYNC tag and sub-step.
func encodeSyncFrame(step uint64, payload []byte) []byte {
	buf := []byte{TagSync}
	buf = putUvarint(buf, step)
	buf = putBytes(buf, payload)
	return buf
}
