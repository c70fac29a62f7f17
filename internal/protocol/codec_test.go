package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"clipvault/internal/auth"
	"clipvault/internal/database"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	in := &Envelope{
		Type:   TypeRequest,
		ID:     "req-1",
		Action: ActionClipboardEvent,
		Params: json.RawMessage(`{"kind":"text","content":"aGVsbG8="}`),
	}
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	out := new(Envelope)
	if err := ReadFrame(&buf, out); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if out.Type != in.Type || out.ID != in.ID || out.Action != in.Action {
		t.Fatalf("round trip mismatch: %+v", out)
	}

	var params ClipboardEventParams
	if err := json.Unmarshal(out.Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.Kind != "text" || string(params.Content) != "hello" {
		t.Fatalf("params mismatch: %+v", params)
	}
}

func TestFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := WriteFrame(&buf, &Envelope{Type: TypeBroadcast, Event: EventNewItem}); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		env := new(Envelope)
		if err := ReadFrame(&buf, env); err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if env.Event != EventNewItem {
			t.Fatalf("frame %d event = %q", i, env.Event)
		}
	}
}

func TestReadFrameRejectsOversizedPrefix(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	buf.Write(prefix[:])

	if err := ReadFrame(&buf, new(Envelope)); err == nil {
		t.Fatal("oversized frame accepted")
	}
}

func TestFromErrorMapsKinds(t *testing.T) {
	cases := []struct {
		errKind string
		err     error
	}{
		{KindValidation, ErrValidation},
		{KindValidation, fmt.Errorf("%w: bad field", ErrValidation)},
		{KindNotFound, database.ErrNotFound},
		{KindNotFound, fmt.Errorf("wrapped: %w", database.ErrNotFound)},
		{KindAuthRequired, auth.ErrAuthRequired},
		{KindStorage, errors.New("disk on fire")},
	}
	for _, tc := range cases {
		if got := FromError(tc.err); got.Kind != tc.errKind {
			t.Fatalf("FromError(%v).Kind = %s, want %s", tc.err, got.Kind, tc.errKind)
		}
	}
}
