package query

import (
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/haven-id/haven/pkg/drive"
)

// Cursors are opaque to clients: base64url-encoded JSON, echoed back
// verbatim to resume a scan. Clients must not interpret or construct them.

type batchCursorState struct {
	// Before is the last FileID visited; the next page starts strictly
	// past it in the requested sort order
	Before uuid.UUID `json:"before"`

	// Date carries the sort timestamp of the last visited file for
	// UserDate-ordered scans; FileID-ordered cursors leave it unset
	Date *int64 `json:"date,omitempty"`
}

type modifiedCursorState struct {
	// Since is the highest Updated timestamp emitted. The boundary is
	// exclusive, so files sharing this exact timestamp that were not in the
	// emitted page are skipped on resume. Accepted limitation: the original
	// behaves the same way, and callers treat QueryModified as a
	// best-effort change feed, not an exact log.
	Since int64 `json:"since"`
}

func encodeBatchCursor(state batchCursorState) string {
	return encodeCursor(state)
}

// decodeBatchCursor returns nil for an empty cursor (start from the top)
// and a client error for a cursor that does not parse.
func decodeBatchCursor(cursor string) (*batchCursorState, error) {
	if cursor == "" {
		return nil, nil
	}

	var state batchCursorState
	if err := decodeCursor(cursor, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func encodeModifiedCursor(since int64) string {
	return encodeCursor(modifiedCursorState{Since: since})
}

// decodeModifiedCursor returns 0 for an empty cursor (everything ever
// modified) and a client error for a cursor that does not parse.
func decodeModifiedCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}

	var state modifiedCursorState
	if err := decodeCursor(cursor, &state); err != nil {
		return 0, err
	}
	return state.Since, nil
}

func encodeCursor(state any) string {
	data, err := json.Marshal(state)
	if err != nil {
		// cursor states are plain structs; marshal cannot fail
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(cursor string, state any) error {
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return drive.NewInvalidArgument("malformed cursor")
	}
	if err := json.Unmarshal(data, state); err != nil {
		return drive.NewInvalidArgument("malformed cursor")
	}
	return nil
}
