package wireproto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpequegn/retestrunner/internal/model"
)

func TestConn_WriteFrame_RoundTripsEvalRequest(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)

	req := EvalRequest{
		RequestID: 7,
		Item:      model.TestItem{ID: "1", Name: "addition"},
		RunNumber: 1,
	}
	require.NoError(t, conn.WriteFrame(TagEval, req))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TagEval, frame.Tag)

	var decoded EvalRequest
	require.NoError(t, Decode(frame, &decoded))
	require.Equal(t, req.RequestID, decoded.RequestID)
	require.Equal(t, "addition", decoded.Item.Name)
}

func TestConn_WriteFrame_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)

	require.NoError(t, conn.WriteFrame(TagProfile, nil))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, TagProfile, frame.Tag)
	require.Empty(t, frame.Payload)
}

func TestReadFrame_MultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)

	require.NoError(t, conn.WriteFrame(TagResult, ResultFrame{RequestID: 1, Result: model.Result{ItemID: "a"}}))
	require.NoError(t, conn.WriteFrame(TagResult, ResultFrame{RequestID: 2, Result: model.Result{ItemID: "b"}}))

	f1, err := ReadFrame(&buf)
	require.NoError(t, err)
	var r1 ResultFrame
	require.NoError(t, Decode(f1, &r1))
	require.Equal(t, "a", r1.Result.ItemID)

	f2, err := ReadFrame(&buf)
	require.NoError(t, err)
	var r2 ResultFrame
	require.NoError(t, Decode(f2, &r2))
	require.Equal(t, "b", r2.Result.ItemID)
}

func TestReadFrame_EmptyStreamReturnsTerminated(t *testing.T) {
	_, err := ReadFrame(&bytes.Buffer{})
	require.ErrorIs(t, err, ErrTerminated)
}

func TestReadFrame_RejectsOversizedLength(t *testing.T) {
	header := []byte{0x20, 0x00, 0x00, 0x00, byte(TagEval)} // 0x20000000 > maxFrame
	_, err := ReadFrame(bytes.NewReader(header))
	require.Error(t, err)
}

func TestTag_String(t *testing.T) {
	require.Equal(t, "EVAL", TagEval.String())
	require.Equal(t, "RESULT", TagResult.String())
	require.Equal(t, "UNKNOWN", Tag(99).String())
}
