package workerproc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jpequegn/retestrunner/internal/hostrunner"
	"github.com/jpequegn/retestrunner/internal/logpipe"
	"github.com/jpequegn/retestrunner/internal/model"
	"github.com/jpequegn/retestrunner/internal/wireproto"
)

// pipeEnds returns two connected in-memory net.Conns, standing in for the
// coordinator and worker ends of the Unix socket.
func pipeEnds() (coordinator, workerSide net.Conn) {
	return net.Pipe()
}

func TestLoop_HandleEval_RepliesWithResult(t *testing.T) {
	coordConn, workerConn := pipeEnds()
	defer coordConn.Close()

	loop := NewLoop(workerConn, hostrunner.ShellEvaluator{}, t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	cc := wireproto.NewConn(coordConn)
	req := wireproto.EvalRequest{
		RequestID: 1,
		Item:      model.TestItem{ID: "1", Name: "addition", Code: model.CodeRef{Source: `echo "PASS addition"`}},
		RunNumber: 1,
	}
	require.NoError(t, cc.WriteFrame(wireproto.TagEval, req))

	coordConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := wireproto.ReadFrame(coordConn)
	require.NoError(t, err)
	require.Equal(t, wireproto.TagResult, f.Tag)

	var rf wireproto.ResultFrame
	require.NoError(t, wireproto.Decode(f, &rf))
	require.Equal(t, uint64(1), rf.RequestID)
	require.Equal(t, model.StatusPass, rf.Result.Status)

	data, err := logpipe.ReadAll(loop.logDir + "/item-1-run1.log")
	require.NoError(t, err)
	require.Contains(t, string(data), "PASS addition")
}

func TestLoop_HandleEvalCode_RepliesWithValue(t *testing.T) {
	coordConn, workerConn := pipeEnds()
	defer coordConn.Close()

	loop := NewLoop(workerConn, hostrunner.ShellEvaluator{}, t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	cc := wireproto.NewConn(coordConn)
	require.NoError(t, cc.WriteFrame(wireproto.TagEvalCode, wireproto.EvalCodeRequest{
		RequestID: 9,
		Code:      model.CodeRef{Source: "true"},
	}))

	coordConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := wireproto.ReadFrame(coordConn)
	require.NoError(t, err)
	require.Equal(t, wireproto.TagValue, f.Tag)

	var vf wireproto.ValueFrame
	require.NoError(t, wireproto.Decode(f, &vf))
	require.Equal(t, uint64(9), vf.RequestID)
}

func TestLoop_HandleEval_FailedSetupRepliesError(t *testing.T) {
	coordConn, workerConn := pipeEnds()
	defer coordConn.Close()

	loop := NewLoop(workerConn, hostrunner.ShellEvaluator{}, t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	cc := wireproto.NewConn(coordConn)
	req := wireproto.EvalRequest{
		RequestID: 2,
		Item:      model.TestItem{ID: "2", Name: "needs-setup"},
		Setups: []model.TestSetup{
			{Name: "Broken", Code: model.CodeRef{Source: "exit 1"}},
		},
		RunNumber: 1,
	}
	require.NoError(t, cc.WriteFrame(wireproto.TagEval, req))

	coordConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := wireproto.ReadFrame(coordConn)
	require.NoError(t, err)
	require.Equal(t, wireproto.TagResult, f.Tag)

	var rf wireproto.ResultFrame
	require.NoError(t, wireproto.Decode(f, &rf))
	require.Equal(t, model.StatusError, rf.Result.Status)
}

func TestLogName(t *testing.T) {
	require.Equal(t, "item-42-run3.log", logName("42", 3))
}
