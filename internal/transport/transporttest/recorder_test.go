package transporttest

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errUtils "github.com/apexion-ai/chatcore/errors"
	"github.com/apexion-ai/chatcore/internal/transport"
)

func TestRecorder_FailAfter(t *testing.T) {
	r := &Recorder{FailAfter: 2}
	require.NoError(t, r.Send(transport.Chunk{Content: "a"}))
	assert.True(t, errors.Is(r.Send(transport.Chunk{Content: "b"}), errUtils.ErrTransportClosed))
	assert.Equal(t, 1, r.Count(KindChunk))
}

func TestRecorder_OneTerminal(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Send(transport.Chunk{Content: "a"}))
	require.NoError(t, r.Fail(errors.New("boom")))
	assert.True(t, errors.Is(r.Fail(errors.New("again")), errUtils.ErrTransportClosed))
	assert.Equal(t, 1, r.Terminals())
}
