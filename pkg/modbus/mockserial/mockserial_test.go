package mockserial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_ScriptedResponse(t *testing.T) {
	t.Run("returns the registered bytes after the matching write", func(t *testing.T) {
		tr := New()
		req := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x02, 0xC4, 0x0B}
		resp := []byte{0x01, 0x03, 0x04, 0x00, 0x00, 0x00, 0x00}
		tr.On(req, Response{Bytes: resp})

		require.NoError(t, tr.WriteAll(req))

		deadline := time.Now().Add(50 * time.Millisecond)
		out, err := tr.ReadExact(len(resp), deadline)
		require.NoError(t, err)
		assert.Equal(t, resp, out)
	})

	t.Run("an unscripted write yields no response", func(t *testing.T) {
		tr := New()
		require.NoError(t, tr.WriteAll([]byte{0xFF}))
		out, err := tr.ReadAvailable()
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("NoReply suppresses the response entirely", func(t *testing.T) {
		tr := New()
		req := []byte{0x02}
		tr.On(req, Response{NoReply: true, Bytes: []byte{0xAA}})
		require.NoError(t, tr.WriteAll(req))
		out, err := tr.ReadAvailable()
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("operations fail after Close", func(t *testing.T) {
		tr := New()
		require.NoError(t, tr.Close())
		assert.Error(t, tr.WriteAll([]byte{0x01}))
		_, err := tr.ReadAvailable()
		assert.Error(t, err)
	})

	t.Run("Writes records every request in order", func(t *testing.T) {
		tr := New()
		require.NoError(t, tr.WriteAll([]byte{0x01}))
		require.NoError(t, tr.WriteAll([]byte{0x02}))
		assert.Equal(t, [][]byte{{0x01}, {0x02}}, tr.Writes)
	})
}
