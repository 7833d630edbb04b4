package docker

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(stream byte, payload string) []byte {
	var header [8]byte
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	return append(header[:], payload...)
}

func TestDemuxReader_StripsFrameHeaders(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frame(1, `{"type":"system","message":"start"}`+"\n"))
	buf.Write(frame(2, "warning on stderr\n"))
	buf.Write(frame(1, `{"type":"result","num_turns":1}`+"\n"))

	r := newDemuxReader(io.NopCloser(&buf))
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t,
		`{"type":"system","message":"start"}`+"\nwarning on stderr\n"+`{"type":"result","num_turns":1}`+"\n",
		string(out))
}

func TestDemuxReader_SmallReads(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frame(1, "hello world"))

	r := newDemuxReader(io.NopCloser(&buf))
	p := make([]byte, 4)
	var got []byte
	for {
		n, err := r.Read(p)
		got = append(got, p[:n]...)
		if err != nil {
			break
		}
	}
	assert.Equal(t, "hello world", string(got))
}

func TestDemuxReader_EmptyFrameSkipped(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frame(1, ""))
	buf.Write(frame(1, "data"))

	r := newDemuxReader(io.NopCloser(&buf))
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "data", string(out))
}
