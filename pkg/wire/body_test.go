package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	liveErrors "github.com/sidkik/livesync/pkg/errors"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestBody(t *testing.T) {
	tests := []struct {
		name       string
		contents   string
		size       int64
		source     io.Reader
		expSendErr bool
		expRecvErr error
	}{
		{
			name:     "Empty",
			contents: "",
			size:     0,
		},
		{
			name:     "ExactSegment",
			contents: strings.Repeat("a", MaxSegmentSize),
			size:     MaxSegmentSize,
		},
		{
			name:     "MultiSegment",
			contents: strings.Repeat("abc", MaxSegmentSize),
			size:     3 * MaxSegmentSize,
		},
		{
			name:       "Shrunk",
			contents:   "abc",
			size:       10,
			expSendErr: true,
			expRecvErr: ErrSenderAborted,
		},
		{
			name:       "Grew",
			contents:   "abcdef",
			size:       3,
			expSendErr: true,
			expRecvErr: ErrSenderAborted,
		},
		{
			name:       "ReadFailure",
			size:       3,
			source:     failingReader{},
			expSendErr: true,
			expRecvErr: ErrSenderAborted,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			source := test.source
			if source == nil {
				source = strings.NewReader(test.contents)
			}

			var stream bytes.Buffer
			e := NewEncoder(&stream)
			err := WriteBody(e, source, test.size)
			require.NoError(t, e.Err())
			if test.expSendErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			var got bytes.Buffer
			d := NewDecoder(&stream)
			n, err := ReadBody(d, &got)
			assert.Equal(t, test.expRecvErr, err)
			assert.NoError(t, d.Err())
			assert.Zero(t, stream.Len(), "body should be fully consumed")
			if test.expRecvErr == nil {
				assert.Equal(t, test.size, n)
				assert.Equal(t, test.contents, got.String())
			}
		})
	}
}

func TestBodyShrunkIsFileChanged(t *testing.T) {
	var stream bytes.Buffer
	err := WriteBody(NewEncoder(&stream), strings.NewReader("abc"), 10)
	assert.True(t, liveErrors.Is(err, liveErrors.ErrFileChanged))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestReadBodyWriteFailureDrains(t *testing.T) {
	var stream bytes.Buffer
	e := NewEncoder(&stream)
	require.NoError(t, WriteBody(e, strings.NewReader(strings.Repeat("z", 2*MaxSegmentSize)), 2*MaxSegmentSize))
	e.PutInt16(7)

	d := NewDecoder(&stream)
	_, err := ReadBody(d, failingWriter{})
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, int16(7), d.Int16())
}

func TestReadBodyInvalidSegment(t *testing.T) {
	var stream bytes.Buffer
	NewEncoder(&stream).PutInt32(MaxSegmentSize + 1)

	d := NewDecoder(&stream)
	_, err := ReadBody(d, io.Discard)
	assert.Error(t, err)
	assert.Error(t, d.Err())
}
