package ai

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, r io.Reader) ([]string, error) {
	t.Helper()
	var out []string
	for d, err := range Deltas(r) {
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}

func frame(content string) string {
	return `data: {"choices":[{"delta":{"content":"` + content + `"}}]}` + "\n\n"
}

func TestDeltasFramesSplitAcrossReads(t *testing.T) {
	stream := frame("Hel") + frame("lo") + "data: [DONE]\n\n"
	got, err := collect(t, iotest.OneByteReader(strings.NewReader(stream)))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, got)
}

func TestDeltasSkipsMalformedAndComments(t *testing.T) {
	stream := ": keep-alive\n" +
		"data: {not json\n" +
		frame("a") +
		"event: ping\n" +
		`data: {"choices":[]}` + "\n" +
		frame("b")
	got, err := collect(t, strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestDeltasStopsAtDone(t *testing.T) {
	stream := frame("x") + "data: [DONE]\n" + frame("ignored")
	got, err := collect(t, strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got)
}

func TestDeltasTrailingLineWithoutNewline(t *testing.T) {
	stream := frame("one") + `data: {"choices":[{"delta":{"content":"two"}}]}`
	got, err := collect(t, strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestDeltasCRLF(t *testing.T) {
	stream := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\r\n\r\ndata: [DONE]\r\n"
	got, err := collect(t, strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, got)
}

func TestDeltasErrorFrame(t *testing.T) {
	stream := frame("partial") + `data: {"error":{"message":"model overloaded"}}` + "\n"
	got, err := collect(t, strings.NewReader(stream))
	require.EqualError(t, err, "model overloaded")
	assert.Equal(t, []string{"partial"}, got)
}

func TestDeltasReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader(frame("a")), iotest.ErrReader(boom))
	got, err := collect(t, r)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a"}, got)
}

func TestDeltasEarlyBreak(t *testing.T) {
	stream := frame("a") + frame("b") + frame("c")
	var got []string
	for d, err := range Deltas(strings.NewReader(stream)) {
		require.NoError(t, err)
		got = append(got, d)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
}
