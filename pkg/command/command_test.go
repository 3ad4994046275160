package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/minidrive/pkg/errs"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, c := range []Command{
		New(List, nil),
		New(List, map[string]string{"path": "docs"}),
		New(Upload, map[string]string{"filename": "notes.txt"}),
		New(Move, map[string]string{"src": "a b", "dst": "c\"d"}),
	} {
		b, err := c.Encode()
		require.NoError(t, err)
		got, err := Decode(b)
		require.NoError(t, err, string(b))
		assert.Equal(t, c, got)
	}
}

func TestDecodeNormalizesName(t *testing.T) {
	c, err := Decode([]byte(`{"cmd":"upload","args":{"filename":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, Upload, c.Name)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		kind  errs.Kind
	}{
		{"not json", `{"cmd":`, errs.MalformedCommand},
		{"array", `["LIST"]`, errs.MalformedCommand},
		{"null", `null`, errs.MalformedCommand},
		{"missing cmd", `{"args":{}}`, errs.MalformedCommand},
		{"cmd not string", `{"cmd":7}`, errs.MalformedCommand},
		{"unknown cmd", `{"cmd":"FORMAT"}`, errs.MalformedCommand},
		{"local cmd", `{"cmd":"EXIT"}`, errs.MalformedCommand},
		{"extra field", `{"cmd":"LIST","id":1}`, errs.MalformedCommand},
		{"args not object", `{"cmd":"LIST","args":"x"}`, errs.MalformedCommand},
		{"non-string arg", `{"cmd":"DELETE","args":{"path":3}}`, errs.InvalidArguments},
		{"duplicate arg", `{"cmd":"DELETE","args":{"path":"a","path":"b"}}`, errs.InvalidArguments},
		{"missing required", `{"cmd":"UPLOAD"}`, errs.InvalidArguments},
		{"empty required", `{"cmd":"UPLOAD","args":{"filename":""}}`, errs.InvalidArguments},
		{"unknown arg", `{"cmd":"CD","args":{"path":"a","force":"1"}}`, errs.InvalidArguments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			require.Error(t, err)
			assert.Equal(t, tt.kind, errs.KindOf(err))
		})
	}
}

func TestArgDefaults(t *testing.T) {
	c, err := Decode([]byte(`{"cmd":"LIST"}`))
	require.NoError(t, err)
	assert.Equal(t, ".", c.Arg("path"))

	c, err = Decode([]byte(`{"cmd":"LIST","args":{"path":"docs"}}`))
	require.NoError(t, err)
	assert.Equal(t, "docs", c.Arg("path"))
}

func TestWireNamesExcludeLocal(t *testing.T) {
	names := WireNames()
	assert.Len(t, names, 9)
	assert.NotContains(t, names, Help)
	assert.NotContains(t, names, Exit)
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"list", New(List, nil)},
		{"LIST docs", New(List, map[string]string{"path": "docs"})},
		{`MOVE "my file.txt" 'archive/old file.txt'`, New(Move, map[string]string{"src": "my file.txt", "dst": "archive/old file.txt"})},
		{`delete a\ b`, New(Delete, map[string]string{"path": "a b"})},
		{"  help  ", New(Help, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLineErrors(t *testing.T) {
	for line, kind := range map[string]errs.Kind{
		"":                 errs.MalformedCommand,
		"FROB x":           errs.MalformedCommand,
		"MOVE onlyone":     errs.InvalidArguments,
		"CD a b":           errs.InvalidArguments,
		`DELETE "unclosed`: errs.InvalidArguments,
		`DELETE trailing\`: errs.InvalidArguments,
	} {
		_, err := ParseLine(line)
		require.Error(t, err, line)
		assert.Equal(t, kind, errs.KindOf(err), line)
	}
}

func TestResponses(t *testing.T) {
	ok := Success("listed", map[string]int{"n": 1})
	assert.Equal(t, StatusSuccess, ok.Status)
	assert.Equal(t, CodeOK, ok.Code)
	assert.JSONEq(t, `{"n":1}`, string(ok.Data))
	assert.True(t, ok.OK())

	ready := Ready("send size", nil)
	assert.Equal(t, CodeReady, ready.Code)
	assert.Empty(t, ready.Data)

	fail := Failure(errs.New(errs.PathEscape, "outside sandbox"))
	assert.Equal(t, StatusError, fail.Status)
	assert.Equal(t, 403, fail.Code)
	assert.Equal(t, errs.PathEscape, fail.Kind())
	assert.True(t, errs.Is(fail.Err(), errs.PathEscape))
}

func TestDecodeResponse(t *testing.T) {
	r, err := DecodeResponse([]byte(`{"status":"error","code":404,"message":"nope","data":{"kind":"not_found"}}`))
	require.NoError(t, err)
	assert.Equal(t, errs.NotFound, r.Kind())

	_, err = DecodeResponse([]byte(`{"status":"maybe","code":1}`))
	assert.Error(t, err)
}
