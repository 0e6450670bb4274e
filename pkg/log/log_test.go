package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetJSON(true)
	t.Cleanup(func() {
		SetJSON(false)
		SetDebug(false)
	})
	return &buf
}

func TestMergePrefixesLaterFielders(t *testing.T) {
	merged := merge([]Fielder{
		Fields{"a": 1},
		nil,
		Fields{"a": 2},
	})
	require.Equal(t, 1, merged["a"])
	require.Equal(t, 2, merged["2.a"])
	require.Len(t, merged, 2)
}

func TestDebugGated(t *testing.T) {
	buf := capture(t)

	Debug("hidden")
	require.Zero(t, buf.Len())

	SetDebug(true)
	Debug("shown", Fields{"k": "v"})

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Equal(t, "shown", out["msg"])
	require.Equal(t, "v", out["k"])
}

func TestErrFields(t *testing.T) {
	buf := capture(t)

	Error("failed", Err(errors.New("boom")))

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Equal(t, "boom", out["error"])
	require.Equal(t, "*errors.errorString", out["type"])
}
