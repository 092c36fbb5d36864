package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aeolun/roomcast/pkg/protocol"
)

func TestCanonicalIdentity(t *testing.T) {
	tests := []struct {
		token    string
		identity string
		power    string
		numeric  bool
		wantErr  bool
	}{
		{token: "1001", identity: "user1001", power: "1004006004001", numeric: true},
		{token: "-2", identity: "user-2", power: "16", numeric: true},
		{token: "007", identity: "user7", power: "2401", numeric: true},
		{token: "0", identity: "user0", power: "0", numeric: true},
		{token: " alice ", identity: "alice"},
		{token: "émile", identity: "émile"},
		{token: "", wantErr: true},
		{token: "   ", wantErr: true},
		{token: "a b", wantErr: true},
		{token: "tab\there", wantErr: true},
		{token: strings.Repeat("x", maxIdentityLength+1), wantErr: true},
		{token: strings.Repeat("9", maxIdentityLength), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			identity, power, numeric, err := canonicalIdentity(tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.identity, identity)
			assert.Equal(t, tt.power, power)
			assert.Equal(t, tt.numeric, numeric)
		})
	}
}

func TestEchoViews(t *testing.T) {
	echo := echoViews("héllo")
	assert.Equal(t, "HÉLLO", echo.Upper)
	assert.Equal(t, "olléh", echo.Reversed)
	assert.Equal(t, uint32(5), echo.Length)

	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		echo := echoViews(text)

		if echo.Length != uint32(utf8.RuneCountInString(text)) {
			t.Fatalf("length %d for %q", echo.Length, text)
		}
		if back := echoViews(echo.Reversed).Reversed; utf8.ValidString(text) && back != text {
			t.Fatalf("reversing twice gave %q, want %q", back, text)
		}
	})
}

func TestValidRoomName(t *testing.T) {
	assert.NoError(t, validRoomName("dev-ops"))
	assert.Error(t, validRoomName(""))
	assert.Error(t, validRoomName("two words"))
	assert.Error(t, validRoomName(strings.Repeat("r", maxRoomNameLength+1)))
}

func TestWriteTranscript(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.Local).UnixMilli()

	path, err := writeTranscript(dir, "dev/ops", "alice", []protocol.HistoryLine{
		{Sender: "alice", Timestamp: ts, Text: "hi"},
		{Sender: "bob", Timestamp: ts, Text: "hello"},
	})
	require.NoError(t, err)

	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "dev_ops-alice-"), path)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[2024-03-01 12:30:00] alice: hi\n[2024-03-01 12:30:00] bob: hello\n", string(body))
}
