package rest

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBencodeStructure(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		expectError bool
		errorReason string
	}{
		{
			name: "valid torrent structure with info dict",
			data: []byte("d4:infod4:name4:testee"),
		},
		{
			name: "valid torrent with announce",
			data: []byte("d8:announce3:url4:infod4:name4:testee"),
		},
		{
			name:        "not bencode",
			data:        []byte("not bencode at all"),
			expectError: true,
			errorReason: "invalid bencode structure",
		},
		{
			name:        "truncated",
			data:        []byte("d4:info"),
			expectError: true,
			errorReason: "invalid bencode structure",
		},
		{
			name:        "root is a list",
			data:        []byte("l4:infoe"),
			expectError: true,
			errorReason: "root must be a dictionary",
		},
		{
			name:        "missing info",
			data:        []byte("d8:announce3:urle"),
			expectError: true,
			errorReason: "missing required 'info' dictionary",
		},
		{
			name:        "info is a string",
			data:        []byte("d4:info4:teste"),
			expectError: true,
			errorReason: "'info' must be a dictionary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateBencodeStructure(tt.data)

			if !tt.expectError {
				require.NoError(t, err)

				return
			}

			var invalid *InvalidContentError
			require.ErrorAs(t, err, &invalid)
			assert.Contains(t, invalid.Reason, tt.errorReason)
		})
	}
}

func TestMagnetFromMetainfo(t *testing.T) {
	info := "d6:lengthi5e4:name8:file.isoe"
	encoded := base64.StdEncoding.EncodeToString([]byte("d8:announce3:url4:info" + info + "e"))

	magnet, err := MagnetFromMetainfo(encoded)
	require.NoError(t, err)

	hash := sha1.Sum([]byte(info))
	assert.Equal(t, "magnet:?xt=urn:btih:"+hex.EncodeToString(hash[:])+"&dn=file.iso", magnet)
}

func TestMagnetFromMetainfo_Errors(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
		reason  string
	}{
		{"invalid base64", "not-base64!", "invalid base64 encoding"},
		{"oversized", base64.StdEncoding.EncodeToString([]byte(strings.Repeat("a", maxTorrentSize+1))), "exceeds maximum"},
		{"missing info", base64.StdEncoding.EncodeToString([]byte("d8:announce3:urle")), "missing required 'info'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MagnetFromMetainfo(tt.encoded)

			var invalid *InvalidContentError
			require.ErrorAs(t, err, &invalid)
			assert.Contains(t, invalid.Reason, tt.reason)
		})
	}
}
