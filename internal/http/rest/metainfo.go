package rest

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/zeebo/bencode"
)

const maxTorrentSize = 10 * 1024 * 1024

// InvalidContentError reports an uploaded .torrent that cannot be used.
type InvalidContentError struct {
	Reason string
	Err    error
}

func (e *InvalidContentError) Error() string {
	return "invalid metainfo: " + e.Reason
}

func (e *InvalidContentError) Unwrap() error {
	return e.Err
}

type metainfo struct {
	Info bencode.RawMessage `bencode:"info"`
}

type infoDict struct {
	Name string `bencode:"name"`
}

// MagnetFromMetainfo turns a base64 encoded .torrent file into a magnet link
// carrying its info hash and display name.
func MagnetFromMetainfo(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &InvalidContentError{Reason: fmt.Sprintf("invalid base64 encoding: %v", err), Err: err}
	}

	// checked before decoding so oversized uploads are never parsed
	if len(raw) > maxTorrentSize {
		return "", &InvalidContentError{Reason: fmt.Sprintf("size %d bytes exceeds maximum %d bytes", len(raw), maxTorrentSize)}
	}

	if err := validateBencodeStructure(raw); err != nil {
		return "", err
	}

	var mi metainfo
	if err := bencode.DecodeBytes(raw, &mi); err != nil {
		return "", &InvalidContentError{Reason: fmt.Sprintf("invalid bencode structure: %v", err), Err: err}
	}

	var info infoDict
	if err := bencode.DecodeBytes(mi.Info, &info); err != nil {
		return "", &InvalidContentError{Reason: fmt.Sprintf("invalid info dictionary: %v", err), Err: err}
	}

	hash := sha1.Sum(mi.Info)

	magnet := "magnet:?xt=urn:btih:" + hex.EncodeToString(hash[:])
	if info.Name != "" {
		magnet += "&dn=" + url.QueryEscape(info.Name)
	}

	return magnet, nil
}

// validateBencodeStructure checks that data is a bencoded dictionary with an info dictionary.
func validateBencodeStructure(data []byte) error {
	var torrentData any

	if err := bencode.DecodeBytes(data, &torrentData); err != nil {
		return &InvalidContentError{Reason: fmt.Sprintf("invalid bencode structure: %v", err), Err: err}
	}

	dict, ok := torrentData.(map[string]any)
	if !ok {
		return &InvalidContentError{Reason: "bencode root must be a dictionary"}
	}

	info, ok := dict["info"]
	if !ok {
		return &InvalidContentError{Reason: "bencode missing required 'info' dictionary"}
	}

	if _, ok := info.(map[string]any); !ok {
		return &InvalidContentError{Reason: "'info' must be a dictionary"}
	}

	return nil
}
