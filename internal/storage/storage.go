// Package storage defines how downloads are persisted. The scheduler and the
// segment coordinator write through a DownloadRepository on a best-effort basis:
// the in-memory state stays authoritative when the repository fails.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"

	"github.com/italolelis/dlmanager/internal/download"
)

// DownloadRepository stores downloads together with their segments.
type DownloadRepository interface {
	Add(ctx context.Context, d *download.Download) error
	Update(ctx context.Context, d *download.Download) error
	GetByID(ctx context.Context, id string) (*download.Download, error)
	List(ctx context.Context) ([]*download.Download, error)
}

// GenerateInstanceID returns a unique string for this process (hostname+pid+random).
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(rnd)
}
