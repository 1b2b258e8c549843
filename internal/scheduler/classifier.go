package scheduler

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
)

// Classification describes what a URL points at.
type Classification struct {
	Scheme      string
	Extension   string
	ContentType string
}

// Classifier resolves a Classification for a URL before it is admitted.
type Classifier interface {
	Classify(ctx context.Context, rawURL string) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, rawURL string) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, rawURL string) (Classification, error) {
	return f(ctx, rawURL)
}

// URLClassifier classifies URLs from their scheme and path extension without
// touching the network.
type URLClassifier struct{}

func (URLClassifier) Classify(_ context.Context, rawURL string) (Classification, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Classification{}, errors.New("empty url")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Classification{}, fmt.Errorf("invalid url: %w", err)
	}

	c := Classification{Scheme: strings.ToLower(u.Scheme)}

	switch c.Scheme {
	case "":
		return Classification{}, errors.New("url has no scheme")
	case "magnet":
		if u.Query().Get("xt") == "" {
			return Classification{}, errors.New("magnet link has no xt parameter")
		}

		c.ContentType = "application/x-bittorrent"

		return c, nil
	}

	if u.Host == "" {
		return Classification{}, fmt.Errorf("%s url has no host", c.Scheme)
	}

	c.Extension = strings.ToLower(path.Ext(u.Path))
	if c.Extension != "" {
		c.ContentType = mime.TypeByExtension(c.Extension)
	}

	if c.Extension == ".torrent" {
		c.ContentType = "application/x-bittorrent"
	}

	if c.ContentType == "" {
		c.ContentType = "application/octet-stream"
	}

	return c, nil
}
