package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/dlmanager/internal/download"
	"github.com/italolelis/dlmanager/internal/engine"
	"github.com/italolelis/dlmanager/internal/logctx"
)

// Queue is the scheduler as seen by the API.
type Queue interface {
	Enqueue(ctx context.Context, d *download.Download) error
	Get(id string) (*download.Download, error)
	List() []*download.Download
	Progress(ctx context.Context, id string) (download.Progress, error)
	Prioritize(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Switch(ctx context.Context, id string) (string, error)
	QueueLength() int
	Active() int
}

// Segmented is the segmented transfer coordinator as seen by the API.
type Segmented interface {
	Submit(ctx context.Context, d *download.Download) error
	Get(id string) (*download.Download, error)
	List() []*download.Download
	Progress(d *download.Download) download.Progress
	Cancel(ctx context.Context, id string) error
	ResumeByID(ctx context.Context, id string) error
}

type DownloadsHandler struct {
	queue     Queue
	segmented Segmented
	selector  *engine.Selector
	targetDir string
	username  string
	password  string
}

// NewDownloadsHandler creates the download API. Basic auth is enforced when
// username is not empty.
func NewDownloadsHandler(queue Queue, segmented Segmented, selector *engine.Selector, targetDir, username, password string) *DownloadsHandler {
	return &DownloadsHandler{
		queue:     queue,
		segmented: segmented,
		selector:  selector,
		targetDir: targetDir,
		username:  username,
		password:  password,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/downloads", h.HandleCreate)
	r.Get("/downloads", h.HandleList)

	r.Route("/downloads/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Get("/progress", h.HandleProgress)
		r.Post("/prioritize", h.HandlePrioritize)
		r.Post("/cancel", h.HandleCancel)
		r.Post("/pause", h.HandlePause)
		r.Post("/resume", h.HandleResume)
		r.Post("/switch", h.HandleSwitch)
	})

	r.Get("/engines", h.HandleEngines)

	return r
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="dlmanager"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

type createRequest struct {
	URL         string `json:"url"`
	Metainfo    string `json:"metainfo"`
	Destination string `json:"destination"`
	Priority    string `json:"priority"`
	Segmented   bool   `json:"segmented"`
}

type segmentResponse struct {
	Index  int    `json:"index"`
	Start  int64  `json:"start"`
	End    int64  `json:"end"`
	Status string `json:"status"`
	Engine string `json:"engine,omitempty"`
}

type downloadResponse struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Destination  string            `json:"destination"`
	Status       string            `json:"status"`
	Priority     string            `json:"priority"`
	Engine       string            `json:"engine,omitempty"`
	FailureCount int               `json:"failure_count"`
	TotalSize    int64             `json:"total_size,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	Segments     []segmentResponse `json:"segments,omitempty"`
	QueuedAt     *time.Time        `json:"queued_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

type progressResponse struct {
	Downloaded int64   `json:"downloaded"`
	Total      int64   `json:"total"`
	Speed      float64 `json:"speed"`
	Fraction   float64 `json:"fraction"`
}

type engineResponse struct {
	Name               string  `json:"name"`
	Segments           bool    `json:"segments"`
	TotalAttempts      int64   `json:"total_attempts"`
	SuccessfulAttempts int64   `json:"successful_attempts"`
	AvgSpeed           float64 `json:"avg_speed"`
	AvgDurationMS      int64   `json:"avg_duration_ms"`
	Score              float64 `json:"score"`
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}

func newDownloadResponse(d *download.Download) downloadResponse {
	resp := downloadResponse{
		ID:           d.ID,
		URL:          d.URL,
		Destination:  d.Destination,
		Status:       d.Status.String(),
		Priority:     d.Priority.String(),
		Engine:       d.Engine,
		FailureCount: d.FailureCount,
		TotalSize:    d.TotalSize,
		LastError:    d.LastError,
		QueuedAt:     timeOrNil(d.QueuedAt),
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		CompletedAt:  timeOrNil(d.CompletedAt),
	}

	for _, seg := range d.Segments {
		resp.Segments = append(resp.Segments, segmentResponse{
			Index:  seg.Index,
			Start:  seg.Start,
			End:    seg.End,
			Status: seg.Status.String(),
			Engine: seg.Engine,
		})
	}

	return resp
}

// HandleCreate admits a new download, either into the priority queue or, when
// segmented is set, into the segmented transfer coordinator.
func (h *DownloadsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &badRequestError{msg: "invalid request body", err: err})

		return
	}

	rawURL := req.URL

	if req.Metainfo != "" {
		magnet, err := MagnetFromMetainfo(req.Metainfo)
		if err != nil {
			writeError(w, r, err)

			return
		}

		logger.DebugContext(ctx, "metainfo converted to magnet link", "magnet", magnet)

		rawURL = magnet
	}

	if rawURL == "" {
		writeError(w, r, &badRequestError{msg: "either url or metainfo must be provided"})

		return
	}

	priority := download.PriorityDefault

	if req.Priority != "" {
		p, err := download.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, r, &badRequestError{msg: err.Error(), err: err})

			return
		}

		priority = p
	}

	dest, err := h.destination(rawURL, req.Destination)
	if err != nil {
		writeError(w, r, err)

		return
	}

	d := download.New(rawURL, dest, priority)

	if req.Segmented {
		err = h.segmented.Submit(ctx, d)
	} else {
		err = h.queue.Enqueue(ctx, d)
	}

	if err != nil {
		writeError(w, r, err)

		return
	}

	current, err := h.lookup(d.ID)
	if err != nil {
		current = d.Clone()
	}

	writeJSON(w, r, http.StatusCreated, newDownloadResponse(current))
}

// destination resolves the requested path against the target directory. An
// empty path is derived from the URL. Absolute paths are accepted only when
// they stay below the target directory.
func (h *DownloadsHandler) destination(rawURL, requested string) (string, error) {
	if requested == "" {
		requested = nameFromURL(rawURL)
	}

	root := filepath.Clean(h.targetDir)

	dest := filepath.Clean(requested)
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(root, requested)
	}

	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &badRequestError{msg: fmt.Sprintf("destination %q escapes the target directory", requested)}
	}

	return dest, nil
}

func nameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}

	if dn := u.Query().Get("dn"); dn != "" {
		return filepath.Base(filepath.Clean("/" + dn))
	}

	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		if u.Host != "" {
			return u.Host
		}

		return "download"
	}

	return base
}

func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	queued := h.queue.List()
	segmented := h.segmented.List()

	out := make([]downloadResponse, 0, len(queued)+len(segmented))
	for _, d := range queued {
		out = append(out, newDownloadResponse(d))
	}

	for _, d := range segmented {
		out = append(out, newDownloadResponse(d))
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"downloads":    out,
		"queue_length": h.queue.QueueLength(),
		"active":       h.queue.Active(),
	})
}

// lookup finds a download in the queue first and the coordinator second.
func (h *DownloadsHandler) lookup(id string) (*download.Download, error) {
	d, err := h.queue.Get(id)
	if err == nil || !errors.Is(err, download.ErrNotFound) {
		return d, err
	}

	return h.segmented.Get(id)
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	d, err := h.lookup(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, newDownloadResponse(d))
}

func (h *DownloadsHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.queue.Progress(r.Context(), id)
	if errors.Is(err, download.ErrNotFound) {
		var d *download.Download

		d, err = h.segmented.Get(id)
		if err == nil {
			p = h.segmented.Progress(d)
		}
	}

	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, progressResponse{
		Downloaded: p.Downloaded,
		Total:      p.Total,
		Speed:      p.Speed,
		Fraction:   p.Fraction(),
	})
}

// queueOnly runs op against the queue. Segmented downloads answer with a
// conflict because the operation does not apply to them.
func (h *DownloadsHandler) queueOnly(w http.ResponseWriter, r *http.Request, operation string, op func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")

	err := op(r.Context(), id)
	if errors.Is(err, download.ErrNotFound) {
		if d, segErr := h.segmented.Get(id); segErr == nil {
			err = &download.InvalidStateError{DownloadID: id, Operation: operation, Status: d.Status, Want: download.StatusQueued}
		}
	}

	if err != nil {
		writeError(w, r, err)

		return
	}

	h.respondWith(w, r, id)
}

func (h *DownloadsHandler) respondWith(w http.ResponseWriter, r *http.Request, id string) {
	d, err := h.lookup(id)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, newDownloadResponse(d))
}

func (h *DownloadsHandler) HandlePrioritize(w http.ResponseWriter, r *http.Request) {
	h.queueOnly(w, r, "prioritize", h.queue.Prioritize)
}

func (h *DownloadsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.queueOnly(w, r, "pause", h.queue.Pause)
}

func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.queue.Cancel(r.Context(), id)
	if errors.Is(err, download.ErrNotFound) {
		err = h.segmented.Cancel(r.Context(), id)
	}

	if err != nil {
		writeError(w, r, err)

		return
	}

	h.respondWith(w, r, id)
}

// HandleResume continues a paused queued download, or refetches the missing
// segments of a failed segmented one.
func (h *DownloadsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.queue.Resume(r.Context(), id)
	if errors.Is(err, download.ErrNotFound) {
		err = h.segmented.ResumeByID(r.Context(), id)
	}

	if err != nil {
		writeError(w, r, err)

		return
	}

	h.respondWith(w, r, id)
}

func (h *DownloadsHandler) HandleSwitch(w http.ResponseWriter, r *http.Request) {
	var next string

	h.queueOnly(w, r, "switch", func(ctx context.Context, id string) error {
		var err error
		next, err = h.queue.Switch(ctx, id)

		return err
	})

	if next != "" {
		logctx.LoggerFromContext(r.Context()).InfoContext(r.Context(), "engine switched through the api", "engine", next)
	}
}

func (h *DownloadsHandler) HandleEngines(w http.ResponseWriter, r *http.Request) {
	records := make(map[string]engine.PerformanceRecord)
	for _, rec := range h.selector.Tracker().Snapshot() {
		records[rec.Engine] = rec
	}

	engines := h.selector.Engines()
	out := make([]engineResponse, 0, len(engines))

	for _, e := range engines {
		rec := records[e.Name()]

		out = append(out, engineResponse{
			Name:               e.Name(),
			Segments:           engine.SupportsSegments(e),
			TotalAttempts:      rec.TotalAttempts,
			SuccessfulAttempts: rec.SuccessfulAttempts,
			AvgSpeed:           rec.AvgSpeed,
			AvgDurationMS:      rec.AvgDuration.Milliseconds(),
			Score:              rec.Score,
		})
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"engines": out})
}
