package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"image-resizer/internal/models"
	"image-resizer/internal/storage"
)

const (
	maxDimension = 10000
	filesPrefix  = "/files"
)

var allowedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

type Repository interface {
	// CreateBatchWithImages inserts the batch and all its images atomically.
	CreateBatchWithImages(ctx context.Context, b *models.Batch, images []*models.Image) error
	FailImage(ctx context.Context, id uuid.UUID, message string) (bool, error)
	GetImageByUUID(ctx context.Context, id uuid.UUID) (*models.Image, error)
	GetBatch(ctx context.Context, id int64) (*models.Batch, error)
	ListBatchImages(ctx context.Context, batchID int64) ([]models.Image, error)
}

type Aggregator interface {
	Recompute(ctx context.Context, batchID int64) (models.BatchStatus, error)
}

type Blobs interface {
	Put(ctx context.Context, location string, data []byte) error
	URL(ctx context.Context, location string) (string, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, tasks ...models.Task) error
}

type Events interface {
	Subscribe() (<-chan models.Event, func())
}

type Server struct {
	cfg    *models.Config
	router *gin.Engine
	http   *http.Server
	repo   Repository
	agg    Aggregator
	blobs  Blobs
	queue  Enqueuer
	events Events
	log    *slog.Logger
	now    func() time.Time
}

// NewServer wires the routes. filesDir, when set, is served under /files.
func NewServer(cfg *models.Config, repo Repository, agg Aggregator, blobs Blobs, queue Enqueuer, events Events, filesDir string, log *slog.Logger) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = cfg.MaxUploadSize

	s := &Server{
		cfg:    cfg,
		router: r,
		repo:   repo,
		agg:    agg,
		blobs:  blobs,
		queue:  queue,
		events: events,
		log:    log.With("component", "server"),
		now:    time.Now,
	}
	r.Use(s.logRequests)

	if filesDir != "" {
		r.Static(filesPrefix, filesDir)
	}
	r.POST("/upload", s.handleUpload)

	api := r.Group("/api")
	api.GET("/images/:uuid/status", s.handleImageStatus)
	api.GET("/batches/:id", s.handleBatch)
	if events != nil {
		api.GET("/events", s.handleEvents)
	}

	s.http = &http.Server{Addr: cfg.ServerAddr, Handler: r}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Info("request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}

type uploadItem struct {
	file   *multipart.FileHeader
	id     uuid.UUID
	width  int
	height int

	// client-reported source size, optional
	originalWidth  *int
	originalHeight *int
}

func (s *Server) parseUpload(form *multipart.Form) ([]uploadItem, error) {
	files := form.File["files[]"]
	if len(files) == 0 {
		files = form.File["files"]
	}
	if len(files) == 0 {
		return nil, errors.New("please select at least one image to upload")
	}

	values := func(key string) []string {
		if v := form.Value[key+"[]"]; len(v) > 0 {
			return v
		}
		return form.Value[key]
	}
	uuids := values("uuids")
	widths := values("targetWidths")
	heights := values("targetHeights")
	origWidths := values("widths")
	origHeights := values("heights")

	optional := func(v []string) bool { return len(v) == 0 || len(v) == len(files) }
	if len(widths) != len(files) || len(heights) != len(files) ||
		!optional(uuids) || !optional(origWidths) || !optional(origHeights) ||
		len(origWidths) != len(origHeights) {
		return nil, errors.New("mismatched data arrays")
	}

	items := make([]uploadItem, len(files))
	for i, fh := range files {
		if fh.Size > s.cfg.MaxUploadSize {
			return nil, fmt.Errorf("%s: each image must be at most %d bytes", fh.Filename, s.cfg.MaxUploadSize)
		}
		if !allowedExtensions[strings.ToLower(filepath.Ext(fh.Filename))] {
			return nil, fmt.Errorf("%s: all files must be jpg, png, gif or webp images", fh.Filename)
		}
		w, err := parseDimension(widths[i])
		if err != nil {
			return nil, fmt.Errorf("target width: %w", err)
		}
		h, err := parseDimension(heights[i])
		if err != nil {
			return nil, fmt.Errorf("target height: %w", err)
		}
		id := uuid.New()
		if len(uuids) > 0 {
			if id, err = uuid.Parse(uuids[i]); err != nil {
				return nil, errors.New("invalid upload identifier")
			}
		}
		items[i] = uploadItem{file: fh, id: id, width: w, height: h}
		if len(origWidths) > 0 {
			ow, err := parseDimension(origWidths[i])
			if err != nil {
				return nil, fmt.Errorf("width: %w", err)
			}
			oh, err := parseDimension(origHeights[i])
			if err != nil {
				return nil, fmt.Errorf("height: %w", err)
			}
			items[i].originalWidth, items[i].originalHeight = &ow, &oh
		}
	}
	return items, nil
}

func parseDimension(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.New("must be a number")
	}
	if n < 1 || n > maxDimension {
		return 0, fmt.Errorf("must be between 1 and %d", maxDimension)
	}
	return n, nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"
	ctx := c.Request.Context()

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	items, err := s.parseUpload(form)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	// Bytes go to storage first so every committed row points at a stored
	// source. A failure here leaves at most orphaned files, never rows.
	storagePath := "images/" + s.now().Format("2006-01-02")
	images := make([]*models.Image, 0, len(items))
	for _, it := range items {
		data, err := readUpload(it.file)
		if err != nil {
			s.log.Error("read upload", "op", op, "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read " + it.file.Filename})
			return
		}
		location := storagePath + "/" + it.id.String() + strings.ToLower(filepath.Ext(it.file.Filename))
		if err := s.blobs.Put(ctx, location, data); err != nil {
			s.log.Error("store upload", "op", op, "path", location, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store " + it.file.Filename})
			return
		}
		images = append(images, &models.Image{
			UUID:             it.id,
			OriginalFilename: it.file.Filename,
			Path:             location,
			Status:           models.ImageStatusPending,
			OriginalWidth:    it.originalWidth,
			OriginalHeight:   it.originalHeight,
			TargetWidth:      it.width,
			TargetHeight:     it.height,
		})
	}

	b := models.Batch{
		ExpectedCount: len(images),
		Status:        models.BatchStatusProcessing,
		SessionID:     c.GetHeader("X-Session-ID"),
		Device:        c.Request.UserAgent(),
		IPAddress:     c.ClientIP(),
		StoragePath:   storagePath,
	}
	if err := s.repo.CreateBatchWithImages(ctx, &b, images); err != nil {
		s.log.Error("create batch", "op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create upload"})
		return
	}

	tasks := make([]models.Task, 0, len(images))
	views := make([]gin.H, 0, len(images))
	for _, img := range images {
		tasks = append(tasks, models.TaskFromImage(img))
		views = append(views, gin.H{
			"uuid":              img.UUID.String(),
			"original_filename": img.OriginalFilename,
			"status":            img.Status,
		})
	}

	if err := s.queue.Enqueue(ctx, tasks...); err != nil {
		s.log.Error("enqueue tasks", "op", op, "batch_id", b.ID, "error", err)
		s.abandon(context.WithoutCancel(ctx), b.ID, images, "failed to schedule processing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to schedule processing"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"batch_id": b.ID,
		"status":   b.Status,
		"images":   views,
	})
}

// abandon fails images that will never be processed and settles their batch.
func (s *Server) abandon(ctx context.Context, batchID int64, images []*models.Image, message string) {
	for _, img := range images {
		if _, err := s.repo.FailImage(ctx, img.UUID, message); err != nil {
			s.log.Error("fail unscheduled image", "uuid", img.UUID, "error", err)
		}
	}
	if s.agg == nil {
		return
	}
	if _, err := s.agg.Recompute(ctx, batchID); err != nil {
		s.log.Error("recompute abandoned batch", "batch_id", batchID, "error", err)
	}
}

func (s *Server) handleImageStatus(c *gin.Context) {
	const op = "server.handleImageStatus"
	ctx := c.Request.Context()

	notFound := gin.H{"status": "not_found", "message": "Image not found"}
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusNotFound, notFound)
		return
	}

	img, err := s.repo.GetImageByUUID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, notFound)
		return
	}
	if err != nil {
		s.log.Error("get image", "op", op, "uuid", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, s.imageView(ctx, img))
}

func (s *Server) imageView(ctx context.Context, img *models.Image) gin.H {
	resp := gin.H{
		"uuid":              img.UUID.String(),
		"status":            img.Status,
		"original_filename": img.OriginalFilename,
	}
	if img.HasOriginalSize() {
		resp["original_width"] = *img.OriginalWidth
		resp["original_height"] = *img.OriginalHeight
	}
	switch img.Status {
	case models.ImageStatusCompleted:
		if img.Path == "" {
			break
		}
		resp["path"] = img.Path
		if u, err := s.blobs.URL(ctx, img.Path); err == nil {
			resp["url"] = u
		} else {
			s.log.Warn("resolve image url", "uuid", img.UUID, "error", err)
		}
	case models.ImageStatusFailed:
		if img.ErrorMessage != nil && *img.ErrorMessage != "" {
			resp["error_message"] = *img.ErrorMessage
		}
	}
	return resp
}

func (s *Server) handleBatch(c *gin.Context) {
	const op = "server.handleBatch"
	ctx := c.Request.Context()

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "not_found"})
		return
	}
	b, err := s.repo.GetBatch(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"status": "not_found"})
		return
	}
	if err != nil {
		s.log.Error("get batch", "op", op, "batch_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	imgs, err := s.repo.ListBatchImages(ctx, id)
	if err != nil {
		s.log.Error("list batch images", "op", op, "batch_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	views := make([]gin.H, 0, len(imgs))
	for i := range imgs {
		views = append(views, s.imageView(ctx, &imgs[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"id":             b.ID,
		"status":         b.Status,
		"expected_count": b.ExpectedCount,
		"images":         views,
	})
}

// handleEvents streams transformation outcomes as server-sent events on the
// image-transformations channel.
func (s *Server) handleEvents(c *gin.Context) {
	events, cancel := s.events.Subscribe()
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("image-transformations", ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
