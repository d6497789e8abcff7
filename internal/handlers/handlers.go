package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/retinascan/internal/auth"
	"github.com/example/retinascan/internal/imageprocessor"
	"github.com/example/retinascan/internal/inference"
	"github.com/example/retinascan/internal/repository"
	"github.com/example/retinascan/internal/usecase"
)

// MaxUploadSize is the default request body limit for image uploads.
const MaxUploadSize = 10 << 20

// Dependencies are the collaborators the HTTP surface is built from.
type Dependencies struct {
	UseCase        *usecase.ClassificationUseCase
	Credentials    *auth.Credentials
	Sessions       *auth.SessionAuthority
	LoginLimiter   *auth.RateLimiter
	EngineReady    func() bool
	Metrics        http.Handler
	Logger         *zap.Logger
	MaxUploadBytes int64
	SecureCookie   bool
}

type handler struct {
	deps Dependencies
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Routes that need a
// user sit behind auth.Middleware, which answers 401 before the handler reads
// the request body.
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = MaxUploadSize
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	h := &handler{deps: deps}

	router.GET("/health", h.health)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	public := router.Group("")
	if deps.LoginLimiter != nil {
		public.Use(deps.LoginLimiter.Middleware())
	}
	public.POST("/register", h.register)
	public.POST("/login", h.login)

	router.POST("/logout", h.logout)
	router.GET("/check-auth", h.checkAuth)

	protected := router.Group("", auth.Middleware(deps.Sessions))
	protected.POST("/predict", h.predict)
	protected.POST("/classify", h.predict)
	protected.GET("/history", h.history)
	protected.GET("/summary", h.summary)
}

func (h *handler) health(c *gin.Context) {
	engine := "ready"
	if h.deps.EngineReady != nil && !h.deps.EngineReady() {
		engine = "unavailable"
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "engine": engine})
}

type predictResponse struct {
	RequestID      string             `json:"request_id"`
	RecordID       uint               `json:"record_id"`
	Prediction     string             `json:"prediction"`
	Confidence     float64            `json:"confidence"`
	AllPredictions map[string]float64 `json:"all_predictions"`
	SeverityLevel  int                `json:"severity_level"`
}

func (h *handler) predict(c *gin.Context) {
	identity, ok := auth.GetIdentity(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrAuthRequired.Error()})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.deps.MaxUploadBytes)
	file, err := c.FormFile("image")
	if err != nil {
		if isBodyTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no image selected"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	result, err := h.deps.UseCase.Classify(c.Request.Context(), identity.UserID, data)
	if err != nil {
		h.writeError(c, err, "failed to record prediction")
		return
	}

	all := make(map[string]float64, len(result.Scores))
	for _, s := range result.Scores {
		all[s.Label] = s.Probability * 100
	}
	c.JSON(http.StatusOK, predictResponse{
		RequestID:      result.RequestID,
		RecordID:       result.RecordID,
		Prediction:     result.Label,
		Confidence:     result.Confidence * 100,
		AllPredictions: all,
		SeverityLevel:  result.ClassIndex,
	})
}

type historyEntry struct {
	Prediction string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
	Date       string  `json:"date"`
}

func (h *handler) history(c *gin.Context) {
	identity, _ := auth.GetIdentity(c.Request.Context())

	records, err := h.deps.UseCase.History(c.Request.Context(), identity.UserID)
	if err != nil {
		h.writeError(c, err, "failed to load history")
		return
	}

	entries := make([]historyEntry, len(records))
	for i, r := range records {
		entries[i] = historyEntry{
			Prediction: r.Label,
			Confidence: r.Confidence * 100,
			Date:       r.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

func (h *handler) summary(c *gin.Context) {
	identity, _ := auth.GetIdentity(c.Request.Context())

	summary, err := h.deps.UseCase.GetSummary(c.Request.Context(), identity.UserID)
	if err != nil {
		h.writeError(c, err, "failed to load summary")
		return
	}
	c.JSON(http.StatusOK, summary)
}

// writeError maps a pipeline error to its status and a fixed message.
func (h *handler) writeError(c *gin.Context, err error, storageMessage string) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, auth.ErrAuthRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrAuthRequired.Error()})
	case errors.Is(err, auth.ErrSessionStore):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": auth.ErrSessionStore.Error()})
	case errors.Is(err, imageprocessor.ErrEmptyInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": imageprocessor.ErrEmptyInput.Error()})
	case errors.Is(err, imageprocessor.ErrDecode):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": imageprocessor.ErrDecode.Error()})
	case errors.Is(err, inference.ErrEngineUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model not loaded"})
	case errors.Is(err, inference.ErrEngineUnreachable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "classifier unreachable"})
	case errors.Is(err, inference.ErrInvalidOutput):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "classification failed"})
	case errors.Is(err, repository.ErrStorage):
		c.JSON(http.StatusInternalServerError, gin.H{"error": storageMessage})
	default:
		h.deps.Logger.Error("unexpected request failure", zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}
