package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itohio/cerealometer/pkg/calibration"
	"github.com/itohio/cerealometer/pkg/settings"
)

// Controller is the device side of the admin API. Requests are accepted or
// rejected synchronously; tare and calibrate complete in the background.
type Controller interface {
	// Tare queues a tare of one slot, or of every slot when slot is nil.
	Tare(ctx context.Context, slot *int) ([]calibration.SlotResult, error)
	Calibrate(ctx context.Context, slot int, referenceKg float64) error
	ReportNow(ctx context.Context) error
	Status() []calibration.ChannelStatus
	StatusOf(slot int) (calibration.ChannelStatus, error)
}

// SettingsStore holds the device settings edited on the settings page.
type SettingsStore interface {
	Device() settings.Device
	SetDevice(d settings.Device) error
}

var _ SettingsStore = (*settings.FileStore)(nil)

// Options configures the server.
type Options struct {
	Controller Controller
	Settings   SettingsStore
	Hub        *Hub
	// Gatherer backs /metrics. Nil uses prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// DefaultReferenceKg is used by the legacy calibration form.
	DefaultReferenceKg float64
	// LegacyWait bounds how long the legacy form waits for a calibration.
	LegacyWait time.Duration
	// PollInterval is how often the legacy form checks for completion.
	PollInterval time.Duration
}

// Server is the web admin handler.
type Server struct {
	router *gin.Engine
	ctl    Controller
	store  SettingsStore
	hub    *Hub

	referenceKg  float64
	legacyWait   time.Duration
	pollInterval time.Duration
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.DefaultReferenceKg <= 0 {
		opts.DefaultReferenceKg = 0.1
	}
	if opts.LegacyWait <= 0 {
		opts.LegacyWait = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery(), cors())

	s := &Server{
		router:       router,
		ctl:          opts.Controller,
		store:        opts.Settings,
		hub:          opts.Hub,
		referenceKg:  opts.DefaultReferenceKg,
		legacyWait:   opts.LegacyWait,
		pollInterval: opts.PollInterval,
	}

	router.NoRoute(func(c *gin.Context) {
		RespondWithError(c, http.StatusNotFound, ErrCodeNotFound,
			"route not found",
			gin.H{
				"available_endpoints": gin.H{
					"health":      []string{"GET /healthz", "GET /metrics"},
					"status":      []string{"GET /api/status", "GET /api/status/:slot", "GET /ws/status"},
					"calibration": []string{"POST /api/tare", "POST /api/calibrate", "POST /calib"},
					"telemetry":   []string{"POST /api/report"},
					"settings":    []string{"GET /api/settings", "POST /api/settings"},
				},
			},
			"check the method and path")
	})

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/status/:slot", s.handleSlotStatus)
	api.POST("/tare", s.handleTare)
	api.POST("/calibrate", s.handleCalibrate)
	api.POST("/report", s.handleReport)
	api.GET("/settings", s.handleGetSettings)
	api.POST("/settings", s.handleSetSettings)

	router.POST("/calib", s.handleLegacyCalib)
	router.GET("/ws/status", s.handleWebSocket)

	return s
}

// Handler returns the http.Handler serving the admin API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the status push hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"websocket_clients": s.hub.Clients(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	RespondWithSuccess(c, http.StatusOK, s.ctl.Status(), "")
}

func (s *Server) handleSlotStatus(c *gin.Context) {
	slot, err := strconv.Atoi(c.Param("slot"))
	if err != nil {
		ValidationError(c, "slot", "must be an integer")
		return
	}
	st, err := s.ctl.StatusOf(slot)
	if err != nil {
		RespondWithCalibrationError(c, err, gin.H{"slot_id": slot})
		return
	}
	RespondWithSuccess(c, http.StatusOK, st, "")
}

type tareRequest struct {
	Slot *int `json:"slot_id"`
}

type slotAcceptance struct {
	Slot     int    `json:"slot_id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleTare(c *gin.Context) {
	var req tareRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(c, "invalid JSON body", gin.H{"error": err.Error()})
		return
	}

	results, err := s.ctl.Tare(c.Request.Context(), req.Slot)
	if err != nil {
		details := gin.H{}
		if req.Slot != nil {
			details["slot_id"] = *req.Slot
		}
		RespondWithCalibrationError(c, err, details)
		return
	}

	accepted := 0
	out := make([]slotAcceptance, 0, len(results))
	for _, r := range results {
		a := slotAcceptance{Slot: r.Slot, Accepted: r.Err == nil}
		if r.Err != nil {
			a.Error = r.Err.Error()
		} else {
			accepted++
		}
		out = append(out, a)
	}
	if accepted == 0 && len(out) > 0 {
		RespondWithError(c, http.StatusConflict, ErrCodeChannelBusy,
			"no slot accepted the tare", out,
			"wait for the running operations to finish and retry")
		return
	}
	RespondWithSuccess(c, http.StatusAccepted, out, "tare queued")
}

type calibrateRequest struct {
	Slot        *int     `json:"slot_id"`
	ReferenceKg *float64 `json:"reference_kg"`
}

func (s *Server) handleCalibrate(c *gin.Context) {
	var req calibrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "invalid JSON body", gin.H{"error": err.Error()})
		return
	}
	if req.Slot == nil {
		ValidationError(c, "slot_id", "required")
		return
	}
	if req.ReferenceKg == nil {
		ValidationError(c, "reference_kg", "required")
		return
	}

	if err := s.ctl.Calibrate(c.Request.Context(), *req.Slot, *req.ReferenceKg); err != nil {
		RespondWithCalibrationError(c, err, gin.H{"slot_id": *req.Slot, "reference_kg": *req.ReferenceKg})
		return
	}
	st, _ := s.ctl.StatusOf(*req.Slot)
	RespondWithSuccess(c, http.StatusAccepted, st, "calibration queued")
}

func (s *Server) handleReport(c *gin.Context) {
	if err := s.ctl.ReportNow(c.Request.Context()); err != nil {
		RespondWithError(c, http.StatusServiceUnavailable, ErrCodeServiceUnavail,
			err.Error(), nil, "retry later")
		return
	}
	RespondWithSuccess(c, http.StatusAccepted, nil, "report requested")
}

func (s *Server) handleGetSettings(c *gin.Context) {
	RespondWithSuccess(c, http.StatusOK, s.store.Device().Redacted(), "")
}

func (s *Server) handleSetSettings(c *gin.Context) {
	var d settings.Device
	if err := c.ShouldBindJSON(&d); err != nil {
		BadRequest(c, "invalid JSON body", gin.H{"error": err.Error()})
		return
	}
	if err := s.store.SetDevice(d); err != nil {
		if errors.Is(err, settings.ErrInvalidDevice) {
			ValidationError(c, "wifi", err.Error())
			return
		}
		RespondWithError(c, http.StatusInternalServerError, ErrCodeInternalServer,
			"settings not saved", gin.H{"error": err.Error()}, "see the device log")
		return
	}
	RespondWithSuccess(c, http.StatusOK, s.store.Device().Redacted(), "settings saved")
}

// handleLegacyCalib serves the form posts of the legacy calibration page.
// "offsets" tares every slot, "savecal" is acknowledged since values persist
// on completion, and "id" calibrates one slot with the default reference and
// answers with the resulting factor as plain text.
func (s *Server) handleLegacyCalib(c *gin.Context) {
	ctx := c.Request.Context()

	if _, ok := c.GetPostForm("offsets"); ok {
		if _, err := s.ctl.Tare(ctx, nil); err != nil {
			c.String(http.StatusServiceUnavailable, err.Error())
			return
		}
		c.String(http.StatusAccepted, "OK")
		return
	}
	if _, ok := c.GetPostForm("savecal"); ok {
		c.String(http.StatusOK, "OK")
		return
	}

	id, ok := c.GetPostForm("id")
	if !ok {
		c.String(http.StatusBadRequest, "missing form field: id, offsets or savecal")
		return
	}
	slot, err := strconv.Atoi(id)
	if err != nil {
		c.String(http.StatusBadRequest, "id must be an integer")
		return
	}
	if err := s.ctl.Calibrate(ctx, slot, s.referenceKg); err != nil {
		status, _, _ := statusFor(err)
		c.String(status, err.Error())
		return
	}

	st, err := s.awaitSettled(ctx, slot)
	if err != nil {
		c.String(http.StatusGatewayTimeout, err.Error())
		return
	}
	if st.Status != calibration.Calibrated {
		c.String(http.StatusUnprocessableEntity, st.LastError)
		return
	}
	c.String(http.StatusOK, strconv.FormatFloat(st.CalibrationFactor, 'g', -1, 64))
}

// awaitSettled polls a slot until it is neither queued nor busy.
func (s *Server) awaitSettled(ctx context.Context, slot int) (calibration.ChannelStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.legacyWait)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		st, err := s.ctl.StatusOf(slot)
		if err != nil {
			return st, err
		}
		if !st.Pending && !st.Status.Busy() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}
