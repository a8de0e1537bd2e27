package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/stockvision/internal/camera"
	"github.com/tphakala/stockvision/internal/detection"
	"github.com/tphakala/stockvision/internal/errors"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Cameras   []camera.Status  `json:"cameras"`
	Zones     []camera.Zone    `json:"zones"`
	Detection detection.Config `json:"detection"`
	Tunables  any              `json:"tunables"`
	Summary   any              `json:"summary"`
	Uptime    float64          `json:"uptimeSeconds"`
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Cameras:   s.deps.Cameras.Status(),
		Zones:     s.deps.Cameras.Zones(),
		Detection: s.deps.Cameras.Defaults(),
		Tunables:  s.deps.Tunables.Snapshot(),
		Summary:   s.deps.Validations.Summary(),
		Uptime:    secondsSince(s.startTime),
	})
}

func (s *Server) listCameras(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Cameras.Status())
}

func (s *Server) listZones(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Cameras.Zones())
}

// cameraRequest is the body of POST /cameras. ROI points are [x, y] pairs.
type cameraRequest struct {
	ID            string   `json:"id"`
	Source        string   `json:"source"`
	ZoneID        string   `json:"zoneId"`
	ZoneName      string   `json:"zoneName"`
	EquipmentType string   `json:"equipmentType"`
	ROI           [][2]int `json:"roi"`
	FPS           float64  `json:"fps"`
	Enabled       *bool    `json:"enabled"`
}

func (r *cameraRequest) config() camera.CameraConfig {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return camera.CameraConfig{
		ID:            r.ID,
		Source:        r.Source,
		ZoneID:        r.ZoneID,
		ZoneName:      r.ZoneName,
		EquipmentType: r.EquipmentType,
		ROI:           detection.PolygonFromPairs(r.ROI),
		FPS:           r.FPS,
		Enabled:       enabled,
	}
}

// addCamera registers a camera. When its source cannot be opened the camera
// stays registered but stopped, and the response carries a warning.
func (s *Server) addCamera(c echo.Context) error {
	var req cameraRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid camera payload", http.StatusBadRequest)
	}

	err := s.deps.Cameras.Add(c.Request().Context(), req.config())
	switch {
	case err == nil:
	case errors.IsCategory(err, errors.CategorySourceUnavailable):
		return c.JSON(http.StatusCreated, map[string]any{
			"camera":  s.cameraStatus(req.ID),
			"warning": err.Error(),
		})
	default:
		return s.handleError(c, err, "failed to add camera", 0)
	}
	return c.JSON(http.StatusCreated, map[string]any{"camera": s.cameraStatus(req.ID)})
}

func (s *Server) cameraStatus(id string) *camera.Status {
	for _, st := range s.deps.Cameras.Status() {
		if st.ID == id {
			return &st
		}
	}
	return nil
}

func (s *Server) removeCamera(c echo.Context) error {
	if err := s.deps.Cameras.Remove(c.Request().Context(), c.Param("id")); err != nil {
		return s.handleError(c, err, "failed to remove camera", 0)
	}
	return c.NoContent(http.StatusNoContent)
}

type roiRequest struct {
	ROI [][2]int `json:"roi"`
}

func (s *Server) updateROI(c echo.Context) error {
	var req roiRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid ROI payload", http.StatusBadRequest)
	}
	id := c.Param("id")
	if err := s.deps.Cameras.UpdateROI(c.Request().Context(), id, detection.PolygonFromPairs(req.ROI)); err != nil {
		return s.handleError(c, err, "failed to update ROI", 0)
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "roi": req.ROI})
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setEnabled(c echo.Context) error {
	var req enabledRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid payload", http.StatusBadRequest)
	}
	err := s.deps.Cameras.SetEnabled(c.Request().Context(), c.Param("id"), req.Enabled)
	if err != nil && !errors.IsCategory(err, errors.CategorySourceUnavailable) {
		return s.handleError(c, err, "failed to update camera", 0)
	}
	resp := map[string]any{"camera": s.cameraStatus(c.Param("id"))}
	if err != nil {
		resp["warning"] = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getDetection(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"current":    s.deps.Cameras.Defaults(),
		"models":     detection.Models(),
		"trackers":   detection.Trackers(),
		"segmenters": detection.Segmenters(),
	})
}

type nameRequest struct {
	Name string `json:"name"`
}

func (s *Server) updateModel(c echo.Context) error {
	return s.updateDetector(c, "model", s.deps.Cameras.UpdateGlobalModel)
}

func (s *Server) updateTracker(c echo.Context) error {
	return s.updateDetector(c, "tracker", s.deps.Cameras.UpdateGlobalTracker)
}

func (s *Server) updateSegmenter(c echo.Context) error {
	return s.updateDetector(c, "segmenter", s.deps.Cameras.UpdateGlobalSegmenter)
}

// updateDetector applies a global detector setting. Cameras whose swap failed
// keep their prior detector; the failures are reported alongside the new
// defaults.
func (s *Server) updateDetector(c echo.Context, kind string, apply func(string) error) error {
	var req nameRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid payload", http.StatusBadRequest)
	}
	before := s.deps.Cameras.Defaults()
	err := apply(req.Name)
	after := s.deps.Cameras.Defaults()
	if err != nil && before == after {
		return s.handleError(c, err, "failed to update "+kind, 0)
	}
	resp := map[string]any{"current": after}
	if err != nil {
		resp["warning"] = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}
