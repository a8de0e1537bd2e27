package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/stockvision/internal/datastore"
	"github.com/tphakala/stockvision/internal/validation"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func secondsSince(t time.Time) float64 {
	return time.Since(t).Seconds()
}

// queryLimit parses ?limit=, clamped to [1, maxListLimit].
func queryLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

// listValidations returns pending requests by default. ?status=approved,
// rejected or all selects history, read from the datastore when one is
// configured.
func (s *Server) listValidations(c echo.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	status := c.QueryParam("status")
	objectType := c.QueryParam("objectType")

	switch status {
	case "", string(validation.StatusPending):
		return c.JSON(http.StatusOK, filterRequests(s.deps.Validations.Pending(), "", objectType, limit))
	case string(validation.StatusApproved), string(validation.StatusRejected), "all":
	default:
		return s.handleError(c, nil, "unknown status "+strconv.Quote(status), http.StatusBadRequest)
	}

	if status == "all" {
		status = ""
	}
	if s.deps.Requests != nil {
		reqs, err := s.deps.Requests.ListRequests(c.Request().Context(), datastore.RequestFilter{
			Status:     validation.Status(status),
			ObjectType: objectType,
			Limit:      limit,
		})
		if err != nil {
			return s.handleError(c, err, "failed to list validations", 0)
		}
		return c.JSON(http.StatusOK, reqs)
	}

	var reqs []validation.Request
	if status == "" {
		reqs = append(s.deps.Validations.Pending(), s.deps.Validations.History(0)...)
	} else {
		reqs = s.deps.Validations.History(0)
	}
	return c.JSON(http.StatusOK, filterRequests(reqs, validation.Status(status), objectType, limit))
}

func filterRequests(reqs []validation.Request, status validation.Status, objectType string, limit int) []validation.Request {
	out := make([]validation.Request, 0, min(len(reqs), limit))
	for _, r := range reqs {
		if status != "" && r.Status != status {
			continue
		}
		if objectType != "" && r.ObjectType != objectType {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (s *Server) getValidation(c echo.Context) error {
	id := c.Param("id")
	req, ok := s.deps.Validations.Get(id)
	if !ok {
		return s.handleError(c, nil, "validation request "+strconv.Quote(id)+" not found", http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, req)
}

func (s *Server) getStock(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Validations.ValidatedStock())
}

type decisionRequest struct {
	AdminID string `json:"adminId"`
	Reason  string `json:"reason"`
}

// bindDecision reads the decision body. When it returns false the error
// response has already been written.
func (s *Server) bindDecision(c echo.Context) (decisionRequest, bool, error) {
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return req, false, s.handleError(c, err, "invalid payload", http.StatusBadRequest)
	}
	if req.AdminID == "" {
		return req, false, s.handleError(c, nil, "adminId is required", http.StatusBadRequest)
	}
	return req, true, nil
}

func (s *Server) approveValidation(c echo.Context) error {
	dec, ok, err := s.bindDecision(c)
	if !ok {
		return err
	}
	req, err := s.deps.Validations.Approve(c.Request().Context(), c.Param("id"), dec.AdminID)
	if err != nil {
		return s.handleError(c, err, "failed to approve validation", 0)
	}
	return c.JSON(http.StatusOK, req)
}

func (s *Server) rejectValidation(c echo.Context) error {
	dec, ok, err := s.bindDecision(c)
	if !ok {
		return err
	}
	req, err := s.deps.Validations.Reject(c.Request().Context(), c.Param("id"), dec.AdminID, dec.Reason)
	if err != nil {
		return s.handleError(c, err, "failed to reject validation", 0)
	}
	return c.JSON(http.StatusOK, req)
}
