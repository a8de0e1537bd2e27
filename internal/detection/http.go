package detection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/httpclient"
)

// maxResponseSize bounds inference responses (annotated frames included).
const maxResponseSize = 32 << 20

// HTTPDetector sends frames to an inference server and decodes its detections.
type HTTPDetector struct {
	endpoint string
	cfg      Config
	client   *httpclient.Client
}

type inferResponse struct {
	Detections []struct {
		Class      string     `json:"class"`
		Confidence float64    `json:"confidence"`
		BBox       [4]float64 `json:"bbox"`
		TrackID    *int       `json:"track_id"`
	} `json:"detections"`
	Annotated string `json:"annotated"`
}

// NewHTTPDetector creates a detector bound to cfg. The configuration is
// validated against the catalog.
func NewHTTPDetector(endpoint string, cfg Config, client *httpclient.Client) (*HTTPDetector, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := url.Parse(endpoint); err != nil || endpoint == "" {
		return nil, errors.Newf("invalid inference endpoint %q", endpoint).
			Component("detection").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if client == nil {
		client = httpclient.New(nil)
	}
	return &HTTPDetector{
		endpoint: strings.TrimRight(endpoint, "/"),
		cfg:      cfg,
		client:   client,
	}, nil
}

// HTTPFactory returns a Factory producing HTTPDetectors that share one client.
func HTTPFactory(endpoint string, client *httpclient.Client) Factory {
	return func(cfg Config) (Detector, error) {
		return NewHTTPDetector(endpoint, cfg, client)
	}
}

// Name returns the bound configuration, e.g. "yolov8n+bytetrack".
func (d *HTTPDetector) Name() string {
	return d.cfg.String()
}

// Config returns the configuration the detector is bound to.
func (d *HTTPDetector) Config() Config {
	return d.cfg
}

// Infer posts the frame and decodes the detections. Any transport, status or
// decoding problem is returned as an inference error.
func (d *HTTPDetector) Infer(ctx context.Context, frame Frame, opts InferenceOptions) (Result, error) {
	resp, err := d.client.Post(ctx, d.inferURL(opts), "image/jpeg", frame.Data)
	if err != nil {
		return Result{}, d.inferenceError(err, "post_frame")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, d.inferenceError(
			fmt.Errorf("inference server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			"status")
	}

	var payload inferResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&payload); err != nil {
		return Result{}, d.inferenceError(fmt.Errorf("decode inference response: %w", err), "decode")
	}

	result := Result{Detections: make([]Detection, 0, len(payload.Detections))}
	for _, det := range payload.Detections {
		result.Detections = append(result.Detections, Detection{
			Class:      det.Class,
			Confidence: det.Confidence,
			BBox:       BBox{X1: det.BBox[0], Y1: det.BBox[1], X2: det.BBox[2], Y2: det.BBox[3]},
			TrackID:    det.TrackID,
		})
	}
	if payload.Annotated != "" {
		annotated, err := base64.StdEncoding.DecodeString(payload.Annotated)
		if err != nil {
			return Result{}, d.inferenceError(fmt.Errorf("decode annotated frame: %w", err), "decode")
		}
		result.Annotated = annotated
	}
	return result, nil
}

func (d *HTTPDetector) inferURL(opts InferenceOptions) string {
	q := url.Values{}
	q.Set("model", d.cfg.Model)
	q.Set("conf", strconv.FormatFloat(opts.Confidence, 'f', -1, 64))
	if tracker, _ := TrackerConfigFile(d.cfg.Tracker); tracker != "" {
		q.Set("tracker", tracker)
	}
	if d.cfg.Segmenter != "" {
		q.Set("segment", d.cfg.Segmenter)
	}
	if len(opts.Classes) > 0 {
		q.Set("classes", strings.Join(opts.Classes, ","))
	}
	return d.endpoint + "/infer?" + q.Encode()
}

func (d *HTTPDetector) inferenceError(err error, op string) error {
	return errors.New(err).
		Component("detection").
		Category(errors.CategoryInference).
		Context("operation", op).
		Context("detector", d.Name()).
		Build()
}

var _ Detector = (*HTTPDetector)(nil)
