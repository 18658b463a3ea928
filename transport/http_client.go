package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"mini-call/codec"
	"mini-call/message"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// ConnectionErrorMessage is what every transport-level failure is reported as, on both paths.
const ConnectionErrorMessage = "Connection errored out."

// ErrConnection marks a call that never got an answer from the backend.
var ErrConnection = errors.New("transport: connection failed")

var httpDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "minicall",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Direct call round trip in seconds, by route and status.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	},
	[]string{"route", "status"},
)

// HTTPClient performs the single request/response exchange of a direct call.
type HTTPClient struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient wraps httpClient; nil gets a client without a timeout, since a direct call
// may legitimately run for as long as the backend needs.
func NewHTTPClient(httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{httpClient: httpClient, logger: logger}
}

// Handle is Send in middleware.HandlerFunc form.
func (c *HTTPClient) Handle(ctx context.Context, req *message.Request) *message.Response {
	body, status := c.Send(ctx, req.BaseURL, req.Route, req.Payload)
	return &message.Response{Body: body, Status: status}
}

// Send posts p and returns the decoded body with its status code. It never fails: any transport
// problem comes back as {error: "Connection errored out."} with status 500.
//
//	with files:    POST {baseURL}binary/{route}   multipart: payload, binary_files..., input_id_per_file
//	without files: POST {baseURL}{route}/         application/json
func (c *HTTPClient) Send(ctx context.Context, baseURL, route string, p *message.Payload) (*message.CallResponse, int) {
	enc, err := codec.Encode(p)
	if err != nil {
		c.logger.Error("encode payload", zap.String("route", route), zap.Error(err))
		return &message.CallResponse{Error: err.Error()}, http.StatusInternalServerError
	}

	var req *http.Request
	if len(enc.Attachments) > 0 {
		req, err = newMultipartRequest(ctx, baseURL+"binary/"+route, enc)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, baseURL+route+"/", bytes.NewReader(enc.Body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		c.logger.Warn("build request", zap.String("route", route), zap.Error(err))
		return connectionError()
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("direct call transport failure", zap.String("url", req.URL.String()), zap.Error(err))
		httpDuration.WithLabelValues(route, "error").Observe(time.Since(start).Seconds())
		return connectionError()
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("close response body", zap.Error(err))
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	httpDuration.WithLabelValues(route, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("read response body", zap.String("url", req.URL.String()), zap.Error(err))
		return connectionError()
	}

	return decodeBody(raw, resp.StatusCode), resp.StatusCode
}

func newMultipartRequest(ctx context.Context, url string, enc *codec.Encoded) (*http.Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("payload", string(enc.Body)); err != nil {
		return nil, err
	}
	for _, att := range enc.Attachments {
		part, err := w.CreateFormFile("binary_files", att.File.Name)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(att.File.Data); err != nil {
			return nil, err
		}
	}
	if err := w.WriteField("input_id_per_file", enc.FileIDsJSON()); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

// decodeBody parses a JSON body. A body that is not JSON keeps the status semantics: empty on
// success, the status text as error otherwise.
func decodeBody(raw []byte, status int) *message.CallResponse {
	var body message.CallResponse
	if err := json.Unmarshal(raw, &body); err == nil {
		return &body
	}
	if status == http.StatusOK {
		return &message.CallResponse{}
	}
	return &message.CallResponse{Error: http.StatusText(status)}
}

func connectionError() (*message.CallResponse, int) {
	return &message.CallResponse{Error: ConnectionErrorMessage}, http.StatusInternalServerError
}
