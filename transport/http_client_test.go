package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"mini-call/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendJSON(t *testing.T) {
	var gotPath, gotType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"data":["hi!"],"average_duration":0.5}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(nil, nil)
	body, code := c.Send(context.Background(), srv.URL+"/", "predict", &message.Payload{
		Data:       []any{"hi"},
		BinaryData: []message.BinaryEntry{nil},
		CallIndex:  3,
		SessionID:  "s1",
	})

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "/predict/", gotPath)
	assert.Equal(t, "application/json", gotType)
	assert.NotContains(t, gotBody, "binary_data")
	assert.Equal(t, []any{"hi"}, gotBody["data"])
	assert.Equal(t, []any{"hi!"}, body.Data)
	assert.InDelta(t, 0.5, *body.AverageDuration, 1e-9)
}

func TestSendMultipart(t *testing.T) {
	type part struct{ name, content string }
	var gotPath, gotPayload, gotIDs string
	var gotFiles []part

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotPayload = r.FormValue("payload")
		gotIDs = r.FormValue("input_id_per_file")
		for _, fh := range r.MultipartForm.File["binary_files"] {
			f, _ := fh.Open()
			data, _ := io.ReadAll(f)
			f.Close()
			gotFiles = append(gotFiles, part{fh.Filename, string(data)})
		}
		w.Write([]byte(`{"data":[3]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.Client(), nil)
	_, code := c.Send(context.Background(), srv.URL+"/", "predict", &message.Payload{
		Data: []any{nil, nil},
		BinaryData: []message.BinaryEntry{
			message.Single(message.File{Name: "a.wav", Data: []byte("fileA")}),
			{{Name: "b.wav", Data: []byte("fileB")}, {Name: "c.wav", Data: []byte("fileC")}},
		},
		CallIndex: 0,
	})

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "/binary/predict", gotPath)
	assert.Equal(t, "[0,1,1]", gotIDs)
	assert.Equal(t, []part{{"a.wav", "fileA"}, {"b.wav", "fileB"}, {"c.wav", "fileC"}}, gotFiles)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(gotPayload), &payload))
	assert.NotContains(t, payload, "binary_data")
}

func TestSendNeverFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/"
	srv.Close() // Nothing listens any more

	c := NewHTTPClient(nil, nil)
	body, code := c.Send(context.Background(), url, "predict", &message.Payload{Data: []any{"x"}})

	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, ConnectionErrorMessage, body.Error)
}

func TestSendCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	body, code := NewHTTPClient(nil, nil).Send(ctx, srv.URL+"/", "predict", &message.Payload{})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, ConnectionErrorMessage, body.Error)
}

func TestSendErrorBodies(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"json error", http.StatusInternalServerError, `{"error":"model crashed"}`, "model crashed"},
		{"html error", http.StatusBadGateway, `<html>bad gateway</html>`, "Bad Gateway"},
		{"empty ok", http.StatusOK, ``, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			resp := NewHTTPClient(nil, nil).Handle(context.Background(), &message.Request{
				BaseURL: srv.URL + "/",
				Route:   "predict",
				Payload: &message.Payload{},
			})
			assert.Equal(t, tc.status, resp.Status)
			assert.Equal(t, tc.wantErr, resp.ErrorMessage())
		})
	}
}
