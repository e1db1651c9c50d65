package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/contentforge/extractd/constants"
	"github.com/contentforge/extractd/internal/classify"
	"github.com/contentforge/extractd/internal/coordinator"
	"github.com/contentforge/extractd/internal/export"
	"github.com/contentforge/extractd/internal/extract"
	"github.com/contentforge/extractd/internal/pipeline"
	"github.com/contentforge/extractd/internal/storage"
)

func newTestServer(t *testing.T, maxUpload int64) *httptest.Server {
	t.Helper()
	root := t.TempDir()

	index, err := storage.OpenJobIndex(filepath.Join(root, "jobs.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = index.Close() })
	artifacts, err := storage.NewArtifactStore(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	results, err := storage.NewResultStore(root, nil)
	if err != nil {
		t.Fatal(err)
	}

	registry := extract.NewRegistry()
	registry.Register(constants.XML, extract.NewXMLExtractor(nil))

	pipe := pipeline.New(nil, classify.New(nil), registry, artifacts, results, index)
	coord := coordinator.New(nil, index, artifacts, pipe,
		coordinator.WithQueueCapacity(8),
		coordinator.WithJobTimeout(10*time.Second))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		coord.Shutdown(ctx)
	})

	srv := NewServer(coord, index, results, export.NewService(index, nil), maxUpload, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func multipartUpload(t *testing.T, url, filename string, content []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url+"/jobs", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func waitTerminal(t *testing.T, url, jobID string) jobView {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/jobs/" + jobID)
		if err != nil {
			t.Fatal(err)
		}
		var view jobView
		decodeJSON(t, resp, &view)
		if constants.JobStatus(view.Status).Terminal() {
			return view
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", jobID)
	return jobView{}
}

func TestSubmitAndGetJob(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	resp := multipartUpload(t, ts.URL, "doc.xml",
		[]byte(`<?xml version="1.0"?><doc><a>one</a><b>two</b></doc>`))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	var sub SubmitJobResponse
	decodeJSON(t, resp, &sub)
	if sub.JobID == "" || sub.Status != string(constants.JobStatusQueued) {
		t.Fatalf("submit response: %+v", sub)
	}

	view := waitTerminal(t, ts.URL, sub.JobID)
	if view.Status != string(constants.JobStatusSucceeded) {
		t.Fatalf("terminal status = %s, error = %+v", view.Status, view.Error)
	}
	if view.Format != string(constants.XML) {
		t.Fatalf("format = %q, want XML", view.Format)
	}
	if len(view.Result) == 0 {
		t.Fatal("succeeded job did not embed its result")
	}
	var res extract.Result
	if err := json.Unmarshal(view.Result, &res); err != nil {
		t.Fatalf("embedded result is not valid JSON: %v", err)
	}
	if len(res.Segments) == 0 {
		t.Fatal("embedded result has no segments")
	}
}

func TestGetJobNotFound(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	for _, id := range []string{"c1d7e7de-3c19-4d41-8f4b-000000000000", "not-a-uuid"} {
		resp, err := http.Get(ts.URL + "/jobs/" + id)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s status = %d, want 404", id, resp.StatusCode)
		}
	}
}

func TestSubmitMissingFileField(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	resp, err := http.Post(ts.URL+"/jobs", "multipart/form-data; boundary=x", strings.NewReader("--x--\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitOversizeUpload(t *testing.T) {
	ts := newTestServer(t, 256)

	resp := multipartUpload(t, ts.URL, "big.xml", bytes.Repeat([]byte("a"), 4096))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestCancelTerminalJobReportsFalse(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	resp := multipartUpload(t, ts.URL, "doc.xml", []byte(`<doc><a>x</a></doc>`))
	var sub SubmitJobResponse
	decodeJSON(t, resp, &sub)
	waitTerminal(t, ts.URL, sub.JobID)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/jobs/"+sub.JobID, nil)
	if err != nil {
		t.Fatal(err)
	}
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	decodeJSON(t, dresp, &out)
	if dresp.StatusCode != http.StatusOK || out.Cancelled {
		t.Fatalf("cancel of terminal job: status=%d cancelled=%v", dresp.StatusCode, out.Cancelled)
	}
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	ids := make(map[string]bool)
	for i := 0; i < 3; i++ {
		resp := multipartUpload(t, ts.URL, fmt.Sprintf("doc%d.xml", i),
			[]byte(fmt.Sprintf(`<doc><n>%d</n></doc>`, i)))
		var sub SubmitJobResponse
		decodeJSON(t, resp, &sub)
		ids[sub.JobID] = true
		waitTerminal(t, ts.URL, sub.JobID)
	}

	resp, err := http.Get(ts.URL + "/jobs?limit=10")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Items []jobView `json:"items"`
	}
	decodeJSON(t, resp, &out)
	if len(out.Items) != 3 {
		t.Fatalf("list returned %d items, want 3", len(out.Items))
	}
	for _, item := range out.Items {
		if !ids[item.JobID] {
			t.Fatalf("unexpected job in list: %s", item.JobID)
		}
		if len(item.Result) != 0 {
			t.Fatal("list view must not embed results")
		}
	}
}

func TestExportJobsXLSX(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	resp := multipartUpload(t, ts.URL, "doc.xml", []byte(`<doc><a>x</a></doc>`))
	var sub SubmitJobResponse
	decodeJSON(t, resp, &sub)
	waitTerminal(t, ts.URL, sub.JobID)

	eresp, err := http.Get(ts.URL + "/jobs/export")
	if err != nil {
		t.Fatal(err)
	}
	defer eresp.Body.Close()
	if eresp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", eresp.StatusCode)
	}
	if ct := eresp.Header.Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Fatalf("export content type = %q", ct)
	}
	data, err := io.ReadAll(eresp.Body)
	if err != nil {
		t.Fatal(err)
	}
	// XLSX is a zip archive.
	if len(data) < 4 || data[0] != 'P' || data[1] != 'K' {
		t.Fatalf("export body does not look like a workbook (%d bytes)", len(data))
	}
}

func TestInsightsAbsentIs404(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	resp := multipartUpload(t, ts.URL, "doc.xml", []byte(`<doc><a>x</a></doc>`))
	var sub SubmitJobResponse
	decodeJSON(t, resp, &sub)
	waitTerminal(t, ts.URL, sub.JobID)

	iresp, err := http.Get(ts.URL + "/jobs/" + sub.JobID + "/insights")
	if err != nil {
		t.Fatal(err)
	}
	iresp.Body.Close()
	if iresp.StatusCode != http.StatusNotFound {
		t.Fatalf("insights status = %d, want 404", iresp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Status        string `json:"status"`
		QueueDepth    int    `json:"queue_depth"`
		QueueCapacity int    `json:"queue_capacity"`
	}
	decodeJSON(t, resp, &out)
	if out.Status != "ok" || out.QueueCapacity != 8 {
		t.Fatalf("healthz: %+v", out)
	}
}
