package main

import (
	"bytes"
	"image/png"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elijahnyp/modem_controller/state"
)

func TestProject(t *testing.T) {
	points := project([]position{{lat: 1, lon: 1}, {lat: 2, lon: 3}}, 100, 80)
	if len(points) != 2 {
		t.Fatalf("Expected 2 points, got %d", len(points))
	}
	// south-west corner bottom left, north-east corner top right
	if points[0] != (point{trackMargin, 80 - trackMargin}) {
		t.Errorf("First point = %+v", points[0])
	}
	if points[1] != (point{100 - trackMargin, trackMargin}) {
		t.Errorf("Second point = %+v", points[1])
	}

	single := project([]position{{lat: 5, lon: 5}}, 100, 80)
	if single[0] != (point{50, 40}) {
		t.Errorf("Single point should be centred, got %+v", single[0])
	}
	if project(nil, 100, 80) != nil {
		t.Error("No positions should project to nothing")
	}
}

func TestRenderTrack(t *testing.T) {
	fixes := []state.Fix{
		{Modem: "truck", Time: time.Unix(0, 0), GPS: &state.GPS{Latitude: 47.60, Longitude: -122.33}},
		{Modem: "truck", Time: time.Unix(30, 0)},
		{Modem: "truck", Time: time.Unix(60, 0), CDMA: &state.CDMA{Latitude: 47.61, Longitude: -122.32}},
	}
	img := RenderTrack("truck", fixes, 200, 150)
	if img.Bounds().Dx() != 200 || img.Bounds().Dy() != 150 {
		t.Fatalf("Unexpected bounds %v", img.Bounds())
	}

	// newest position is the north-east corner and carries the big marker
	r, g, b, _ := img.At(200-trackMargin, trackMargin).RGBA()
	if r>>8 != 255 || g>>8 != 0 || b>>8 != 0 {
		t.Errorf("Expected a red marker at the newest position, got %d,%d,%d", r>>8, g>>8, b>>8)
	}
	// background away from the track and the labels
	r, g, b, _ = img.At(199, 75).RGBA()
	if r>>8 != 255 || g>>8 != 255 || b>>8 != 255 {
		t.Errorf("Expected white background, got %d,%d,%d", r>>8, g>>8, b>>8)
	}

	empty := RenderTrack("truck", []state.Fix{{Modem: "truck"}}, 200, 150)
	if empty.Bounds().Dx() != 200 {
		t.Errorf("Unexpected bounds %v", empty.Bounds())
	}
}

func TestHttpTrack(t *testing.T) {
	setupWebState(t)

	tests := []struct {
		name           string
		method         string
		query          string
		expectedStatus int
	}{
		{"Known modem", "GET", "?name=truck", 200},
		{"Unknown modem", "GET", "?name=plane", 404},
		{"Wrong method", "POST", "?name=truck", 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HttpTrack(w, httptest.NewRequest(tt.method, "/track"+tt.query, nil))
			if w.Code != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if tt.expectedStatus != 200 {
				return
			}
			if ct := w.Header().Get("Content-Type"); ct != "image/png" {
				t.Errorf("Expected image/png, got %s", ct)
			}
			img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
			if err != nil {
				t.Fatalf("Response is not a PNG: %v", err)
			}
			if img.Bounds().Dx() != trackWidth || img.Bounds().Dy() != trackHeight {
				t.Errorf("Unexpected bounds %v", img.Bounds())
			}
		})
	}
}
