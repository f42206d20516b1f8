package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"strconv"

	"github.com/elijahnyp/modem_controller/state"
	. "github.com/elijahnyp/modem_controller/util"
	"golang.org/x/image/font"
	"golang.org/x/image/font/inconsolata"
	"golang.org/x/image/math/fixed"
)

const (
	trackWidth  = 480
	trackHeight = 360
	trackMargin = 24
)

var (
	trackBackground = color.RGBA{255, 255, 255, 255}
	trackLine       = color.RGBA{0, 0, 255, 255}
	trackMarker     = color.RGBA{255, 0, 0, 255}
	trackText       = color.RGBA{0, 0, 0, 255}
)

type point struct {
	x int
	y int
}

type position struct {
	lat float64
	lon float64
}

// project maps positions onto the canvas, north up. A single position or a
// track with no extent lands in the middle.
func project(positions []position, width, height int) []point {
	if len(positions) == 0 {
		return nil
	}
	minLat, maxLat := positions[0].lat, positions[0].lat
	minLon, maxLon := positions[0].lon, positions[0].lon
	for _, p := range positions[1:] {
		minLat = min(minLat, p.lat)
		maxLat = max(maxLat, p.lat)
		minLon = min(minLon, p.lon)
		maxLon = max(maxLon, p.lon)
	}
	usableX := float64(width - 2*trackMargin)
	usableY := float64(height - 2*trackMargin)
	points := make([]point, 0, len(positions))
	for _, p := range positions {
		x := float64(width) / 2
		y := float64(height) / 2
		if maxLon > minLon {
			x = trackMargin + (p.lon-minLon)/(maxLon-minLon)*usableX
		}
		if maxLat > minLat {
			y = trackMargin + (maxLat-p.lat)/(maxLat-minLat)*usableY
		}
		points = append(points, point{int(x), int(y)})
	}
	return points
}

func drawLine(img *image.RGBA, from, to point, c color.Color) {
	steps := max(abs(to.x-from.x), abs(to.y-from.y))
	if steps == 0 {
		img.Set(from.x, from.y, c)
		return
	}
	for i := 0; i <= steps; i++ {
		x := from.x + (to.x-from.x)*i/steps
		y := from.y + (to.y-from.y)*i/steps
		img.Set(x, y, c)
	}
}

func drawMarker(img *image.RGBA, at point, size int, c color.Color) {
	for x := at.x - size; x <= at.x+size; x++ {
		for y := at.y - size; y <= at.y+size; y++ {
			img.Set(x, y, c)
		}
	}
}

func drawLabel(img *image.RGBA, at point, label string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(trackText),
		Face: inconsolata.Bold8x16,
		Dot:  fixed.Point26_6{X: fixed.I(at.x), Y: fixed.I(at.y)},
	}
	d.DrawString(label)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// RenderTrack plots the positions found in fixes, oldest first, joined by a
// line. The newest position gets a larger marker and a timestamp.
func RenderTrack(name string, fixes []state.Fix, width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, trackBackground)
		}
	}

	var positions []position
	latest := -1
	for i, fix := range fixes {
		if lat, lon, ok := fix.Position(); ok {
			positions = append(positions, position{lat, lon})
			latest = i
		}
	}
	drawLabel(img, point{4, 16}, name)
	if latest < 0 {
		drawLabel(img, point{4, height / 2}, "no position fix")
		return img
	}

	points := project(positions, width, height)
	for i := 1; i < len(points); i++ {
		drawLine(img, points[i-1], points[i], trackLine)
	}
	for _, p := range points[:len(points)-1] {
		drawMarker(img, p, 1, trackMarker)
	}
	last := points[len(points)-1]
	drawMarker(img, last, 3, trackMarker)
	newest := positions[len(positions)-1]
	drawLabel(img, point{4, height - 6}, fmt.Sprintf("%.5f, %.5f  %s", newest.lat, newest.lon, fixes[latest].Time.Format("15:04:05")))
	return img
}

// HttpTrack serves /track?name=<modem> as a PNG of its recent positions.
func HttpTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusBadRequest)
		if _, err := io.WriteString(w, "Bad Request Method\n"); err != nil {
			Logger.Error().Msgf("Error writing response: %v", err)
		}
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}
	name := r.FormValue("name")
	if _, ok := tracker.Status(name); !ok {
		w.WriteHeader(http.StatusNotFound)
		if _, err := io.WriteString(w, "Unknown modem"); err != nil {
			Logger.Error().Msgf("Error writing response: %v", err)
		}
		return
	}
	img := RenderTrack(name, tracker.History(name), trackWidth, trackHeight)
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		http.Error(w, "Error encoding image", http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "image/png")
	w.Header().Add("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := w.Write(buf.Bytes()); err != nil {
		Logger.Error().Msgf("Error writing image response: %v", err)
	}
}
