package report

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"proctorguard/internal/model"
)

const (
	chartWidth  = 480
	chartHeight = 220
	chartMargin = 16
	gaugeHeight = 18
)

var (
	colorBackground = color.RGBA{0xff, 0xff, 0xff, 0xff}
	colorTrack      = color.RGBA{0xe5, 0xe7, 0xeb, 0xff}
	colorLow        = color.RGBA{0x22, 0xa0, 0x6b, 0xff}
	colorModerate   = color.RGBA{0xf5, 0x9e, 0x0b, 0xff}
	colorHigh       = color.RGBA{0xdc, 0x26, 0x26, 0xff}
)

func severityColor(v float64) color.RGBA {
	switch {
	case v >= 7:
		return colorHigh
	case v >= 4:
		return colorModerate
	}
	return colorLow
}

func fill(img *image.RGBA, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, &image.Uniform{C: c}, image.Point{}, draw.Src)
}

// Chart draws the suspicion gauge above one bar per anomaly, scaled to
// severity 10.
func Chart(r *model.AnalysisReport) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, chartWidth, chartHeight))
	fill(img, img.Bounds(), colorBackground)

	inner := chartWidth - 2*chartMargin
	gauge := image.Rect(chartMargin, chartMargin, chartMargin+inner, chartMargin+gaugeHeight)
	fill(img, gauge, colorTrack)
	level := r.SuspicionLevel
	if level > 10 {
		level = 10
	}
	if level > 0 {
		w := int(float64(inner) * level / 10)
		fill(img, image.Rect(gauge.Min.X, gauge.Min.Y, gauge.Min.X+w, gauge.Max.Y), severityColor(level))
	}

	n := len(r.Anomalies)
	if n == 0 {
		return img
	}
	top := gauge.Max.Y + chartMargin
	bottom := chartHeight - chartMargin
	slot := inner / n
	gap := slot / 5
	for i, a := range r.Anomalies {
		sev := float64(a.Severity)
		if sev > 10 {
			sev = 10
		}
		x0 := chartMargin + i*slot + gap/2
		x1 := x0 + slot - gap
		if x1 <= x0 {
			x1 = x0 + 1
		}
		fill(img, image.Rect(x0, top, x1, bottom), colorTrack)
		h := int(float64(bottom-top) * sev / 10)
		fill(img, image.Rect(x0, bottom-h, x1, bottom), severityColor(sev))
	}
	return img
}

// ChartDataURI returns the chart as a base64 PNG data URI.
func ChartDataURI(r *model.AnalysisReport) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, Chart(r)); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
