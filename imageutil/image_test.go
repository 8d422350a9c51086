package imageutil

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func TestDetectFormat(t *testing.T) {
	var pngBuf, jpgBuf bytes.Buffer
	if err := EncodePNG(&pngBuf, gradient(4, 4)); err != nil {
		t.Fatal(err)
	}
	if err := jpeg.Encode(&jpgBuf, gradient(4, 4), nil); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		data []byte
		want Format
	}{
		{"png", pngBuf.Bytes(), FormatPNG},
		{"jpeg", jpgBuf.Bytes(), FormatJPEG},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), FormatWebP},
		{"riff ohne webp", []byte("RIFF\x00\x00\x00\x00WAVEfmt "), FormatUnknown},
		{"kurz", []byte{0xFF}, FormatUnknown},
	}
	for _, tt := range cases {
		if got := DetectFormat(tt.data); got != tt.want {
			t.Errorf("%s: erwartet %s, bekommen %s", tt.name, tt.want, got)
		}
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "bild.png")
	src := gradient(40, 24)
	if err := SavePNG(path, src); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Pix, src.Pix) {
		t.Error("PNG-Roundtrip veraendert Pixel")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "fehlt.png")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("erwartet ErrNotExist, bekommen %v", err)
	}
	if _, err := Decode([]byte("kein bild")); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("erwartet ErrUnknownFormat, bekommen %v", err)
	}
}

func TestPrepareSource(t *testing.T) {
	cases := []struct {
		w, h         int
		wantW, wantH int
	}{
		{64, 64, 64, 64},
		{100, 70, 96, 64},
		{33, 500, 32, 480},
	}
	for _, tt := range cases {
		got, err := PrepareSource(gradient(tt.w, tt.h))
		if err != nil {
			t.Fatal(err)
		}
		if b := got.Bounds(); b.Dx() != tt.wantW || b.Dy() != tt.wantH || b.Min != (image.Point{}) {
			t.Errorf("%dx%d: erwartet %dx%d, bekommen %v", tt.w, tt.h, tt.wantW, tt.wantH, b)
		}
	}

	if _, err := PrepareSource(gradient(31, 64)); !errors.Is(err, ErrTooSmall) {
		t.Errorf("erwartet ErrTooSmall, bekommen %v", err)
	}
}

func TestFillRect(t *testing.T) {
	// 100x70 auf 96:64 = 3:2 -> 105x70 passt nicht, also 100x66 zentriert
	got := fillRect(image.Rect(0, 0, 100, 70), 96, 64)
	if want := image.Rect(0, 2, 100, 68); got != want {
		t.Errorf("erwartet %v, bekommen %v", want, got)
	}
}

func TestToRGBAOffset(t *testing.T) {
	src := gradient(8, 8).SubImage(image.Rect(2, 2, 6, 6))
	got := ToRGBA(src)
	if got.Bounds() != image.Rect(0, 0, 4, 4) {
		t.Fatalf("erwartet Ursprung 0,0, bekommen %v", got.Bounds())
	}
	if c := got.RGBAAt(0, 0); c.R != 2 || c.G != 2 {
		t.Errorf("erwartet Pixel (2,2), bekommen %v", c)
	}
}

func TestSamplePath(t *testing.T) {
	cases := []struct {
		path         string
		index, total int
		want         string
	}{
		{"out.png", 0, 1, "out.png"},
		{"out.png", 2, 3, "out.2.png"},
		{"dir/bild", 1, 2, "dir/bild.1"},
	}
	for _, tt := range cases {
		if got := SamplePath(tt.path, tt.index, tt.total); got != tt.want {
			t.Errorf("SamplePath(%q, %d, %d): erwartet %q, bekommen %q", tt.path, tt.index, tt.total, tt.want, got)
		}
	}
}
