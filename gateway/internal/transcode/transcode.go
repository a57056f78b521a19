// Package transcode re-encodes static raster images as lossy WebP.
//
// Candidates are JPEG, PNG, BMP and TIFF. Animated PNGs (an acTL chunk before
// the image data), GIFs and formats that are already compact (WebP, AVIF) are
// left alone. A failed conversion is not fatal: the caller gets the original
// bytes and content type back together with the error.
package transcode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"strings"

	"github.com/gen2brain/webp"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Quality is the fixed WebP quality (0-100).
const Quality = 82

// OutputType is the content type of converted images.
const OutputType = "image/webp"

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

var candidates = map[string]bool{
	"image/jpeg":     true,
	"image/jpg":      true,
	"image/pjpeg":    true,
	"image/png":      true,
	"image/bmp":      true,
	"image/x-ms-bmp": true,
	"image/tiff":     true,
}

// Result is the outcome of Convert. When Converted is false, Body and
// ContentType are the input unchanged.
type Result struct {
	Body        []byte
	ContentType string
	Converted   bool
}

// MediaType returns the lowercased media type without parameters.
func MediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mt
}

// IsCandidate reports whether contentType names a format worth converting.
func IsCandidate(contentType string) bool {
	return candidates[MediaType(contentType)]
}

// IsAnimatedPNG walks the PNG chunk list and reports whether an acTL chunk is
// present. Non-PNG input returns false.
func IsAnimatedPNG(data []byte) bool {
	if !bytes.HasPrefix(data, pngSignature) {
		return false
	}
	off := uint64(len(pngSignature))
	size := uint64(len(data))
	for off+8 <= size {
		length := uint64(binary.BigEndian.Uint32(data[off : off+4]))
		typ := string(data[off+4 : off+8])
		switch typ {
		case "acTL":
			return true
		case "IEND":
			return false
		}
		off += 8 + length + 4
	}
	return false
}

// Convert re-encodes data as WebP when contentType is a candidate. The
// returned Result is always usable; err is only informative.
func Convert(data []byte, contentType string) (Result, error) {
	original := Result{Body: data, ContentType: contentType}
	if !IsCandidate(contentType) {
		return original, nil
	}
	if IsAnimatedPNG(data) {
		return original, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return original, fmt.Errorf("transcode: decode %s: %w", MediaType(contentType), err)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, webp.Options{Quality: Quality}); err != nil {
		return original, fmt.Errorf("transcode: encode webp: %w", err)
	}
	return Result{Body: buf.Bytes(), ContentType: OutputType, Converted: true}, nil
}
