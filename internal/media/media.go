// Package media implements image decode/composite/resize/recompress with
// iterative budget-fit, and data-URL embedding for OpenAI-style
// {type:"image_url"} content parts, built on disintegration/imaging.
package media

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/disintegration/imaging"

	"github.com/nbot/orchestrator/internal/nberr"
)

const (
	maxBudgetIterations = 10
	minJPEGQuality      = 50
	qualityStep         = 10
	scaleStep           = 0.85
)

// DecodeAny decodes any image format imaging supports.
func DecodeAny(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nberr.Wrap(nberr.BadRequest, "decode image", err)
	}
	return img, nil
}

// CompositeOnWhite flattens an image with transparency onto a white
// background, since most LLM vision encoders reject alpha channels.
func CompositeOnWhite(img image.Image) image.Image {
	bounds := img.Bounds()
	dst := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
	return imaging.Overlay(dst, img, image.Pt(0, 0), 1.0)
}

// Resize scales img to fit within maxWidth x maxHeight, preserving aspect
// ratio, using Lanczos resampling. An image already within bounds is
// returned unchanged; smaller images are never upscaled.
func Resize(img image.Image, maxWidth, maxHeight int) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() <= maxWidth && bounds.Dy() <= maxHeight {
		return img
	}
	return imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, nberr.Wrap(nberr.BadRequest, "encode jpeg", err)
	}
	return buf.Bytes(), nil
}

// FitToBudget iteratively recompresses/rescales img until its JPEG
// encoding is at or under maxBytes, or fails after maxBudgetIterations
// adjustments.
func FitToBudget(img image.Image, maxBytes int) ([]byte, error) {
	quality := 92
	current := img

	for i := 0; i < maxBudgetIterations; i++ {
		data, err := encodeJPEG(current, quality)
		if err != nil {
			return nil, err
		}
		if len(data) <= maxBytes {
			return data, nil
		}
		if quality > minJPEGQuality {
			quality -= qualityStep
			if quality < minJPEGQuality {
				quality = minJPEGQuality
			}
			continue
		}
		bounds := current.Bounds()
		newW := int(float64(bounds.Dx()) * scaleStep)
		newH := int(float64(bounds.Dy()) * scaleStep)
		if newW < 1 || newH < 1 {
			break
		}
		current = imaging.Resize(current, newW, newH, imaging.Lanczos)
	}
	return nil, nberr.New(nberr.RequestTooLarge, "Image too large")
}

// DataURL builds a data:image/jpeg;base64,... string from encoded JPEG
// bytes, the shape OpenAI-compatible {type:"image_url"} content parts
// embed inline images as.
func DataURL(jpegBytes []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegBytes)
}

// PrepareImageDataURL runs the full pipeline: decode, composite on white,
// resize to maxWidth/maxHeight, fit to maxBytes, and wrap as a data URL.
func PrepareImageDataURL(raw []byte, maxWidth, maxHeight, maxBytes int) (string, error) {
	img, err := DecodeAny(raw)
	if err != nil {
		return "", err
	}
	img = CompositeOnWhite(img)
	img = Resize(img, maxWidth, maxHeight)
	fitted, err := FitToBudget(img, maxBytes)
	if err != nil {
		return "", err
	}
	return DataURL(fitted), nil
}
