package media

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestFitToBudgetShrinksUntilItFits(t *testing.T) {
	img := solidImage(2000, 2000, color.RGBA{R: 10, G: 200, B: 30, A: 255})
	data, err := FitToBudget(img, 20000)
	require.NoError(t, err)
	require.LessOrEqual(t, len(data), 20000)
}

func TestFitToBudgetFailsForImpossibleBudget(t *testing.T) {
	img := solidImage(2000, 2000, color.RGBA{R: 10, G: 200, B: 30, A: 255})
	_, err := FitToBudget(img, 1)
	require.Error(t, err)
}

func TestDataURLHasJPEGPrefix(t *testing.T) {
	img := solidImage(4, 4, color.White)
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	url := DataURL(buf.Bytes())
	require.Contains(t, url, "data:image/jpeg;base64,")
}
