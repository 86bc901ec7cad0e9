// Package artwork picks the dominant colours out of cover art so the UI can
// theme itself around what is playing.
package artwork

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"sync"

	color_extractor "github.com/marekm4/color-extractor"

	"github.com/marcus-crane/tunetogether/utils"
)

type Extractor struct {
	HTTPClient *http.Client

	mu    sync.Mutex
	cache map[string][]string
}

func NewExtractor() *Extractor {
	return &Extractor{HTTPClient: utils.NewHTTPClient(), cache: map[string][]string{}}
}

// Colours fetches imageURL and returns its dominant colours as hex strings.
// Results are remembered per URL.
func (e *Extractor) Colours(ctx context.Context, imageURL string) ([]string, error) {
	e.mu.Lock()
	if c, ok := e.cache[imageURL]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	res, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cover request returned %d", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to decode cover: %w", err)
	}
	colours := ExtractColours(img)

	e.mu.Lock()
	e.cache[imageURL] = colours
	e.mu.Unlock()
	return colours, nil
}

func ExtractColours(img image.Image) []string {
	var domColours []string
	for _, c := range color_extractor.ExtractColors(img) {
		domColours = append(domColours, colorToHexString(c))
	}
	return domColours
}

func colorToHexString(c color.Color) string {
	r, g, b, a := c.RGBA()
	rgba := color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), uint8(a >> 8)}
	return fmt.Sprintf("#%.2x%.2x%.2x", rgba.R, rgba.G, rgba.B)
}
