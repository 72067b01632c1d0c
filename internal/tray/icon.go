package tray

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

const iconSize = 22

// iconData is the tray icon: a card outline with a filled chip.
var iconData = renderIcon(iconSize)

func renderIcon(size int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	ink := color.NRGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xFF}

	top, bottom := size/5, size-size/5
	left, right := 1, size-2
	for x := left; x <= right; x++ {
		img.Set(x, top, ink)
		img.Set(x, bottom, ink)
	}
	for y := top; y <= bottom; y++ {
		img.Set(left, y, ink)
		img.Set(right, y, ink)
	}

	// chip
	for y := top + 3; y < top+3+size/4; y++ {
		for x := left + 3; x < left+3+size/3; x++ {
			img.Set(x, y, ink)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic("tray: icon encoding failed: " + err.Error())
	}
	return buf.Bytes()
}

func readerLabel(count int) string {
	switch count {
	case 0:
		return "Readers: None connected"
	case 1:
		return "Readers: 1 connected"
	default:
		return fmt.Sprintf("Readers: %d connected", count)
	}
}

func cardLabel(uid string) string {
	if uid == "" {
		return "Card: None"
	}
	return "Card: " + uid
}

// versionLabel only adds a "v" prefix for release versions, not dev builds.
func versionLabel(version string) string {
	if len(version) > 0 && version[0] >= '0' && version[0] <= '9' {
		version = "v" + version
	}
	return "MIFARE Agent " + version
}
