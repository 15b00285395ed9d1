package cameraclient

import (
	"image"
	"image/color"
)

// rotateImage returns img rotated clockwise by deg degrees, one of
// 90, 180 or 270; any other value returns img unchanged.
func rotateImage(img image.Image, deg int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	switch deg {
	case 90:
		dst := image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(h-1-y, x, colorAt(img, b, x, y))
			}
		}
		return dst
	case 180:
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(w-1-x, h-1-y, colorAt(img, b, x, y))
			}
		}
		return dst
	case 270:
		dst := image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(y, w-1-x, colorAt(img, b, x, y))
			}
		}
		return dst
	default:
		return img
	}
}

func colorAt(img image.Image, b image.Rectangle, x, y int) color.Color {
	return img.At(b.Min.X+x, b.Min.Y+y)
}
