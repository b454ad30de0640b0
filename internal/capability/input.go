package capability

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/png"
	"strings"

	apperrors "github.com/rahul/jarvis/internal/errors"
)

type clickArgs struct {
	X, Y   int
	Button string
	Clicks int
}

func parseClick(p Params) (clickArgs, error) {
	x, y, err := p.Point("x", "y")
	if err != nil {
		return clickArgs{}, err
	}
	clicks, err := p.IntOr("clicks", 1)
	if err != nil {
		return clickArgs{}, err
	}
	button := strings.ToLower(p.StringOr("button", "left"))
	switch button {
	case "left", "middle", "right":
	default:
		return clickArgs{}, apperrors.New(apperrors.KindValidation, "button must be left, middle or right")
	}
	if clicks < 1 {
		clicks = 1
	}
	return clickArgs{X: x, Y: y, Button: button, Clicks: clicks}, nil
}

type scrollArgs struct {
	Direction string
	Amount    int
}

func parseScroll(p Params) (scrollArgs, error) {
	dir := strings.ToLower(p.StringOr("direction", "down"))
	switch dir {
	case "up", "down", "left", "right":
	default:
		return scrollArgs{}, apperrors.New(apperrors.KindValidation, "direction must be up, down, left or right")
	}
	amount, err := p.IntOr("amount", 3)
	if err != nil {
		return scrollArgs{}, err
	}
	if amount < 1 {
		return scrollArgs{}, apperrors.New(apperrors.KindValidation, "amount must be positive")
	}
	return scrollArgs{Direction: dir, Amount: amount}, nil
}

type dragArgs struct {
	X, Y, EndX, EndY int
}

func parseDrag(p Params) (dragArgs, error) {
	x, y, err := p.Point("x", "y")
	if err != nil {
		return dragArgs{}, err
	}
	ex, ey, err := p.Point("end_x", "end_y")
	if err != nil {
		return dragArgs{}, err
	}
	return dragArgs{X: x, Y: y, EndX: ex, EndY: ey}, nil
}

// imageData is the payload shape of every capture.
func imageData(png []byte) map[string]any {
	data := map[string]any{
		"image_base64": base64.StdEncoding.EncodeToString(png),
		"format":       "png",
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(png)); err == nil {
		data["width"] = cfg.Width
		data["height"] = cfg.Height
	}
	return data
}

// imageParam decodes params.image_base64. ok is false when absent.
func imageParam(p Params) (img []byte, ok bool, err error) {
	raw := p.StringOr("image_base64", "")
	if raw == "" {
		return nil, false, nil
	}
	if i := strings.Index(raw, ","); strings.HasPrefix(raw, "data:") && i > 0 {
		raw = raw[i+1:]
	}
	img, err = base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, true, apperrors.New(apperrors.KindValidation, "image_base64 is not valid base64")
	}
	return img, true, nil
}
