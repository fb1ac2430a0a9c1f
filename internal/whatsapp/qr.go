package whatsapp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

const qrImageSize = 256

// RenderQR encodes a pairing challenge as a PNG data URL.
func RenderQR(code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("whatsapp: render qr: empty code")
	}
	bc, err := qr.Encode(code, qr.M, qr.Auto)
	if err != nil {
		return "", fmt.Errorf("whatsapp: render qr: %w", err)
	}
	bc, err = barcode.Scale(bc, qrImageSize, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("whatsapp: scale qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, bc); err != nil {
		return "", fmt.Errorf("whatsapp: encode qr png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
