package payreq

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// DefaultQRSize is the edge length in pixels of generated QR images.
const DefaultQRSize = 256

// QRCode renders uri as a PNG QR code with medium error correction.
func QRCode(uri string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	qr, err := qrcode.New(uri, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}
	png, err := qr.PNG(size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}
	return png, nil
}

// QRCodeBase64 returns the QR code for uri as base64-encoded PNG, for easy
// embedding in JSON responses.
func QRCodeBase64(uri string) (string, error) {
	png, err := QRCode(uri, DefaultQRSize)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
