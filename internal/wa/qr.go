package wa

import "github.com/skip2/go-qrcode"

// EncodeQR renders a pairing code as a 256px PNG.
func EncodeQR(code string) ([]byte, error) {
	return qrcode.Encode(code, qrcode.Medium, 256)
}
