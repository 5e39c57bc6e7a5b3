package call

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/mvdham/capcast/internal/util"
)

// qrSize is the pixel width of the generated join code.
const qrSize = 400

// JoinLink builds the phone page URL that dials the given peer ID.
func JoinLink(publicURL, peerID string) string {
	return util.NormalizeURL(publicURL) + "/#/phone?peerId=" + peerID
}

// QRDataURL renders the join link as a PNG data URL for direct display
// in an <img> tag. Low error correction keeps the code coarse enough
// to scan off a monitor.
func QRDataURL(link string) (string, error) {
	png, err := qrcode.Encode(link, qrcode.Low, qrSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
