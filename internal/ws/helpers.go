package ws

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/wersvet/chatcore/internal/models"
)

func newConnID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

func decodeEvent(body []byte, event *models.ClientEvent) error {
	return json.Unmarshal(body, event)
}
