package chat

import (
	"encoding/base64"
	"encoding/json"

	"github.com/suPer8Hu/acontext-api/internal/common"
)

type messageCursor struct {
	Seq uint64 `json:"seq"`
}

// EncodeCursor makes an opaque page token pointing after seq.
func EncodeCursor(seq uint64) string {
	b, _ := json.Marshal(messageCursor{Seq: seq})
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeCursor returns ok=false for an empty token.
func DecodeCursor(s string) (seq uint64, ok bool, err error) {
	if s == "" {
		return 0, false, nil
	}
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return 0, false, common.ValidationError("invalid cursor", err)
	}
	var c messageCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return 0, false, common.ValidationError("invalid cursor", err)
	}
	return c.Seq, true, nil
}
