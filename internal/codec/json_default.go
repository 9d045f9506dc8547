//go:build !sonic

package codec

import (
	"github.com/goccy/go-json"
)

var (
	Marshal   = json.Marshal
	Unmarshal = json.Unmarshal
)
