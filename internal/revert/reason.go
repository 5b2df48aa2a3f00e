package revert

import (
	"errors"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const revertMarker = "execution reverted"

var hexPayload = regexp.MustCompile(`0x[0-9a-fA-F]{8,}`)

// TryDecodeRevertReason scans an arbitrary error string for a revert
// diagnostic. ABI-shaped hex payloads are decoded first; otherwise a quoted
// or plain reason after "execution reverted" is extracted. It reports false
// when the string carries neither.
func TryDecodeRevertReason(s string) (string, bool) {
	if d, ok := decodeEmbedded(s); ok {
		return d.Message, true
	}
	return plainReason(s)
}

// FromError extracts a decoded revert from an RPC or provider error.
func FromError(err error) (DecodedError, bool) {
	if err == nil {
		return DecodedError{}, false
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := errorData(dataErr.ErrorData()); ok {
			if d, ok := Decode(data); ok {
				return d, true
			}
		}
	}

	msg := err.Error()
	if d, ok := decodeEmbedded(msg); ok {
		return d, true
	}
	if reason, ok := plainReason(msg); ok {
		return DecodedError{Message: reason}, true
	}
	return DecodedError{}, false
}

func decodeEmbedded(s string) (DecodedError, bool) {
	for _, match := range hexPayload.FindAllString(s, -1) {
		if len(match)%2 == 1 {
			continue
		}
		data, err := hexutil.Decode(match)
		if err != nil || (len(data)-selectorLength)%32 != 0 {
			continue
		}
		if d, ok := Decode(data); ok {
			return d, true
		}
	}
	return DecodedError{}, false
}

func plainReason(s string) (string, bool) {
	idx := strings.Index(strings.ToLower(s), revertMarker)
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(s[idx+len(revertMarker):])
	rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))

	if strings.HasPrefix(rest, `"`) || strings.HasPrefix(rest, "'") {
		quote := rest[:1]
		if end := strings.Index(rest[1:], quote); end >= 0 {
			rest = rest[1 : end+1]
		}
	}
	if rest == "" {
		return noReason, true
	}
	return revertMarker + ": " + rest, true
}

func errorData(v any) ([]byte, bool) {
	switch data := v.(type) {
	case string:
		b, err := hexutil.Decode(data)
		return b, err == nil && len(b) > 0
	case []byte:
		return data, len(data) > 0
	default:
		return nil, false
	}
}
