// Package revert turns opaque contract revert data into readable diagnostics.
//
// Known custom errors are dispatched by their 4-byte selector to a renderer
// that applies the protocol's fixed-point scaling. Unknown selectors still
// produce a message carrying the literal selector, so a revert is never
// silently dropped.
package revert

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

const (
	noReason       = "execution reverted, no reason"
	maxTrailWords  = 8
	selectorLength = 4
)

// DecodedError is the readable form of a revert payload.
type DecodedError struct {
	// Selector is the 0x-prefixed 4-byte error selector; empty when the
	// reason came from a plain-text message.
	Selector string
	Name     string
	Message  string
}

func (d DecodedError) Error() string { return d.Message }

type renderer func(args []any) string

type errorDef struct {
	name   string
	args   abi.Arguments
	render renderer
}

var table = map[[4]byte]errorDef{}

// Selector returns the first four bytes of the Keccak-256 hash of an error
// or function signature such as "Error(string)".
func Selector(signature string) [4]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	var out [4]byte
	copy(out[:], h.Sum(nil))
	return out
}

func register(signature string, render renderer) {
	open := strings.IndexByte(signature, '(')
	name := signature[:open]
	params := strings.TrimSuffix(signature[open+1:], ")")

	var args abi.Arguments
	if params != "" {
		for _, p := range strings.Split(params, ",") {
			typ, err := abi.NewType(p, "", nil)
			if err != nil {
				panic(fmt.Sprintf("revert: bad type %q in %s: %v", p, signature, err))
			}
			args = append(args, abi.Argument{Type: typ})
		}
	}
	table[Selector(signature)] = errorDef{name: name, args: args, render: render}
}

// Decode dispatches data by selector. It reports false when data is shorter
// than a selector or a known selector's parameters are truncated.
func Decode(data []byte) (DecodedError, bool) {
	if len(data) < selectorLength {
		return DecodedError{}, false
	}
	var sel [4]byte
	copy(sel[:], data[:selectorLength])
	selHex := hexutil.Encode(sel[:])

	def, ok := table[sel]
	if !ok {
		return DecodedError{Selector: selHex, Message: unknownMessage(selHex, data[selectorLength:])}, true
	}

	var values []any
	if len(def.args) > 0 {
		var err error
		values, err = def.args.Unpack(data[selectorLength:])
		if err != nil {
			return DecodedError{}, false
		}
	}
	return DecodedError{Selector: selHex, Name: def.name, Message: def.render(values)}, true
}

// Message always returns a non-empty description of data.
func Message(data []byte) string {
	if d, ok := Decode(data); ok {
		return d.Message
	}
	if len(data) < selectorLength {
		return noReason
	}
	selHex := hexutil.Encode(data[:selectorLength])
	if def, ok := table[[4]byte(data[:selectorLength])]; ok {
		return fmt.Sprintf("%s (%s) with malformed parameters", def.name, selHex)
	}
	return unknownMessage(selHex, nil)
}

func unknownMessage(selHex string, params []byte) string {
	msg := "unknown contract error " + selHex
	var words []string
	for i := 0; i+32 <= len(params) && len(words) < maxTrailWords; i += 32 {
		words = append(words, renderWord(params[i:i+32]))
	}
	if len(words) > 0 {
		msg += " (" + strings.Join(words, ", ") + ")"
	}
	return msg
}

// renderWord guesses whether a 32-byte word is an address or an integer.
func renderWord(word []byte) string {
	v := new(big.Int).SetBytes(word)
	leadingZero := true
	for _, b := range word[:12] {
		if b != 0 {
			leadingZero = false
			break
		}
	}
	if leadingZero && v.BitLen() > 128 {
		return common.BytesToAddress(word[12:]).Hex()
	}
	return v.String()
}
