// Package idgen provides random ID generation for records and public order codes.
package idgen

import (
	"strings"

	"github.com/google/uuid"
	"github.com/jaevor/go-nanoid"
)

// Prefixes for the record kinds the marketplace creates.
const (
	PrefixOrder      = "ord_"
	PrefixDispute    = "dsp_"
	PrefixMessage    = "msg_"
	PrefixWithdrawal = "wd_"
	PrefixEntry      = "le_"
	PrefixEvent      = "evt_"
)

// codeAlphabet omits characters that are easy to misread (0/O, 1/I).
const codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

var codeGen = mustCodeGen()

func mustCodeGen() func() string {
	gen, err := nanoid.CustomASCII(codeAlphabet, 10)
	if err != nil {
		panic("idgen: nanoid generator: " + err.Error())
	}
	return gen
}

// New generates a random UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "ord_", "wd_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// OrderCode returns a short human-friendly code shown to buyers and sellers,
// e.g. "BZ-7K3QX9M2HA".
func OrderCode() string {
	return "BZ-" + codeGen()
}
