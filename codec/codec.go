// Package codec translates text between the client charset and the UTF-8
// strings used everywhere else in p4rpc.
//
// The packet layer carries raw bytes. Only once a field is known to be text
// (not binary file content, not excluded by a FieldRule) does it pass through
// a Codec:
//
//	wire bytes ──Decode──► Go string (UTF-8) ──Encode──► wire bytes
//
// A server running in unicode mode always speaks UTF-8 on the wire, so the
// UTF8 codec is used regardless of the configured client charset.
package codec

import (
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"

	"p4rpc/rpcerr"
)

// Codec converts between wire bytes in one charset and Go strings.
type Codec interface {
	Encode(s string) ([]byte, error)
	Decode(b []byte) (string, error)
	Name() string // Perforce charset name, e.g. "utf8", "shiftjis"
}

// UTF8 is the passthrough codec. Invalid sequences are preserved as-is.
var UTF8 Codec = utf8Codec{}

// charsets maps P4CHARSET names onto x/text encodings. "none" and "auto"
// resolve to UTF8 since the wire is then taken verbatim.
var charsets = map[string]encoding.Encoding{
	"iso8859-1":     charmap.ISO8859_1,
	"iso8859-5":     charmap.ISO8859_5,
	"iso8859-7":     charmap.ISO8859_7,
	"iso8859-15":    charmap.ISO8859_15,
	"winansi":       charmap.Windows1252,
	"cp1250":        charmap.Windows1250,
	"cp1251":        charmap.Windows1251,
	"cp1253":        charmap.Windows1253,
	"cp850":         charmap.CodePage850,
	"cp858":         charmap.CodePage858,
	"cp437":         charmap.CodePage437,
	"koi8-r":        charmap.KOI8R,
	"macosroman":    charmap.Macintosh,
	"shiftjis":      japanese.ShiftJIS,
	"eucjp":         japanese.EUCJP,
	"cp949":         korean.EUCKR,
	"cp936":         simplifiedchinese.GBK,
	"big5":          traditionalchinese.Big5,
	"utf8-bom":      unicode.UTF8BOM,
	"utf16":         unicode.UTF16(unicode.BigEndian, unicode.UseBOM),
	"utf16-nobom":   unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM),
	"utf16le":       unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM),
	"utf16le-bom":   unicode.UTF16(unicode.LittleEndian, unicode.UseBOM),
	"utf16be":       unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM),
	"utf16be-bom":   unicode.UTF16(unicode.BigEndian, unicode.UseBOM),
	"utf8unchecked": encoding.Nop,
}

// GetCodec returns the codec for a P4CHARSET name. The empty string, "none",
// "auto" and "utf8" all yield UTF8.
func GetCodec(name string) (Codec, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", "none", "auto", "utf8", "utf-8":
		return UTF8, nil
	}
	enc, ok := charsets[n]
	if !ok {
		return nil, rpcerr.New(rpcerr.Syntax, "charset", "unknown charset %q", name)
	}
	return &textCodec{name: n, enc: enc}, nil
}

// Names lists the charset names GetCodec accepts, beyond the UTF-8 aliases.
func Names() []string {
	names := make([]string, 0, len(charsets))
	for n := range charsets {
		names = append(names, n)
	}
	return names
}
