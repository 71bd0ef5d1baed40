package geo

import (
	"os"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// cpgAliases maps code page names commonly found in .cpg files to IANA names.
var cpgAliases = map[string]string{
	"UTF8":       "utf-8",
	"UTF-8":      "utf-8",
	"65001":      "utf-8",
	"ANSI 1252":  "windows-1252",
	"1252":       "windows-1252",
	"88591":      "iso-8859-1",
	"8859_1":     "iso-8859-1",
	"ISO-8859-1": "iso-8859-1",
	"936":        "gbk",
	"GBK":        "gbk",
	"GB2312":     "gbk",
	"CP936":      "gbk",
	"950":        "big5",
	"BIG5":       "big5",
	"932":        "shift_jis",
	"SHIFT_JIS":  "shift_jis",
	"1251":       "windows-1251",
	"ANSI 1251":  "windows-1251",
	"KOI8-R":     "koi8-r",
}

// readCPG returns the encoding named by a .cpg sidecar, or nil when the file is
// missing or names an unknown code page.
func readCPG(path string) encoding.Encoding {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return lookupEncoding(string(data))
}

func lookupEncoding(name string) encoding.Encoding {
	key := strings.ToUpper(strings.TrimSpace(name))
	if key == "" {
		return nil
	}
	if alias, ok := cpgAliases[key]; ok {
		key = alias
	}
	enc, err := htmlindex.Get(strings.ToLower(key))
	if err != nil {
		return nil
	}
	return enc
}

// detectEncoding guesses the character set of sample. UTF-8 input is
// returned as-is; otherwise chardet picks the most likely charset.
func detectEncoding(sample []byte) encoding.Encoding {
	if len(sample) == 0 || utf8.Valid(sample) {
		return unicode.UTF8
	}
	res, err := chardet.NewTextDetector().DetectBest(sample)
	if err != nil || res == nil {
		return unicode.UTF8
	}
	if enc := lookupEncoding(res.Charset); enc != nil {
		return enc
	}
	return unicode.UTF8
}

// decodeString converts s from enc to UTF-8, trimming NUL padding.
// Undecodable input is returned unchanged.
func decodeString(enc encoding.Encoding, s string) string {
	s = strings.TrimRight(s, "\x00 ")
	if enc == nil || enc == unicode.UTF8 {
		return s
	}
	out, err := enc.NewDecoder().String(s)
	if err != nil {
		return s
	}
	return out
}
