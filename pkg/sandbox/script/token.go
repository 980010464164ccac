package script

// tokenKind enumerates the lexical token types the lexer produces.
type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokKeyword
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	num  float64
	line int
}

var keywords = map[string]bool{
	"function":  true,
	"return":    true,
	"if":        true,
	"else":      true,
	"var":       true,
	"let":       true,
	"const":     true,
	"true":      true,
	"false":     true,
	"null":      true,
	"undefined": true,
	"await":     true,
	"throw":     true,
	"try":       true,
	"catch":     true,
	"new":       true,
}
