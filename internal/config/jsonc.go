package config

import "bytes"

// StripJSONComments turns JSONC into plain JSON by dropping // line
// comments and /* */ block comments. Comment markers inside string
// literals are left alone. Newlines inside block comments are kept so
// json.Unmarshal errors still point at the right line.
func StripJSONComments(data []byte) []byte {
	out := bytes.NewBuffer(make([]byte, 0, len(data)))

	inString := false
	for i := 0; i < len(data); i++ {
		c := data[i]

		if inString {
			out.WriteByte(c)
			if c == '\\' && i+1 < len(data) {
				out.WriteByte(data[i+1])
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			out.WriteByte(c)
		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			for i < len(data) && data[i] != '\n' {
				i++
			}
			if i < len(data) {
				out.WriteByte('\n')
			}
		case c == '/' && i+1 < len(data) && data[i+1] == '*':
			i += 2
			for i < len(data) {
				if data[i] == '\n' {
					out.WriteByte('\n')
				}
				if data[i] == '*' && i+1 < len(data) && data[i+1] == '/' {
					i++
					break
				}
				i++
			}
		default:
			out.WriteByte(c)
		}
	}

	return out.Bytes()
}
