package worker

// Header is one CGI-style name/value pair.
type Header struct {
	Name  string
	Value string
}

// EncodeHeaders encodes CGI-style headers as alternating NUL-terminated
// name and value bytes. The payload ends with an extra "_\0_\0" sentinel
// pair, which defeats a trailing-empty-value parsing ambiguity in some
// downstream consumers.
func EncodeHeaders(headers []Header) []byte {
	n := 4 // sentinel
	for _, h := range headers {
		n += len(h.Name) + len(h.Value) + 2
	}

	buf := make([]byte, 0, n)
	for _, h := range headers {
		buf = append(buf, h.Name...)
		buf = append(buf, 0)
		buf = append(buf, h.Value...)
		buf = append(buf, 0)
	}
	buf = append(buf, '_', 0, '_', 0)
	return buf
}
