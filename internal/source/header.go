package source

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

// syntheticIDSpace namespaces ids generated for messages without a
// Message-ID header.
var syntheticIDSpace = uuid.MustParse("5d1b5a40-6c2e-4c7f-9a6e-3f0d8e4b2a11")

// ReadRawHeader reads header lines from r up to and including the blank
// line that ends the header.
func ReadRawHeader(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := r.ReadBytes('\n')
		buf.Write(line)
		if err != nil {
			if buf.Len() > 0 {
				return buf.Bytes(), nil
			}
			return nil, err
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			return buf.Bytes(), nil
		}
	}
}

// ParseHeader parses raw header bytes. Lines that are not valid header
// fields are skipped. A missing or malformed Message-ID is replaced by a
// deterministic id derived from the header content, so re-reading the same
// message always yields the same id.
func ParseHeader(raw []byte) *Header {
	hdr := &Header{Raw: raw}

	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		th, err = textproto.ReadHeader(bufio.NewReader(bytes.NewReader(cleanHeader(raw))))
	}
	if err == nil {
		fillHeader(hdr, mail.Header{Header: message.Header{Header: th}})
	}

	if hdr.MessageID == "" {
		hdr.MessageID = SyntheticMessageID(raw)
	}
	return hdr
}

func fillHeader(hdr *Header, h mail.Header) {
	hdr.MessageID = NormalizeMessageID(h.Get("Message-Id"))

	if subject, err := h.Subject(); err == nil {
		hdr.Subject = subject
	} else {
		hdr.Subject = h.Get("Subject")
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		if from[0].Name != "" {
			hdr.From = from[0].Name + " <" + from[0].Address + ">"
		} else {
			hdr.From = from[0].Address
		}
	} else {
		hdr.From = h.Get("From")
	}

	if date, err := h.Date(); err == nil {
		hdr.Date = date
	}
}

// cleanHeader keeps only well-formed fields and their continuation lines
// and terminates the result with a blank line.
func cleanHeader(raw []byte) []byte {
	var out bytes.Buffer
	kept := false
	for _, line := range bytes.SplitAfter(raw, []byte("\n")) {
		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			break
		}
		if trimmed[0] == ' ' || trimmed[0] == '\t' {
			if kept {
				out.Write(trimmed)
				out.WriteString("\r\n")
			}
			continue
		}
		kept = validField(trimmed)
		if kept {
			out.Write(trimmed)
			out.WriteString("\r\n")
		}
	}
	out.WriteString("\r\n")
	return out.Bytes()
}

// validField reports whether line starts with a field name (printable
// ASCII, no colon) followed by a colon.
func validField(line []byte) bool {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return false
	}
	key := bytes.TrimRight(line[:i], " \t")
	if len(key) == 0 {
		return false
	}
	for _, c := range key {
		if c < 33 || c > 126 {
			return false
		}
	}
	return true
}

// NormalizeMessageID strips surrounding whitespace, angle brackets and
// quotes from a Message-ID value. A value made only of brackets or quotes
// normalizes to "".
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if fields := strings.Fields(id); len(fields) > 0 {
		id = fields[0]
	}
	if len(id) >= 2 &&
		((strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">")) ||
			(strings.HasPrefix(id, "\"") && strings.HasSuffix(id, "\""))) {
		id = id[1 : len(id)-1]
	}
	if strings.Trim(id, "<>\" ") == "" {
		return ""
	}
	return strings.TrimSpace(id)
}

// SyntheticMessageID derives a stable id from raw header bytes.
func SyntheticMessageID(raw []byte) string {
	return "mailsync-" + uuid.NewSHA1(syntheticIDSpace, raw).String()
}
