package protocol

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidRecord = errors.New("invalid record format")
	ErrUnknownKind   = errors.New("unknown operation kind")
)

// ServerID is the sender of every record the server originates.
const ServerID = "Server"

// BroadcastID is the receiver of records addressed to every online user.
const BroadcastID = "ALL"

const fieldCount = 5

// Message is one protocol record: KIND|sender|receiver|content|timestamp.
type Message struct {
	Kind      Kind
	Sender    string
	Receiver  string
	Content   string
	Timestamp int64 // unix milliseconds
}

// New builds a record stamped with the current time.
func New(kind Kind, sender, receiver, content string) Message {
	return Message{
		Kind:      kind,
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Time returns the record timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Encode formats the record as a single newline-terminated line.
func (m Message) Encode() string {
	parts := []string{
		Escape(string(m.Kind)),
		Escape(m.Sender),
		Escape(m.Receiver),
		Escape(m.Content),
		strconv.FormatInt(m.Timestamp, 10),
	}
	return strings.Join(parts, "|") + "\n"
}

// Decode parses one line into a record. A record with an unknown kind is
// returned together with ErrUnknownKind so the caller can still answer it.
func Decode(line string) (Message, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	parts := SplitFields(line)
	if len(parts) != fieldCount {
		return Message{}, ErrInvalidRecord
	}

	msg := Message{
		Kind:     Kind(parts[0]),
		Sender:   parts[1],
		Receiver: parts[2],
		Content:  parts[3],
	}
	if parts[4] != "" {
		ts, err := strconv.ParseInt(parts[4], 10, 64)
		if err != nil {
			return Message{}, ErrInvalidRecord
		}
		msg.Timestamp = ts
	}

	if !msg.Kind.Valid() {
		return msg, ErrUnknownKind
	}
	return msg, nil
}

// EncodeBatch packs several records into one content field, one record per line.
func EncodeBatch(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Encode())
	}
	return b.String()
}

// DecodeBatch is the inverse of EncodeBatch.
func DecodeBatch(content string) ([]Message, error) {
	if content == "" {
		return nil, nil
	}
	var msgs []Message
	for _, line := range strings.Split(strings.TrimSuffix(content, "\n"), "\n") {
		m, err := Decode(line)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// SplitFields splits a line on unescaped '|' and unescapes every field.
func SplitFields(line string) []string {
	raw := splitUnescaped(line, '|')
	fields := make([]string, len(raw))
	for i, f := range raw {
		fields[i] = unescape(f)
	}
	return fields
}

// JoinFields escapes every field and joins them with '|'.
func JoinFields(fields ...string) string {
	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = Escape(f)
	}
	return strings.Join(escaped, "|")
}

// splitUnescaped splits s on delimiter, leaving escape sequences untouched.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}

		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}

		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteRune(r)
	}

	parts = append(parts, current.String())
	return parts
}

func unescape(s string) string {
	var result strings.Builder
	escape := false

	for i, r := range s {
		if escape {
			switch r {
			case '|':
				result.WriteRune('|')
			case ',':
				result.WriteRune(',')
			case '\\':
				result.WriteRune('\\')
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				// unknown escape is kept verbatim
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}

		if r == '\\' && i < len(s)-1 {
			escape = true
			continue
		}

		result.WriteRune(r)
	}

	if escape {
		result.WriteRune('\\')
	}

	return result.String()
}

// Escape protects the delimiter and line-break characters of s.
func Escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case ',':
			result.WriteString("\\,")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}
