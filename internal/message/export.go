package message

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/classcast/livechat/internal/errs"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatText = "text"
)

// Export renders a transcript of the given messages. The caller (the chat
// service) is responsible for authorization and for choosing the message set
// (ListAll with or without private messages); export itself only formats.
//
// Returns the rendered bytes and a content type.
func Export(msgs []*Message, format string) ([]byte, string, error) {
	switch format {
	case FormatJSON:
		out, err := exportJSON(msgs)
		return out, "application/json", err
	case FormatCSV:
		out, err := exportCSV(msgs)
		return out, "text/csv", err
	case FormatText:
		return exportText(msgs), "text/plain; charset=utf-8", nil
	default:
		return nil, "", errs.Validation("unknown export format")
	}
}

// exportJSON emits the full message records in transcript order. Decoding the
// array reconstructs the exact ordering and field values.
func exportJSON(msgs []*Message) ([]byte, error) {
	if msgs == nil {
		msgs = []*Message{}
	}
	out, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("message: export json: %w", err)
	}
	return out, nil
}

func exportCSV(msgs []*Message) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"id", "created_at", "sender_id", "sender_name", "body",
		"private", "recipient_id", "deleted", "reactions"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("message: export csv: %w", err)
	}

	for _, m := range msgs {
		recipient := ""
		if m.RecipientID != nil {
			recipient = *m.RecipientID
		}
		reactions, err := json.Marshal(m.ReactionCounts)
		if err != nil {
			return nil, fmt.Errorf("message: export csv reactions: %w", err)
		}
		row := []string{
			m.ID,
			m.CreatedAt.Format(time.RFC3339),
			m.SenderID,
			m.SenderName,
			m.Body,
			strconv.FormatBool(m.IsPrivate),
			recipient,
			strconv.FormatBool(m.IsDeleted),
			string(reactions),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("message: export csv: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("message: export csv: %w", err)
	}
	return buf.Bytes(), nil
}

func exportText(msgs []*Message) []byte {
	var buf bytes.Buffer
	for _, m := range msgs {
		buf.WriteString("[" + m.CreatedAt.Format(time.RFC3339) + "] ")
		buf.WriteString(m.SenderName)
		if m.IsPrivate && m.RecipientID != nil {
			buf.WriteString(" [private → " + *m.RecipientID + "]")
		}
		if m.IsDeleted {
			buf.WriteString(" [deleted]")
		}
		buf.WriteString(": ")
		buf.WriteString(m.Body)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
