package abba

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/quorumlabs/mvba/pkg/mvba"
)

const moduleTag = "abba"

func init() {
	gob.Register(Message{})
}

func encodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, mvba.Encoding(fmt.Errorf("encode abba message: %w", err))
	}
	return buf.Bytes(), nil
}

// DecodeMessage decodes a wire payload produced by this package.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return Message{}, mvba.Encoding(fmt.Errorf("decode abba message: %w", err))
	}
	return msg, nil
}
