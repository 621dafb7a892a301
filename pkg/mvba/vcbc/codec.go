package vcbc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/quorumlabs/mvba/pkg/mvba"
)

// moduleTag identifies this package's messages to a Broadcaster / transport
// so a host driving several instances can route on receipt.
const moduleTag = "vcbc"

func init() {
	gob.Register(Message{})
}

func encodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, mvba.Encoding(fmt.Errorf("encode vcbc message: %w", err))
	}
	return buf.Bytes(), nil
}

// DecodeMessage decodes a wire payload produced by this package. Hosts use
// it after reading a Bundle off a Broadcaster or transport.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return Message{}, mvba.Encoding(fmt.Errorf("decode vcbc message: %w", err))
	}
	return msg, nil
}
