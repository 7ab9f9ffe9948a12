package broadcast

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/devrev/tabsync/internal/util"
)

// Frame is the unit carried by networked transports. Sender lets receivers
// drop their own posts when the medium echoes them back.
type Frame struct {
	Sender   string `msgpack:"s"`
	Checksum uint32 `msgpack:"c"`
	Data     []byte `msgpack:"d"`
}

// EncodeFrame wraps data with its sender and checksum.
func EncodeFrame(sender string, data []byte) ([]byte, error) {
	return msgpack.Marshal(Frame{
		Sender:   sender,
		Checksum: util.ComputeChecksum(data),
		Data:     data,
	})
}

// DecodeFrame parses and verifies a frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if !util.ValidateChecksum(f.Data, f.Checksum) {
		return Frame{}, fmt.Errorf("frame from %s failed checksum", f.Sender)
	}
	return f, nil
}
