package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// FSInfo is the VFS record carried by CLOSE and REMOVE. The VFS owns it; the
// dispatcher only hands a decoded copy to the driver.
type FSInfo struct {
	Node  uint32 `cbor:"1,keyasint"`
	Name  string `cbor:"2,keyasint,omitempty"`
	Type  uint32 `cbor:"3,keyasint,omitempty"`
	Size  int64  `cbor:"4,keyasint,omitempty"`
	Mode  uint32 `cbor:"5,keyasint,omitempty"`
	Owner int32  `cbor:"6,keyasint,omitempty"`
}

var (
	infoEnc cbor.EncMode
	infoDec cbor.DecMode
)

func init() {
	var err error
	infoEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	infoDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeInfo serializes info for a CLOSE or REMOVE payload. A nil info encodes
// to an empty payload.
func EncodeInfo(info *FSInfo) ([]byte, error) {
	if info == nil {
		return nil, nil
	}
	b, err := infoEnc.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode fs info: %w", err)
	}
	return b, nil
}

// DecodeInfo parses a CLOSE or REMOVE payload. An empty payload yields a nil
// info and no error.
func DecodeInfo(payload []byte) (*FSInfo, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var info FSInfo
	if err := infoDec.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("decode fs info: %w", err)
	}
	return &info, nil
}
