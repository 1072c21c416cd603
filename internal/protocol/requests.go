package protocol

// Request payload builders. The dispatcher decodes fields in exactly this order.

func OpenRequest(node uint32, flags int32) []byte {
	return NewWriter().WriteInt(int32(node)).WriteInt(flags).Bytes()
}

func WriteRequest(node uint32, data []byte, seek int32) []byte {
	return NewWriter().WriteInt(int32(node)).WriteBytes(data).WriteInt(seek).Bytes()
}

func ReadRequest(node uint32, size, seek int32) []byte {
	return NewWriter().WriteInt(int32(node)).WriteInt(size).WriteInt(seek).Bytes()
}

func ControlRequest(node uint32, cmd int32, arg []byte) []byte {
	return NewWriter().WriteInt(int32(node)).WriteInt(cmd).WriteBytes(arg).Bytes()
}

func AddRequest(node uint32, name string, entryType int32) []byte {
	return NewWriter().WriteInt(int32(node)).WriteString(name).WriteInt(entryType).Bytes()
}

// DMAReply is the decoded body of a DMA_QUERY reply.
type DMAReply struct {
	Addr int32
	Size int32
}

func DecodeDMAReply(payload []byte) (DMAReply, error) {
	r := NewReader(payload)
	addr, err := r.ReadInt()
	if err != nil {
		return DMAReply{}, err
	}
	size, err := r.ReadInt()
	if err != nil {
		return DMAReply{}, err
	}
	return DMAReply{Addr: addr, Size: size}, nil
}
