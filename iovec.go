package bridge

// Block is an owned contiguous byte buffer. Blocks are never shared: once
// appended to an IOVector the vector has exclusive ownership.
type Block []byte

// IOVector is an ordered chain of Blocks representing one logically
// contiguous byte stream. Appending at the tail is O(1); consumption happens
// at the head, advancing within the first block and dropping it once
// exhausted. The chain never holds a zero-length block except transiently
// inside a mutating call.
type IOVector struct {
	chain  []Block
	length int // total bytes held in chain, including consumed prefix
	offset int // consumed bytes within chain[0]
}

// Append transfers ownership of b to the vector. Empty blocks are dropped.
func (v *IOVector) Append(b Block) {
	if len(b) == 0 {
		return
	}
	v.chain = append(v.chain, b)
	v.length += len(b)
}

// Len returns the number of readable bytes.
func (v *IOVector) Len() int {
	return v.length - v.offset
}

// Empty reports whether no readable bytes remain.
func (v *IOVector) Empty() bool {
	return v.Len() == 0
}

// DropFront discards n bytes from the head. n must not exceed Len.
func (v *IOVector) DropFront(n int) {
	if n == 0 {
		return
	}
	if n > v.Len() {
		panic("iovec: DropFront past end")
	}
	if n == v.Len() {
		v.chain = nil
		v.length = 0
		v.offset = 0
		return
	}

	dropped := 0
	for dropped < n {
		avail := len(v.chain[0]) - v.offset
		if dropped+avail <= n {
			v.length -= len(v.chain[0])
			v.chain = v.chain[1:]
			v.offset = 0
			dropped += avail
		} else {
			v.offset += n - dropped
			break
		}
	}
}

// TakeFront removes the first n bytes and returns them as a new vector.
// n must not exceed Len.
func (v *IOVector) TakeFront(n int) IOVector {
	var res IOVector
	if n == 0 {
		return res
	}
	if n > v.Len() {
		panic("iovec: TakeFront past end")
	}
	if n == v.Len() {
		res = *v
		*v = IOVector{}
		return res
	}

	remaining := n
	for remaining > 0 {
		front := v.chain[0]
		avail := len(front) - v.offset
		take := min(remaining, avail)

		block := make(Block, take)
		copy(block, front[v.offset:v.offset+take])
		res.Append(block)

		v.offset += take
		remaining -= take

		if v.offset == len(front) {
			v.length -= len(front)
			v.chain = v.chain[1:]
			v.offset = 0
		}
	}
	return res
}

// Coalesce copies all readable bytes into a single contiguous block. The
// vector itself is not consumed. Value receiver so it can be chained onto
// TakeFront directly.
func (v IOVector) Coalesce() Block {
	if v.Empty() {
		return nil
	}
	res := make(Block, 0, v.Len())
	for i, b := range v.chain {
		if i == 0 {
			res = append(res, b[v.offset:]...)
		} else {
			res = append(res, b...)
		}
	}
	return res
}
