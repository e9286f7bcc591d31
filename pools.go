package ogstore

import "sync"

const maxPooledRecordBuf = 4 * 1024 * 1024

var recordBufPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 65536)
	},
}

func getRecordBuf() []byte {
	return recordBufPool.Get().([]byte)
}

// releaseRecordBuf returns b to the pool unless it grew too large to keep.
func releaseRecordBuf(b []byte) {
	if cap(b) > maxPooledRecordBuf {
		return
	}
	recordBufPool.Put(b[:0])
}
