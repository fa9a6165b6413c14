package router

import (
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"
)

var ridSeq atomic.Uint64

// newReqID is short and unique enough to correlate log lines.
func newReqID() string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	n := ridSeq.Add(1)
	suffix := []byte{alpha[rand.IntN(len(alpha))], alpha[rand.IntN(len(alpha))]}
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36) + string(suffix)
}
