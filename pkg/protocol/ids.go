package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// MessageID derives the dedup key of an application message.
func MessageID(from, content string, timestamp time.Time) string {
	data := fmt.Sprintf("%s-%s-%d", content, from, timestamp.UnixNano())
	hash := sha256.Sum256([]byte(data))
	return base64.URLEncoding.EncodeToString(hash[:])
}

// AssignPeerID picks a fresh "peer_" id. When the short form collides with
// a taken id, a timestamped form is used instead.
func AssignPeerID(now time.Time, taken func(string) bool) string {
	id := "peer_" + randomBase36(7)
	if taken == nil || !taken(id) {
		return id
	}
	return fmt.Sprintf("peer_%d_%s", now.UnixMilli(), randomBase36(3))
}

func randomBase36(n int) string {
	var b strings.Builder
	max := big.NewInt(int64(len(base36)))
	for i := 0; i < n; i++ {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			v = big.NewInt(time.Now().UnixNano() % int64(len(base36)))
		}
		b.WriteByte(base36[v.Int64()])
	}
	return b.String()
}
