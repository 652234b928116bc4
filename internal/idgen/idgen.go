// Package idgen generates identifiers for exchange orders and history records.
package idgen

import (
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// MaxClientOrderIDLen is the longest client order id Binance accepts.
const MaxClientOrderIDLen = 36

// NewClientOrderID returns "<prefix>-<millis>-<random>" in base62, at most MaxClientOrderIDLen long.
// Ids sort by creation time within the same prefix.
func NewClientOrderID(prefix string) string {
	ts := base62.FormatUint(uint64(time.Now().UnixMilli()))
	u := uuid.New()
	id := prefix + "-" + string(ts) + "-" + base62.EncodeToString(u[:])
	if len(id) > MaxClientOrderIDLen {
		id = id[:MaxClientOrderIDLen]
	}
	return id
}

// NewRecordID returns a random id for trade and quote rows.
func NewRecordID() string {
	return uuid.NewString()
}
