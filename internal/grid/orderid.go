package grid

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/jxskiss/base62"
)

// Client order IDs carry the owning level so fills map back to levels even
// across a restart, when the in-memory order table is gone. Layout:
//
//	g<bot8>-<level>-<nonce>
//
// bot8 is the first 8 hex chars of the bot ID, level and nonce are base62.
// The whole ID stays under the venue's 36 char limit.

var nonceCounter atomic.Int64

// orderIDFor builds a fresh client order ID for a level of a bot.
func orderIDFor(botID string, levelID int) string {
	nonce := nonceCounter.Add(1)
	return fmt.Sprintf("g%s-%s-%s",
		botPrefix(botID),
		base62.FormatInt(int64(levelID)),
		base62.FormatInt(nonce))
}

// seedNonce moves the counter past nonces seen in recovered orders so a
// restarted worker never reissues a live ID.
func seedNonce(clientOrderID string) {
	parts := strings.Split(clientOrderID, "-")
	if len(parts) != 3 {
		return
	}
	nonce, err := base62.ParseInt([]byte(parts[2]))
	if err != nil {
		return
	}
	for {
		cur := nonceCounter.Load()
		if cur >= nonce || nonceCounter.CompareAndSwap(cur, nonce) {
			return
		}
	}
}

// ParseOrderID extracts the level ID from a client order ID belonging to
// the given bot. Returns ok=false for foreign or malformed IDs.
func ParseOrderID(botID, clientOrderID string) (levelID int, ok bool) {
	prefix := "g" + botPrefix(botID) + "-"
	if !strings.HasPrefix(clientOrderID, prefix) {
		return 0, false
	}
	parts := strings.Split(strings.TrimPrefix(clientOrderID, prefix), "-")
	if len(parts) != 2 {
		return 0, false
	}
	lvl, err := base62.ParseInt([]byte(parts[0]))
	if err != nil || lvl < 0 {
		return 0, false
	}
	return int(lvl), true
}

func botPrefix(botID string) string {
	clean := strings.ReplaceAll(botID, "-", "")
	if len(clean) > 8 {
		clean = clean[:8]
	}
	return clean
}
